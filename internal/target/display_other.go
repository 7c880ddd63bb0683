//go:build !linux || android

package target

import "image"

// Display is unavailable on this platform.
type Display struct{}

// OpenDisplay returns ErrUnsupported.
func OpenDisplay() (*Display, error) {
	return nil, ErrUnsupported
}

func (d *Display) Windows() ([]Window, error) { return nil, ErrUnsupported }

func (d *Display) Geometry(uint32) (image.Rectangle, error) { return image.Rectangle{}, ErrUnsupported }

func (d *Display) Pointer() (image.Point, error) { return image.Point{}, ErrUnsupported }

func (d *Display) Close() error { return nil }
