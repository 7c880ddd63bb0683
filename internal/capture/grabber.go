package capture

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/kbinani/screenshot"

	"github.com/zsiec/reel/internal/target"
)

// ErrTargetGone is returned by a Grabber whose window has been closed.
var ErrTargetGone = errors.New("capture: target gone")

// Target selects what to capture. A non-zero Window takes precedence over
// Monitor.
type Target struct {
	Monitor int
	Window  uint32
	// Cursor draws the pointer position into each frame where supported.
	Cursor bool
}

func (t Target) String() string {
	if t.Window != 0 {
		return fmt.Sprintf("window %#x", t.Window)
	}
	return fmt.Sprintf("monitor %d", t.Monitor)
}

// Grabber produces frames of a fixed size.
type Grabber interface {
	// Size is fixed for the lifetime of the grabber.
	Size() (width, height int)
	Grab() (*image.RGBA, error)
	Close() error
}

// GrabberFunc opens a Grabber for a target.
type GrabberFunc func(t Target) (Grabber, error)

// pointer reports the cursor position relative to the captured area.
type pointer interface {
	Pointer() (image.Point, error)
}

// Open is the default GrabberFunc. Monitors are captured with the
// screenshot package; windows are located through the X server each frame.
func Open(t Target) (Grabber, error) {
	if t.Window != 0 {
		return openWindow(t)
	}
	bounds, err := target.MonitorBounds(t.Monitor)
	if err != nil {
		return nil, err
	}
	g := &screenGrabber{bounds: bounds}
	if t.Cursor {
		// Cursor sampling is best effort.
		if d, err := target.OpenDisplay(); err == nil {
			g.display = d
		}
	}
	return g, nil
}

type screenGrabber struct {
	bounds  image.Rectangle
	display *target.Display
}

func (g *screenGrabber) Size() (int, int) { return g.bounds.Dx(), g.bounds.Dy() }

func (g *screenGrabber) Grab() (*image.RGBA, error) {
	img, err := screenshot.CaptureRect(g.bounds)
	if err != nil {
		return nil, fmt.Errorf("capture %v: %w", g.bounds, err)
	}
	return img, nil
}

func (g *screenGrabber) Pointer() (image.Point, error) {
	if g.display == nil {
		return image.Point{}, target.ErrUnsupported
	}
	p, err := g.display.Pointer()
	if err != nil {
		return image.Point{}, err
	}
	return p.Sub(g.bounds.Min), nil
}

func (g *screenGrabber) Close() error {
	if g.display != nil {
		return g.display.Close()
	}
	return nil
}

type windowGrabber struct {
	display *target.Display
	id      uint32
	size    image.Point
	origin  image.Point
	cursor  bool
}

func openWindow(t Target) (Grabber, error) {
	d, err := target.OpenDisplay()
	if err != nil {
		return nil, err
	}
	r, err := d.Geometry(t.Window)
	if err != nil {
		d.Close()
		return nil, err
	}
	if r.Empty() {
		d.Close()
		return nil, fmt.Errorf("window %#x has no area", t.Window)
	}
	return &windowGrabber{
		display: d,
		id:      t.Window,
		size:    r.Size(),
		origin:  r.Min,
		cursor:  t.Cursor,
	}, nil
}

func (g *windowGrabber) Size() (int, int) { return g.size.X, g.size.Y }

// Grab follows the window if it moves. The captured size never changes.
func (g *windowGrabber) Grab() (*image.RGBA, error) {
	r, err := g.display.Geometry(g.id)
	if err != nil {
		if errors.Is(err, target.ErrWindowGone) {
			return nil, fmt.Errorf("%w: %v", ErrTargetGone, err)
		}
		return nil, err
	}
	g.origin = r.Min
	img, err := screenshot.CaptureRect(image.Rectangle{Min: r.Min, Max: r.Min.Add(g.size)})
	if err != nil {
		return nil, fmt.Errorf("capture window %#x: %w", g.id, err)
	}
	return img, nil
}

func (g *windowGrabber) Pointer() (image.Point, error) {
	if !g.cursor {
		return image.Point{}, target.ErrUnsupported
	}
	p, err := g.display.Pointer()
	if err != nil {
		return image.Point{}, err
	}
	return p.Sub(g.origin), nil
}

func (g *windowGrabber) Close() error {
	return g.display.Close()
}

const cursorArm = 8

var (
	cursorFill    = color.RGBA{255, 255, 255, 255}
	cursorOutline = color.RGBA{0, 0, 0, 255}
)

// drawCursor paints a crosshair centred on p. Points outside img are
// clipped.
func drawCursor(img *image.RGBA, p image.Point) {
	b := img.Bounds()
	p = p.Add(b.Min)
	for d := -cursorArm; d <= cursorArm; d++ {
		for _, off := range []int{-1, 1} {
			setIn(img, p.X+d, p.Y+off, cursorOutline)
			setIn(img, p.X+off, p.Y+d, cursorOutline)
		}
	}
	for d := -cursorArm; d <= cursorArm; d++ {
		setIn(img, p.X+d, p.Y, cursorFill)
		setIn(img, p.X, p.Y+d, cursorFill)
	}
}

func setIn(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}
