//go:build linux && !android

package target

import (
	"fmt"
	"image"
	"os"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/BurntSushi/xgbutil/xwindow"
)

// Display is a connection to the X server.
type Display struct {
	x *xgbutil.XUtil
}

// OpenDisplay connects to the X server named by $DISPLAY.
func OpenDisplay() (*Display, error) {
	name := os.Getenv("DISPLAY")
	x, err := xgbutil.NewConnDisplay(name)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to X server using DISPLAY %q: %w", name, err)
	}
	return &Display{x: x}, nil
}

// Windows lists the managed top-level windows.
func (d *Display) Windows() ([]Window, error) {
	ids, err := ewmh.ClientListGet(d.x)
	if err != nil {
		return nil, fmt.Errorf("unable to get client list: %w", err)
	}
	active, _ := ewmh.ActiveWindowGet(d.x)
	monitors := ListMonitors()

	out := make([]Window, 0, len(ids))
	for _, id := range ids {
		bounds, err := d.geometry(id)
		if err != nil {
			continue
		}
		w := Window{
			ID:      uint32(id),
			Bounds:  bounds,
			Focused: id == active,
		}
		if title, err := ewmh.WmNameGet(d.x, id); err == nil {
			w.Title = title
		} else if title, err := icccm.WmNameGet(d.x, id); err == nil {
			w.Title = title
		}
		if class, err := icccm.WmClassGet(d.x, id); err == nil {
			w.Class = class.Class
		}
		if pid, err := ewmh.WmPidGet(d.x, id); err == nil {
			w.PID = int32(pid)
			w.Executable = processName(w.PID)
		}
		placeOnMonitors(&w, monitors)
		out = append(out, w)
	}
	return out, nil
}

// Geometry returns the window's current on-screen bounds including
// decorations. A destroyed window gives ErrWindowGone.
func (d *Display) Geometry(id uint32) (image.Rectangle, error) {
	r, err := d.geometry(xproto.Window(id))
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("%w: %d: %v", ErrWindowGone, id, err)
	}
	return r, nil
}

func (d *Display) geometry(id xproto.Window) (image.Rectangle, error) {
	g, err := xwindow.New(d.x, id).DecorGeometry()
	if err != nil {
		return image.Rectangle{}, err
	}
	return image.Rect(g.X(), g.Y(), g.X()+g.Width(), g.Y()+g.Height()), nil
}

// Pointer returns the cursor position in root window coordinates.
func (d *Display) Pointer() (image.Point, error) {
	reply, err := xproto.QueryPointer(d.x.Conn(), d.x.RootWin()).Reply()
	if err != nil {
		return image.Point{}, err
	}
	return image.Pt(int(reply.RootX), int(reply.RootY)), nil
}

// Close closes the connection.
func (d *Display) Close() error {
	d.x.Conn().Close()
	return nil
}
