// Package target enumerates what can be recorded: monitors, and top-level
// windows with the process that owns them.
package target

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/kbinani/screenshot"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	// ErrUnsupported is returned where window enumeration is not available
	// on this platform.
	ErrUnsupported = errors.New("target: window enumeration not supported on this platform")
	// ErrWindowGone is returned when a window no longer exists.
	ErrWindowGone = errors.New("target: window no longer exists")
	// ErrNoMatch is returned when no window belongs to the named process.
	ErrNoMatch = errors.New("target: no window matches process")
)

// Monitor is one active display.
type Monitor struct {
	Index   int
	Bounds  image.Rectangle
	Primary bool
}

// Window is a top-level application window.
type Window struct {
	ID         uint32
	Title      string
	Class      string
	Executable string
	PID        int32
	Bounds     image.Rectangle
	// Monitor is the index of the monitor holding most of the window.
	Monitor       int
	MonitorBounds image.Rectangle
	Focused       bool
	// IntersectsMultiple is set when the window spans more than one monitor.
	IntersectsMultiple bool
}

// Area returns the window's on-screen area in pixels.
func (w Window) Area() int {
	return w.Bounds.Dx() * w.Bounds.Dy()
}

// ListMonitors returns the active displays. Display 0 is the primary.
func ListMonitors() []Monitor {
	n := screenshot.NumActiveDisplays()
	out := make([]Monitor, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Monitor{
			Index:   i,
			Bounds:  screenshot.GetDisplayBounds(i),
			Primary: i == 0,
		})
	}
	return out
}

// MonitorBounds returns the bounds of monitor index.
func MonitorBounds(index int) (image.Rectangle, error) {
	if n := screenshot.NumActiveDisplays(); index < 0 || index >= n {
		return image.Rectangle{}, fmt.Errorf("monitor %d out of range (%d active)", index, n)
	}
	return screenshot.GetDisplayBounds(index), nil
}

// placeOnMonitors fills in the monitor fields of w.
func placeOnMonitors(w *Window, monitors []Monitor) {
	best, bestArea, hits := -1, 0, 0
	for _, m := range monitors {
		in := w.Bounds.Intersect(m.Bounds)
		if in.Empty() {
			continue
		}
		hits++
		if a := in.Dx() * in.Dy(); a > bestArea {
			best, bestArea = m.Index, a
		}
	}
	w.IntersectsMultiple = hits > 1
	if best >= 0 {
		w.Monitor = best
		w.MonitorBounds = monitors[best].Bounds
	}
}

// processName returns the executable name of pid.
func processName(pid int32) string {
	if pid <= 0 {
		return ""
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}

func normalizeExe(name string) string {
	name = strings.ToLower(filepath.Base(strings.TrimSpace(name)))
	return strings.TrimSuffix(name, ".exe")
}

// FindByProcessName picks the window to record for an executable name.
// Matching ignores case and a trailing ".exe". The focused window wins,
// then the largest.
func FindByProcessName(windows []Window, name string) (Window, error) {
	want := normalizeExe(name)
	var best *Window
	for i := range windows {
		w := &windows[i]
		if normalizeExe(w.Executable) != want {
			continue
		}
		switch {
		case best == nil:
			best = w
		case w.Focused && !best.Focused:
			best = w
		case w.Focused == best.Focused && w.Area() > best.Area():
			best = w
		}
	}
	if best == nil {
		return Window{}, fmt.Errorf("%w %q", ErrNoMatch, name)
	}
	return *best, nil
}
