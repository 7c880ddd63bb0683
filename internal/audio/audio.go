// Package audio captures PCM from desktop loopback and microphone devices.
// Each source becomes its own track; nothing is mixed here.
package audio

import (
	"fmt"
	"strings"
)

// Kind is the role of an audio source.
type Kind string

const (
	KindDesktop    Kind = "desktop"
	KindMicrophone Kind = "microphone"
)

// ParseKind parses "desktop" or "microphone" ("mic" is accepted).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "desktop", "system":
		return KindDesktop, nil
	case "microphone", "mic":
		return KindMicrophone, nil
	}
	return "", fmt.Errorf("unknown audio source kind %q", s)
}

// DeviceInfo describes a capture device.
type DeviceInfo struct {
	ID      string
	Name    string
	Default bool
}

// DeviceConfig is what a Backend needs to open a device. An empty
// DeviceID selects the backend's default for the kind.
type DeviceConfig struct {
	Kind       Kind
	DeviceID   string
	SampleRate int
	Channels   int
}

// Device is an opened capture device. Data is delivered to the callback
// given to Backend.Open from a backend-owned thread.
type Device interface {
	Start() error
	Stop() error
	Close() error
}

// Backend opens capture devices.
type Backend interface {
	Devices() ([]DeviceInfo, error)
	Open(cfg DeviceConfig, onData func(pcm []byte)) (Device, error)
}

// Match returns the device selected by sel: an exact ID, or else the first
// device whose name contains sel, ignoring case. An empty selector picks
// the default device, if one is flagged.
func Match(devices []DeviceInfo, sel string) (DeviceInfo, bool) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		for _, d := range devices {
			if d.Default {
				return d, true
			}
		}
		return DeviceInfo{}, false
	}
	for _, d := range devices {
		if d.ID == sel {
			return d, true
		}
	}
	want := strings.ToLower(sel)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// applyGain scales interleaved S16LE samples in place, clipping to the
// int16 range.
func applyGain(pcm []byte, gain float64) {
	if gain == 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)) * gain
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		s := uint16(int16(v))
		pcm[i] = byte(s)
		pcm[i+1] = byte(s >> 8)
	}
}
