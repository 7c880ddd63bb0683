package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"
)

// ErrNoLoopback is returned when no desktop audio capture device exists.
var ErrNoLoopback = errors.New("audio: no desktop loopback or monitor device")

// Malgo is the miniaudio-backed Backend.
type Malgo struct {
	ctx *malgo.AllocatedContext
	log *slog.Logger
}

// NewMalgo initialises a miniaudio context.
func NewMalgo(log *slog.Logger) (*Malgo, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "malgo")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Malgo{ctx: ctx, log: log}, nil
}

// Devices lists capture devices.
func (m *Malgo) Devices() ([]DeviceInfo, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, DeviceInfo{
			ID:      info.ID.String(),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return out, nil
}

// Open initialises a device. Desktop audio uses WASAPI loopback on Windows
// and a PulseAudio/PipeWire monitor source elsewhere.
func (m *Malgo) Open(cfg DeviceConfig, onData func([]byte)) (Device, error) {
	typ := malgo.Capture
	id := cfg.DeviceID
	if cfg.Kind == KindDesktop && id == "" {
		if runtime.GOOS == "windows" {
			typ = malgo.Loopback
		} else {
			mon, err := m.monitorDevice()
			if err != nil {
				return nil, err
			}
			id = mon
		}
	}

	dc := malgo.DefaultDeviceConfig(typ)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.Alsa.NoMMap = 1

	var infos []malgo.DeviceInfo
	if id != "" {
		var err error
		infos, err = m.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, fmt.Errorf("enumerate capture devices: %w", err)
		}
		found := false
		for i := range infos {
			if infos[i].ID.String() == id {
				dc.Capture.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("capture device %q not found", id)
		}
	}

	dev, err := malgo.InitDevice(m.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			if frames > 0 {
				onData(input)
			}
		},
	})
	runtime.KeepAlive(infos)
	if err != nil {
		return nil, fmt.Errorf("init %s device: %w", cfg.Kind, err)
	}
	return &malgoDevice{dev: dev}, nil
}

func (m *Malgo) monitorDevice() (string, error) {
	devices, err := m.Devices()
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), "monitor") {
			m.log.Debug("using monitor source for desktop audio", "name", d.Name)
			return d.ID, nil
		}
	}
	return "", ErrNoLoopback
}

// Close releases the context.
func (m *Malgo) Close() error {
	err := m.ctx.Uninit()
	m.ctx.Free()
	return err
}

type malgoDevice struct {
	dev *malgo.Device
}

func (d *malgoDevice) Start() error { return d.dev.Start() }
func (d *malgoDevice) Stop() error  { return d.dev.Stop() }

func (d *malgoDevice) Close() error {
	d.dev.Uninit()
	return nil
}

// ListDevices enumerates capture devices through a short-lived context.
func ListDevices(log *slog.Logger) ([]DeviceInfo, error) {
	m, err := NewMalgo(log)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return m.Devices()
}
