// Package devices tracks which physical capture devices are held by a
// recording session, so two sessions never hold the same device at once.
package devices

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/failure"
)

// MonitorKey names a monitor by index.
func MonitorKey(index int) string {
	return fmt.Sprintf("video:monitor:%d", index)
}

// WindowKey names a window by id.
func WindowKey(id uint32) string {
	return fmt.Sprintf("video:window:%d", id)
}

// DesktopAudioKey names the desktop loopback source.
func DesktopAudioKey() string {
	return "audio:desktop"
}

// MicrophoneKey names a microphone by device id; empty is the default device.
func MicrophoneKey(id string) string {
	if id == "" {
		id = "default"
	}
	return "audio:mic:" + id
}

// Lease is a claim on one device. Release is idempotent.
type Lease struct {
	Key       string
	Owner     string
	ClaimedAt time.Time

	reg  *Registry
	once sync.Once
	done chan struct{}
}

// Release returns the device to the registry.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.reg.release(l)
		close(l.done)
	})
}

// Done is closed once the lease is released.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// Registry hands out device leases.
type Registry struct {
	log    *slog.Logger
	mu     sync.RWMutex
	leases map[string]*Lease
}

var defaultRegistry = NewRegistry(nil)

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log.With("component", "devices"),
		leases: make(map[string]*Lease),
	}
}

// Claim leases the device key to owner. A device already leased fails with
// a DeviceUnavailable error.
func (r *Registry) Claim(key, owner string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.leases[key]; ok {
		r.log.Warn("device already in use, rejecting claim", "device", key, "owner", cur.Owner)
		return nil, failure.Newf(failure.DeviceUnavailable, "claim "+key, "in use by session %s", cur.Owner)
	}

	l := &Lease{
		Key:       key,
		Owner:     owner,
		ClaimedAt: time.Now(),
		reg:       r,
		done:      make(chan struct{}),
	}
	r.leases[key] = l
	r.log.Debug("device claimed", "device", key, "owner", owner)
	return l, nil
}

func (r *Registry) release(l *Lease) {
	r.mu.Lock()
	if cur, ok := r.leases[l.Key]; ok && cur == l {
		delete(r.leases, l.Key)
	}
	r.mu.Unlock()
	r.log.Debug("device released", "device", l.Key, "owner", l.Owner)
}

// Held returns the keys currently leased, sorted.
func (r *Registry) Held() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.leases))
	for k := range r.leases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HeldBy returns the number of leases owned by owner.
func (r *Registry) HeldBy(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, l := range r.leases {
		if l.Owner == owner {
			n++
		}
	}
	return n
}
