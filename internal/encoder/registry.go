package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/zsiec/reel/internal/failure"
	"github.com/zsiec/reel/media"
)

// Backend is a source of encoder implementations.
type Backend interface {
	// Available lists the encoders this backend can open.
	Available(ctx context.Context) ([]Descriptor, error)
	// Open initialises an encoder. It returns an error when the
	// implementation cannot run on this machine.
	Open(ctx context.Context, d Descriptor, p Params) (Encoder, error)
}

// Registry selects and opens encoders. The backend's list is read once and
// cached.
type Registry struct {
	backend Backend
	log     *slog.Logger

	mu     sync.Mutex
	list   []Descriptor
	err    error
	loaded bool
}

// NewRegistry creates a Registry over backend. If log is nil,
// slog.Default() is used.
func NewRegistry(backend Backend, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{backend: backend, log: log.With("component", "encoders")}
}

// List returns every available encoder in preference order: by kind and
// codec, hardware before software, then by priority.
func (r *Registry) List(ctx context.Context) ([]Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		list, err := r.backend.Available(ctx)
		if err != nil {
			// Not cached: the backend may appear later (e.g. PATH changes).
			return nil, fmt.Errorf("list encoders: %w", err)
		}
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if a.Kind != b.Kind {
				return a.Kind < b.Kind
			}
			if a.Type != b.Type {
				return a.Type < b.Type
			}
			if a.Hardware != b.Hardware {
				return a.Hardware
			}
			return a.Priority < b.Priority
		})
		r.list, r.loaded = list, true
	}
	return append([]Descriptor(nil), r.list...), nil
}

// Candidates returns the encoders for typ in preference order.
func (r *Registry) Candidates(ctx context.Context, typ media.Codec) ([]Descriptor, error) {
	list, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Descriptor
	for _, d := range list {
		if d.Type == typ {
			out = append(out, d)
		}
	}
	return out, nil
}

// Preferred returns the first candidate for typ.
func (r *Registry) Preferred(ctx context.Context, typ media.Codec) (Descriptor, error) {
	cands, err := r.Candidates(ctx, typ)
	if err != nil {
		return Descriptor{}, failure.New(failure.NoSuitableEncoder, "preferred encoder", err)
	}
	if len(cands) == 0 {
		return Descriptor{}, failure.Newf(failure.NoSuitableEncoder, "preferred encoder", "no %s encoder available", typ)
	}
	return cands[0], nil
}

// Open opens the encoder called name, or when name is empty the first
// candidate for typ that initialises. A named encoder that is unknown or
// fails gives EncoderInitFailed. Without a name, no candidates gives
// NoSuitableEncoder and all candidates failing gives EncoderInitFailed.
func (r *Registry) Open(ctx context.Context, name string, typ media.Codec, p Params) (Encoder, error) {
	p.setDefaults()
	op := fmt.Sprintf("open %s encoder", typ)

	cands, listErr := r.Candidates(ctx, typ)
	if name != "" {
		for _, d := range cands {
			if d.Name != name {
				continue
			}
			enc, err := r.backend.Open(ctx, d, p)
			if err != nil {
				return nil, failure.New(failure.EncoderInitFailed, op, fmt.Errorf("%s: %w", name, err))
			}
			r.log.Info("encoder opened", "encoder", d.Name, "hardware", d.Hardware, "track", p.Track)
			return enc, nil
		}
		cause := fmt.Errorf("encoder %q not available", name)
		if listErr != nil {
			cause = errors.Join(cause, listErr)
		}
		return nil, failure.New(failure.EncoderInitFailed, op, cause)
	}

	if len(cands) == 0 {
		if listErr != nil {
			return nil, failure.New(failure.NoSuitableEncoder, op, listErr)
		}
		return nil, failure.Newf(failure.NoSuitableEncoder, op, "no %s encoder available", typ)
	}

	var result *multierror.Error
	for _, d := range cands {
		enc, err := r.backend.Open(ctx, d, p)
		if err != nil {
			r.log.Debug("encoder candidate failed", "encoder", d.Name, "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", d.Name, err))
			continue
		}
		r.log.Info("encoder opened", "encoder", d.Name, "hardware", d.Hardware, "track", p.Track)
		return enc, nil
	}
	return nil, failure.New(failure.EncoderInitFailed, op, result.ErrorOrNil())
}
