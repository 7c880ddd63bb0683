package failure

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := New(DeviceUnavailable, "open microphone", io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Error("errors.Is(err, ErrDeviceUnavailable) = false, want true")
	}
	if errors.Is(err, ErrInvalidConfig) {
		t.Error("errors.Is(err, ErrInvalidConfig) = true, want false")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestKindOfWrapped(t *testing.T) {
	t.Parallel()

	inner := New(EncoderInitFailed, "open encoder", errors.New("exit status 1"))
	wrapped := fmt.Errorf("start: %w", inner)

	if got := KindOf(wrapped); got != EncoderInitFailed {
		t.Errorf("KindOf: got %v, want %v", got, EncoderInitFailed)
	}
	if !Is(wrapped, EncoderInitFailed) {
		t.Error("Is(wrapped, EncoderInitFailed) = false")
	}
	if got := KindOf(fmt.Errorf("x: %w", ErrWriteIO)); got != WriteIOError {
		t.Errorf("KindOf(sentinel): got %v, want %v", got, WriteIOError)
	}
	if got := KindOf(errors.New("plain")); got != Unknown {
		t.Errorf("KindOf(plain): got %v, want %v", got, Unknown)
	}
	if Is(nil, Unknown) {
		t.Error("Is(nil, ...) should be false")
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := Newf(InvalidConfig, "validate", "fps %d/%d", 0, 1)
	want := "reel: validate: invalid config: fps 0/1"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}

	bare := New(InvalidState, "save replay", nil)
	if bare.Error() != "reel: save replay: invalid state" {
		t.Errorf("got %q", bare.Error())
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	for k := Unknown; k <= InvalidState; k++ {
		if k.String() == "" {
			t.Errorf("kind %d has empty name", int(k))
		}
		if k != Unknown && Sentinel(k) == nil {
			t.Errorf("kind %v has no sentinel", k)
		}
	}
}
