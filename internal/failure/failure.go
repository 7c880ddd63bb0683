// Package failure defines the error kinds reported by the recorder and a
// wrapping error type that carries a kind alongside the underlying cause.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a recorder failure.
type Kind int

const (
	Unknown Kind = iota
	InvalidConfig
	DeviceUnavailable
	EncoderInitFailed
	NoSuitableEncoder
	CaptureSourceLost
	BufferOverflow
	WriteIOError
	InvalidState
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	InvalidConfig:     "invalid config",
	DeviceUnavailable: "device unavailable",
	EncoderInitFailed: "encoder init failed",
	NoSuitableEncoder: "no suitable encoder",
	CaptureSourceLost: "capture source lost",
	BufferOverflow:    "buffer overflow",
	WriteIOError:      "write i/o error",
	InvalidState:      "invalid state",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel errors, one per kind. An *Error matches the sentinel of its
// kind under errors.Is.
var (
	ErrInvalidConfig     = errors.New("reel: invalid config")
	ErrDeviceUnavailable = errors.New("reel: device unavailable")
	ErrEncoderInitFailed = errors.New("reel: encoder init failed")
	ErrNoSuitableEncoder = errors.New("reel: no suitable encoder")
	ErrCaptureSourceLost = errors.New("reel: capture source lost")
	ErrBufferOverflow    = errors.New("reel: buffer overflow")
	ErrWriteIO           = errors.New("reel: write i/o error")
	ErrInvalidState      = errors.New("reel: invalid state")
)

var sentinels = map[Kind]error{
	InvalidConfig:     ErrInvalidConfig,
	DeviceUnavailable: ErrDeviceUnavailable,
	EncoderInitFailed: ErrEncoderInitFailed,
	NoSuitableEncoder: ErrNoSuitableEncoder,
	CaptureSourceLost: ErrCaptureSourceLost,
	BufferOverflow:    ErrBufferOverflow,
	WriteIOError:      ErrWriteIO,
	InvalidState:      ErrInvalidState,
}

// Sentinel returns the sentinel error for k, or nil for Unknown.
func Sentinel(k Kind) error {
	return sentinels[k]
}

// Error records which operation failed, with what kind, and why.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and the name of the failing operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("reel: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("reel: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind, or another
// *Error of the same kind.
func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Kind]; ok && target == s {
		return true
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && other.Op == "" && other.Err == nil
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
