package recorder

import "github.com/zsiec/reel/internal/failure"

// ErrorKind classifies recorder errors.
type ErrorKind = failure.Kind

const (
	KindInvalidConfig     = failure.InvalidConfig
	KindDeviceUnavailable = failure.DeviceUnavailable
	KindEncoderInitFailed = failure.EncoderInitFailed
	KindNoSuitableEncoder = failure.NoSuitableEncoder
	KindCaptureSourceLost = failure.CaptureSourceLost
	KindBufferOverflow    = failure.BufferOverflow
	KindWriteIOError      = failure.WriteIOError
	KindInvalidState      = failure.InvalidState
)

// Sentinels for errors.Is; every recorder error of a kind matches its
// sentinel.
var (
	ErrInvalidConfig     = failure.ErrInvalidConfig
	ErrDeviceUnavailable = failure.ErrDeviceUnavailable
	ErrEncoderInitFailed = failure.ErrEncoderInitFailed
	ErrNoSuitableEncoder = failure.ErrNoSuitableEncoder
	ErrCaptureSourceLost = failure.ErrCaptureSourceLost
	ErrBufferOverflow    = failure.ErrBufferOverflow
	ErrWriteIO           = failure.ErrWriteIO
	ErrInvalidState      = failure.ErrInvalidState
)

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return failure.Is(err, kind)
}

// KindOf returns the kind of err.
func KindOf(err error) ErrorKind {
	return failure.KindOf(err)
}
