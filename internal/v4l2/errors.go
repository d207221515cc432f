package v4l2

import errors "golang.org/x/xerrors"

var (
	// ErrTimeout is returned when no frame became ready in time.
	ErrTimeout = errors.New("v4l2: timeout waiting for frame")

	ErrNotDevice = errors.New("v4l2: not a character device")

	ErrNoCapture = errors.New("v4l2: device does not support capture")

	ErrUnsupported = errors.New("v4l2: not supported on this platform")

	// ErrShortBuffer is returned when a frame does not fit the caller's
	// buffer. The frame is dropped.
	ErrShortBuffer = errors.New("v4l2: frame larger than buffer")
)
