package pipeline

import (
	"fmt"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/omx"
)

var (
	// ErrDrainTimeout ends a run that made no progress for Backoff.Timeout.
	ErrDrainTimeout = errors.New("pipeline stalled: no progress before drain timeout")

	// ErrTruncated is returned by a link when a payload does not fit the
	// receiving descriptor.
	ErrTruncated = errors.New("payload larger than destination buffer")

	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrPortsEnabled is returned when a stage would leave Executing, or be
	// destroyed, with buffers still enabled on a port.
	ErrPortsEnabled = errors.New("port buffers still enabled")

	ErrPortNotEnabled = errors.New("port buffers not enabled")

	ErrWrongDirection = errors.New("wrong port direction")

	ErrBadPort = errors.New("no such port")

	// ErrBuffersOutstanding is returned when disabling a port whose
	// descriptors have not all been handed back.
	ErrBuffersOutstanding = errors.New("descriptors still outstanding")

	ErrNoStages = errors.New("pipeline has no stages")
)

// FatalError is an asynchronous stage error that stops the run.
type FatalError struct {
	Stage string
	Code  omx.Error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Code)
}

func (e *FatalError) Unwrap() error {
	return e.Code
}
