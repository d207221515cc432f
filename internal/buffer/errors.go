package buffer

import errors "golang.org/x/xerrors"

var (
	// ErrNotFound is returned by Remove when the descriptor is not queued in
	// the pool. It indicates an accounting fault in the caller.
	ErrNotFound = errors.New("descriptor not found in pool")

	// ErrDuplicate is returned when inserting a descriptor that is already
	// queued somewhere.
	ErrDuplicate = errors.New("descriptor already queued")

	// ErrForeign is returned when inserting a descriptor into a pool bound to
	// a different set.
	ErrForeign = errors.New("descriptor belongs to another set")

	// ErrFull is returned when a pool is at capacity.
	ErrFull = errors.New("pool full")

	// ErrTimeout is returned by AcquireWait when no descriptor became
	// available in time.
	ErrTimeout = errors.New("timed out waiting for descriptor")
)
