package ilpipe

import "github.com/pkg/errors"

var (
	// ErrInvalidConfig marks configuration errors, reported as usage errors
	// by the command.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// invalid wraps a configuration error.
func invalid(format string, a ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, a...)
}
