package sink

import (
	"github.com/lanikai/ilpipe/internal/buffer"
)

type tee []Sink

// Tee writes every frame to all sinks in order. The first error is returned
// after all sinks have been written.
func Tee(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return tee(sinks)
}

func (t tee) WriteFrame(p []byte, flags buffer.Flags) error {
	var first error
	for _, s := range t {
		if err := s.WriteFrame(p, flags); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
