package sink

import (
	"io"
	"sync"

	"github.com/lanikai/ilpipe/internal/buffer"
)

// Writer appends frames to a byte stream.
type Writer struct {
	mu     sync.Mutex
	w      io.WriteCloser
	frames int
	bytes  int64
	closed bool
}

func NewWriter(w io.WriteCloser) *Writer {
	return &Writer{w: w}
}

func (s *Writer) WriteFrame(p []byte, flags buffer.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	n, err := s.w.Write(p)
	s.bytes += int64(n)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	s.frames++
	if flags.Has(buffer.FlagCodecConfig) {
		log.Debug("codec config: % x", p)
	}
	return nil
}

// Written returns the number of frames and bytes written.
func (s *Writer) Written() (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.bytes
}

func (s *Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

type discard struct{}

// Discard returns a sink that drops every frame.
func Discard() Sink { return discard{} }

func (discard) WriteFrame(p []byte, flags buffer.Flags) error { return nil }
func (discard) Close() error                                  { return nil }
