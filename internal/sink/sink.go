// Package sink holds the consumers of pipeline output.
package sink

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/logging"
)

var log = logging.DefaultLogger.WithTag("sink")

var ErrClosed = errors.New("sink closed")

// Sink receives the payload of every filled output buffer. The payload is
// only valid for the duration of the call.
type Sink interface {
	WriteFrame(p []byte, flags buffer.Flags) error
	io.Closer
}

// Open a sink by path. "-" is standard output, "null" discards everything,
// anything else is a file created or truncated.
func Open(path string) (Sink, error) {
	switch path {
	case "":
		return nil, errors.New("open sink: empty path")
	case "-":
		return NewWriter(nopCloser{os.Stdout}), nil
	case "null":
		return Discard(), nil
	}
	path = strings.TrimPrefix(path, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "open sink")
	}
	return NewWriter(f), nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Stdout reports whether s writes to standard output.
func (s *Writer) Stdout() bool {
	nc, ok := s.w.(nopCloser)
	return ok && nc.Writer == os.Stdout
}
