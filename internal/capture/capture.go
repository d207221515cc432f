// Package capture provides frame sources: V4L2 devices, a generated test
// card and files of concatenated JPEG frames.
package capture

import (
	"fmt"
	"strings"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/logging"
)

var log = logging.DefaultLogger.WithTag("capture")

var (
	// ErrTimeout is returned when no frame became available in time.
	ErrTimeout = errors.New("capture timeout")

	ErrNotStarted = errors.New("capture not started")

	ErrClosed = errors.New("capture closed")

	// ErrShortBuffer is returned when a frame does not fit the destination.
	ErrShortBuffer = errors.New("frame larger than buffer")

	errBusy = errors.New("source is streaming")
)

type PixelFormat int

const (
	PixelFormatYUV420 PixelFormat = iota
	PixelFormatYUYV
	PixelFormatMJPEG
	PixelFormatH264
)

var pixelFormatNames = [...]string{"yuv420", "yuyv", "mjpeg", "h264"}

func (p PixelFormat) String() string {
	if p < 0 || int(p) >= len(pixelFormatNames) {
		return fmt.Sprintf("pixfmt(%d)", int(p))
	}
	return pixelFormatNames[p]
}

func ParsePixelFormat(s string) (PixelFormat, error) {
	for i, name := range pixelFormatNames {
		if strings.EqualFold(s, name) {
			return PixelFormat(i), nil
		}
	}
	switch strings.ToLower(s) {
	case "i420", "yu12":
		return PixelFormatYUV420, nil
	case "mjpg", "jpeg":
		return PixelFormatMJPEG, nil
	}
	return 0, errors.Errorf("unknown pixel format %q", s)
}

// Compressed reports whether frames vary in size.
func (p PixelFormat) Compressed() bool {
	return p == PixelFormatMJPEG || p == PixelFormatH264
}

// Format is a capture format request, and the format a source settled on.
type Format struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
	FrameRate   int

	// Force the format onto the device rather than using its current one.
	Force bool

	// Use read(2) rather than memory-mapped streaming, where it applies.
	ReadIO bool
}

func (f Format) String() string {
	s := fmt.Sprintf("%dx%d %s", f.Width, f.Height, f.PixelFormat)
	if f.FrameRate > 0 {
		s += fmt.Sprintf(" @%dfps", f.FrameRate)
	}
	return s
}

// PlanarSize is the size of a planar 4:2:0 frame with rows padded to 32
// bytes and planes padded to 16 lines.
func PlanarSize(width, height int) int {
	pitch := (width + 31) &^ 31
	height16 := (height + 15) &^ 15
	return pitch * height16 * 3 / 2
}

// Source is a frame producer.
type Source interface {
	// Configure negotiates the format and returns the buffer size a frame
	// needs.
	Configure(f Format) (int, error)

	// Format returns the negotiated format.
	Format() Format

	Start() error
	Stop() error
	Close() error

	// Dequeue returns the next frame in a newly allocated buffer.
	Dequeue(timeout time.Duration) ([]byte, error)

	// ReadInto copies the next frame into dst.
	ReadInto(dst []byte, timeout time.Duration) (int, error)
}

// dequeue implements Source.Dequeue on top of ReadInto.
func dequeue(src Source, size int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, size)
	n, err := src.ReadInto(buf, timeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
