package capture

import (
	"bytes"
	"image/jpeg"
	"os"
	"sync"
	"time"

	errors "golang.org/x/xerrors"
)

func init() {
	Register("file", func(path string) (Source, error) {
		return OpenFile(path)
	})
}

// replay loops over frames held in memory.
type replay struct {
	mu      sync.Mutex
	path    string
	frames  [][]byte
	format  Format
	largest int
	next    int
	started bool
	closed  bool

	interval time.Duration
	due      time.Time
}

func (r *replay) init(path string, frames [][]byte, format Format) {
	r.path, r.frames, r.format = path, frames, format
	for _, f := range frames {
		if len(f) > r.largest {
			r.largest = len(f)
		}
	}
	log.Debug("%s: %d frames, %s", path, len(frames), format)
}

// Configure accepts any request; the geometry always comes from the file.
// Only the frame rate is honoured.
func (r *replay) Configure(f Format) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return 0, errBusy
	}
	if f.Width > 0 && (f.Width != r.format.Width || f.Height != r.format.Height) {
		log.Warn("%s: requested %dx%d, file is %dx%d", r.path, f.Width, f.Height, r.format.Width, r.format.Height)
	}
	r.format.FrameRate = f.FrameRate
	r.interval = 0
	if f.FrameRate > 0 {
		r.interval = time.Second / time.Duration(f.FrameRate)
	}
	return r.largest, nil
}

func (r *replay) Format() Format {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

func (r *replay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.started = true
	r.due = time.Now()
	return nil
}

func (r *replay) Stop() error {
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
	return nil
}

func (r *replay) Close() error {
	r.mu.Lock()
	r.started = false
	r.closed = true
	r.frames = nil
	r.mu.Unlock()
	return nil
}

func (r *replay) Dequeue(timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	size := r.largest
	r.mu.Unlock()
	return dequeue(r, size, timeout)
}

func (r *replay) ReadInto(dst []byte, timeout time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return 0, ErrNotStarted
	}
	if r.interval > 0 {
		wait := time.Until(r.due)
		if wait > timeout {
			time.Sleep(timeout)
			return 0, ErrTimeout
		}
		if wait > 0 {
			time.Sleep(wait)
		}
		r.due = r.due.Add(r.interval)
	}

	frame := r.frames[r.next]
	if len(frame) > len(dst) {
		return 0, ErrShortBuffer
	}
	r.next = (r.next + 1) % len(r.frames)
	return copy(dst, frame), nil
}

// FileSource replays a file of concatenated JPEG images in a loop.
type FileSource struct {
	replay
}

func OpenFile(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return newFileSource(path, data)
}

func newFileSource(path string, data []byte) (*FileSource, error) {
	frames, err := SplitJPEG(data)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.Errorf("%s: no JPEG frames", path)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(withTables(frames[0])))
	if err != nil {
		return nil, errors.Errorf("%s: %w", path, err)
	}
	format := Format{Width: cfg.Width, Height: cfg.Height, PixelFormat: PixelFormatMJPEG}
	fs := &FileSource{}
	fs.init(path, frames, format)
	return fs, nil
}

// withTables returns frame, with standard Huffman tables added if absent, so
// that header parsing succeeds on abbreviated frames.
func withTables(frame []byte) []byte {
	out, err := DHTFilter{}.Apply(append([]byte(nil), frame...))
	if err != nil {
		return frame
	}
	return out
}
