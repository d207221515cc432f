package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	errors "golang.org/x/xerrors"
)

func init() {
	Register("testcard", func(path string) (Source, error) {
		if path == "" {
			return NewTestCard(PixelFormatYUV420), nil
		}
		pf, err := ParsePixelFormat(path)
		if err != nil {
			return nil, err
		}
		if pf != PixelFormatYUV420 && pf != PixelFormatMJPEG {
			return nil, errors.Errorf("test card cannot produce %s", pf)
		}
		return NewTestCard(pf), nil
	})
	Register("testcard-mjpeg", func(path string) (Source, error) {
		return NewTestCard(PixelFormatMJPEG), nil
	})
}

const (
	defaultWidth  = 640
	defaultHeight = 480

	jpegHeadroom = 4096
)

// TestCard generates an animated checkerboard, either as raw planar 4:2:0
// frames or as JPEG frames.
type TestCard struct {
	mu      sync.Mutex
	format  Format
	size    int
	frame   int
	started bool
	closed  bool

	interval time.Duration
	next     time.Time

	// Raw frame and encoder output for the JPEG variant.
	raw []byte
	enc bytes.Buffer
}

func NewTestCard(pf PixelFormat) *TestCard {
	tc := &TestCard{}
	tc.format = Format{Width: defaultWidth, Height: defaultHeight, PixelFormat: pf}
	tc.size = tc.frameSize()
	return tc
}

func (tc *TestCard) frameSize() int {
	size := PlanarSize(tc.format.Width, tc.format.Height)
	if tc.format.PixelFormat == PixelFormatMJPEG {
		// Room for the headers of very small frames.
		size += jpegHeadroom
	}
	return size
}

func (tc *TestCard) Configure(f Format) (int, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.started {
		return 0, errBusy
	}
	if f.Width > 0 && f.Height > 0 {
		tc.format.Width, tc.format.Height = f.Width, f.Height
	}
	if f.PixelFormat == PixelFormatMJPEG || f.PixelFormat == PixelFormatYUV420 {
		tc.format.PixelFormat = f.PixelFormat
	}
	tc.format.FrameRate = f.FrameRate
	tc.interval = 0
	if f.FrameRate > 0 {
		tc.interval = time.Second / time.Duration(f.FrameRate)
	}
	tc.size = tc.frameSize()
	tc.raw = nil
	log.Info("test card: %s", tc.format)
	return tc.size, nil
}

func (tc *TestCard) Format() Format {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.format
}

func (tc *TestCard) Start() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return ErrClosed
	}
	tc.started = true
	tc.next = time.Now()
	return nil
}

func (tc *TestCard) Stop() error {
	tc.mu.Lock()
	tc.started = false
	tc.mu.Unlock()
	return nil
}

func (tc *TestCard) Close() error {
	tc.mu.Lock()
	tc.started = false
	tc.closed = true
	tc.mu.Unlock()
	return nil
}

func (tc *TestCard) Dequeue(timeout time.Duration) ([]byte, error) {
	tc.mu.Lock()
	size := tc.size
	tc.mu.Unlock()
	return dequeue(tc, size, timeout)
}

func (tc *TestCard) ReadInto(dst []byte, timeout time.Duration) (int, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if !tc.started {
		return 0, ErrNotStarted
	}
	if tc.interval > 0 {
		wait := time.Until(tc.next)
		if wait > timeout {
			time.Sleep(timeout)
			return 0, ErrTimeout
		}
		if wait > 0 {
			time.Sleep(wait)
		}
		tc.next = tc.next.Add(tc.interval)
	}

	w, h := tc.format.Width, tc.format.Height
	if tc.format.PixelFormat == PixelFormatYUV420 {
		if len(dst) < tc.size {
			return 0, ErrShortBuffer
		}
		generateTestCard(dst[:tc.size], w, h, tc.frame)
		tc.frame++
		return tc.size, nil
	}

	if tc.raw == nil {
		tc.raw = make([]byte, PlanarSize(w, h))
	}
	generateTestCard(tc.raw, w, h, tc.frame)
	tc.enc.Reset()
	if err := jpeg.Encode(&tc.enc, planarImage(tc.raw, w, h), nil); err != nil {
		return 0, err
	}
	if tc.enc.Len() > len(dst) {
		return 0, ErrShortBuffer
	}
	tc.frame++
	return copy(dst, tc.enc.Bytes()), nil
}

// generateTestCard draws frame number n into a planar 4:2:0 buffer. Each
// 2x2 block of luma shares one chroma sample; the pattern shifts diagonally
// by one block per frame.
func generateTestCard(buf []byte, width, height, n int) {
	pitch := (width + 31) &^ 31
	height16 := (height + 15) &^ 15
	y := buf[:pitch*height16]
	u := buf[pitch*height16:]
	v := u[(pitch/2)*(height16/2):]

	for j := 0; j < height/2; j++ {
		py := 2 * j * pitch
		pc := j * (pitch / 2)
		for i := 0; i < width/2; i++ {
			z := byte((((i + n) >> 4) ^ ((j + n) >> 4)) & 15)
			luma := 0x80 + z*0x8
			y[py], y[py+1], y[py+pitch], y[py+pitch+1] = luma, luma, luma, luma
			u[pc] = z * 0x10
			v[pc] = 0x80 + z*0x30
			py += 2
			pc++
		}
	}
}

func planarImage(buf []byte, width, height int) *image.YCbCr {
	pitch := (width + 31) &^ 31
	height16 := (height + 15) &^ 15
	ysize := pitch * height16
	csize := (pitch / 2) * (height16 / 2)
	return &image.YCbCr{
		Y:              buf[:ysize],
		Cb:             buf[ysize : ysize+csize],
		Cr:             buf[ysize+csize : ysize+2*csize],
		YStride:        pitch,
		CStride:        pitch / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}
}
