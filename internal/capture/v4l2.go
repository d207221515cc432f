package capture

import (
	"strconv"
	"strings"
	"sync"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/v4l2"
)

func init() {
	Register("v4l2", func(path string) (Source, error) {
		return OpenDevice(path)
	})
}

const defaultDevice = "/dev/video0"

// DeviceSource captures from a V4L2 device. The path may carry
// comma-separated options after the device node:
//
//	/dev/video0,hflip,vflip,buffers=6
type DeviceSource struct {
	mu     sync.Mutex
	dev    *v4l2.Device
	path   string
	cfg    v4l2.Config
	format Format
	size   int

	// Planar frames are repacked from the driver's layout via scratch.
	repack  bool
	pitch   int
	scratch []byte
}

func OpenDevice(path string) (*DeviceSource, error) {
	opts := strings.Split(path, ",")
	node := opts[0]
	if node == "" {
		node = defaultDevice
	}
	s := &DeviceSource{path: node}
	for _, o := range opts[1:] {
		switch {
		case o == "hflip":
			s.cfg.HFlip = true
		case o == "vflip":
			s.cfg.VFlip = true
		case strings.HasPrefix(o, "buffers="):
			n, err := strconv.Atoi(strings.TrimPrefix(o, "buffers="))
			if err != nil {
				return nil, errors.Errorf("bad option %q: %w", o, err)
			}
			s.cfg.Buffers = n
		default:
			return nil, errors.Errorf("unknown device option %q", o)
		}
	}
	dev, err := v4l2.Open(node)
	if err != nil {
		return nil, err
	}
	s.dev = dev
	return s, nil
}

var fourcc = map[PixelFormat]uint32{
	PixelFormatYUV420: v4l2.PixelFormatYUV420,
	PixelFormatYUYV:   v4l2.PixelFormatYUYV,
	PixelFormatMJPEG:  v4l2.PixelFormatMJPEG,
	PixelFormatH264:   v4l2.PixelFormatH264,
}

func (s *DeviceSource) Configure(f Format) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.Width = uint32(f.Width)
	s.cfg.Height = uint32(f.Height)
	s.cfg.PixelFormat = fourcc[f.PixelFormat]
	s.cfg.Force = f.Force
	s.cfg.IO = v4l2.IOMmap
	if f.ReadIO {
		s.cfg.IO = v4l2.IORead
	}

	got, err := s.dev.Configure(s.cfg)
	if err != nil {
		return 0, err
	}
	log.Info("%s: %s", s.path, got)

	s.format = Format{
		Width:     int(got.Width),
		Height:    int(got.Height),
		FrameRate: f.FrameRate,
		Force:     f.Force,
		ReadIO:    f.ReadIO,
	}
	s.format.PixelFormat = f.PixelFormat
	for pf, code := range fourcc {
		if code == got.PixelFormat {
			s.format.PixelFormat = pf
		}
	}
	s.size = int(got.SizeImage)
	s.repack = false
	if s.format.PixelFormat == PixelFormatYUV420 {
		// Pipeline frames use 32 byte rows and 16 line planes.
		s.repack = true
		s.pitch = int(got.BytesPerLine)
		s.scratch = make([]byte, s.size)
		s.size = PlanarSize(s.format.Width, s.format.Height)
	}
	return s.size, nil
}

func (s *DeviceSource) Format() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *DeviceSource) Start() error { return s.dev.Start() }
func (s *DeviceSource) Stop() error  { return s.dev.Stop() }
func (s *DeviceSource) Close() error { return s.dev.Close() }

func (s *DeviceSource) Dequeue(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()
	return dequeue(s, size, timeout)
}

func (s *DeviceSource) ReadInto(dst []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.repack {
		return s.read(dst, timeout)
	}
	if len(dst) < s.size {
		return 0, ErrShortBuffer
	}
	if _, err := s.read(s.scratch, timeout); err != nil {
		return 0, err
	}
	repackPlanar(dst, s.scratch, s.format.Width, s.format.Height, s.pitch)
	return s.size, nil
}

func (s *DeviceSource) read(dst []byte, timeout time.Duration) (int, error) {
	n, err := s.dev.ReadFrame(dst, timeout)
	switch {
	case errors.Is(err, v4l2.ErrTimeout):
		return 0, ErrTimeout
	case errors.Is(err, v4l2.ErrShortBuffer):
		return 0, ErrShortBuffer
	case err != nil:
		return 0, err
	}
	return n, nil
}

// repackPlanar copies a tightly packed 4:2:0 frame with the given row pitch
// into the padded layout used by PlanarSize.
func repackPlanar(dst, src []byte, width, height, pitch int) {
	dpitch := (width + 31) &^ 31
	dheight := (height + 15) &^ 15
	if pitch < width {
		pitch = width
	}
	planes := []struct{ w, h, sp, dp, soff, doff int }{
		{width, height, pitch, dpitch, 0, 0},
		{width / 2, height / 2, pitch / 2, dpitch / 2, pitch * height, dpitch * dheight},
		{width / 2, height / 2, pitch / 2, dpitch / 2, pitch*height + (pitch/2)*(height/2), dpitch*dheight + (dpitch/2)*(dheight/2)},
	}
	for _, p := range planes {
		for y := 0; y < p.h; y++ {
			s := p.soff + y*p.sp
			if s+p.w > len(src) {
				return
			}
			copy(dst[p.doff+y*p.dp:p.doff+y*p.dp+p.w], src[s:s+p.w])
		}
	}
}
