//go:build linux

package v4l2

import (
	"bytes"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/logging"
)

var log = logging.DefaultLogger.WithTag("v4l2")

// Device is an open V4L2 capture device.
type Device struct {
	// Device path, usually "/dev/video0".
	path string

	// File descriptor, opened non-blocking.
	fd int

	io IOMethod

	// Memory-mapped streaming buffers.
	buffers [][]byte

	streaming bool

	caps v4l2_capability
}

// Open opens a capture device.
func Open(path string) (*Device, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, errors.Errorf("cannot identify %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return nil, errors.Errorf("%s: %w", path, ErrNotDevice)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Errorf("cannot open %s: %w", path, err)
	}
	dev := &Device{path: path, fd: fd}

	if err := dev.ioctl(VIDIOC_QUERYCAP, unsafe.Pointer(&dev.caps)); err != nil {
		unix.Close(fd)
		return nil, errors.Errorf("%s is no V4L2 device: %w", path, err)
	}
	if dev.caps.capabilities&V4L2_CAP_VIDEO_CAPTURE == 0 {
		unix.Close(fd)
		return nil, errors.Errorf("%s: %w", path, ErrNoCapture)
	}
	log.Info("Opened %s: %s (%s)", path, cstr(dev.caps.card[:]), cstr(dev.caps.driver[:]))
	return dev, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (dev *Device) ioctl(request uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(dev.fd), request, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// Configure selects the I/O method and, when cfg.Force is set, the pixel
// format. It returns the format the driver settled on.
func (dev *Device) Configure(cfg Config) (Format, error) {
	switch cfg.IO {
	case IORead:
		if dev.caps.capabilities&V4L2_CAP_READWRITE == 0 {
			return Format{}, errors.Errorf("%s does not support read i/o", dev.path)
		}
	default:
		if dev.caps.capabilities&V4L2_CAP_STREAMING == 0 {
			return Format{}, errors.Errorf("%s does not support streaming i/o", dev.path)
		}
	}
	dev.io = cfg.IO

	var f v4l2_format
	f.typ = V4L2_BUF_TYPE_VIDEO_CAPTURE
	if cfg.Force {
		pix := f.pix()
		pix.width = cfg.Width
		pix.height = cfg.Height
		pix.pixelformat = cfg.PixelFormat
		pix.field = V4L2_FIELD_INTERLACED
		if err := dev.ioctl(VIDIOC_S_FMT, unsafe.Pointer(&f)); err != nil {
			return Format{}, errors.Errorf("VIDIOC_S_FMT: %w", err)
		}
	} else if err := dev.ioctl(VIDIOC_G_FMT, unsafe.Pointer(&f)); err != nil {
		return Format{}, errors.Errorf("VIDIOC_G_FMT: %w", err)
	}

	pix := f.pix()
	// Buggy driver paranoia.
	if least := pix.width * 2; pix.bytesperline < least {
		pix.bytesperline = least
	}
	if least := pix.bytesperline * pix.height; pix.sizeimage < least {
		pix.sizeimage = least
	}

	if cfg.HFlip {
		if err := dev.SetControl(V4L2_CID_HFLIP, 1); err != nil {
			return Format{}, err
		}
	}
	if cfg.VFlip {
		if err := dev.SetControl(V4L2_CID_VFLIP, 1); err != nil {
			return Format{}, err
		}
	}

	if cfg.IO == IOMmap {
		n := cfg.Buffers
		if n <= 0 {
			n = 4
		}
		if err := dev.mapBuffers(n); err != nil {
			return Format{}, err
		}
	}

	return Format{
		Width:        pix.width,
		Height:       pix.height,
		PixelFormat:  pix.pixelformat,
		BytesPerLine: pix.bytesperline,
		SizeImage:    pix.sizeimage,
	}, nil
}

func (dev *Device) SetControl(id uint32, value int32) error {
	ctrl := v4l2_control{id: id, value: value}
	if err := dev.ioctl(VIDIOC_S_CTRL, unsafe.Pointer(&ctrl)); err != nil {
		return errors.Errorf("VIDIOC_S_CTRL %#x=%d: %w", id, value, err)
	}
	return nil
}

func (dev *Device) requestBuffers(n int) (int, error) {
	rb := v4l2_requestbuffers{
		count:  uint32(n),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	if err := dev.ioctl(VIDIOC_REQBUFS, unsafe.Pointer(&rb)); err != nil {
		return 0, errors.Errorf("VIDIOC_REQBUFS: %w", err)
	}
	return int(rb.count), nil
}

func (dev *Device) mapBuffers(n int) error {
	count, err := dev.requestBuffers(n)
	if err != nil {
		return err
	}
	if count < 2 {
		return errors.Errorf("insufficient buffer memory on %s", dev.path)
	}

	for i := 0; i < count; i++ {
		qb := v4l2_buffer{
			index:  uint32(i),
			typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
			memory: V4L2_MEMORY_MMAP,
		}
		if err := dev.ioctl(VIDIOC_QUERYBUF, unsafe.Pointer(&qb)); err != nil {
			dev.unmapBuffers()
			return errors.Errorf("VIDIOC_QUERYBUF: %w", err)
		}
		mem, err := unix.Mmap(dev.fd, int64(qb.offset()), int(qb.length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			dev.unmapBuffers()
			return errors.Errorf("mmap: %w", err)
		}
		dev.buffers = append(dev.buffers, mem)
	}
	log.Debug("Mapped %d buffers", count)
	return nil
}

func (dev *Device) unmapBuffers() error {
	var first error
	for _, mem := range dev.buffers {
		if err := unix.Munmap(mem); err != nil && first == nil {
			first = err
		}
	}
	if dev.buffers != nil {
		dev.buffers = nil
		if _, err := dev.requestBuffers(0); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (dev *Device) enqueue(index int) error {
	qb := v4l2_buffer{
		index:  uint32(index),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	return dev.ioctl(VIDIOC_QBUF, unsafe.Pointer(&qb))
}

// Start queues every streaming buffer and turns the stream on.
func (dev *Device) Start() error {
	if dev.io == IORead || dev.streaming {
		return nil
	}
	for i := range dev.buffers {
		if err := dev.enqueue(i); err != nil {
			return errors.Errorf("VIDIOC_QBUF: %w", err)
		}
	}
	typ := int32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := dev.ioctl(VIDIOC_STREAMON, unsafe.Pointer(&typ)); err != nil {
		return errors.Errorf("VIDIOC_STREAMON: %w", err)
	}
	dev.streaming = true
	return nil
}

// Stop turns the stream off, which also dequeues every buffer.
func (dev *Device) Stop() error {
	if !dev.streaming {
		return nil
	}
	dev.streaming = false
	typ := int32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := dev.ioctl(VIDIOC_STREAMOFF, unsafe.Pointer(&typ)); err != nil {
		return errors.Errorf("VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

func (dev *Device) Close() error {
	err := dev.Stop()
	if uerr := dev.unmapBuffers(); err == nil {
		err = uerr
	}
	if cerr := unix.Close(dev.fd); err == nil {
		err = cerr
	}
	return err
}

// wait blocks until the device has a frame ready or timeout elapses.
func (dev *Device) wait(timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(dev.fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		n, err := unix.Poll(fds, ms)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return errors.Errorf("poll: %w", err)
		case n == 0:
			return ErrTimeout
		}
		return nil
	}
}

// ReadFrame copies the next frame into dst, waiting up to timeout.
func (dev *Device) ReadFrame(dst []byte, timeout time.Duration) (int, error) {
	if err := dev.wait(timeout); err != nil {
		return 0, err
	}

	if dev.io == IORead {
		n, err := unix.Read(dev.fd, dst)
		if err == unix.EAGAIN {
			return 0, ErrTimeout
		} else if err != nil {
			return 0, errors.Errorf("read: %w", err)
		}
		return n, nil
	}

	qb := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	if err := dev.ioctl(VIDIOC_DQBUF, unsafe.Pointer(&qb)); err != nil {
		if err == unix.EAGAIN {
			return 0, ErrTimeout
		}
		return 0, errors.Errorf("VIDIOC_DQBUF: %w", err)
	}
	frame := dev.buffers[qb.index][:qb.bytesused]
	n := copy(dst, frame)
	if err := dev.enqueue(int(qb.index)); err != nil {
		return 0, errors.Errorf("VIDIOC_QBUF: %w", err)
	}
	if n < len(frame) {
		return 0, ErrShortBuffer
	}
	return n, nil
}
