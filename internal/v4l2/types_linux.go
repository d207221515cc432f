//go:build linux

package v4l2

import "unsafe"

// Structures from <linux/videodev2.h>. Layouts match the kernel ABI on both
// 32 and 64 bit targets.

type v4l2_capability struct {
	driver       [16]byte
	card         [32]byte
	bus_info     [32]byte
	version      uint32
	capabilities uint32
	device_caps  uint32
	reserved     [3]uint32
}

type v4l2_pix_format struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcr_enc    uint32
	quantization uint32
	xfer_func    uint32
}

// The format union holds pointers, so it is pointer aligned.
type v4l2_format struct {
	typ uint32
	_   [unsafe.Sizeof(uintptr(0)) - 4]byte
	fmt [200]byte
}

func (f *v4l2_format) pix() *v4l2_pix_format {
	return (*v4l2_pix_format)(unsafe.Pointer(&f.fmt[0]))
}

type v4l2_requestbuffers struct {
	count    uint32
	typ      uint32
	memory   uint32
	reserved [2]uint32
}

type v4l2_timeval struct {
	sec  int
	usec int
}

type v4l2_buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp v4l2_timeval
	timecode  [16]byte
	sequence  uint32
	memory    uint32

	// Union of offset, userptr, planes and fd.
	m uintptr

	length    uint32
	reserved2 uint32
	request   uint32
}

// offset reads the mmap offset member of the m union.
func (b *v4l2_buffer) offset() uint32 {
	return *(*uint32)(unsafe.Pointer(&b.m))
}

type v4l2_control struct {
	id    uint32
	value int32
}

const (
	V4L2_BUF_TYPE_VIDEO_CAPTURE = 1

	V4L2_MEMORY_MMAP    = 1
	V4L2_MEMORY_USERPTR = 2

	V4L2_FIELD_ANY        = 0
	V4L2_FIELD_INTERLACED = 4

	V4L2_CAP_VIDEO_CAPTURE = 0x00000001
	V4L2_CAP_READWRITE     = 0x01000000
	V4L2_CAP_STREAMING     = 0x04000000

	V4L2_CID_HFLIP = 0x00980914
	V4L2_CID_VFLIP = 0x00980915
)

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

var (
	VIDIOC_QUERYCAP  = ioc(iocRead, 0, unsafe.Sizeof(v4l2_capability{}))
	VIDIOC_G_FMT     = ioc(iocRead|iocWrite, 4, unsafe.Sizeof(v4l2_format{}))
	VIDIOC_S_FMT     = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2_format{}))
	VIDIOC_REQBUFS   = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2_requestbuffers{}))
	VIDIOC_QUERYBUF  = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2_buffer{}))
	VIDIOC_QBUF      = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2_buffer{}))
	VIDIOC_DQBUF     = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2_buffer{}))
	VIDIOC_STREAMON  = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	VIDIOC_STREAMOFF = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
	VIDIOC_S_CTRL    = ioc(iocRead|iocWrite, 28, unsafe.Sizeof(v4l2_control{}))
)
