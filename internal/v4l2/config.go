package v4l2

import "fmt"

// Four character pixel format codes.
const (
	PixelFormatYUYV   = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	PixelFormatYUV420 = 'Y' | 'U'<<8 | '1'<<16 | '2'<<24
	PixelFormatMJPEG  = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
	PixelFormatH264   = 'H' | '2'<<8 | '6'<<16 | '4'<<24
)

// FourCC renders a pixel format code.
func FourCC(f uint32) string {
	return fmt.Sprintf("%c%c%c%c", byte(f), byte(f>>8), byte(f>>16), byte(f>>24))
}

// IOMethod selects how frames are read from the driver.
type IOMethod int

const (
	// Memory-mapped streaming buffers.
	IOMmap IOMethod = iota
	// Plain read(2).
	IORead
)

func (m IOMethod) String() string {
	if m == IORead {
		return "read"
	}
	return "mmap"
}

type Config struct {
	Width       uint32
	Height      uint32
	PixelFormat uint32

	// Set the format on the device. Otherwise the driver's current format
	// is used as is.
	Force bool

	IO IOMethod

	// Number of streaming buffers requested. At least 2 are needed.
	Buffers int

	HFlip bool // Flip video horizontally
	VFlip bool // Flip video vertically
}

// Format is the negotiated capture format.
type Format struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	BytesPerLine uint32
	SizeImage    uint32
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %s, %d bytes/line, %d bytes/frame", f.Width, f.Height, FourCC(f.PixelFormat), f.BytesPerLine, f.SizeImage)
}
