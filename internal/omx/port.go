package omx

import (
	"fmt"
	"strings"

	errors "golang.org/x/xerrors"
)

type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "in"
	}
	return "out"
}

type Domain int

const (
	DomainVideo Domain = iota
	DomainImage
)

func (d Domain) String() string {
	if d == DomainImage {
		return "image"
	}
	return "video"
}

// ColorFormat values follow the OpenMAX numbering.
type ColorFormat int

const (
	ColorFormatUnused             ColorFormat = 0
	ColorFormatYUV420PackedPlanar ColorFormat = 20
	ColorFormatYCbYCr             ColorFormat = 25
)

func (c ColorFormat) String() string {
	switch c {
	case ColorFormatUnused:
		return "unused"
	case ColorFormatYUV420PackedPlanar:
		return "yuv420"
	case ColorFormatYCbYCr:
		return "yuyv"
	}
	return fmt.Sprintf("color(%d)", int(c))
}

type Compression int

const (
	CodingUnused Compression = iota
	CodingAutoDetect
	CodingJPEG
	CodingMJPEG
	CodingAVC
)

var codingNames = [...]string{"raw", "auto", "jpeg", "mjpeg", "avc"}

func (c Compression) String() string {
	if c < 0 || int(c) >= len(codingNames) {
		return fmt.Sprintf("coding(%d)", int(c))
	}
	return codingNames[c]
}

// Format is the media geometry of a port.
type Format struct {
	Width       int
	Height      int
	Stride      int
	SliceHeight int
	Color       ColorFormat
	Compression Compression
	FrameRate   int // frames per second, 0 when unknown
}

// Raw reports whether the format carries uncompressed planar pixels.
func (f Format) Raw() bool {
	return f.Compression == CodingUnused && f.Color != ColorFormatUnused
}

// FrameSize is the number of bytes in one raw frame, or 0 for compressed
// formats.
func (f Format) FrameSize() int {
	switch {
	case !f.Raw():
		return 0
	case f.Color == ColorFormatYCbYCr:
		return f.Stride * f.SliceHeight
	default:
		return f.Stride * f.SliceHeight * 3 / 2
	}
}

// Align fills in Stride and SliceHeight for raw formats that leave them
// unset. Planar YUV rows are padded to 32 bytes and planes to 16 lines.
func (f Format) Align() Format {
	if !f.Raw() {
		return f
	}
	if f.Stride < f.Width {
		f.Stride = AlignUp(f.Width, 32)
		if f.Color == ColorFormatYCbYCr {
			f.Stride = AlignUp(f.Width*2, 32)
		}
	}
	if f.SliceHeight < f.Height {
		f.SliceHeight = AlignUp(f.Height, 16)
	}
	return f
}

// AlignUp rounds n up to a multiple of a, which must be a power of two.
func AlignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// PortDefinition describes one port of a component.
type PortDefinition struct {
	Index int
	Dir   Direction

	BufferCountActual int
	BufferCountMin    int
	BufferSize        int
	BufferAlignment   int

	Enabled   bool
	Populated bool

	Domain Domain
	Format Format
}

func (def PortDefinition) String() string {
	f := def.Format
	return fmt.Sprintf("port %d %s: %d buffers (min %d) of %d bytes, enabled=%t populated=%t, %s %dx%d stride %d slice %d %s/%s %dfps",
		def.Index, def.Dir, def.BufferCountActual, def.BufferCountMin, def.BufferSize,
		def.Enabled, def.Populated, def.Domain,
		f.Width, f.Height, f.Stride, f.SliceHeight, f.Color, f.Compression, f.FrameRate)
}

// ParamIndex selects a component parameter.
type ParamIndex int

const (
	// Target bitrate in bits per second.
	ParamBitrate ParamIndex = iota + 1
	// JPEG quality factor, 1 to 100.
	ParamQFactor
)

func (p ParamIndex) String() string {
	switch p {
	case ParamBitrate:
		return "bitrate"
	case ParamQFactor:
		return "qfactor"
	}
	return fmt.Sprintf("param(%d)", int(p))
}

func ParseParamIndex(s string) (ParamIndex, error) {
	for _, p := range []ParamIndex{ParamBitrate, ParamQFactor} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown parameter %q", s)
}
