package soft

import (
	"image"

	"golang.org/x/image/draw"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/color"
	"github.com/lanikai/ilpipe/internal/omx"
)

// resize scales planar YUV 4:2:0 frames to the output port geometry. With no
// output geometry set it passes frames through at input size. Packed YUYV
// input is converted to planar first.
type resize struct {
	scratch *image.YCbCr
}

func (resize) Ports() (in, out omx.PortDefinition) {
	in = omx.PortDefinition{
		Index:             60,
		Dir:               omx.Input,
		BufferCountActual: 2,
		BufferCountMin:    1,
		Domain:            omx.DomainImage,
		Format:            omx.Format{Color: omx.ColorFormatYUV420PackedPlanar},
	}
	out = omx.PortDefinition{
		Index:             61,
		Dir:               omx.Output,
		BufferCountActual: 2,
		BufferCountMin:    1,
		Domain:            omx.DomainImage,
		Format:            omx.Format{Color: omx.ColorFormatYUV420PackedPlanar},
	}
	return
}

func (resize) DeriveOutput(in, out omx.PortDefinition) omx.PortDefinition {
	f := out.Format
	if f.Width == 0 || f.Height == 0 {
		f.Width, f.Height = in.Format.Width, in.Format.Height
		f.Stride, f.SliceHeight = 0, 0
	}
	f.Color = omx.ColorFormatYUV420PackedPlanar
	f.Compression = omx.CodingUnused
	f.FrameRate = in.Format.FrameRate
	out.Format = f
	return out
}

func (r resize) OutputFormat(_ []byte, in, out omx.PortDefinition) (omx.PortDefinition, error) {
	return r.DeriveOutput(in, out), nil
}

func (r *resize) Process(dst, src []byte, in, out omx.PortDefinition, _ Params) (int, error) {
	var s *image.YCbCr
	var ok bool
	if in.Format.Color == omx.ColorFormatYCbYCr {
		s, ok = r.unpack(src, in.Format)
	} else {
		s, ok = planar420(src, in.Format)
	}
	if !ok {
		return 0, errors.Errorf("%d byte frame too short for %dx%d: %w",
			len(src), in.Format.Width, in.Format.Height, omx.ErrorStreamCorrupt)
	}
	d, ok := planar420(dst, out.Format)
	if !ok {
		return 0, errors.Errorf("%d byte buffer for %d byte frame: %w", len(dst), out.Format.FrameSize(), omx.ErrorOverflow)
	}

	sw, sh := in.Format.Width, in.Format.Height
	dw, dh := out.Format.Width, out.Format.Height
	scalePlane(d.Y, d.YStride, dw, dh, s.Y, s.YStride, sw, sh)
	scalePlane(d.Cb, d.CStride, (dw+1)/2, (dh+1)/2, s.Cb, s.CStride, (sw+1)/2, (sh+1)/2)
	scalePlane(d.Cr, d.CStride, (dw+1)/2, (dh+1)/2, s.Cr, s.CStride, (sw+1)/2, (sh+1)/2)
	return out.Format.FrameSize(), nil
}

func scalePlane(dst []byte, dstStride, dw, dh int, src []byte, srcStride, sw, sh int) {
	d := &image.Gray{Pix: dst, Stride: dstStride, Rect: image.Rect(0, 0, dw, dh)}
	s := &image.Gray{Pix: src, Stride: srcStride, Rect: image.Rect(0, 0, sw, sh)}
	draw.ApproxBiLinear.Scale(d, d.Rect, s, s.Rect, draw.Src, nil)
}

func (r *resize) unpack(src []byte, f omx.Format) (*image.YCbCr, bool) {
	rect := image.Rect(0, 0, f.Width, f.Height)
	packed := color.WrapYUYV(src, rect, f.Stride)
	if packed == nil {
		return nil, false
	}
	if r.scratch == nil || r.scratch.Rect != rect {
		r.scratch = image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
	}
	color.YUYVToYUV420P(r.scratch, packed)
	return r.scratch, true
}
