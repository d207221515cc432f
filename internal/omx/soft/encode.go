package soft

import (
	"image/jpeg"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/omx"
)

// imageEncode compresses planar YUV 4:2:0 frames to JPEG.
type imageEncode struct{}

func (imageEncode) Ports() (in, out omx.PortDefinition) {
	in = omx.PortDefinition{
		Index:             340,
		Dir:               omx.Input,
		BufferCountActual: 2,
		BufferCountMin:    1,
		Domain:            omx.DomainImage,
		Format:            omx.Format{Color: omx.ColorFormatYUV420PackedPlanar},
	}
	out = omx.PortDefinition{
		Index:             341,
		Dir:               omx.Output,
		BufferCountActual: 2,
		BufferCountMin:    1,
		Domain:            omx.DomainImage,
		Format:            omx.Format{Compression: omx.CodingJPEG},
	}
	return
}

func (imageEncode) Parameters() Params {
	return Params{omx.ParamQFactor: 75}
}

func (e imageEncode) DeriveOutput(in, out omx.PortDefinition) omx.PortDefinition {
	out.Format = omx.Format{
		Width:       in.Format.Width,
		Height:      in.Format.Height,
		Compression: omx.CodingJPEG,
		FrameRate:   in.Format.FrameRate,
	}
	// Worst case is close to the raw frame size at high quality.
	if n := in.Format.FrameSize(); out.BufferSize < n {
		out.BufferSize = n
	}
	return out
}

func (e imageEncode) OutputFormat(_ []byte, in, out omx.PortDefinition) (omx.PortDefinition, error) {
	return e.DeriveOutput(in, out), nil
}

func (imageEncode) Process(dst, src []byte, in, out omx.PortDefinition, params Params) (int, error) {
	view, ok := planar420(src, in.Format)
	if !ok {
		return 0, errors.Errorf("%d byte frame too short for %dx%d: %w",
			len(src), in.Format.Width, in.Format.Height, omx.ErrorStreamCorrupt)
	}
	q := params[omx.ParamQFactor]
	if q < 1 {
		q = 1
	} else if q > 100 {
		q = 100
	}
	w := &fixedWriter{buf: dst}
	if err := jpeg.Encode(w, view, &jpeg.Options{Quality: q}); err != nil {
		if w.overflow {
			return 0, errors.Errorf("jpeg exceeds %d bytes: %w", len(dst), omx.ErrorOverflow)
		}
		return 0, errors.Errorf("jpeg encode: %v: %w", err, omx.ErrorUndefined)
	}
	return w.n, nil
}
