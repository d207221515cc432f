package soft

import (
	"bytes"
	"image/jpeg"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/omx"
)

// imageDecode turns JPEG images into planar YUV 4:2:0. The output geometry is
// only known once the first image header has been read.
type imageDecode struct{}

func (imageDecode) Ports() (in, out omx.PortDefinition) {
	in = omx.PortDefinition{
		Index:             320,
		Dir:               omx.Input,
		BufferCountActual: 3,
		BufferCountMin:    2,
		BufferSize:        80 * 1024,
		Domain:            omx.DomainImage,
		Format:            omx.Format{Compression: omx.CodingJPEG},
	}
	out = omx.PortDefinition{
		Index:             321,
		Dir:               omx.Output,
		BufferCountActual: 1,
		BufferCountMin:    1,
		Domain:            omx.DomainImage,
		Format:            omx.Format{Color: omx.ColorFormatYUV420PackedPlanar},
	}
	return
}

func (imageDecode) OutputFormat(payload []byte, in, out omx.PortDefinition) (omx.PortDefinition, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return out, errors.Errorf("jpeg header: %v: %w", err, omx.ErrorStreamCorrupt)
	}
	out.Format = omx.Format{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Color:     omx.ColorFormatYUV420PackedPlanar,
		FrameRate: in.Format.FrameRate,
	}
	out.BufferSize = 0
	return out, nil
}

func (imageDecode) Process(dst, src []byte, in, out omx.PortDefinition, _ Params) (int, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return 0, errors.Errorf("jpeg decode: %v: %w", err, omx.ErrorStreamCorrupt)
	}
	b := img.Bounds()
	if b.Dx() != out.Format.Width || b.Dy() != out.Format.Height {
		return 0, errors.Errorf("image is %dx%d, port is %dx%d: %w",
			b.Dx(), b.Dy(), out.Format.Width, out.Format.Height, omx.ErrorStreamCorrupt)
	}
	n := out.Format.FrameSize()
	view, ok := planar420(dst, out.Format)
	if !ok {
		return 0, errors.Errorf("%d byte buffer for %d byte frame: %w", len(dst), n, omx.ErrorOverflow)
	}
	writePlanar420(view, img)
	return n, nil
}
