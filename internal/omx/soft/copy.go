package soft

import (
	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/omx"
)

// videoCopy passes frames through unchanged. It stands in for a video encoder
// and carries the same bitrate parameter.
type videoCopy struct{}

func (videoCopy) Ports() (in, out omx.PortDefinition) {
	in = omx.PortDefinition{
		Index:             200,
		Dir:               omx.Input,
		BufferCountActual: 3,
		BufferCountMin:    1,
		Domain:            omx.DomainVideo,
		Format:            omx.Format{Color: omx.ColorFormatYUV420PackedPlanar},
	}
	out = omx.PortDefinition{
		Index:             201,
		Dir:               omx.Output,
		BufferCountActual: 2,
		BufferCountMin:    1,
		Domain:            omx.DomainVideo,
		Format:            omx.Format{Color: omx.ColorFormatYUV420PackedPlanar},
	}
	return
}

func (videoCopy) Parameters() Params {
	return Params{omx.ParamBitrate: 1000000}
}

func (videoCopy) DeriveOutput(in, out omx.PortDefinition) omx.PortDefinition {
	out.Format = in.Format
	if out.BufferSize < in.BufferSize {
		out.BufferSize = in.BufferSize
	}
	return out
}

func (v videoCopy) OutputFormat(_ []byte, in, out omx.PortDefinition) (omx.PortDefinition, error) {
	return v.DeriveOutput(in, out), nil
}

func (videoCopy) Process(dst, src []byte, _, _ omx.PortDefinition, _ Params) (int, error) {
	if len(src) > len(dst) {
		return 0, errors.Errorf("%d byte frame into %d byte buffer: %w", len(src), len(dst), omx.ErrorOverflow)
	}
	return copy(dst, src), nil
}
