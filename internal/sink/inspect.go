package sink

import (
	"fmt"
	"sync"

	"github.com/nareix/joy4/codec/h264parser"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/h264"
)

// Inspector passes frames through to another sink while parsing them as an
// H.264 elementary stream. It logs the stream geometry whenever a sequence
// parameter set goes by and keeps a count of NAL units per type.
type Inspector struct {
	next Sink

	mu     sync.Mutex
	counts map[h264.Type]int
	width  int
	height int
}

func NewInspector(next Sink) *Inspector {
	return &Inspector{next: next, counts: make(map[h264.Type]int)}
}

func (in *Inspector) WriteFrame(p []byte, flags buffer.Flags) error {
	in.inspect(p, flags)
	return in.next.WriteFrame(p, flags)
}

func (in *Inspector) inspect(p []byte, flags buffer.Flags) {
	nalus, typ := h264parser.SplitNALUs(p)
	if typ == h264parser.NALU_RAW && len(p) > 0 && !flags.Has(buffer.FlagCodecConfig) {
		log.Trace(3, "%d byte frame without start codes", len(p))
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	for _, b := range nalus {
		if len(b) == 0 {
			continue
		}
		nalu := h264.NALU(b)
		in.counts[nalu.Type()]++
		if nalu.Type() != h264.TypeSPS {
			continue
		}
		sps, err := h264parser.ParseSPS(b)
		if err != nil {
			log.Warn("bad SPS: %v", err)
			continue
		}
		if int(sps.Width) != in.width || int(sps.Height) != in.height {
			in.width, in.height = int(sps.Width), int(sps.Height)
			log.Info("H.264 stream: %dx%d, profile %d, level %d",
				sps.Width, sps.Height, sps.ProfileIdc, sps.LevelIdc)
		}
	}
}

// Geometry returns the picture size from the last SPS seen.
func (in *Inspector) Geometry() (width, height int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.width, in.height
}

// Count returns the number of NAL units of type t seen so far.
func (in *Inspector) Count(t h264.Type) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.counts[t]
}

func (in *Inspector) String() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return fmt.Sprintf("%dx%d sps=%d pps=%d idr=%d slice=%d", in.width, in.height,
		in.counts[h264.TypeSPS], in.counts[h264.TypePPS], in.counts[h264.TypeIDR], in.counts[h264.TypeSlice])
}

func (in *Inspector) Close() error {
	log.Debug("H.264 summary: %s", in)
	return in.next.Close()
}
