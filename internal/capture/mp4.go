package capture

import (
	"bytes"
	"io"
	"os"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/h264"
)

func init() {
	Register("mp4", func(path string) (Source, error) {
		return OpenMP4(path)
	})
}

var startCode = []byte{0, 0, 0, 1}

// MP4Source replays the H.264 track of an MP4 file in a loop. Each frame is
// one access unit in Annex B form; key frames carry SPS and PPS.
type MP4Source struct {
	replay
}

// Open an MP4 file and read its video track into memory.
func OpenMP4(path string) (*MP4Source, error) {
	log.Info("Opening file %s", path)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	frames, format, err := demuxH264(file)
	if err != nil {
		return nil, errors.Errorf("%s: %w", path, err)
	}
	ms := &MP4Source{}
	ms.init(path, frames, format)
	return ms, nil
}

func demuxH264(r io.ReadSeeker) ([][]byte, Format, error) {
	demuxer := mp4.NewDemuxer(r)
	codecs, err := demuxer.Streams()
	if err != nil {
		return nil, Format{}, err
	}

	track := -1
	var cd h264parser.CodecData
	for i, codec := range codecs {
		if c, ok := codec.(h264parser.CodecData); ok && track < 0 {
			track, cd = i, c
			log.Info("%v stream: %dx%d", c.Type(), c.Width(), c.Height())
			continue
		}
		log.Debug("Skipping %v stream", codec.Type())
	}
	if track < 0 {
		return nil, Format{}, errors.New("no H.264 video stream found")
	}

	var frames [][]byte
	for {
		pkt, err := demuxer.ReadPacket()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, Format{}, err
		}
		if int(pkt.Idx) != track {
			continue
		}
		if frame := accessUnit(pkt, cd); frame != nil {
			frames = append(frames, frame)
		}
	}
	if len(frames) == 0 {
		return nil, Format{}, errors.New("no video frames")
	}
	return frames, Format{Width: cd.Width(), Height: cd.Height(), PixelFormat: PixelFormatH264}, nil
}

// accessUnit converts a demuxed packet to Annex B. SEI units are dropped.
func accessUnit(pkt av.Packet, cd h264parser.CodecData) []byte {
	var buf bytes.Buffer
	if pkt.IsKeyFrame {
		buf.Write(startCode)
		buf.Write(cd.SPS())
		buf.Write(startCode)
		buf.Write(cd.PPS())
	}
	nalus, _ := h264parser.SplitNALUs(pkt.Data)
	for _, nalu := range nalus {
		if len(nalu) == 0 || h264.NALU(nalu).Type() == h264.TypeSEI {
			continue
		}
		buf.Write(startCode)
		buf.Write(nalu)
	}
	if buf.Len() == 0 {
		return nil
	}
	return buf.Bytes()
}
