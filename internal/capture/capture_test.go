package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeJPEG(t *testing.T, w, h int, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	var b bytes.Buffer
	require.NoError(t, jpeg.Encode(&b, img, nil))
	return b.Bytes()
}

// stripDHT removes all Huffman table segments from a JPEG image.
func stripDHT(t *testing.T, frame []byte) []byte {
	t.Helper()
	segs, err := scanHeaders(frame)
	require.NoError(t, err)
	var out []byte
	last := 0
	for _, s := range segs {
		if s.Marker == markerDHT {
			out = append(out, frame[last:s.Start]...)
			last = s.End
		}
	}
	return append(out, frame[last:]...)
}

func TestParsePixelFormat(t *testing.T) {
	for s, want := range map[string]PixelFormat{
		"yuv420": PixelFormatYUV420,
		"I420":   PixelFormatYUV420,
		"yuyv":   PixelFormatYUYV,
		"MJPEG":  PixelFormatMJPEG,
		"mjpg":   PixelFormatMJPEG,
		"h264":   PixelFormatH264,
	} {
		got, err := ParsePixelFormat(s)
		assert.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParsePixelFormat("rgb565")
	assert.Error(t, err)
	assert.Equal(t, "mjpeg", PixelFormatMJPEG.String())
}

func TestPlanarSize(t *testing.T) {
	assert.Equal(t, 640*480*3/2, PlanarSize(640, 480))
	assert.Equal(t, 128*64*3/2, PlanarSize(100, 60))
}

func TestTestCardPattern(t *testing.T) {
	tc := NewTestCard(PixelFormatYUV420)
	size, err := tc.Configure(Format{Width: 64, Height: 32})
	require.NoError(t, err)
	assert.Equal(t, PlanarSize(64, 32), size)

	_, err = tc.ReadInto(make([]byte, size), time.Second)
	assert.Equal(t, ErrNotStarted, err)

	require.NoError(t, tc.Start())
	defer tc.Close()

	buf := make([]byte, size)
	n, err := tc.ReadInto(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, size, n)

	pitch := 64
	u := buf[pitch*32:]
	v := u[(pitch/2)*16:]
	assert.Equal(t, byte(0x80), buf[0])
	assert.Equal(t, byte(0x80), buf[pitch+1])
	assert.Equal(t, byte(0x00), u[0])
	assert.Equal(t, byte(0x80), v[0])

	// Chroma column 16 falls in the next 16-block.
	assert.Equal(t, byte(0x88), buf[32])
	assert.Equal(t, byte(0x10), u[16])
	assert.Equal(t, byte(0xb0), v[16])

	// The pattern shifts on the next frame.
	_, err = tc.ReadInto(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), buf[0])
	assert.Equal(t, byte(0x80), buf[28])
	assert.Equal(t, byte(0x88), buf[30])

	_, err = tc.ReadInto(make([]byte, size-1), time.Second)
	assert.Equal(t, ErrShortBuffer, err)
}

func TestTestCardMJPEG(t *testing.T) {
	src, err := Open("testcard-mjpeg:")
	require.NoError(t, err)
	size, err := src.Configure(Format{Width: 96, Height: 48, PixelFormat: PixelFormatMJPEG})
	require.NoError(t, err)
	require.NoError(t, src.Start())
	defer src.Close()

	frame, err := src.Dequeue(time.Second)
	require.NoError(t, err)
	assert.True(t, len(frame) <= size)

	img, err := jpeg.Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 96, 48), img.Bounds())
	assert.Equal(t, PixelFormatMJPEG, src.Format().PixelFormat)
}

func TestTestCardPacing(t *testing.T) {
	tc := NewTestCard(PixelFormatYUV420)
	size, err := tc.Configure(Format{Width: 32, Height: 16, FrameRate: 1})
	require.NoError(t, err)
	require.NoError(t, tc.Start())
	defer tc.Close()

	buf := make([]byte, size)
	_, err = tc.ReadInto(buf, 10*time.Millisecond)
	require.NoError(t, err)
	_, err = tc.ReadInto(buf, 10*time.Millisecond)
	assert.Equal(t, ErrTimeout, err)
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open("carrier-pigeon:/dev/bird")
	assert.Error(t, err)
	assert.Contains(t, Tags(), "testcard")
	assert.Contains(t, Tags(), "file")
	assert.Contains(t, Tags(), "v4l2")
}

func TestOpenTestCard(t *testing.T) {
	src, err := Open("testcard:mjpeg")
	require.NoError(t, err)
	assert.Equal(t, PixelFormatMJPEG, src.Format().PixelFormat)
	src.Close()

	_, err = Open("testcard:yuyv")
	assert.Error(t, err)
}

func TestSplitJPEG(t *testing.T) {
	a := encodeJPEG(t, 16, 16, 10)
	b := encodeJPEG(t, 24, 8, 200)
	stream := append([]byte{0, 1, 2}, a...)
	stream = append(stream, b...)
	stream = append(stream, 0xff, 0x00)

	frames, err := SplitJPEG(stream)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])

	_, err = SplitJPEG(a[:len(a)-10])
	assert.Error(t, err)
}

func TestDHTFilter(t *testing.T) {
	full := encodeJPEG(t, 32, 32, 77)
	bare := stripDHT(t, full)
	require.True(t, len(bare) < len(full))

	_, err := jpeg.Decode(bytes.NewReader(bare))
	require.Error(t, err)

	buf := make([]byte, len(bare)+DHTFilter{}.Headroom())
	copy(buf, bare)
	n, err := DHTFilter{}.Filter(buf, len(bare))
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(buf[:n]))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	// Frames that already carry tables pass unchanged.
	fixed, err := DHTFilter{}.Apply(full)
	require.NoError(t, err)
	assert.Equal(t, full, fixed)

	_, err = DHTFilter{}.Filter(make([]byte, len(bare)), 0)
	assert.Error(t, err)
	small := append([]byte(nil), bare...)
	_, err = DHTFilter{}.Filter(small, len(small))
	assert.Equal(t, ErrShortBuffer, err)
}

func TestFileSource(t *testing.T) {
	a := stripDHT(t, encodeJPEG(t, 40, 24, 30))
	b := stripDHT(t, encodeJPEG(t, 40, 24, 220))
	path := filepath.Join(t.TempDir(), "clip.mjpeg")
	require.NoError(t, os.WriteFile(path, append(append([]byte(nil), a...), b...), 0644))

	src, err := Open("file:" + path)
	require.NoError(t, err)
	src = Filtered(src, DHTFilter{})
	size, err := src.Configure(Format{})
	require.NoError(t, err)
	assert.Equal(t, Format{Width: 40, Height: 24, PixelFormat: PixelFormatMJPEG}, src.Format())
	require.NoError(t, src.Start())
	defer src.Close()

	buf := make([]byte, size)
	var shades []uint8
	for i := 0; i < 3; i++ {
		n, err := src.ReadInto(buf, time.Second)
		require.NoError(t, err)
		img, err := jpeg.Decode(bytes.NewReader(buf[:n]))
		require.NoError(t, err)
		shades = append(shades, img.(*image.Gray).Pix[0])
	}
	// Replay loops back to the first frame.
	assert.InDelta(t, 30, int(shades[0]), 2)
	assert.InDelta(t, 220, int(shades[1]), 2)
	assert.InDelta(t, 30, int(shades[2]), 2)

	frame, err := src.Dequeue(time.Second)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(frame))
	assert.NoError(t, err)
}

func TestFileSourceEmpty(t *testing.T) {
	_, err := newFileSource("empty", []byte("not a jpeg"))
	assert.Error(t, err)
}

func TestRepackPlanar(t *testing.T) {
	const w, h = 8, 4
	src := make([]byte, w*h*3/2)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, PlanarSize(w, h))
	repackPlanar(dst, src, w, h, w)

	assert.Equal(t, src[:w], dst[:w])
	assert.Equal(t, src[w:2*w], dst[32:32+w])
	// First chroma row of each plane.
	assert.Equal(t, src[w*h:w*h+w/2], dst[32*16:32*16+w/2])
	assert.Equal(t, src[w*h+w/2*h/2:w*h+w/2*h/2+w/2], dst[32*16+16*8:32*16+16*8+w/2])
}
