package soft

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/omx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	filled   chan *buffer.Descriptor
	emptied  chan *buffer.Descriptor
	settings chan int
	errs     chan omx.Error
}

func newRecorder() *recorder {
	return &recorder{
		filled:   make(chan *buffer.Descriptor, 64),
		emptied:  make(chan *buffer.Descriptor, 64),
		settings: make(chan int, 8),
		errs:     make(chan omx.Error, 8),
	}
}

func (r *recorder) OnEmptyBufferDone(_ int, d *buffer.Descriptor) { r.emptied <- d }
func (r *recorder) OnFillBufferDone(_ int, d *buffer.Descriptor)  { r.filled <- d }
func (r *recorder) OnPortSettingsChanged(port int)                { r.settings <- port }
func (r *recorder) OnError(code omx.Error)                        { r.errs <- code }

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		panic("unreachable")
	}
}

func none[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected callback: %v", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func rawFormat(w, h int) omx.Format {
	return omx.Format{Width: w, Height: h, Color: omx.ColorFormatYUV420PackedPlanar}
}

func jpegBytes(t *testing.T, w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var b bytes.Buffer
	require.NoError(t, jpeg.Encode(&b, img, &jpeg.Options{Quality: 90}))
	return b.Bytes()
}

// shutdown walks a component back to Loaded and destroys it.
func shutdown(t *testing.T, c omx.Component) {
	if c.State() == omx.StateExecuting {
		require.NoError(t, c.SetState(omx.StateIdle))
	}
	for _, p := range c.Ports() {
		require.NoError(t, c.Flush(p))
		require.NoError(t, c.DisablePort(p))
	}
	if c.State() == omx.StateIdle {
		require.NoError(t, c.SetState(omx.StateLoaded))
	}
	require.NoError(t, c.Close())
}

func TestVideoCopy(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	c, err := rt.Create("video_copy")
	require.NoError(t, err)
	rec := newRecorder()
	c.SetCallbacks(rec)

	in, err := c.PortDefinition(200)
	require.NoError(t, err)
	in.Format = rawFormat(64, 48)
	require.NoError(t, c.SetPortDefinition(in))

	out, err := c.PortDefinition(201)
	require.NoError(t, err)
	assert.Equal(t, 64, out.Format.Width)
	assert.Equal(t, 64*48*3/2, out.BufferSize)

	require.NoError(t, c.SetParameter(omx.ParamBitrate, 1000000))
	bitrate, err := c.GetParameter(omx.ParamBitrate)
	require.NoError(t, err)
	assert.Equal(t, 1000000, bitrate)

	require.NoError(t, c.SetState(omx.StateIdle))
	inSet, err := c.EnablePort(200)
	require.NoError(t, err)
	outSet, err := c.EnablePort(201)
	require.NoError(t, err)
	require.NoError(t, c.SetState(omx.StateExecuting))

	for _, d := range outSet.Descriptors() {
		require.NoError(t, c.FillBuffer(d))
	}

	src := inSet.At(0)
	for i := range src.Data {
		src.Data[i] = byte(i)
	}
	src.FilledLen = 1000
	src.Flags = buffer.FlagEndOfFrame
	src.Timestamp = time.Unix(1, 0)
	require.NoError(t, c.EmptyBuffer(src))

	d := recv(t, rec.filled)
	assert.Equal(t, buffer.OwnerClient, d.Owner())
	assert.Equal(t, 1000, d.FilledLen)
	assert.Equal(t, buffer.FlagEndOfFrame, d.Flags)
	assert.Equal(t, time.Unix(1, 0), d.Timestamp)
	assert.Equal(t, src.Data[:1000], d.Payload())
	assert.Same(t, src, recv(t, rec.emptied))
	assert.Equal(t, buffer.OwnerClient, src.Owner())
	none(t, rec.errs)

	// Leaving Executing hands back the remaining output descriptor.
	require.NoError(t, c.SetState(omx.StateIdle))
	d = recv(t, rec.filled)
	assert.Equal(t, 0, d.FilledLen)

	shutdown(t, c)
}

func TestImageDecodeLateGeometry(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	c, err := rt.Create("image_decode")
	require.NoError(t, err)
	rec := newRecorder()
	c.SetCallbacks(rec)

	require.NoError(t, c.SetState(omx.StateIdle))
	inSet, err := c.EnablePort(320)
	require.NoError(t, err)
	require.NoError(t, c.SetState(omx.StateExecuting))

	img := jpegBytes(t, 100, 60, color.Gray{200})
	for i := 0; i < 2; i++ {
		d := inSet.At(i)
		d.FilledLen = copy(d.Data, img)
		require.NoError(t, c.EmptyBuffer(d))
	}

	assert.Equal(t, 321, recv(t, rec.settings))
	none(t, rec.settings)
	none(t, rec.emptied)

	def, err := c.PortDefinition(321)
	require.NoError(t, err)
	want := omx.Format{Width: 100, Height: 60, Stride: 128, SliceHeight: 64, Color: omx.ColorFormatYUV420PackedPlanar}
	if diff := cmp.Diff(want, def.Format); diff != "" {
		t.Errorf("output format (-want +got):\n%s", diff)
	}
	assert.Equal(t, 128*64*3/2, def.BufferSize)
	assert.False(t, def.Enabled)

	outSet, err := c.EnablePort(321)
	require.NoError(t, err)
	require.NoError(t, c.FillBuffer(outSet.At(0)))

	d := recv(t, rec.filled)
	require.Equal(t, def.BufferSize, d.FilledLen)
	assert.InDelta(t, 200, int(d.Data[0]), 3)
	assert.InDelta(t, 128, int(d.Data[128*64]), 3)
	recv(t, rec.emptied)

	// The second image waits for the output descriptor to come back.
	// A handed back descriptor can be resubmitted as is.
	none(t, rec.filled)
	assert.Equal(t, buffer.OwnerClient, d.Owner())
	require.NoError(t, c.FillBuffer(d))
	recv(t, rec.filled)
	recv(t, rec.emptied)
	none(t, rec.settings)

	shutdown(t, c)
}

func TestImageDecodeCorrupt(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	c, err := rt.Create("image_decode")
	require.NoError(t, err)
	rec := newRecorder()
	c.SetCallbacks(rec)

	require.NoError(t, c.SetState(omx.StateIdle))
	inSet, err := c.EnablePort(320)
	require.NoError(t, err)
	require.NoError(t, c.SetState(omx.StateExecuting))

	d := inSet.At(0)
	d.FilledLen = copy(d.Data, "not a jpeg")
	require.NoError(t, c.EmptyBuffer(d))
	assert.Same(t, d, recv(t, rec.emptied))
	assert.Equal(t, omx.ErrorStreamCorrupt, recv(t, rec.errs))
	none(t, rec.settings)

	shutdown(t, c)
}

func TestImageEncode(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	c, err := rt.Create("image_encode")
	require.NoError(t, err)
	rec := newRecorder()
	c.SetCallbacks(rec)

	in, _ := c.PortDefinition(340)
	in.Format = rawFormat(64, 32)
	require.NoError(t, c.SetPortDefinition(in))
	require.NoError(t, c.SetParameter(omx.ParamQFactor, 50))

	require.NoError(t, c.SetState(omx.StateIdle))
	inSet, err := c.EnablePort(340)
	require.NoError(t, err)
	outSet, err := c.EnablePort(341)
	require.NoError(t, err)
	require.NoError(t, c.SetState(omx.StateExecuting))
	require.NoError(t, c.FillBuffer(outSet.At(0)))

	d := inSet.At(0)
	for i := range d.Data {
		d.Data[i] = 128
	}
	d.FilledLen = 64 * 32 * 3 / 2
	require.NoError(t, c.EmptyBuffer(d))

	out := recv(t, rec.filled)
	require.True(t, out.FilledLen > 0)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out.Payload()))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 32, cfg.Height)
	recv(t, rec.emptied)

	shutdown(t, c)
}

func TestResize(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	c, err := rt.Create("resize")
	require.NoError(t, err)
	rec := newRecorder()
	c.SetCallbacks(rec)

	out, _ := c.PortDefinition(61)
	out.Format = rawFormat(32, 16)
	require.NoError(t, c.SetPortDefinition(out))
	in, _ := c.PortDefinition(60)
	in.Format = rawFormat(64, 32)
	require.NoError(t, c.SetPortDefinition(in))

	out, _ = c.PortDefinition(61)
	assert.Equal(t, 32, out.Format.Width)
	assert.Equal(t, 32*16*3/2, out.BufferSize)

	require.NoError(t, c.SetState(omx.StateIdle))
	inSet, err := c.EnablePort(60)
	require.NoError(t, err)
	outSet, err := c.EnablePort(61)
	require.NoError(t, err)
	require.NoError(t, c.SetState(omx.StateExecuting))
	require.NoError(t, c.FillBuffer(outSet.At(0)))

	d := inSet.At(0)
	ysize := 64 * 32
	for i := range d.Data {
		if i < ysize {
			d.Data[i] = 90
		} else {
			d.Data[i] = 140
		}
	}
	d.FilledLen = ysize * 3 / 2
	require.NoError(t, c.EmptyBuffer(d))

	r := recv(t, rec.filled)
	require.Equal(t, 32*16*3/2, r.FilledLen)
	assert.Equal(t, byte(90), r.Data[0])
	assert.Equal(t, byte(90), r.Data[32*16-1])
	assert.Equal(t, byte(140), r.Data[32*16])
	recv(t, rec.emptied)

	shutdown(t, c)
}

func TestResizePackedInput(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	c, err := rt.Create("resize")
	require.NoError(t, err)
	rec := newRecorder()
	c.SetCallbacks(rec)

	out, _ := c.PortDefinition(61)
	out.Format = rawFormat(32, 16)
	require.NoError(t, c.SetPortDefinition(out))
	in, _ := c.PortDefinition(60)
	in.Format = omx.Format{Width: 64, Height: 32, Color: omx.ColorFormatYCbYCr}
	require.NoError(t, c.SetPortDefinition(in))

	require.NoError(t, c.SetState(omx.StateIdle))
	inSet, err := c.EnablePort(60)
	require.NoError(t, err)
	outSet, err := c.EnablePort(61)
	require.NoError(t, err)
	require.NoError(t, c.SetState(omx.StateExecuting))
	require.NoError(t, c.FillBuffer(outSet.At(0)))

	d := inSet.At(0)
	for i := 0; i+3 < 128*32; i += 4 {
		copy(d.Data[i:], []byte{90, 140, 90, 160})
	}
	d.FilledLen = 128 * 32
	require.NoError(t, c.EmptyBuffer(d))

	r := recv(t, rec.filled)
	require.Equal(t, 32*16*3/2, r.FilledLen)
	assert.Equal(t, byte(90), r.Data[0])
	assert.Equal(t, byte(140), r.Data[32*16])
	assert.Equal(t, byte(160), r.Data[32*16+16*8])
	recv(t, rec.emptied)

	shutdown(t, c)
}

func TestFlush(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	c, err := rt.Create("video_copy")
	require.NoError(t, err)
	rec := newRecorder()
	c.SetCallbacks(rec)

	in, _ := c.PortDefinition(200)
	in.Format = rawFormat(32, 32)
	require.NoError(t, c.SetPortDefinition(in))
	require.NoError(t, c.SetState(omx.StateIdle))
	_, err = c.EnablePort(200)
	require.NoError(t, err)
	outSet, err := c.EnablePort(201)
	require.NoError(t, err)

	// Queued in Idle, never processed.
	for _, d := range outSet.Descriptors() {
		require.NoError(t, c.FillBuffer(d))
	}
	assert.Error(t, c.DisablePort(201))

	require.NoError(t, c.Flush(201))
	for range outSet.Descriptors() {
		d := recv(t, rec.filled)
		assert.True(t, outSet.Contains(d))
		assert.Equal(t, 0, d.FilledLen)
	}
	shutdown(t, c)
}

func TestStateErrors(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	_, err := rt.Create("video_encode")
	assert.True(t, errors.Is(err, omx.ErrorComponentNotFound))

	c, err := rt.Create("video_copy")
	require.NoError(t, err)

	err = c.SetState(omx.StateExecuting)
	assert.True(t, errors.Is(err, omx.ErrorIncorrectStateTransition))
	assert.True(t, errors.Is(c.SetState(omx.StateLoaded), omx.ErrorSameState))

	_, err = c.GetParameter(omx.ParamQFactor)
	assert.True(t, errors.Is(err, omx.ErrorUnsupportedIndex))

	_, err = c.PortDefinition(5)
	assert.True(t, errors.Is(err, omx.ErrorBadPortIndex))

	// Geometry unknown, nothing to allocate.
	_, err = c.EnablePort(200)
	assert.True(t, errors.Is(err, omx.ErrorBadParameter))

	in, _ := c.PortDefinition(200)
	in.Format = rawFormat(16, 16)
	require.NoError(t, c.SetPortDefinition(in))
	require.NoError(t, c.SetState(omx.StateIdle))
	set, err := c.EnablePort(200)
	require.NoError(t, err)

	assert.True(t, errors.Is(c.Close(), omx.ErrorIncorrectStateOperation))
	assert.True(t, errors.Is(c.SetState(omx.StateLoaded), omx.ErrorIncorrectStateOperation))

	in, _ = c.PortDefinition(200)
	in.BufferSize *= 2
	assert.True(t, errors.Is(c.SetPortDefinition(in), omx.ErrorIncorrectStateOperation))

	foreign := buffer.NewSet("x", 200, 1, 16).At(0)
	assert.True(t, errors.Is(c.EmptyBuffer(foreign), omx.ErrorBadParameter))
	require.NoError(t, c.EmptyBuffer(set.At(0)))
	assert.True(t, errors.Is(c.EmptyBuffer(set.At(0)), omx.ErrorBadParameter))

	c.SetCallbacks(newRecorder())
	shutdown(t, c)
	assert.Equal(t, []string{"image_decode", "image_encode", "resize", "video_copy"}, rt.Names())
}

func TestRuntimeCloseStopsLeakedComponents(t *testing.T) {
	rt := NewRuntime()
	_, err := rt.Create("video_copy")
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	_, err = rt.Create("video_copy")
	assert.True(t, errors.Is(err, omx.ErrorInvalidState))
}
