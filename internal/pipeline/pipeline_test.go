package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/capture"
	"github.com/lanikai/ilpipe/internal/omx"
	"github.com/lanikai/ilpipe/internal/omx/omxtest"
	"github.com/lanikai/ilpipe/internal/omx/soft"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testWidth  = 64
	testHeight = 48
)

// frameSink records every frame written to it.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
	flags  []buffer.Flags
	err    error
	closed int
}

func (s *frameSink) WriteFrame(p []byte, flags buffer.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), p...))
	s.flags = append(s.flags, flags)
	return nil
}

func (s *frameSink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *frameSink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// eventLog collects pipeline events from any goroutine.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	notify chan EventKind
}

func newEventLog() *eventLog {
	return &eventLog{notify: make(chan EventKind, 1)}
}

func (e *eventLog) record(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	select {
	case e.notify <- ev.Kind:
	default:
	}
}

func (e *eventLog) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kinds []EventKind
	for _, ev := range e.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func index(kinds []EventKind, k EventKind) int {
	for i, x := range kinds {
		if x == k {
			return i
		}
	}
	return -1
}

func count(kinds []EventKind, k EventKind) int {
	n := 0
	for _, x := range kinds {
		if x == k {
			n++
		}
	}
	return n
}

func testCard(t *testing.T, pf capture.PixelFormat) (capture.Source, int) {
	t.Helper()
	src := capture.NewTestCard(pf)
	size, err := src.Configure(capture.Format{Width: testWidth, Height: testHeight, PixelFormat: pf})
	require.NoError(t, err)
	return src, size
}

func rawInput() omx.Format {
	return omx.Format{Width: testWidth, Height: testHeight, Color: omx.ColorFormatYUV420PackedPlanar}
}

func copyOptions(frames, inputSize int) Options {
	return Options{
		Frames:    frames,
		Stages:    []StageSpec{{Component: "video_copy"}},
		Input:     rawInput(),
		InputSize: inputSize,
	}
}

func decodeOptions(frames, inputSize int) Options {
	return Options{
		Frames: frames,
		Stages: []StageSpec{
			{Component: "image_decode"},
			{Component: "video_copy"},
		},
		Input:     omx.Format{Width: testWidth, Height: testHeight, Compression: omx.CodingJPEG},
		InputSize: inputSize,
	}
}

func run(t *testing.T, c *Context) error {
	t.Helper()
	require.NoError(t, c.Setup())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func TestZeroFrames(t *testing.T) {
	src, size := testCard(t, capture.PixelFormatYUV420)
	snk := &frameSink{}
	c := New(soft.NewRuntime(), src, snk, copyOptions(0, size))

	require.NoError(t, run(t, c))
	require.NoError(t, c.Teardown())
	assert.Equal(t, Counters{}, c.Counters())
	assert.Empty(t, snk.Frames())
	assert.Equal(t, 1, snk.closed)
}

func TestSingleStage(t *testing.T) {
	const frames = 5
	src, size := testCard(t, capture.PixelFormatYUV420)
	snk := &frameSink{}
	c := New(soft.NewRuntime(), src, snk, copyOptions(frames, size))

	require.NoError(t, run(t, c))
	require.NoError(t, c.Teardown())

	got := c.Counters()
	assert.Equal(t, uint64(frames), got.Captured, spew.Sdump(got))
	assert.Equal(t, uint64(frames), got.Copied)
	assert.Equal(t, uint64(frames), got.Emitted)
	assert.Zero(t, got.Reconfigurations)

	// The sink sees the test card frames in capture order.
	ref, _ := testCard(t, capture.PixelFormatYUV420)
	require.NoError(t, ref.Start())
	defer ref.Close()
	written := snk.Frames()
	require.Len(t, written, frames)
	for i, frame := range written {
		want, err := ref.Dequeue(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, frame, "frame %d", i)
		assert.True(t, snk.flags[i].Has(buffer.FlagEndOfFrame))
	}
}

// memory returns the buffer memory behind a port's descriptors.
func memory(t *testing.T, st *Stage, port int) map[*byte]bool {
	t.Helper()
	set := st.Port(port).set.Load()
	require.NotNil(t, set, "%s port %d has no buffers", st.Name, port)
	m := make(map[*byte]bool)
	for _, d := range set.Descriptors() {
		m[&d.Data[0]] = true
	}
	return m
}

func TestZeroCopy(t *testing.T) {
	const frames = 6
	src, size := testCard(t, capture.PixelFormatYUV420)
	snk := &frameSink{}
	opts := copyOptions(frames, size)
	opts.Stages = []StageSpec{{Component: "video_copy"}, {Component: "video_copy"}}
	opts.ZeroCopy = true
	c := New(soft.NewRuntime(), src, snk, opts)

	require.NoError(t, c.Setup())
	up, down := c.Stages[0], c.Stages[1]
	downstream := memory(t, down, down.InputPort())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	// Swapped handles leave downstream memory behind the upstream port.
	swapped := 0
	for p := range memory(t, up, up.OutputPort()) {
		if downstream[p] {
			swapped++
		}
	}
	assert.NotZero(t, swapped)
	require.NoError(t, c.Teardown())

	got := c.Counters()
	assert.Equal(t, uint64(frames), got.Captured, spew.Sdump(got))
	assert.Equal(t, uint64(2*frames), got.Copied)
	assert.Equal(t, uint64(frames), got.Emitted)

	ref, _ := testCard(t, capture.PixelFormatYUV420)
	require.NoError(t, ref.Start())
	defer ref.Close()
	written := snk.Frames()
	require.Len(t, written, frames)
	for i, frame := range written {
		want, err := ref.Dequeue(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, frame, "frame %d", i)
	}
}

func TestDecodeThenCopy(t *testing.T) {
	const frames = 4
	src, size := testCard(t, capture.PixelFormatMJPEG)
	snk := &frameSink{}
	events := newEventLog()
	opts := decodeOptions(frames, size)
	opts.OnEvent = events.record
	c := New(soft.NewRuntime(), src, snk, opts)

	require.NoError(t, run(t, c))

	got := c.Counters()
	assert.Equal(t, uint64(frames), got.Captured, spew.Sdump(got))
	assert.Equal(t, uint64(frames), got.Emitted)
	assert.Equal(t, uint64(2*frames), got.Copied)
	assert.Equal(t, uint64(1), got.Reconfigurations)

	kinds := events.kinds()
	assert.Equal(t, 1, count(kinds, EventPortSettingsChanged))
	assert.Equal(t, 1, count(kinds, EventReconfigured))
	assert.Zero(t, count(kinds, EventAnomaly))
	changed, reconf, transfer := index(kinds, EventPortSettingsChanged), index(kinds, EventReconfigured), index(kinds, EventTransfer)
	assert.True(t, changed < reconf, "%v", kinds)
	assert.True(t, reconf < transfer, "%v", kinds)

	for _, frame := range snk.Frames() {
		assert.Len(t, frame, capture.PlanarSize(testWidth, testHeight))
	}

	// The geometry reached the second stage.
	second := c.Stages[1]
	def, err := second.PortDefinition(second.InputPort())
	require.NoError(t, err)
	assert.Equal(t, testWidth, def.Format.Width)
	assert.Equal(t, testHeight, def.Format.Height)

	// A second settings change is reported and ignored.
	link := c.Links[0]
	require.NoError(t, link.Reconfigure())
	assert.Equal(t, 2, link.Reconfigurations())
	assert.Equal(t, uint64(1), c.Counters().Reconfigurations)
	assert.Equal(t, 1, count(events.kinds(), EventAnomaly))

	require.NoError(t, c.Teardown())
}

func TestTeardownOrder(t *testing.T) {
	src, size := testCard(t, capture.PixelFormatMJPEG)
	rt := omxtest.New(soft.NewRuntime())
	snk := &frameSink{}
	c := New(rt, src, snk, decodeOptions(2, size))
	require.NoError(t, run(t, c))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Teardown()
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.NoError(t, c.Teardown())

	assert.True(t, rt.Closed())
	assert.Zero(t, rt.Live())
	assert.Equal(t, 1, snk.closed)
	assert.Equal(t, capture.ErrClosed, src.Start())

	calls := rt.Calls()
	pos := func(call string) int {
		for i, c := range calls {
			if c == call {
				return i
			}
		}
		t.Fatalf("%q not in %v", call, calls)
		return -1
	}
	for _, name := range []string{"image_decode", "video_copy"} {
		flush := pos(name + ": Flush " + map[string]string{"image_decode": "320", "video_copy": "200"}[name])
		idle := pos(name + ": SetState Idle")
		assert.True(t, flush < pos(name+": SetState Loaded"), "%v", calls)
		assert.True(t, idle < pos(name+": SetState Loaded"), "%v", calls)
		assert.True(t, pos(name+": SetState Loaded") < pos(name+": Close"), "%v", calls)
	}
	assert.Equal(t, "Close", calls[len(calls)-1])
}

func TestTeardownWithoutRun(t *testing.T) {
	src, size := testCard(t, capture.PixelFormatYUV420)
	rt := omxtest.New(soft.NewRuntime())
	c := New(rt, src, &frameSink{}, copyOptions(3, size))
	require.NoError(t, c.Setup())
	require.NoError(t, c.Teardown())
	assert.Zero(t, rt.Live())
	assert.True(t, rt.Closed())
}

func TestSetupFailureTearsDown(t *testing.T) {
	src, size := testCard(t, capture.PixelFormatMJPEG)
	rt := omxtest.New(soft.NewRuntime())
	injected := errors.New("no such codec")
	rt.FailCreate("video_copy", injected)
	snk := &frameSink{}
	c := New(rt, src, snk, decodeOptions(1, size))

	err := c.Setup()
	require.Error(t, err)
	assert.True(t, errors.Is(err, injected), "%v", err)
	assert.Zero(t, rt.Live())
	assert.True(t, rt.Closed())
	assert.Contains(t, rt.Calls(), "image_decode: Close")
	assert.Equal(t, 1, snk.closed)
	assert.NoError(t, c.Teardown())
}

func TestNoStages(t *testing.T) {
	src, _ := testCard(t, capture.PixelFormatYUV420)
	c := New(soft.NewRuntime(), src, &frameSink{}, Options{})
	assert.True(t, errors.Is(c.Setup(), ErrNoStages))
}

// endless runs the copy pipeline over an unpaced test card until the test
// stops it. It returns once the first frame reached the sink.
func endless(t *testing.T, rt omx.Runtime, fatal ...omx.Error) (*Context, chan error, context.CancelFunc) {
	t.Helper()
	src, size := testCard(t, capture.PixelFormatYUV420)
	events := newEventLog()
	opts := copyOptions(1<<30, size)
	opts.FatalErrors = fatal
	opts.OnEvent = events.record
	c := New(rt, src, &frameSink{}, opts)
	require.NoError(t, c.Setup())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-events.notify:
	case err := <-done:
		t.Fatalf("run ended early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no pipeline activity")
	}
	return c, done, cancel
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end")
		return nil
	}
}

func TestCancel(t *testing.T) {
	c, done, cancel := endless(t, soft.NewRuntime())
	cancel()
	assert.Equal(t, context.Canceled, wait(t, done))
	require.NoError(t, c.Teardown())
	assert.True(t, c.Counters().Emitted > 0)
}

func TestFatalStageError(t *testing.T) {
	rt := omxtest.New(soft.NewRuntime())
	c, done, cancel := endless(t, rt, omx.ErrorHardware)
	defer cancel()

	// Non-fatal codes are counted and the run carries on.
	rt.Component("video_copy").InjectError(omx.ErrorStreamCorrupt)
	select {
	case err := <-done:
		t.Fatalf("run ended on a non-fatal error: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	rt.Component("video_copy").InjectError(omx.ErrorHardware)
	err := wait(t, done)
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal), "%v", err)
	assert.Equal(t, "video_copy", fatal.Stage)
	assert.Equal(t, omx.ErrorHardware, fatal.Code)
	code, ok := omx.Code(err)
	assert.True(t, ok)
	assert.Equal(t, omx.ErrorHardware, code)
	assert.Equal(t, uint64(2), c.Counters().StageErrors)

	require.NoError(t, c.Teardown())
}

// stubSource serves canned results to the orchestrator.
type stubSource struct {
	read func(dst []byte) (int, error)
}

func (s *stubSource) Configure(capture.Format) (int, error) { return 0, nil }
func (s *stubSource) Format() capture.Format                { return capture.Format{} }
func (s *stubSource) Start() error                          { return nil }
func (s *stubSource) Stop() error                           { return nil }
func (s *stubSource) Close() error                          { return nil }

func (s *stubSource) Dequeue(timeout time.Duration) ([]byte, error) {
	buf := make([]byte, 64)
	n, err := s.ReadInto(buf, timeout)
	return buf[:n], err
}

func (s *stubSource) ReadInto(dst []byte, timeout time.Duration) (int, error) {
	return s.read(dst)
}

func TestDrainTimeout(t *testing.T) {
	src := &stubSource{read: func([]byte) (int, error) { return 0, capture.ErrTimeout }}
	opts := copyOptions(1, capture.PlanarSize(testWidth, testHeight))
	opts.Backoff = Backoff{Interval: time.Millisecond, Max: 5 * time.Millisecond, Timeout: 50 * time.Millisecond}
	c := New(soft.NewRuntime(), src, &frameSink{}, opts)

	err := run(t, c)
	assert.True(t, errors.Is(err, ErrDrainTimeout), "%v", err)
	require.NoError(t, c.Teardown())
}

func TestCaptureFailing(t *testing.T) {
	broken := errors.New("cable unplugged")
	src := &stubSource{read: func([]byte) (int, error) { return 0, broken }}
	c := New(soft.NewRuntime(), src, &frameSink{}, copyOptions(1, capture.PlanarSize(testWidth, testHeight)))

	err := run(t, c)
	assert.True(t, errors.Is(err, broken), "%v", err)
	assert.Equal(t, uint64(maxCaptureErrors+1), c.Counters().CaptureErrors)
	require.NoError(t, c.Teardown())
}

func TestSinkErrorsCounted(t *testing.T) {
	const frames = 3
	src, size := testCard(t, capture.PixelFormatYUV420)
	snk := &frameSink{err: errors.New("disk full")}
	c := New(soft.NewRuntime(), src, snk, copyOptions(frames, size))

	require.NoError(t, run(t, c))
	require.NoError(t, c.Teardown())
	got := c.Counters()
	assert.Equal(t, uint64(frames), got.SinkErrors)
	assert.Zero(t, got.Emitted)
	assert.Equal(t, uint64(frames), got.Copied)
}
