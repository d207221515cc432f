package sink

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/h264"
)

type closeBuffer struct {
	bytes.Buffer
	closed int
}

func (b *closeBuffer) Close() error {
	b.closed++
	return nil
}

type recorder struct {
	frames [][]byte
	err    error
	closed bool
}

func (r *recorder) WriteFrame(p []byte, flags buffer.Flags) error {
	r.frames = append(r.frames, append([]byte(nil), p...))
	return r.err
}

func (r *recorder) Close() error {
	r.closed = true
	return r.err
}

func TestWriter(t *testing.T) {
	var out closeBuffer
	w := NewWriter(&out)
	require.NoError(t, w.WriteFrame([]byte("abc"), 0))
	require.NoError(t, w.WriteFrame([]byte("de"), buffer.FlagEndOfFrame))
	frames, n := w.Written()
	assert.Equal(t, 2, frames)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "abcde", out.String())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, out.closed)
	assert.Equal(t, ErrClosed, w.WriteFrame([]byte("x"), 0))
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jpg")
	s, err := Open("file:" + path)
	require.NoError(t, err)
	require.NoError(t, s.WriteFrame([]byte{0xff, 0xd8}, 0))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, data)

	_, err = Open(filepath.Join(t.TempDir(), "missing", "out.jpg"))
	assert.Error(t, err)

	null, err := Open("null")
	require.NoError(t, err)
	assert.NoError(t, null.WriteFrame([]byte("x"), 0))

	_, err = Open("")
	assert.Error(t, err)
}

func TestOpenStdout(t *testing.T) {
	s, err := Open("-")
	require.NoError(t, err)
	w, ok := s.(*Writer)
	require.True(t, ok, "%T", s)
	assert.True(t, w.Stdout())
	assert.NoError(t, w.Close())

	f, err := Open(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, f.(*Writer).Stdout())
}

func TestTee(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recorder{err: boom}, &recorder{}
	s := Tee(a, b)

	assert.Equal(t, boom, s.WriteFrame([]byte("frame"), 0))
	assert.Len(t, a.frames, 1)
	assert.Len(t, b.frames, 1)
	assert.Equal(t, boom, s.Close())
	assert.True(t, b.closed)

	assert.Same(t, a, Tee(a))
}

func TestBroadcasterSubscribeAndWrite(t *testing.T) {
	b := NewBroadcaster()

	var wg sync.WaitGroup
	var ready sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		ready.Add(1)
		s := b.Subscribe(1)
		go func() {
			defer wg.Done()
			ready.Done()
			p, ok := <-s
			assert.True(t, ok)
			assert.Equal(t, []byte{0xc0, 0xff, 0xee}, p)
		}()
	}
	ready.Wait()

	packet := []byte{0xc0, 0xff, 0xee}
	require.NoError(t, b.WriteFrame(packet, 0))
	// Subscribers hold copies.
	packet[0] = 0
	wg.Wait()
}

func TestBroadcasterDropsOldest(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(2)
	for i := byte(0); i < 5; i++ {
		require.NoError(t, b.WriteFrame([]byte{i}, 0))
	}
	assert.Equal(t, []byte{3}, <-s)
	assert.Equal(t, []byte{4}, <-s)
	assert.Equal(t, 3, b.Unsubscribe(s))
	_, ok := <-s
	assert.False(t, ok)
}

func TestBroadcasterStartStop(t *testing.T) {
	started := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	b := NewBroadcaster()
	b.Start = func() { started <- struct{}{} }
	b.Stop = func() { stopped <- struct{}{} }

	s := b.Subscribe(1)
	<-started
	assert.Equal(t, 1, b.Subscribers())
	b.Unsubscribe(s)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop not called")
	}

	require.NoError(t, b.Close())
	assert.Equal(t, ErrClosed, b.WriteFrame([]byte{1}, 0))
	_, ok := <-b.Subscribe(1)
	assert.False(t, ok)
}

func TestPreview(t *testing.T) {
	p := newPreview()
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, p.WriteFrame([]byte{0}, buffer.FlagCodecConfig))
	require.NoError(t, p.WriteFrame([]byte{0xff, 0xd8, 0xff, 0xd9}, buffer.FlagEndOfFrame))

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, msg)

	require.NoError(t, p.Close())
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestNewPreviewListens(t *testing.T) {
	p, err := NewPreview("127.0.0.1:0")
	require.NoError(t, err)
	resp, err := http.Get("http://" + p.Addr().String() + "/nothing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NoError(t, p.Close())
}

// Baseline SPS for a 64x48 picture.
var sps64x48 = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x11, 0xe4}

func TestInspector(t *testing.T) {
	rec := &recorder{}
	in := NewInspector(rec)

	var config []byte
	config = append(config, 0, 0, 0, 1)
	config = append(config, sps64x48...)
	config = append(config, 0, 0, 0, 1, 0x68, 0xce, 0x38, 0x80)
	require.NoError(t, in.WriteFrame(config, buffer.FlagCodecConfig))
	require.NoError(t, in.WriteFrame([]byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00}, buffer.FlagSyncFrame))
	require.NoError(t, in.WriteFrame([]byte{0, 0, 0, 1, 0x41, 0x9a, 0x02}, 0))

	w, h := in.Geometry()
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)
	assert.Equal(t, 1, in.Count(h264.TypeSPS))
	assert.Equal(t, 1, in.Count(h264.TypePPS))
	assert.Equal(t, 1, in.Count(h264.TypeIDR))
	assert.Equal(t, 1, in.Count(h264.TypeSlice))
	assert.Len(t, rec.frames, 3)

	require.NoError(t, in.Close())
	assert.True(t, rec.closed)
}
