package sink

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanikai/ilpipe/internal/buffer"
)

const (
	previewQueue = 2
	writeTimeout = 2 * time.Second
)

// Preview serves the frames it receives to browsers over a websocket. A
// viewer page is served at "/" and the frames at "/ws", one binary message
// per frame.
type Preview struct {
	*Broadcaster

	server   *http.Server
	listener net.Listener
	done     chan struct{}
	upgrader websocket.Upgrader
}

// NewPreview listens on addr and serves in the background until Close.
func NewPreview(addr string) (*Preview, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	p := newPreview()
	p.listener = ln
	p.server = &http.Server{Handler: p.Handler()}

	go func() {
		defer close(p.done)
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("preview: %v", err)
		}
	}()

	log.Info("Open http://%s/ in a browser", previewHost(ln.Addr()))
	return p, nil
}

func newPreview() *Preview {
	return &Preview{
		Broadcaster: NewBroadcaster(),
		done:        make(chan struct{}),
	}
}

// Get hostname
func previewHost(addr net.Addr) string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	} else if !strings.Contains(host, ".") {
		host += ".local"
	}
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.Port != 80 {
		host += fmt.Sprintf(":%d", tcp.Port)
	}
	return host
}

// Addr returns the listening address.
func (p *Preview) Addr() net.Addr {
	return p.listener.Addr()
}

func (p *Preview) Handler() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, viewerPage)
	})
	router.HandleFunc("/ws", p.handleWebsocket)
	return router
}

func (p *Preview) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the upgrade completes so that no frame written
	// after the handshake is missed.
	frames := p.Subscribe(previewQueue)

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.Unsubscribe(frames)
		log.Warn("upgrade: %v", err)
		return
	}
	defer ws.Close()
	log.Debug("preview viewer %s connected", r.RemoteAddr)

	// Reads only serve to notice the viewer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	defer func() {
		missed := p.Unsubscribe(frames)
		log.Debug("preview viewer %s left, missed %d frames", r.RemoteAddr, missed)
	}()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(writeTimeout))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Warn("preview write: %v", err)
				return
			}
		case <-gone:
			return
		}
	}
}

// Close stops serving and disconnects all viewers.
func (p *Preview) Close() error {
	p.Broadcaster.Close()
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := p.server.Shutdown(ctx)
	<-p.done
	return err
}

var _ Sink = (*Preview)(nil)

// WriteFrame forwards complete JPEG frames to viewers.
func (p *Preview) WriteFrame(b []byte, flags buffer.Flags) error {
	if flags.Has(buffer.FlagCodecConfig) {
		return nil
	}
	return p.Broadcaster.WriteFrame(b, flags)
}

const viewerPage = `<!DOCTYPE html>
<html>
<head><title>ilpipe preview</title></head>
<body style="margin:0;background:#000">
<img id="frame" style="display:block;margin:auto;max-width:100%">
<script>
var img = document.getElementById("frame");
var ws = new WebSocket("ws://" + location.host + "/ws");
ws.binaryType = "blob";
ws.onmessage = function(ev) {
	var url = URL.createObjectURL(ev.data);
	img.onload = function() { URL.revokeObjectURL(url); };
	img.src = url;
};
</script>
</body>
</html>
`
