package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/omx"
	"github.com/lanikai/ilpipe/internal/sink"
	"github.com/lanikai/ilpipe/internal/stats"
)

// Progress is the outcome of one Link.Pump.
type Progress int

const (
	// Nothing ready on the source port.
	NoProgress Progress = iota
	// Another goroutine is pumping the link.
	Busy
	// A descriptor is parked waiting for a free sink descriptor.
	Stalled
	// An empty descriptor went straight back to the source.
	Recycled
	// A payload crossed the link.
	Transferred
)

var progressNames = [...]string{"none", "busy", "stalled", "recycled", "transferred"}

func (p Progress) String() string { return progressNames[p] }

// Link moves filled descriptors from a stage's output port to the next
// stage's input port, or to the sink for the terminal link.
type Link struct {
	Name string

	src     *Stage
	srcPort int
	dst     *Stage
	dstPort int
	sink    sink.Sink

	zeroCopy bool

	// Held by the single goroutine pumping or reconfiguring the link.
	mu      sync.Mutex
	pending *buffer.Descriptor
	closed  bool

	inProgress   atomic.Bool
	hasPending   atomic.Bool
	reconfigured atomic.Int32
	copied       atomic.Uint64
	totals       *counters
	stats        *stats.Recorder
	observe      func(Event)
}

func newLink(src *Stage, dst *Stage, zeroCopy bool, totals *counters, observe func(Event)) *Link {
	return &Link{
		Name:     fmt.Sprintf("%s:%d->%s:%d", src.Name, src.OutputPort(), dst.Name, dst.InputPort()),
		src:      src,
		srcPort:  src.OutputPort(),
		dst:      dst,
		dstPort:  dst.InputPort(),
		zeroCopy: zeroCopy,
		totals:   totals,
		observe:  observe,
	}
}

func newTerminalLink(src *Stage, snk sink.Sink, totals *counters, rec *stats.Recorder, observe func(Event)) *Link {
	return &Link{
		Name:    fmt.Sprintf("%s:%d->sink", src.Name, src.OutputPort()),
		src:     src,
		srcPort: src.OutputPort(),
		sink:    snk,
		totals:  totals,
		stats:   rec,
		observe: observe,
	}
}

func (l *Link) String() string { return l.Name }

// Terminal reports whether the link ends at the sink.
func (l *Link) Terminal() bool { return l.dst == nil }

func (l *Link) Source() (*Stage, int) { return l.src, l.srcPort }

// Copied is the number of descriptors moved across this link.
func (l *Link) Copied() uint64 { return l.copied.Load() }

// Reconfigurations is the number of port-settings-changed events seen.
func (l *Link) Reconfigurations() int { return int(l.reconfigured.Load()) }

// Active reports whether both ends have buffers enabled.
func (l *Link) Active() bool {
	if !l.src.Port(l.srcPort).Enabled() {
		return false
	}
	return l.dst == nil || l.dst.Port(l.dstPort).Enabled()
}

// Idle reports whether the link holds no descriptor and nobody is pumping.
func (l *Link) Idle() bool {
	return !l.hasPending.Load() && !l.inProgress.Load()
}

func (l *Link) emit(ev Event) {
	if l.observe != nil {
		ev.Link = l.Name
		l.observe(ev)
	}
}

// Pump makes one non-blocking step, waiting at most wait for a free sink
// descriptor. Concurrent pumps are refused with Busy.
func (l *Link) Pump(wait time.Duration) (Progress, error) {
	if !l.mu.TryLock() {
		return Busy, nil
	}
	defer l.mu.Unlock()
	if l.closed || !l.Active() {
		return NoProgress, nil
	}
	l.inProgress.Store(true)
	defer l.inProgress.Store(false)

	d := l.pending
	if d != nil {
		l.pending = nil
		l.hasPending.Store(false)
	} else {
		var err error
		d, err = l.src.AcquireOutput(l.srcPort, 0)
		if err == buffer.ErrTimeout {
			return NoProgress, nil
		} else if err != nil {
			return NoProgress, err
		}
		d.SetOwner(buffer.OwnerLink)
	}

	if d.FilledLen == 0 && d.Flags == 0 {
		return Recycled, l.src.SubmitOutput(d)
	}
	if l.dst == nil {
		return l.write(d)
	}

	in, err := l.dst.AcquireInput(l.dstPort, wait)
	if err != nil {
		l.park(d)
		if err == buffer.ErrTimeout {
			return Stalled, nil
		}
		return NoProgress, err
	}
	if err := l.exchange(d, in); err != nil {
		l.dst.Return(in)
		if serr := l.src.SubmitOutput(d); serr != nil {
			log.Error("%v: recycle after %v: %v", l, err, serr)
		}
		return NoProgress, err
	}
	if err := l.src.SubmitOutput(d); err != nil {
		log.Error("%v: resubmit source: %v", l, err)
	}
	if err := l.dst.SubmitInput(in); err != nil {
		return NoProgress, err
	}
	l.copied.Add(1)
	l.totals.copied.Add(1)
	l.emit(Event{Kind: EventTransfer})
	return Transferred, nil
}

func (l *Link) park(d *buffer.Descriptor) {
	d.SetOwner(buffer.OwnerLink)
	l.pending = d
	l.hasPending.Store(true)
}

// exchange moves the payload of src into dst. Memory handles are swapped
// when zero-copy is on and dst's allocation can take src's; otherwise the
// bytes are copied.
func (l *Link) exchange(src, dst *buffer.Descriptor) error {
	if l.zeroCopy && len(dst.Data) >= len(src.Data) {
		buffer.SwapData(src, dst)
		buffer.CopyMeta(dst, src)
	} else {
		if src.FilledLen > len(dst.Data) {
			return errors.Errorf("%v: %d bytes into %d: %w", l, src.FilledLen, len(dst.Data), ErrTruncated)
		}
		copy(dst.Data, src.Payload())
		buffer.CopyMeta(dst, src)
		dst.Offset = 0
	}
	src.Reset()
	return nil
}

// write hands a terminal descriptor's payload to the sink and recycles it.
func (l *Link) write(d *buffer.Descriptor) (Progress, error) {
	if d.FilledLen > 0 {
		if err := l.sink.WriteFrame(d.Payload(), d.Flags); err != nil {
			log.Warn("%v: write: %v", l, err)
			l.totals.sinkErrors.Add(1)
		} else {
			l.totals.emitted.Add(1)
			if !d.Timestamp.IsZero() {
				l.stats.Emitted(time.Since(d.Timestamp))
			}
		}
	}
	l.copied.Add(1)
	l.totals.copied.Add(1)
	l.emit(Event{Kind: EventTransfer})
	return Transferred, l.src.SubmitOutput(d)
}

// Drain pumps until the source has nothing ready, the link stalls or ctx is
// done. It returns the number of descriptors moved or recycled.
func (l *Link) Drain(ctx context.Context, b Backoff) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		p, err := l.Pump(b.Interval)
		if err != nil {
			return n, err
		}
		switch p {
		case Transferred, Recycled:
			n++
		default:
			return n, nil
		}
	}
}

// Reconfigure handles a port-settings-changed event on the link's source
// port. The first call copies the new source geometry into the sink input
// definition, enables buffers on both sides and starts the sink stage. Later
// calls are logged and ignored.
func (l *Link) Reconfigure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if l.reconfigured.Add(1) > 1 {
		log.Warn("%v: port settings changed again, ignoring", l)
		l.emit(Event{Kind: EventAnomaly})
		return nil
	}

	def, err := l.src.PortDefinition(l.srcPort)
	if err != nil {
		return err
	}
	log.Info("%v: source settings %v", l, def)

	if l.dst != nil {
		in, err := l.dst.PortDefinition(l.dstPort)
		if err != nil {
			return err
		}
		in.Format = def.Format
		if n := in.Format.FrameSize(); in.BufferSize < n {
			in.BufferSize = n
		}
		if in.BufferSize < def.BufferSize {
			in.BufferSize = def.BufferSize
		}
		if err := l.dst.SetPortDefinition(in); err != nil {
			return err
		}
	}

	if err := l.src.EnablePortBuffers(l.srcPort); err != nil {
		return err
	}
	if l.dst != nil {
		if err := l.dst.EnablePortBuffers(l.dstPort); err != nil {
			return err
		}
		if err := l.dst.enablePending(); err != nil {
			return err
		}
		if err := l.dst.Transition(omx.StateExecuting); err != nil {
			return err
		}
	}
	l.totals.reconfigurations.Add(1)
	l.emit(Event{Kind: EventReconfigured, Stage: l.src.Name, Port: l.srcPort})
	return nil
}

// close stops the link and returns any parked descriptor to the source
// stage. After close no pump or reconfiguration runs.
func (l *Link) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	d := l.pending
	if d == nil {
		return nil
	}
	l.pending = nil
	l.hasPending.Store(false)
	return l.src.Return(d)
}
