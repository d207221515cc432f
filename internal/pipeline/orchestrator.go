package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/capture"
	"github.com/lanikai/ilpipe/internal/logging"
	"github.com/lanikai/ilpipe/internal/omx"
	"github.com/lanikai/ilpipe/internal/sink"
	"github.com/lanikai/ilpipe/internal/stats"
)

// StageSpec describes one stage of the chain.
type StageSpec struct {
	Component string
	Flags     PortFlags

	// Parameters applied after creation.
	Params map[omx.ParamIndex]int

	// Output geometry, for stages that take it from the client. Zero width
	// leaves the component's choice.
	Output omx.Format
}

type Options struct {
	// Frames to capture.
	Frames int

	Stages []StageSpec

	// Capture format and buffer size, applied to the first stage's input.
	Input     omx.Format
	InputSize int

	// Swap memory handles across links instead of copying where possible.
	ZeroCopy bool

	Backoff Backoff

	// Quiet time required after the last frame before the run ends.
	Settle time.Duration

	// Longest wait for the capture source per iteration.
	CaptureTimeout time.Duration

	// Stage error codes that end the run.
	FatalErrors []omx.Error

	// Receives a trace of pipeline events, from any goroutine.
	OnEvent func(Event)

	Stats *stats.Recorder
}

// Context holds everything one pipeline run owns.
type Context struct {
	ID      xid.ID
	Runtime omx.Runtime
	Source  capture.Source
	Sink    sink.Sink

	Stages     []*Stage
	Links      []*Link
	Dispatcher *Dispatcher

	opts   Options
	totals counters
	log    *logging.Logger

	// Input descriptor taken from the first stage and waiting to be filled.
	held *buffer.Descriptor

	started bool

	mu      sync.Mutex
	failure error
	cancel  context.CancelFunc

	teardownOnce sync.Once
	teardownErr  error
}

// New returns a pipeline context. The context takes ownership of the
// runtime, source and sink and releases them in Teardown.
func New(rt omx.Runtime, src capture.Source, snk sink.Sink, opts Options) *Context {
	opts.Backoff = opts.Backoff.withDefaults()
	if opts.Settle <= 0 {
		opts.Settle = 10 * time.Millisecond
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 5 * time.Second
	}
	id := xid.New()
	return &Context{
		ID:      id,
		Runtime: rt,
		Source:  src,
		Sink:    snk,
		opts:    opts,
		log:     log.WithTag("pipeline/" + id.String()),
	}
}

// Counters returns a snapshot of the frame accounting.
func (c *Context) Counters() Counters {
	return c.totals.snapshot()
}

func (c *Context) observe(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

// fail records the first asynchronous fatal error and stops the run.
func (c *Context) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		c.failure = err
	}
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Context) failed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Setup creates the stages, configures their ports, links them and starts
// every stage whose input is ready. On error whatever was created is torn
// down.
func (c *Context) Setup() (err error) {
	defer func() {
		if err != nil {
			if terr := c.Teardown(); terr != nil {
				c.log.Warn("Teardown after failed setup: %v", terr)
			}
		}
	}()
	if len(c.opts.Stages) == 0 {
		return ErrNoStages
	}

	for _, spec := range c.opts.Stages {
		flags := spec.Flags
		if flags == 0 {
			flags = DisableAllPorts | EnableInputBuffers | EnableOutputBuffers
		}
		st, err := NewStage(c.Runtime, spec.Component, flags)
		if err != nil {
			return err
		}
		c.Stages = append(c.Stages, st)
		for index, value := range spec.Params {
			if err := st.comp.SetParameter(index, value); err != nil {
				return errors.Errorf("stage %s: %w", st.Name, err)
			}
			if v, err := st.comp.GetParameter(index); err == nil {
				c.log.Info("Stage %s: current %s=%d", st.Name, index, v)
			}
		}
	}

	if err := c.configurePorts(); err != nil {
		return err
	}

	for i := 0; i+1 < len(c.Stages); i++ {
		c.Links = append(c.Links, newLink(c.Stages[i], c.Stages[i+1], c.opts.ZeroCopy, &c.totals, c.observe))
	}
	last := c.Stages[len(c.Stages)-1]
	c.Links = append(c.Links, newTerminalLink(last, c.Sink, &c.totals, c.opts.Stats, c.observe))

	c.Dispatcher = newDispatcher(c.Links, c.opts.FatalErrors, &c.totals, c.observe, c.fail)
	for _, st := range c.Stages {
		if err := st.Subscribe(c.Dispatcher); err != nil {
			return err
		}
	}

	for _, st := range c.Stages {
		if err := st.Transition(omx.StateIdle); err != nil {
			return err
		}
	}
	for _, st := range c.Stages {
		if err := st.enablePending(); err != nil {
			return err
		}
	}
	first := c.Stages[0]
	if !first.Port(first.InputPort()).Enabled() {
		return errors.Errorf("stage %s: input buffers must be enabled: %w", first.Name, ErrPortNotEnabled)
	}
	for _, st := range c.Stages {
		if !st.Port(st.InputPort()).Enabled() {
			c.log.Debug("Stage %s: waiting for input settings", st.Name)
			continue
		}
		if err := st.Transition(omx.StateExecuting); err != nil {
			return err
		}
	}
	c.log.Info("Pipeline ready: %d stages, %d links", len(c.Stages), len(c.Links))
	return nil
}

// configurePorts sets the first stage's input from the capture format and
// carries each known output definition into the next stage's input.
func (c *Context) configurePorts() error {
	first := c.Stages[0]
	def, err := first.PortDefinition(first.InputPort())
	if err != nil {
		return err
	}
	def.Format = c.opts.Input
	if def.BufferSize < c.opts.InputSize {
		def.BufferSize = c.opts.InputSize
	}
	if err := first.SetPortDefinition(def); err != nil {
		return err
	}

	for i, st := range c.Stages {
		if spec := c.opts.Stages[i]; spec.Output.Width > 0 {
			out, err := st.PortDefinition(st.OutputPort())
			if err != nil {
				return err
			}
			out.Format.Width, out.Format.Height = spec.Output.Width, spec.Output.Height
			out.Format.Stride, out.Format.SliceHeight = 0, 0
			if err := st.SetPortDefinition(out); err != nil {
				return err
			}
		}
		if i == 0 {
			continue
		}
		prev := c.Stages[i-1]
		out, err := prev.PortDefinition(prev.OutputPort())
		if err != nil {
			return err
		}
		if out.BufferSize <= 0 {
			// Known only once the previous stage has seen data.
			continue
		}
		in, err := st.PortDefinition(st.InputPort())
		if err != nil {
			return err
		}
		in.Format = out.Format
		if in.BufferSize < out.BufferSize {
			in.BufferSize = out.BufferSize
		}
		if err := st.SetPortDefinition(in); err != nil {
			return err
		}
	}

	for _, st := range c.Stages {
		for _, index := range []int{st.InputPort(), st.OutputPort()} {
			def, _ := st.PortDefinition(index)
			c.log.Debug("Stage %s: %v", st.Name, def)
		}
	}
	return nil
}

// idle reports whether no frame is anywhere in the pipeline.
func (c *Context) idle() bool {
	for _, st := range c.Stages {
		if st.Port(st.InputPort()).InFlight() > 0 {
			return false
		}
		if st.Port(st.OutputPort()).Available() > 0 {
			return false
		}
	}
	for _, l := range c.Links {
		if !l.Idle() {
			return false
		}
	}
	return true
}

// Run drives the pipeline until the requested frames have been captured
// and everything has drained, the context is cancelled, a fatal stage error
// arrives or nothing moves for Backoff.Timeout.
func (c *Context) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if len(c.Stages) == 0 {
		return ErrNoStages
	}
	if err := c.Source.Start(); err != nil {
		return errors.Errorf("start capture: %w", err)
	}
	c.started = true

	b := c.opts.Backoff
	first := c.Stages[0]
	inPort := first.InputPort()
	terminal := c.Links[len(c.Links)-1]
	inbound := c.Links[:len(c.Links)-1]

	var lastActivity time.Time
	idleSince := time.Now()
	delay := b.Interval
	consecutiveErrors := 0

	for {
		if err := c.failed(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		active := false

		if c.totals.captured.Load() < uint64(c.opts.Frames) {
			if c.held == nil {
				if d, err := first.AcquireInput(inPort, 0); err == nil {
					c.held = d
				}
			}
			if c.held != nil {
				progressed, err := c.capture(first)
				if err != nil {
					consecutiveErrors++
					if consecutiveErrors > maxCaptureErrors {
						return errors.Errorf("capture failing: %w", err)
					}
				} else {
					consecutiveErrors = 0
				}
				active = active || progressed
			}
		}

		for _, l := range inbound {
			n, err := l.Drain(ctx, b)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				c.log.Warn("%v: %v", l, err)
				c.totals.linkErrors.Add(1)
			}
			active = active || n > 0
		}
		n, err := terminal.Drain(ctx, b)
		if err != nil && ctx.Err() == nil {
			c.log.Warn("%v: %v", terminal, err)
			c.totals.linkErrors.Add(1)
		}
		active = active || n > 0

		now := time.Now()
		if active {
			lastActivity = now
			idleSince = now
			delay = b.Interval
		}
		if c.totals.captured.Load() >= uint64(c.opts.Frames) && c.idle() && now.Sub(lastActivity) >= c.opts.Settle {
			c.log.Info("Run complete: %v", c.Counters())
			return nil
		}
		if !active {
			if now.Sub(idleSince) > b.Timeout {
				return errors.Errorf("%v: %w", c.Counters(), ErrDrainTimeout)
			}
			if err := sleep(ctx, delay); err != nil {
				continue
			}
			delay = b.next(delay)
		}
	}
}

// Consecutive capture failures tolerated before the run is abandoned.
const maxCaptureErrors = 10

// capture fills the held descriptor from the source and submits it.
func (c *Context) capture(first *Stage) (bool, error) {
	d := c.held
	d.Reset()
	n, err := c.Source.ReadInto(d.Data, c.opts.CaptureTimeout)
	if err == capture.ErrTimeout {
		c.log.Debug("Capture timeout")
		return false, nil
	} else if err != nil {
		c.log.Warn("Capture: %v", err)
		c.totals.captureErrors.Add(1)
		return false, err
	}

	now := time.Now()
	d.FilledLen = n
	d.Flags = buffer.FlagEndOfFrame
	d.Timestamp = now
	c.held = nil
	if err := first.SubmitInput(d); err != nil {
		c.log.Error("Submit capture: %v", err)
		if rerr := first.Return(d); rerr != nil {
			c.log.Error("Return %v: %v", d, rerr)
		}
		return false, err
	}
	c.totals.captured.Add(1)
	c.opts.Stats.Frame(now)
	return true, nil
}
