package soft

import (
	"fmt"
	"sync"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/omx"
)

type port struct {
	def   omx.PortDefinition
	set   *buffer.Set
	queue []*buffer.Descriptor
}

func (p *port) definition() omx.PortDefinition {
	def := p.def
	def.Enabled = p.set != nil
	def.Populated = p.set != nil
	return def
}

type noCallbacks struct{}

func (noCallbacks) OnEmptyBufferDone(int, *buffer.Descriptor) {}
func (noCallbacks) OnFillBufferDone(int, *buffer.Descriptor)  {}
func (noCallbacks) OnPortSettingsChanged(int)                 {}
func (noCallbacks) OnError(omx.Error)                         {}

// component is a one-input, one-output processor driven by a worker
// goroutine. Callbacks must not call Flush, DisablePort or SetState(Idle),
// which wait for the worker.
type component struct {
	name string
	proc Processor
	rt   *Runtime

	mu     sync.Mutex
	cond   *sync.Cond
	state  omx.State
	in     port
	out    port
	params Params
	cb     omx.Callbacks

	// Worker is processing outside the lock, including its callbacks.
	busy bool

	// Number of Flush calls holding the worker off.
	holds int

	// Output settings were announced while the output port was disabled;
	// nothing is processed until it is enabled.
	announced        bool
	awaitingSettings bool

	closed bool
	done   chan struct{}
}

func newComponent(rt *Runtime, name string, proc Processor) *component {
	c := &component{
		name:   name,
		proc:   proc,
		rt:     rt,
		state:  omx.StateLoaded,
		params: Params{},
		cb:     noCallbacks{},
		done:   make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.in.def, c.out.def = proc.Ports()
	if p, ok := proc.(Parameterized); ok {
		c.params = p.Parameters().clone()
	}
	go c.run()
	return c
}

func (c *component) Name() string { return c.name }

func (c *component) Ports() []int {
	return []int{c.in.def.Index, c.out.def.Index}
}

func (c *component) port(index int) (*port, error) {
	switch index {
	case c.in.def.Index:
		return &c.in, nil
	case c.out.def.Index:
		return &c.out, nil
	}
	return nil, errors.Errorf("%s port %d: %w", c.name, index, omx.ErrorBadPortIndex)
}

func (c *component) PortDefinition(index int) (omx.PortDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(index)
	if err != nil {
		return omx.PortDefinition{}, err
	}
	return p.definition(), nil
}

func (c *component) SetPortDefinition(def omx.PortDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(def.Index)
	if err != nil {
		return err
	}
	if def.Dir != p.def.Dir {
		return errors.Errorf("%s port %d: direction is %s: %w", c.name, def.Index, p.def.Dir, omx.ErrorBadParameter)
	}
	if def.BufferCountActual < p.def.BufferCountMin {
		return errors.Errorf("%s port %d: %d buffers, need at least %d: %w",
			c.name, def.Index, def.BufferCountActual, p.def.BufferCountMin, omx.ErrorBadParameter)
	}
	def = normalize(def)
	def.BufferCountMin = p.def.BufferCountMin
	if p.set != nil && (def.BufferSize != p.def.BufferSize || def.BufferCountActual != p.def.BufferCountActual) {
		return errors.Errorf("%s port %d: buffers allocated: %w", c.name, def.Index, omx.ErrorIncorrectStateOperation)
	}
	p.def = def

	if p == &c.in && c.out.set == nil {
		if d, ok := c.proc.(Deriver); ok {
			c.out.def = normalize(d.DeriveOutput(c.in.def, c.out.def))
		}
	}
	c.cond.Broadcast()
	return nil
}

// normalize aligns raw geometry and raises the buffer size to hold a frame.
func normalize(def omx.PortDefinition) omx.PortDefinition {
	def.Format = def.Format.Align()
	if n := def.Format.FrameSize(); def.BufferSize < n {
		def.BufferSize = n
	}
	def.Enabled = false
	def.Populated = false
	return def
}

func (c *component) SetParameter(index omx.ParamIndex, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.params[index]; !ok {
		return errors.Errorf("%s %s: %w", c.name, index, omx.ErrorUnsupportedIndex)
	}
	if value < 0 {
		return errors.Errorf("%s %s=%d: %w", c.name, index, value, omx.ErrorBadParameter)
	}
	c.params[index] = value
	return nil
}

func (c *component) GetParameter(index omx.ParamIndex) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.params[index]
	if !ok {
		return 0, errors.Errorf("%s %s: %w", c.name, index, omx.ErrorUnsupportedIndex)
	}
	return v, nil
}

func (c *component) State() omx.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *component) SetState(s omx.State) error {
	c.mu.Lock()
	from := c.state
	if from == s {
		c.mu.Unlock()
		return errors.Errorf("%s already %s: %w", c.name, s, omx.ErrorSameState)
	}
	if !omx.ValidTransition(from, s) {
		c.mu.Unlock()
		return errors.Errorf("%s %s -> %s: %w", c.name, from, s, omx.ErrorIncorrectStateTransition)
	}
	if from == omx.StateIdle && s == omx.StateLoaded && (c.in.set != nil || c.out.set != nil) {
		c.mu.Unlock()
		return errors.Errorf("%s -> Loaded with buffers allocated: %w", c.name, omx.ErrorIncorrectStateOperation)
	}
	c.state = s
	c.cond.Broadcast()

	// Leaving Executing hands back everything still queued.
	var ins, outs []*buffer.Descriptor
	if from == omx.StateExecuting {
		for c.busy {
			c.cond.Wait()
		}
		ins, outs = c.in.queue, c.out.queue
		c.in.queue, c.out.queue = nil, nil
	}
	cb := c.cb
	c.mu.Unlock()

	log.Debug("%s: %s -> %s", c.name, from, s)
	c.returnAll(cb, ins, outs)
	return nil
}

func (c *component) returnAll(cb omx.Callbacks, ins, outs []*buffer.Descriptor) {
	for _, d := range outs {
		d.FilledLen, d.Offset, d.Flags = 0, 0, 0
		fillDone(cb, c.out.def.Index, d)
	}
	for _, d := range ins {
		emptyDone(cb, c.in.def.Index, d)
	}
}

func (c *component) EnablePort(index int) (*buffer.Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(index)
	if err != nil {
		return nil, err
	}
	switch {
	case c.state == omx.StateInvalid:
		return nil, errors.Errorf("%s port %d: %w", c.name, index, omx.ErrorInvalidState)
	case p.set != nil:
		return nil, errors.Errorf("%s port %d already enabled: %w", c.name, index, omx.ErrorIncorrectStateOperation)
	case p.def.BufferSize <= 0 || p.def.BufferCountActual <= 0:
		return nil, errors.Errorf("%s port %d: %d buffers of %d bytes: %w",
			c.name, index, p.def.BufferCountActual, p.def.BufferSize, omx.ErrorBadParameter)
	}
	p.set = buffer.NewSet(fmt.Sprintf("%s:%d", c.name, index), index, p.def.BufferCountActual, p.def.BufferSize)
	if p == &c.out {
		c.awaitingSettings = false
	}
	c.cond.Broadcast()
	return p.set, nil
}

func (c *component) DisablePort(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(index)
	if err != nil {
		return err
	}
	for c.busy {
		c.cond.Wait()
	}
	if p.set == nil {
		return nil
	}
	if len(p.queue) > 0 {
		return errors.Errorf("%s port %d: %d buffers still queued: %w", c.name, index, len(p.queue), omx.ErrorNotReady)
	}
	p.set = nil
	return nil
}

func (c *component) submit(p *port, d *buffer.Descriptor) error {
	switch {
	case c.state != omx.StateIdle && c.state != omx.StateExecuting:
		return errors.Errorf("%s port %d in %s: %w", c.name, p.def.Index, c.state, omx.ErrorIncorrectStateOperation)
	case p.set == nil:
		return errors.Errorf("%s port %d: %w", c.name, p.def.Index, omx.ErrorPortUnpopulated)
	case !p.set.Contains(d):
		return errors.Errorf("%s port %d: foreign descriptor %v: %w", c.name, p.def.Index, d, omx.ErrorBadParameter)
	case d.Offset < 0 || d.Offset+d.FilledLen > len(d.Data):
		return errors.Errorf("%s port %d: bad fill %v: %w", c.name, p.def.Index, d, omx.ErrorBadParameter)
	case d.Owner() == buffer.OwnerComponent:
		return errors.Errorf("%s port %d: %v submitted twice: %w", c.name, p.def.Index, d, omx.ErrorBadParameter)
	}
	d.SetOwner(buffer.OwnerComponent)
	p.queue = append(p.queue, d)
	c.cond.Broadcast()
	return nil
}

func (c *component) EmptyBuffer(d *buffer.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submit(&c.in, d)
}

func (c *component) FillBuffer(d *buffer.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d.FilledLen, d.Offset = 0, 0
	return c.submit(&c.out, d)
}

func (c *component) Flush(index int) error {
	c.mu.Lock()
	p, err := c.port(index)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.holds++
	for c.busy {
		c.cond.Wait()
	}
	q := p.queue
	p.queue = nil
	cb := c.cb
	c.mu.Unlock()

	if p == &c.out {
		c.returnAll(cb, nil, q)
	} else {
		c.returnAll(cb, q, nil)
	}

	c.mu.Lock()
	c.holds--
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *component) SetCallbacks(cb omx.Callbacks) {
	if cb == nil {
		cb = noCallbacks{}
	}
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *component) Close() error {
	c.mu.Lock()
	if c.state != omx.StateLoaded && c.state != omx.StateInvalid {
		c.mu.Unlock()
		return errors.Errorf("close %s in %s: %w", c.name, c.state, omx.ErrorIncorrectStateOperation)
	}
	if c.in.set != nil || c.out.set != nil {
		c.mu.Unlock()
		return errors.Errorf("close %s with buffers allocated: %w", c.name, omx.ErrorIncorrectStateOperation)
	}
	c.mu.Unlock()
	c.stop()
	c.rt.forget(c)
	log.Debug("Destroyed %s", c.name)
	return nil
}

func (c *component) stop() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.done
}

func (c *component) ready() bool {
	if c.state != omx.StateExecuting || c.holds > 0 || c.awaitingSettings || len(c.in.queue) == 0 {
		return false
	}
	if c.out.set == nil {
		return !c.announced
	}
	return len(c.out.queue) > 0
}

func (c *component) run() {
	defer close(c.done)
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for !c.closed && !c.ready() {
			c.cond.Wait()
		}
		if c.closed {
			return
		}
		c.busy = true
		c.step()
		c.busy = false
		c.cond.Broadcast()
	}
}

// unlocked runs f with the component lock released.
func (c *component) unlocked(f func()) {
	c.mu.Unlock()
	defer c.mu.Lock()
	f()
}

// step processes the head of the input queue. Called with the lock held.
func (c *component) step() {
	in := c.in.queue[0]
	inDef, outDef := c.in.def, c.out.def
	cb := c.cb

	if in.FilledLen > 0 {
		var next omx.PortDefinition
		var err error
		c.unlocked(func() {
			next, err = c.proc.OutputFormat(in.Payload(), inDef, outDef)
		})
		if err != nil {
			c.reject(cb, in, errorCode(err, omx.ErrorStreamCorrupt), err)
			return
		}
		next = normalize(next)
		next.Index, next.Dir = outDef.Index, outDef.Dir
		next.BufferCountActual, next.BufferCountMin = outDef.BufferCountActual, outDef.BufferCountMin

		switch {
		case c.out.set == nil:
			// Announce once; the input waits for the port to be enabled.
			c.out.def = next
			c.announced = true
			c.awaitingSettings = true
			log.Debug("%s: output settings changed: %v", c.name, next)
			c.unlocked(func() { cb.OnPortSettingsChanged(next.Index) })
			return
		case next.Format != outDef.Format:
			if next.BufferSize > outDef.BufferSize {
				c.reject(cb, in, omx.ErrorInsufficientResources,
					errors.Errorf("output needs %d byte buffers, have %d", next.BufferSize, outDef.BufferSize))
				return
			}
			c.out.def.Format = next.Format
			outDef = c.out.def
		}
	} else if c.out.set == nil {
		// Nothing to probe and nowhere to put it.
		c.in.queue = c.in.queue[1:]
		c.unlocked(func() { emptyDone(cb, inDef.Index, in) })
		return
	}

	out := c.out.queue[0]
	c.in.queue = c.in.queue[1:]
	c.out.queue = c.out.queue[1:]
	params := c.params.clone()

	c.unlocked(func() {
		var n int
		var err error
		if in.FilledLen > 0 {
			dst := out.Data
			if outDef.BufferSize < len(dst) {
				dst = dst[:outDef.BufferSize]
			}
			n, err = c.proc.Process(dst, in.Payload(), inDef, outDef, params)
		}
		out.Offset = 0
		if err != nil {
			out.FilledLen, out.Flags = 0, 0
		} else {
			out.FilledLen = n
			out.Flags = in.Flags
			out.Timestamp = in.Timestamp
		}
		in.FilledLen, in.Offset = 0, 0

		fillDone(cb, outDef.Index, out)
		emptyDone(cb, inDef.Index, in)
		if err != nil {
			log.Debug("%s: %v", c.name, err)
			cb.OnError(errorCode(err, omx.ErrorStreamCorrupt))
		}
	})
}

// reject hands back the head input without producing output and reports code.
func (c *component) reject(cb omx.Callbacks, in *buffer.Descriptor, code omx.Error, err error) {
	c.in.queue = c.in.queue[1:]
	in.FilledLen, in.Offset = 0, 0
	port := c.in.def.Index
	log.Debug("%s: rejected input: %v", c.name, err)
	c.unlocked(func() {
		emptyDone(cb, port, in)
		cb.OnError(code)
	})
}

func errorCode(err error, fallback omx.Error) omx.Error {
	if code, ok := omx.Code(err); ok {
		return code
	}
	return fallback
}

// fillDone and emptyDone hand a descriptor back to the client.
func fillDone(cb omx.Callbacks, port int, d *buffer.Descriptor) {
	d.SetOwner(buffer.OwnerClient)
	cb.OnFillBufferDone(port, d)
}

func emptyDone(cb omx.Callbacks, port int, d *buffer.Descriptor) {
	d.SetOwner(buffer.OwnerClient)
	cb.OnEmptyBufferDone(port, d)
}
