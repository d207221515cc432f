package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/omx"
)

// PortFlags select which port buffers a stage enables.
type PortFlags int

const (
	// DisableAllPorts disables every port at creation.
	DisableAllPorts PortFlags = 1 << iota
	EnableInputBuffers
	EnableOutputBuffers
)

func (f PortFlags) String() string {
	s := ""
	for _, x := range []struct {
		flag PortFlags
		name string
	}{{DisableAllPorts, "disable-all"}, {EnableInputBuffers, "input"}, {EnableOutputBuffers, "output"}} {
		if f&x.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += x.name
		}
	}
	return s
}

// How long DisablePortBuffers waits for descriptors to come home.
var disableWait = time.Second

// Port is the client side of one component port.
type Port struct {
	Index int
	Dir   omx.Direction

	enabled atomic.Bool
	set     atomic.Pointer[buffer.Set]

	// Descriptors handed back by the component and not yet claimed.
	pool atomic.Pointer[buffer.Pool]

	// Descriptors submitted to the component.
	inFlight atomic.Int32
}

func (p *Port) Enabled() bool { return p.enabled.Load() }

// InFlight is the number of descriptors currently held by the component.
func (p *Port) InFlight() int { return int(p.inFlight.Load()) }

// Available is the number of descriptors waiting in the port's free list.
func (p *Port) Available() int {
	if pool := p.pool.Load(); pool != nil {
		return pool.Count()
	}
	return 0
}

// Stage wraps one component and routes its callbacks to subscribers.
type Stage struct {
	Name  string
	comp  omx.Component
	flags PortFlags

	ports  map[int]*Port
	input  int
	output int

	// Serializes transitions and port enable/disable.
	mu sync.Mutex

	subMu sync.RWMutex
	subs  []interface{}
}

// NewStage creates a component and wraps it. Components are expected to have
// one input and one output port.
func NewStage(rt omx.Runtime, name string, flags PortFlags) (*Stage, error) {
	comp, err := rt.Create(name)
	if err != nil {
		return nil, errors.Errorf("create stage %s: %w", name, err)
	}
	s := &Stage{
		Name:   name,
		comp:   comp,
		flags:  flags,
		ports:  make(map[int]*Port),
		input:  -1,
		output: -1,
	}
	for _, index := range comp.Ports() {
		def, err := comp.PortDefinition(index)
		if err != nil {
			comp.Close()
			return nil, errors.Errorf("stage %s: %w", name, err)
		}
		s.ports[index] = &Port{Index: index, Dir: def.Dir}
		if def.Dir == omx.Input && s.input < 0 {
			s.input = index
		} else if def.Dir == omx.Output && s.output < 0 {
			s.output = index
		}
		if flags&DisableAllPorts != 0 && def.Enabled {
			if err := comp.DisablePort(index); err != nil {
				comp.Close()
				return nil, errors.Errorf("stage %s: %w", name, err)
			}
		}
	}
	if s.input < 0 || s.output < 0 {
		comp.Close()
		return nil, errors.Errorf("stage %s: need an input and an output port: %w", name, ErrBadPort)
	}
	comp.SetCallbacks(s)
	log.Debug("Stage %s: ports in=%d out=%d flags=%v", name, s.input, s.output, flags)
	return s, nil
}

func (s *Stage) String() string { return s.Name }

func (s *Stage) Component() omx.Component { return s.comp }

func (s *Stage) InputPort() int { return s.input }

func (s *Stage) OutputPort() int { return s.output }

// Port returns the client side of a port, or nil.
func (s *Stage) Port(index int) *Port { return s.ports[index] }

func (s *Stage) State() omx.State { return s.comp.State() }

func (s *Stage) port(index int, dir omx.Direction) (*Port, error) {
	p := s.ports[index]
	switch {
	case p == nil:
		return nil, errors.Errorf("stage %s port %d: %w", s.Name, index, ErrBadPort)
	case p.Dir != dir:
		return nil, errors.Errorf("stage %s port %d is %s: %w", s.Name, index, p.Dir, ErrWrongDirection)
	}
	return p, nil
}

func (s *Stage) PortDefinition(index int) (omx.PortDefinition, error) {
	return s.comp.PortDefinition(index)
}

func (s *Stage) SetPortDefinition(def omx.PortDefinition) error {
	if err := s.comp.SetPortDefinition(def); err != nil {
		return errors.Errorf("stage %s: %w", s.Name, err)
	}
	return nil
}

// EnablePortBuffers allocates the port's descriptors. Output descriptors are
// handed to the component to be filled straight away. Enabling an enabled
// port does nothing.
func (s *Stage) EnablePortBuffers(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.ports[index]
	if p == nil {
		return errors.Errorf("stage %s port %d: %w", s.Name, index, ErrBadPort)
	}
	if p.Enabled() {
		return nil
	}
	set, err := s.comp.EnablePort(index)
	if err != nil {
		return errors.Errorf("stage %s enable port %d: %w", s.Name, index, err)
	}
	pool := buffer.NewPoolFromSet(set)
	p.set.Store(set)
	p.pool.Store(pool)
	p.enabled.Store(true)
	log.Debug("Stage %s: enabled port %d with %d buffers of %d bytes", s.Name, index, set.Len(), len(set.At(0).Data))

	if p.Dir == omx.Output {
		for {
			d, ok := pool.Acquire()
			if !ok {
				break
			}
			if err := s.submit(p, d); err != nil {
				if rerr := pool.Release(d); rerr != nil {
					log.Error("Stage %s port %d: release %v: %v", s.Name, index, d, rerr)
				}
				if rerr := s.rollback(index, p); rerr != nil {
					log.Error("Stage %s port %d: rollback: %v", s.Name, index, rerr)
				}
				return err
			}
		}
	}
	return nil
}

// rollback undoes a partly completed enable: descriptors already handed to
// the component are flushed home and the port's buffers are freed. s.mu must
// be held.
func (s *Stage) rollback(index int, p *Port) error {
	p.enabled.Store(false)
	if err := s.comp.Flush(index); err != nil {
		return err
	}
	set, pool := p.set.Load(), p.pool.Load()
	deadline := time.Now().Add(disableWait)
	for pool.Count() < set.Len() {
		if time.Now().After(deadline) {
			return errors.Errorf("%d of %d home (owners %v): %w", pool.Count(), set.Len(), set.Owners(), ErrBuffersOutstanding)
		}
		time.Sleep(time.Millisecond)
	}
	pool.Drain()
	if err := s.comp.DisablePort(index); err != nil {
		return err
	}
	p.pool.Store(nil)
	p.set.Store(nil)
	return nil
}

// enablePending enables the ports requested by the stage's flags that are
// still disabled and whose buffer size is known.
func (s *Stage) enablePending() error {
	for _, index := range []int{s.input, s.output} {
		want := s.flags&EnableInputBuffers != 0
		if index == s.output {
			want = s.flags&EnableOutputBuffers != 0
		}
		if !want || s.ports[index].Enabled() {
			continue
		}
		def, err := s.comp.PortDefinition(index)
		if err != nil {
			return err
		}
		if def.BufferSize <= 0 {
			log.Debug("Stage %s: port %d geometry unknown, deferring", s.Name, index)
			continue
		}
		if err := s.EnablePortBuffers(index); err != nil {
			return err
		}
	}
	return nil
}

// DisablePortBuffers flushes the port and frees its descriptors. Every
// descriptor must be back in the port's free list after the flush.
func (s *Stage) DisablePortBuffers(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.ports[index]
	if p == nil {
		return errors.Errorf("stage %s port %d: %w", s.Name, index, ErrBadPort)
	}
	if !p.Enabled() {
		return nil
	}
	if err := s.comp.Flush(index); err != nil {
		return errors.Errorf("stage %s flush port %d: %w", s.Name, index, err)
	}

	set, pool := p.set.Load(), p.pool.Load()
	deadline := time.Now().Add(disableWait)
	for pool.Count() < set.Len() {
		if time.Now().After(deadline) {
			return errors.Errorf("stage %s port %d: %d of %d home (owners %v): %w",
				s.Name, index, pool.Count(), set.Len(), set.Owners(), ErrBuffersOutstanding)
		}
		time.Sleep(time.Millisecond)
	}

	p.enabled.Store(false)
	pool.Drain()
	if err := s.comp.DisablePort(index); err != nil {
		return errors.Errorf("stage %s disable port %d: %w", s.Name, index, err)
	}
	p.pool.Store(nil)
	p.set.Store(nil)
	log.Debug("Stage %s: disabled port %d", s.Name, index)
	return nil
}

// Transition moves the component to state to. Moving to the current state
// does nothing.
func (s *Stage) Transition(to omx.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.comp.State()
	if from == to {
		return nil
	}
	if !omx.ValidTransition(from, to) {
		return errors.Errorf("stage %s %s -> %s: %w", s.Name, from, to, ErrIllegalTransition)
	}
	if (from == omx.StateExecuting || to == omx.StateLoaded) && s.anyEnabled() {
		return errors.Errorf("stage %s %s -> %s: %w", s.Name, from, to, ErrPortsEnabled)
	}
	if err := s.comp.SetState(to); err != nil {
		return errors.Errorf("stage %s %s -> %s: %w", s.Name, from, to, err)
	}
	log.Debug("Stage %s: %s -> %s", s.Name, from, to)
	return nil
}

func (s *Stage) anyEnabled() bool {
	for _, p := range s.ports {
		if p.Enabled() {
			return true
		}
	}
	return false
}

// Close destroys the component. The stage must be Loaded with every port
// disabled.
func (s *Stage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anyEnabled() {
		return errors.Errorf("close stage %s: %w", s.Name, ErrPortsEnabled)
	}
	if st := s.comp.State(); st != omx.StateLoaded && st != omx.StateInvalid {
		return errors.Errorf("close stage %s in %s: %w", s.Name, st, ErrIllegalTransition)
	}
	s.comp.SetCallbacks(nil)
	return s.comp.Close()
}

func (s *Stage) submit(p *Port, d *buffer.Descriptor) error {
	if !p.Enabled() {
		return errors.Errorf("stage %s port %d: %w", s.Name, p.Index, ErrPortNotEnabled)
	}
	p.inFlight.Add(1)
	var err error
	if p.Dir == omx.Input {
		err = s.comp.EmptyBuffer(d)
	} else {
		err = s.comp.FillBuffer(d)
	}
	if err != nil {
		p.inFlight.Add(-1)
		return errors.Errorf("stage %s port %d: %w", s.Name, p.Index, err)
	}
	return nil
}

// SubmitInput hands a filled descriptor to the component.
func (s *Stage) SubmitInput(d *buffer.Descriptor) error {
	p, err := s.port(d.Port, omx.Input)
	if err != nil {
		return err
	}
	return s.submit(p, d)
}

// SubmitOutput hands an emptied output descriptor back to the component.
func (s *Stage) SubmitOutput(d *buffer.Descriptor) error {
	p, err := s.port(d.Port, omx.Output)
	if err != nil {
		return err
	}
	d.Reset()
	return s.submit(p, d)
}

func (s *Stage) acquire(index int, dir omx.Direction, wait time.Duration) (*buffer.Descriptor, error) {
	p, err := s.port(index, dir)
	if err != nil {
		return nil, err
	}
	pool := p.pool.Load()
	if !p.Enabled() || pool == nil {
		return nil, errors.Errorf("stage %s port %d: %w", s.Name, index, ErrPortNotEnabled)
	}
	return pool.AcquireWait(context.Background(), wait)
}

// AcquireInput takes a free input descriptor, waiting up to wait for one.
// It returns buffer.ErrTimeout when none became free.
func (s *Stage) AcquireInput(index int, wait time.Duration) (*buffer.Descriptor, error) {
	return s.acquire(index, omx.Input, wait)
}

// AcquireOutput takes a filled output descriptor, waiting up to wait for one.
func (s *Stage) AcquireOutput(index int, wait time.Duration) (*buffer.Descriptor, error) {
	return s.acquire(index, omx.Output, wait)
}

// Return puts an acquired descriptor back in its port's free list without
// submitting it.
func (s *Stage) Return(d *buffer.Descriptor) error {
	p := s.ports[d.Port]
	if p == nil {
		return errors.Errorf("stage %s port %d: %w", s.Name, d.Port, ErrBadPort)
	}
	pool := p.pool.Load()
	if pool == nil {
		return errors.Errorf("stage %s port %d: %w", s.Name, d.Port, ErrPortNotEnabled)
	}
	return pool.Release(d)
}

// Subscription handlers. A subscriber implements any of these.
type (
	PortSettingsChangedHandler interface {
		PortSettingsChanged(s *Stage, port int)
	}
	FillBufferDoneHandler interface {
		FillBufferDone(s *Stage, port int)
	}
	ErrorHandler interface {
		StageError(s *Stage, code omx.Error)
	}
)

// Subscribe registers h for the events whose handler interfaces it
// implements.
func (s *Stage) Subscribe(h interface{}) error {
	switch h.(type) {
	case PortSettingsChangedHandler, FillBufferDoneHandler, ErrorHandler:
	default:
		return errors.Errorf("stage %s: %T handles no stage events", s.Name, h)
	}
	s.subMu.Lock()
	s.subs = append(s.subs, h)
	s.subMu.Unlock()
	return nil
}

// ClearSubscriptions drops every subscriber. Events already being delivered
// complete.
func (s *Stage) ClearSubscriptions() {
	s.subMu.Lock()
	s.subs = nil
	s.subMu.Unlock()
}

func (s *Stage) subscribers() []interface{} {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.subs
}

// omx.Callbacks

func (s *Stage) OnEmptyBufferDone(port int, d *buffer.Descriptor) {
	s.handBack(port, d)
}

func (s *Stage) OnFillBufferDone(port int, d *buffer.Descriptor) {
	if !s.handBack(port, d) {
		return
	}
	for _, sub := range s.subscribers() {
		if h, ok := sub.(FillBufferDoneHandler); ok {
			h.FillBufferDone(s, port)
		}
	}
}

func (s *Stage) OnPortSettingsChanged(port int) {
	log.Debug("Stage %s: port %d settings changed", s.Name, port)
	for _, sub := range s.subscribers() {
		if h, ok := sub.(PortSettingsChangedHandler); ok {
			h.PortSettingsChanged(s, port)
		}
	}
}

func (s *Stage) OnError(code omx.Error) {
	for _, sub := range s.subscribers() {
		if h, ok := sub.(ErrorHandler); ok {
			h.StageError(s, code)
		}
	}
}

// handBack parks a descriptor returned by the component in its port's free
// list.
func (s *Stage) handBack(port int, d *buffer.Descriptor) bool {
	p := s.ports[port]
	if p == nil {
		log.Error("Stage %s: descriptor %v returned on unknown port %d", s.Name, d, port)
		return false
	}
	p.inFlight.Add(-1)
	pool := p.pool.Load()
	if pool == nil {
		log.Error("Stage %s: descriptor %v returned on disabled port %d", s.Name, d, port)
		return false
	}
	if err := pool.Release(d); err != nil {
		log.Error("Stage %s port %d: release %v: %v", s.Name, port, d, err)
		return false
	}
	return true
}
