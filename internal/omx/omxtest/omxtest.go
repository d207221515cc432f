// Package omxtest provides a recording, fault-injecting wrapper around a
// component runtime for pipeline tests.
package omxtest

import (
	"fmt"
	"sync"

	"github.com/lanikai/ilpipe/internal/buffer"
	"github.com/lanikai/ilpipe/internal/omx"
)

// Runtime wraps another runtime. Every lifecycle call made on the components
// it creates is recorded in order as "name: Call arg".
type Runtime struct {
	inner omx.Runtime

	mu         sync.Mutex
	calls      []string
	components map[string]*Component
	failCreate map[string]error
	failState  map[omx.State]error
	closed     bool
}

func New(inner omx.Runtime) *Runtime {
	return &Runtime{
		inner:      inner,
		components: make(map[string]*Component),
		failCreate: make(map[string]error),
		failState:  make(map[omx.State]error),
	}
}

// FailCreate makes Create fail for the named component type.
func (r *Runtime) FailCreate(name string, err error) {
	r.mu.Lock()
	r.failCreate[name] = err
	r.mu.Unlock()
}

// FailState makes every SetState into s fail with err.
func (r *Runtime) FailState(s omx.State, err error) {
	r.mu.Lock()
	r.failState[s] = err
	r.mu.Unlock()
}

func (r *Runtime) record(format string, a ...interface{}) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, a...))
	r.mu.Unlock()
}

// Calls returns the recorded calls.
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Live returns the number of components created and not yet closed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.components)
}

// Closed reports whether Close was called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Component returns the live component with the given name.
func (r *Runtime) Component(name string) *Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.components[name]
}

func (r *Runtime) Create(name string) (omx.Component, error) {
	r.mu.Lock()
	err := r.failCreate[name]
	r.mu.Unlock()
	r.record("%s: Create", name)
	if err != nil {
		return nil, err
	}
	inner, err := r.inner.Create(name)
	if err != nil {
		return nil, err
	}
	c := &Component{Component: inner, rt: r}
	r.mu.Lock()
	r.components[name] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Runtime) Close() error {
	r.record("Close")
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.inner.Close()
}

// Component records calls on the wrapped component.
type Component struct {
	omx.Component
	rt *Runtime

	mu sync.Mutex
	cb omx.Callbacks

	fillOK  int
	fillErr error
}

func (c *Component) SetState(s omx.State) error {
	c.rt.mu.Lock()
	err := c.rt.failState[s]
	c.rt.mu.Unlock()
	c.rt.record("%s: SetState %s", c.Name(), s)
	if err != nil {
		return err
	}
	return c.Component.SetState(s)
}

func (c *Component) EnablePort(port int) (*buffer.Set, error) {
	c.rt.record("%s: EnablePort %d", c.Name(), port)
	return c.Component.EnablePort(port)
}

func (c *Component) DisablePort(port int) error {
	c.rt.record("%s: DisablePort %d", c.Name(), port)
	return c.Component.DisablePort(port)
}

func (c *Component) Flush(port int) error {
	c.rt.record("%s: Flush %d", c.Name(), port)
	return c.Component.Flush(port)
}

// FailFill makes FillBuffer fail with err once n more calls have succeeded.
// A nil err turns the failure off.
func (c *Component) FailFill(n int, err error) {
	c.mu.Lock()
	c.fillOK, c.fillErr = n, err
	c.mu.Unlock()
}

func (c *Component) FillBuffer(d *buffer.Descriptor) error {
	c.mu.Lock()
	err := c.fillErr
	fail := err != nil && c.fillOK <= 0
	if c.fillOK > 0 {
		c.fillOK--
	}
	c.mu.Unlock()
	if fail {
		return err
	}
	return c.Component.FillBuffer(d)
}

func (c *Component) SetCallbacks(cb omx.Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
	c.Component.SetCallbacks(cb)
}

func (c *Component) Close() error {
	c.rt.record("%s: Close", c.Name())
	err := c.Component.Close()
	if err == nil {
		c.rt.mu.Lock()
		if c.rt.components[c.Name()] == c {
			delete(c.rt.components, c.Name())
		}
		c.rt.mu.Unlock()
	}
	return err
}

// InjectError delivers an error event as if the component had raised it.
func (c *Component) InjectError(code omx.Error) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb.OnError(code)
	}
}
