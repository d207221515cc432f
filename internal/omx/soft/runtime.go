// Package soft is a software implementation of the codec component runtime.
// Components run the Go standard image codecs on their own goroutine and
// report completions through omx.Callbacks.
package soft

import (
	"sort"
	"sync"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/ilpipe/internal/logging"
	"github.com/lanikai/ilpipe/internal/omx"
)

var log = logging.DefaultLogger.WithTag("omx")

// Params holds component parameter values.
type Params map[omx.ParamIndex]int

func (p Params) clone() Params {
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// A Processor implements the media transform of one component type.
type Processor interface {
	// Ports returns the initial input and output port definitions.
	Ports() (in, out omx.PortDefinition)

	// OutputFormat returns the output port definition implied by an input
	// payload. A BufferSize smaller than the frame size is raised to it.
	OutputFormat(payload []byte, in, out omx.PortDefinition) (omx.PortDefinition, error)

	// Process transforms src into dst and returns the number of bytes
	// written.
	Process(dst, src []byte, in, out omx.PortDefinition, params Params) (int, error)
}

// Processors whose output follows the input definition implement Deriver.
// The output definition is updated whenever the input definition is set and
// the output port holds no buffers.
type Deriver interface {
	DeriveOutput(in, out omx.PortDefinition) omx.PortDefinition
}

// Processors that accept parameters implement Parameterized.
type Parameterized interface {
	Parameters() Params
}

type Factory func() Processor

// Runtime creates software components.
type Runtime struct {
	mu        sync.Mutex
	factories map[string]Factory
	live      map[*component]struct{}
	closed    bool
}

// NewRuntime returns a runtime with the built-in components registered:
// image_decode, image_encode, resize and video_copy.
func NewRuntime() *Runtime {
	r := &Runtime{
		factories: make(map[string]Factory),
		live:      make(map[*component]struct{}),
	}
	r.Register("image_decode", func() Processor { return imageDecode{} })
	r.Register("image_encode", func() Processor { return imageEncode{} })
	r.Register("resize", func() Processor { return &resize{} })
	r.Register("video_copy", func() Processor { return videoCopy{} })
	return r
}

// Register adds a component type. Registering an existing name replaces it.
func (r *Runtime) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Names lists the registered component types.
func (r *Runtime) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runtime) Create(name string) (omx.Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.Errorf("create %s: runtime closed: %w", name, omx.ErrorInvalidState)
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, errors.Errorf("create %s: %w", name, omx.ErrorComponentNotFound)
	}
	c := newComponent(r, name, f())
	r.live[c] = struct{}{}
	log.Debug("Created %s", name)
	return c, nil
}

func (r *Runtime) forget(c *component) {
	r.mu.Lock()
	delete(r.live, c)
	r.mu.Unlock()
}

// Close stops the workers of components that were never closed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	var leaked []*component
	for c := range r.live {
		leaked = append(leaked, c)
	}
	r.live = make(map[*component]struct{})
	r.mu.Unlock()

	for _, c := range leaked {
		log.Warn("Component %s still alive at runtime close", c.name)
		c.stop()
	}
	return nil
}
