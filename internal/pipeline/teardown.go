package pipeline

import (
	"github.com/lanikai/ilpipe/internal/omx"
)

// Teardown reverses setup: capture stops, events stop flowing, every
// descriptor goes home, port buffers are disabled, stages return to Loaded
// and are destroyed, then the runtime, source and sink are closed. It runs
// once; later and concurrent calls wait for it and return its result.
func (c *Context) Teardown() error {
	c.teardownOnce.Do(func() {
		c.teardownErr = c.teardown()
	})
	return c.teardownErr
}

func (c *Context) teardown() error {
	var first error
	check := func(err error) {
		if err != nil {
			c.log.Error("Teardown: %v", err)
			if first == nil {
				first = err
			}
		}
	}

	if c.started {
		check(c.Source.Stop())
	}

	for _, st := range c.Stages {
		st.ClearSubscriptions()
	}
	for _, l := range c.Links {
		check(l.close())
	}
	if d := c.held; d != nil {
		c.held = nil
		check(c.Stages[0].Return(d))
	}

	// Flush and free buffers while components may still be Executing.
	for _, st := range c.Stages {
		check(st.DisablePortBuffers(st.InputPort()))
		check(st.DisablePortBuffers(st.OutputPort()))
	}
	for _, st := range c.Stages {
		if st.State() == omx.StateExecuting {
			check(st.Transition(omx.StateIdle))
		}
		if st.State() == omx.StateIdle {
			check(st.Transition(omx.StateLoaded))
		}
	}
	for _, st := range c.Stages {
		check(st.Close())
	}

	if c.Runtime != nil {
		check(c.Runtime.Close())
	}
	if c.Source != nil {
		check(c.Source.Close())
	}
	if c.Sink != nil {
		check(c.Sink.Close())
	}
	c.log.Debug("Teardown complete: %v", c.Counters())
	return first
}
