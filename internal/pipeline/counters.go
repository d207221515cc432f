package pipeline

import (
	"fmt"
	"sync/atomic"
)

// Counters is a snapshot of a run's frame accounting.
type Counters struct {
	// Frames read from the capture source and submitted.
	Captured uint64

	// Descriptors moved across links, including the terminal link to the
	// sink. With a single stage this equals Emitted.
	Copied uint64

	// Non-empty payloads written to the sink.
	Emitted uint64

	Reconfigurations uint64
	StageErrors      uint64
	CaptureErrors    uint64
	LinkErrors       uint64
	SinkErrors       uint64
}

func (c Counters) String() string {
	return fmt.Sprintf("captured=%d copied=%d emitted=%d reconfigurations=%d errors(stage=%d capture=%d link=%d sink=%d)",
		c.Captured, c.Copied, c.Emitted, c.Reconfigurations,
		c.StageErrors, c.CaptureErrors, c.LinkErrors, c.SinkErrors)
}

type counters struct {
	captured         atomic.Uint64
	copied           atomic.Uint64
	emitted          atomic.Uint64
	reconfigurations atomic.Uint64
	stageErrors      atomic.Uint64
	captureErrors    atomic.Uint64
	linkErrors       atomic.Uint64
	sinkErrors       atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{
		Captured:         c.captured.Load(),
		Copied:           c.copied.Load(),
		Emitted:          c.emitted.Load(),
		Reconfigurations: c.reconfigurations.Load(),
		StageErrors:      c.stageErrors.Load(),
		CaptureErrors:    c.captureErrors.Load(),
		LinkErrors:       c.linkErrors.Load(),
		SinkErrors:       c.sinkErrors.Load(),
	}
}
