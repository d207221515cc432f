// Package stats tracks frame rate and capture-to-output latency.
package stats

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Longest interval or latency tracked, in microseconds.
const maxMicros = int64(60 * time.Second / time.Microsecond)

// Recorder accumulates frame timing. A nil *Recorder discards everything.
type Recorder struct {
	mu sync.Mutex

	// Microseconds between consecutive captured frames.
	interval *hdrhistogram.Histogram

	// Microseconds from capture to sink write.
	latency *hdrhistogram.Histogram

	last     time.Time
	fpsTotal float64
	fpsCount int

	// Current frame rate is printed here on every frame, if set.
	current io.Writer
}

// New returns a Recorder. When current is non-nil the instantaneous frame
// rate is printed to it as each frame is captured.
func New(current io.Writer) *Recorder {
	return &Recorder{
		interval: hdrhistogram.New(1, maxMicros, 3),
		latency:  hdrhistogram.New(1, maxMicros, 3),
		current:  current,
	}
}

func record(h *hdrhistogram.Histogram, d time.Duration) {
	v := int64(d / time.Microsecond)
	if v < 1 {
		v = 1
	}
	if err := h.RecordValue(v); err != nil {
		// Too large; record as large as we can.
		h.RecordValue(h.HighestTrackableValue())
	}
}

// Frame records a frame captured at t.
func (r *Recorder) Frame(t time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.last.IsZero() {
		d := t.Sub(r.last)
		record(r.interval, d)
		if d > 0 {
			fps := float64(time.Second) / float64(d)
			r.fpsTotal += fps
			r.fpsCount++
			if r.current != nil {
				fmt.Fprintf(r.current, "\r%.2f ", fps)
			}
		}
	}
	r.last = t
}

// Emitted records the latency of a frame written to the sink.
func (r *Recorder) Emitted(latency time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	record(r.latency, latency)
	r.mu.Unlock()
}

// Summary is a snapshot of the recorded statistics.
type Summary struct {
	Frames     int64
	AverageFPS float64
	Interval   Percentiles
	Latency    Percentiles
}

type Percentiles struct {
	P50, P90, P99, Max time.Duration
}

func percentiles(h *hdrhistogram.Histogram) Percentiles {
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	if h.TotalCount() == 0 {
		return Percentiles{}
	}
	return Percentiles{
		P50: us(h.ValueAtQuantile(50)),
		P90: us(h.ValueAtQuantile(90)),
		P99: us(h.ValueAtQuantile(99)),
		Max: us(h.Max()),
	}
}

func (r *Recorder) Summary() Summary {
	if r == nil {
		return Summary{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		Frames:   r.latency.TotalCount(),
		Interval: percentiles(r.interval),
		Latency:  percentiles(r.latency),
	}
	if r.fpsCount > 0 {
		s.AverageFPS = r.fpsTotal / float64(r.fpsCount)
	}
	return s
}

// ReportAverage writes the average frame rate line.
func (r *Recorder) ReportAverage(w io.Writer) {
	if r == nil {
		return
	}
	prefix := ""
	if r.current != nil {
		prefix = "\n"
	}
	fmt.Fprintf(w, "%sAverage frame rate: %.2f fps\n", prefix, r.Summary().AverageFPS)
}

func (s Summary) String() string {
	return fmt.Sprintf("%d frames, %.2f fps, interval p50 %v p99 %v, latency p50 %v p90 %v p99 %v max %v",
		s.Frames, s.AverageFPS, s.Interval.P50, s.Interval.P99,
		s.Latency.P50, s.Latency.P90, s.Latency.P99, s.Latency.Max)
}
