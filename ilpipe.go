// Package ilpipe captures frames, pushes them through a chain of codec
// stages and writes the result to a sink.
package ilpipe

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/lanikai/ilpipe/internal/capture"
	"github.com/lanikai/ilpipe/internal/logging"
	"github.com/lanikai/ilpipe/internal/omx"
	"github.com/lanikai/ilpipe/internal/omx/soft"
	"github.com/lanikai/ilpipe/internal/pipeline"
	"github.com/lanikai/ilpipe/internal/sink"
	"github.com/lanikai/ilpipe/internal/stats"
)

var log = logging.DefaultLogger.WithTag("ilpipe")

// Counters is the frame accounting of a run.
type Counters = pipeline.Counters

// Run executes one pipeline run and tears it down. The counters are valid
// even when an error is returned.
func Run(ctx context.Context, cfg Config) (Counters, error) {
	format, err := cfg.Validate()
	if err != nil {
		return Counters{}, err
	}
	if cfg.Log != "" {
		if err := logging.Configure(cfg.Log); err != nil {
			return Counters{}, invalid("log: %v", err)
		}
	}
	specs, _ := cfg.stageSpecs()
	fatal, _ := cfg.fatalErrors()

	src, err := capture.Open(cfg.Source)
	if err != nil {
		return Counters{}, err
	}
	if cfg.InsertDHT && format.PixelFormat == capture.PixelFormatMJPEG {
		src = capture.Filtered(src, capture.DHTFilter{})
	}
	size, err := src.Configure(format)
	if err != nil {
		src.Close()
		return Counters{}, errors.Wrap(err, "configure capture")
	}
	actual := src.Format()
	log.Info("Capture %s, %d byte buffers", actual, size)

	snk, err := openSinks(cfg)
	if err != nil {
		src.Close()
		return Counters{}, err
	}

	var rec *stats.Recorder
	if cfg.FPSCurrent || cfg.FPSAverage {
		var current io.Writer
		if cfg.FPSCurrent {
			current = os.Stderr
		}
		rec = stats.New(current)
	}

	p := pipeline.New(soft.NewRuntime(), src, snk, pipeline.Options{
		Frames:         cfg.Frames,
		Stages:         specs,
		Input:          InputFormat(actual),
		InputSize:      size,
		ZeroCopy:       cfg.ZeroCopy,
		Backoff:        cfg.Backoff,
		Settle:         cfg.Settle,
		CaptureTimeout: cfg.CaptureTimeout,
		FatalErrors:    fatal,
		Stats:          rec,
	})
	log.Info("Run %s: %s -> %v, %d frames", p.ID, cfg.Source, cfg.Stages, cfg.Frames)

	if err := p.Setup(); err != nil {
		return p.Counters(), errors.Wrap(err, "setup")
	}
	runErr := p.Run(ctx)
	teardownErr := p.Teardown()

	if cfg.FPSAverage {
		rec.ReportAverage(os.Stderr)
	}
	if rec != nil {
		log.Debug("Timing: %v", rec.Summary())
	}

	counters := p.Counters()
	if runErr != nil {
		return counters, runErr
	}
	return counters, errors.Wrap(teardownErr, "teardown")
}

// InputFormat describes captured frames to the first stage.
func InputFormat(f capture.Format) omx.Format {
	of := omx.Format{Width: f.Width, Height: f.Height, FrameRate: f.FrameRate}
	switch f.PixelFormat {
	case capture.PixelFormatYUV420:
		of.Color = omx.ColorFormatYUV420PackedPlanar
	case capture.PixelFormatYUYV:
		of.Color = omx.ColorFormatYCbYCr
	case capture.PixelFormatMJPEG:
		of.Compression = omx.CodingMJPEG
	case capture.PixelFormatH264:
		of.Compression = omx.CodingAVC
	}
	return of.Align()
}

func openSinks(cfg Config) (sink.Sink, error) {
	var sinks []sink.Sink
	closeAll := func() {
		for _, s := range sinks {
			s.Close()
		}
	}
	if cfg.Output != "" {
		s, err := sink.Open(cfg.Output)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Preview != "" {
		p, err := sink.NewPreview(cfg.Preview)
		if err != nil {
			closeAll()
			return nil, errors.Wrap(err, "preview")
		}
		sinks = append(sinks, p)
	}
	var out sink.Sink
	switch len(sinks) {
	case 0:
		out = sink.Discard()
	default:
		out = sink.Tee(sinks...)
	}
	if cfg.Inspect {
		out = sink.NewInspector(out)
	}
	return out, nil
}
