package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/ilpipe"
	"github.com/lanikai/ilpipe/internal/logging"
)

// Populated via -ldflags="-X ...".
var GitRevisionId string

var log = logging.DefaultLogger.WithTag("ilpipe")

// Exit statuses.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// version displays information and exits successfully (GNU convention)
func version() {
	fmt.Println("ilpipe", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
}

func main() {
	flag.Usage = help
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(exitOK)
	}
	if flagVersion {
		version()
		os.Exit(exitOK)
	}

	cfg, err := configure(flag.CommandLine)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	// Signals only cancel the run; teardown happens on the way out of Run.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	counters, err := ilpipe.Run(ctx, cfg)
	fmt.Fprintln(os.Stderr, counters)
	code := status(ctx, err)
	stop()
	os.Exit(code)
}

func status(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return exitOK
	case ctx.Err() != nil && errors.Cause(err) == ctx.Err():
		log.Info("Interrupted")
		return exitOK
	case errors.Cause(err) == ilpipe.ErrInvalidConfig:
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	default:
		log.Error("%v", err)
		return exitFailure
	}
}

// configure builds the run configuration from the optional config file,
// then any flags given on the command line.
func configure(flags *flag.FlagSet) (ilpipe.Config, error) {
	cfg := ilpipe.DefaultConfig()
	if flagConfig != "" {
		var err error
		if cfg, err = ilpipe.LoadConfig(flagConfig); err != nil {
			return cfg, err
		}
	}

	set := func(name string, apply func()) {
		if flags.Changed(name) || flagConfig == "" {
			apply()
		}
	}
	set("device", func() { cfg.Source = sourceSpec(flagDevice) })
	set("count", func() { cfg.Frames = flagCount })
	set("width", func() { cfg.Width = flagWidth })
	set("height", func() { cfg.Height = flagHeight })
	set("img-fmt", func() { cfg.PixelFormat = flagPixFmt })
	set("fps", func() { cfg.FrameRate = flagFrameRate })
	set("format", func() { cfg.ForceFormat = flagForce })
	set("read", func() { cfg.ReadIO = flagRead })
	set("output", func() { cfg.Output = flagOutput })
	set("preview", func() { cfg.Preview = flagPreview })
	set("inspect", func() { cfg.Inspect = flagInspect })
	set("zero-copy", func() { cfg.ZeroCopy = flagZeroCopy })
	set("fps-cur", func() { cfg.FPSCurrent = flagFPSCurrent })
	set("fps-avg", func() { cfg.FPSAverage = flagFPSAverage })
	set("log", func() { cfg.Log = flagLog })

	if flags.Changed("stages") || flagConfig == "" {
		stages, err := ilpipe.ParseStages(flagStages)
		if err != nil {
			return cfg, err
		}
		cfg.Stages = stages
	}
	if args := flags.Args(); len(args) > 0 {
		return cfg, errors.Errorf("unexpected arguments: %s", strings.Join(args, " "))
	}
	return cfg, nil
}

// sourceSpec turns a bare device node into a capture source spec.
func sourceSpec(device string) string {
	if strings.HasPrefix(device, "/dev/") {
		return "v4l2:" + device
	}
	return device
}
