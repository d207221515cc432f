//////////////////////////////////////////////////////////////////////////////
//
// Config describes one pipeline run
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package ilpipe

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/lanikai/ilpipe/internal/capture"
	"github.com/lanikai/ilpipe/internal/omx"
	"github.com/lanikai/ilpipe/internal/pipeline"
)

type Config struct {
	// Capture source spec, "tag:path". See capture.Open.
	Source string `yaml:"source"`

	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	PixelFormat string `yaml:"pixel_format"`
	FrameRate   int    `yaml:"frame_rate"`

	// Force the capture format onto the device.
	ForceFormat bool `yaml:"force_format"`

	// Use read(2) rather than mmap streaming.
	ReadIO bool `yaml:"read_io"`

	// Insert standard Huffman tables into MJPEG frames that omit them.
	InsertDHT bool `yaml:"insert_dht"`

	// Frames to capture.
	Frames int `yaml:"frames"`

	Stages []StageConfig `yaml:"stages"`

	// Sink path: "-" for standard output, "null" to discard, empty for no
	// file sink (preview only).
	Output string `yaml:"output"`

	// Listen address of the websocket preview, empty for none.
	Preview string `yaml:"preview"`

	// Parse the output as an H.264 stream and log what goes by.
	Inspect bool `yaml:"inspect"`

	ZeroCopy bool `yaml:"zero_copy"`

	Backoff        pipeline.Backoff `yaml:"backoff"`
	Settle         time.Duration    `yaml:"settle"`
	CaptureTimeout time.Duration    `yaml:"capture_timeout"`

	// Stage error names that end the run, e.g. "Hardware".
	FatalErrors []string `yaml:"fatal_errors"`

	// Print the current and average frame rate to standard error.
	FPSCurrent bool `yaml:"fps_current"`
	FPSAverage bool `yaml:"fps_average"`

	// Log level directives, as in LOGLEVEL.
	Log string `yaml:"log"`
}

type StageConfig struct {
	Component string         `yaml:"component"`
	Params    map[string]int `yaml:"params,omitempty"`

	// Output geometry for stages that take it from the client.
	Width  int `yaml:"width,omitempty"`
	Height int `yaml:"height,omitempty"`
}

func (s StageConfig) String() string {
	str := s.Component
	if s.Width > 0 {
		str += fmt.Sprintf("=%dx%d", s.Width, s.Height)
	}
	for k, v := range s.Params {
		str += fmt.Sprintf(":%s=%d", k, v)
	}
	return str
}

// DefaultConfig captures 100 frames from the first V4L2 device and passes them
// through a single video_copy stage.
func DefaultConfig() Config {
	return Config{
		Source:      "v4l2:/dev/video0",
		Width:       640,
		Height:      480,
		PixelFormat: "yuv420",
		Frames:      100,
		Output:      "-",
		Stages:      []StageConfig{{Component: "video_copy"}},
		Backoff:     pipeline.DefaultBackoff,
		InsertDHT:   true,
	}
}

// LoadConfig reads a YAML file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(ErrInvalidConfig, "%s: %v", path, err)
	}
	return cfg, nil
}

// ParseStages parses a comma-separated stage chain. Each stage is a
// component name with an optional output size and parameters:
//
//	image_decode,resize=320x240,video_copy:bitrate=500000
func ParseStages(s string) ([]StageConfig, error) {
	var stages []StageConfig
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		var st StageConfig
		name := parts[0]
		if i := strings.IndexByte(name, '='); i >= 0 {
			if _, err := fmt.Sscanf(name[i+1:], "%dx%d", &st.Width, &st.Height); err != nil {
				return nil, invalid("stage %q: geometry: %v", item, err)
			}
			name = name[:i]
		}
		st.Component = name
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				return nil, invalid("stage %q: parameter %q", item, p)
			}
			v, err := strconv.Atoi(kv[1])
			if err != nil {
				return nil, invalid("stage %q: parameter %q: %v", item, p, err)
			}
			if st.Params == nil {
				st.Params = make(map[string]int)
			}
			st.Params[kv[0]] = v
		}
		stages = append(stages, st)
	}
	if len(stages) == 0 {
		return nil, invalid("empty stage list %q", s)
	}
	return stages, nil
}

// Validate checks the configuration and returns the capture format.
func (cfg Config) Validate() (capture.Format, error) {
	var f capture.Format
	if cfg.Source == "" {
		return f, invalid("no capture source")
	}
	if cfg.Frames < 0 {
		return f, invalid("negative frame count %d", cfg.Frames)
	}
	if cfg.Width < 0 || cfg.Height < 0 || (cfg.Width == 0) != (cfg.Height == 0) {
		return f, invalid("bad geometry %dx%d", cfg.Width, cfg.Height)
	}
	if len(cfg.Stages) == 0 {
		return f, invalid("no stages")
	}
	for _, st := range cfg.Stages {
		if st.Component == "" {
			return f, invalid("stage without component")
		}
		if st.Width < 0 || st.Height < 0 || (st.Width == 0) != (st.Height == 0) {
			return f, invalid("stage %s: bad geometry %dx%d", st.Component, st.Width, st.Height)
		}
	}
	pf, err := capture.ParsePixelFormat(cfg.PixelFormat)
	if err != nil {
		return f, invalid("%v", err)
	}
	if _, err := cfg.fatalErrors(); err != nil {
		return f, err
	}
	if _, err := cfg.stageSpecs(); err != nil {
		return f, err
	}
	return capture.Format{
		Width:       cfg.Width,
		Height:      cfg.Height,
		PixelFormat: pf,
		FrameRate:   cfg.FrameRate,
		Force:       cfg.ForceFormat,
		ReadIO:      cfg.ReadIO,
	}, nil
}

func (cfg Config) fatalErrors() ([]omx.Error, error) {
	var codes []omx.Error
	for _, name := range cfg.FatalErrors {
		code, err := omx.ParseError(name)
		if err != nil {
			return nil, invalid("fatal error %q: %v", name, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func (cfg Config) stageSpecs() ([]pipeline.StageSpec, error) {
	var specs []pipeline.StageSpec
	for _, st := range cfg.Stages {
		spec := pipeline.StageSpec{
			Component: st.Component,
			Output:    omx.Format{Width: st.Width, Height: st.Height},
		}
		for name, v := range st.Params {
			index, err := omx.ParseParamIndex(name)
			if err != nil {
				return nil, invalid("stage %s: %v", st.Component, err)
			}
			if spec.Params == nil {
				spec.Params = make(map[omx.ParamIndex]int)
			}
			spec.Params[index] = v
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
