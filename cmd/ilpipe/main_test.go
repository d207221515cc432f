package main

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/lanikai/ilpipe"
)

func TestSourceSpec(t *testing.T) {
	assert.Equal(t, "v4l2:/dev/video1", sourceSpec("/dev/video1"))
	assert.Equal(t, "testcard:", sourceSpec("testcard:"))
	assert.Equal(t, "file:clip.mjpeg", sourceSpec("file:clip.mjpeg"))
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, exitOK, status(ctx, nil))
	assert.Equal(t, exitUsage, status(ctx, errors.Wrap(ilpipe.ErrInvalidConfig, "width")))
	assert.Equal(t, exitFailure, status(ctx, errors.New("device gone")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, exitOK, status(cancelled, errors.Wrap(context.Canceled, "run")))
}
