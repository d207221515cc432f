// Package pipeline moves buffer descriptors from a capture source through a
// chain of asynchronous codec stages to a sink.
package pipeline

import (
	"github.com/lanikai/ilpipe/internal/logging"
)

var log = logging.DefaultLogger.WithTag("pipeline")

