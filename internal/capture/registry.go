package capture

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Open a source based on its "source spec". A source spec is a colon-separated string
// consisting of a source tag and a source path:
//    sourceSpec = sourceTag + ":" + sourcePath
// The format of the source path is defined by the registered OpenFunc.
func Open(spec string) (Source, error) {
	log.Debug("Registered source types: %v", Tags())

	// Split the spec string into tag and path
	parts := strings.SplitN(spec, ":", 2)
	var tag, path string
	tag = parts[0]
	if len(parts) == 2 {
		path = parts[1]
	}

	registryMu.RLock()
	open, found := registry[tag]
	registryMu.RUnlock()
	if !found {
		return nil, errors.Errorf("Source type '%s' not registered", tag)
	}
	src, err := open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", spec)
	}
	return src, nil
}

// A function used to open a specific source type.
type OpenFunc func(path string) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]OpenFunc{}
)

// Register a source type, identified by its "source tag". Sources of this type will be
// opened with the given function.
func Register(tag string, open OpenFunc) {
	registryMu.Lock()
	registry[tag] = open
	registryMu.Unlock()
}

// Tags lists the registered source types.
func Tags() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var tags []string
	for t := range registry {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
