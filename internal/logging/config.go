package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Environment variable holding comma-separated "tag=level" directives. A
// directive without "tag=" sets the default level, e.g. LOGLEVEL=debug,link=trace.
const envVar = "LOGLEVEL"

var (
	tagLevelsMu sync.RWMutex
	tagLevels   = map[string]Level{}
)

func init() {
	if err := Configure(os.Getenv(envVar)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid %s: %s\n", envVar, err)
	}
}

// Configure parses logging directives, in the same syntax as the LOGLEVEL
// environment variable, and applies them to DefaultLogger. Loggers already
// derived with WithTag keep the level they were created with.
func Configure(directives string) error {
	for _, d := range strings.Split(directives, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		level, err := ParseLevel(v[len(v)-1])
		if err != nil {
			return err
		}
		if len(v) == 1 {
			defaultLevel = level
			DefaultLogger.Level = level
		} else {
			tagLevelsMu.Lock()
			tagLevels[v[0]] = level
			tagLevelsMu.Unlock()
		}
	}
	return nil
}

func determineLevel(tag string, fallback Level) Level {
	tagLevelsMu.RLock()
	defer tagLevelsMu.RUnlock()
	if level, ok := tagLevels[tag]; ok {
		return level
	}
	return fallback
}
