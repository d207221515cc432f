package logging

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Colour attributes for each level. Numeric trace levels share one colour.
var (
	errorColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgRed)
	infoColor  = color.New(color.Reset)
	debugColor = color.New(color.FgGreen)
	traceColor = color.New(color.FgYellow)
	metaColor  = color.New(color.FgWhite)
)

func init() {
	// Logs go to stderr, which may be a terminal even when stdout is a pipe
	// carrying encoded video.
	for _, c := range []*color.Color{errorColor, warnColor, infoColor, debugColor, traceColor, metaColor} {
		c.EnableColor()
	}
}

// isTerminal reports whether colour escape codes should be written to f.
func isTerminal(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
