package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ServiceName is the root logger name
const ServiceName = "dstream-anonymizer"

var (
	mu         sync.Mutex
	rootLogger hclog.Logger
)

// New builds a root logger. level is any hclog level name ("trace", "debug", "info",
// "warn", "error"); unknown names fall back to info. format "json" selects JSON output.
func New(level, format string) hclog.Logger {
	return NewWithOutput(level, format, os.Stderr)
}

// NewWithOutput is New writing to w
func NewWithOutput(level, format string, w io.Writer) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       ServiceName,
		Level:      lvl,
		Output:     w,
		JSONFormat: strings.EqualFold(format, "json"),
	})
}

// SetLogger sets the process-wide logger
func SetLogger(logger hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	rootLogger = logger
}

// GetLogger returns the process-wide logger, creating an info-level text logger on first use
func GetLogger() hclog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if rootLogger == nil {
		rootLogger = New("info", "text")
	}
	return rootLogger
}
