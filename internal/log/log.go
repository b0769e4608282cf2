package log

import (
	"io"
	"log/slog"
	"sync"
)

var (
	mu      sync.Mutex
	loggers = make(map[string]*slog.Logger)
	handles = make(map[string]*componentHandler)
)

// New returns the logger for a core component ("iris.connection",
// "relay.driver", "scheme.request", "scheme.tunnel", or a worker pool's
// name such as "broadcast", "request" or "topic:<name>"). Repeated calls
// with the same name return the same instance.
func New(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[component]; ok {
		return l
	}

	cfg := configFromEnv()
	handler := newHandler(component, cfg.levelFor(component), cfg.format)
	l := slog.New(handler)

	loggers[component] = l
	if h, ok := handler.(*componentHandler); ok {
		handles[component] = h
	}
	return l
}

// SetLevel adjusts the level of a single component's logger at runtime.
func SetLevel(component string, level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	if h, ok := handles[component]; ok {
		h.setLevel(level)
	}
}

// Discard returns a logger that drops everything, for use in tests.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// SetOutput redirects every logger created via New to w.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// resetForTest clears every cached logger and handler. Test-only: lets a
// test create a fresh logger for a component name it wants to control.
func resetForTest() {
	mu.Lock()
	loggers = make(map[string]*slog.Logger)
	handles = make(map[string]*componentHandler)
	mu.Unlock()
	resetConfig()
}
