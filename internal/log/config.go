// Package log provides the structured logging used throughout the
// core: a *slog.Logger per component, configurable via environment
// variables so an embedding application never has to touch this
// package to change verbosity, built directly on the standard
// library's log/slog.
//
// Recognised environment variables:
//   - IRIS_LOG_LEVEL: component=level,component=level,defaultLevel
//     e.g. "scheme.tunnel=debug,broadcast=warn,info"
//   - IRIS_LOG_FORMAT: "text" (default) or "json"
package log

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Format selects the slog handler used for output.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

type config struct {
	defaultLevel    slog.Level
	componentLevels map[string]slog.Level
	format          Format
}

func (c *config) levelFor(component string) slog.Level {
	if level, ok := c.componentLevels[component]; ok {
		return level
	}
	return c.defaultLevel
}

var (
	cfgOnce  sync.Once
	cfgCache *config
)

func configFromEnv() *config {
	cfgOnce.Do(func() {
		cfgCache = parseConfig()
	})
	return cfgCache
}

func parseConfig() *config {
	cfg := &config{
		defaultLevel:    slog.LevelInfo,
		componentLevels: make(map[string]slog.Level),
		format:          FormatText,
	}

	if s := os.Getenv("IRIS_LOG_LEVEL"); s != "" {
		parseLevelConfig(cfg, s)
	}
	if s := os.Getenv("IRIS_LOG_FORMAT"); s != "" {
		if strings.ToLower(s) == "json" {
			cfg.format = FormatJSON
		}
	}
	return cfg
}

// parseLevelConfig parses "component=level,component=level,defaultLevel".
func parseLevelConfig(cfg *config, s string) {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			component := strings.TrimSpace(part[:idx])
			if level, ok := parseLevel(strings.TrimSpace(part[idx+1:])); ok {
				cfg.componentLevels[component] = level
			}
			continue
		}
		if level, ok := parseLevel(part); ok {
			cfg.defaultLevel = level
		}
	}
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// resetConfig clears the cached environment configuration. Test-only.
func resetConfig() {
	cfgOnce = sync.Once{}
	cfgCache = nil
}
