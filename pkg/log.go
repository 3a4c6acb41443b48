package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Controller engine component identifiers.
const (
	ComponentHost     Component = "host"
	ComponentDispatch Component = "dispatch"
	ComponentIRQ      Component = "irq"
	ComponentDMA      Component = "dma"
	ComponentClock    Component = "clock"
	ComponentTuning   Component = "tuning"
	ComponentWatchdog Component = "watchdog"
	ComponentHAL      Component = "hal"
	ComponentSim      Component = "sim"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

// LevelOff is above every level and silences a component.
const LevelOff slog.Level = 1 << 16

// logConfig is the mutable logging state. The handler it builds does not
// filter; levels are checked per component before a record is built.
type logConfig struct {
	mu        sync.RWMutex
	level     slog.Level
	overrides map[Component]slog.Level
	out       io.Writer
	format    LogFormat
	logger    *slog.Logger
	custom    bool
}

var logs = &logConfig{level: slog.LevelWarn, out: os.Stderr}

func init() {
	logs.rebuild()
}

// rebuild replaces the logger from out and format unless a custom logger
// was installed. Callers hold mu.
func (c *logConfig) rebuild() {
	if c.custom {
		return
	}
	c.logger = NewLogger(c.out, c.format)
}

func (c *logConfig) enabled(component Component, level slog.Level) (*slog.Logger, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	floor, ok := c.overrides[component]
	if !ok {
		floor = c.level
	}
	return c.logger, level >= floor
}

// NewLogger returns a logger writing every record to w in the given format.
func NewLogger(w io.Writer, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogLevel sets the minimum level of components without an override.
func SetLogLevel(level slog.Level) {
	logs.mu.Lock()
	defer logs.mu.Unlock()
	logs.level = level
}

// GetLogLevel returns the minimum level of components without an override.
func GetLogLevel() slog.Level {
	logs.mu.RLock()
	defer logs.mu.RUnlock()
	return logs.level
}

// SetComponentLevel overrides the minimum level of one component, so that
// for example dispatch tracing can be enabled alone.
func SetComponentLevel(component Component, level slog.Level) {
	logs.mu.Lock()
	defer logs.mu.Unlock()
	if logs.overrides == nil {
		logs.overrides = make(map[Component]slog.Level)
	}
	logs.overrides[component] = level
}

// ClearComponentLevels removes every component override.
func ClearComponentLevels() {
	logs.mu.Lock()
	defer logs.mu.Unlock()
	logs.overrides = nil
}

// ParseComponentLevels applies a comma separated list of component=level
// pairs, such as "dispatch=debug,irq=off".
func ParseComponentLevels(s string) error {
	if s == "" {
		return nil
	}
	for _, item := range strings.Split(s, ",") {
		name, lvl, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || name == "" {
			return fmt.Errorf("%w: component level %q", ErrInvalidParameter, item)
		}
		level := LevelOff
		if !strings.EqualFold(lvl, "off") {
			if err := level.UnmarshalText([]byte(lvl)); err != nil {
				return fmt.Errorf("%w: component %s: %v", ErrInvalidParameter, name, err)
			}
		}
		SetComponentLevel(Component(name), level)
	}
	return nil
}

// SetLogger installs a custom logger. Levels are still checked per
// component before the logger sees a record. A nil logger restores the
// built-in one.
func SetLogger(logger *slog.Logger) {
	logs.mu.Lock()
	defer logs.mu.Unlock()
	logs.custom = logger != nil
	logs.logger = logger
	logs.rebuild()
}

// SetLogFormat selects the format of the built-in logger.
func SetLogFormat(format LogFormat) {
	logs.mu.Lock()
	defer logs.mu.Unlock()
	logs.format = format
	logs.custom = false
	logs.rebuild()
}

// SetLogOutput redirects the built-in logger.
func SetLogOutput(w io.Writer) {
	logs.mu.Lock()
	defer logs.mu.Unlock()
	logs.out = w
	logs.custom = false
	logs.rebuild()
}

// LogEnabled reports whether component logs at level. Use it to skip
// building expensive attributes.
func LogEnabled(component Component, level slog.Level) bool {
	_, ok := logs.enabled(component, level)
	return ok
}

func logAt(component Component, level slog.Level, msg string, args []any) {
	logger, ok := logs.enabled(component, level)
	if !ok {
		return
	}
	logger.Log(context.Background(), level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(component, slog.LevelDebug, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(component, slog.LevelInfo, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(component, slog.LevelWarn, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(component, slog.LevelError, msg, args)
}
