package pkg

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Component identifies a subsystem for log filtering.
type Component string

// Control plane component identifiers.
const (
	ComponentBus     Component = "bus"
	ComponentDevice  Component = "device"
	ComponentArbiter Component = "arbiter"
	ComponentNotify  Component = "notify"
	ComponentDMA     Component = "dma"
	ComponentIRQ     Component = "irq"
	ComponentHAL     Component = "hal"
	ComponentSlot    Component = "slot"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the logger shared by every control plane component.
	DefaultLogger *slog.Logger

	// logLevel controls the minimum log level.
	logLevel = new(slog.LevelVar)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetLogLevel sets the minimum level for all control plane logging.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetLogger replaces the default logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat rebuilds the default logger on os.Stderr with the given format,
// keeping the current level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	opts := &slog.HandlerOptions{Level: logLevel}
	switch format {
	case LogFormatJSON:
		DefaultLogger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

// NewLogger creates a text logger writing to w.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewJSONLogger creates a JSON logger writing to w.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func logger() *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger
}

func withComponent(component Component, args []any) []any {
	return append([]any{"component", string(component)}, args...)
}

// LogDebug logs a debug message tagged with component.
func LogDebug(component Component, msg string, args ...any) {
	logger().Debug(msg, withComponent(component, args)...)
}

// LogInfo logs an info message tagged with component.
func LogInfo(component Component, msg string, args ...any) {
	logger().Info(msg, withComponent(component, args)...)
}

// LogWarn logs a warning tagged with component.
func LogWarn(component Component, msg string, args ...any) {
	logger().Warn(msg, withComponent(component, args)...)
}

// LogError logs an error tagged with component.
func LogError(component Component, msg string, args ...any) {
	logger().Error(msg, withComponent(component, args)...)
}

// Throttle rate-limits a recurring warning. Messages over the limit are
// counted and the count is attached to the next message that gets through.
// The zero value is not usable; create one with NewThrottle.
type Throttle struct {
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle returns a Throttle allowing one message per interval with the
// given burst.
func NewThrottle(interval time.Duration, burst int) *Throttle {
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Warn logs msg at warning level unless the limit is exhausted.
// Reports whether the message was emitted.
func (t *Throttle) Warn(component Component, msg string, args ...any) bool {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return false
	}
	if n := t.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	LogWarn(component, msg, args...)
	return true
}

// Suppressed returns the number of messages dropped since the last emitted one.
func (t *Throttle) Suppressed() uint64 {
	return t.suppressed.Load()
}
