package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/dbip_updater/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

func (l LogLevel) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	case LevelFatal:
		return 4
	}
	return 1
}

// ParseLevel converts a level name into a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "warning":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	case LevelFatal:
		return LevelFatal, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   LogLevel       `json:"level"`
	Message string         `json:"msg"`
	Service string         `json:"service,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	SpanID  string         `json:"span_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`

	logger  *Logger
	verbose bool
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	min     LogLevel

	mu  sync.Mutex
	out io.Writer
}

// Option configures a Logger
type Option func(*Logger)

// WithOutput sends log lines to w instead of stdout
func WithOutput(w io.Writer) Option {
	return func(l *Logger) {
		l.out = w
	}
}

// WithLevel drops entries below the given level
func WithLevel(level LogLevel) Option {
	return func(l *Logger) {
		l.min = level
	}
}

// New creates a new structured logger for the given service
func New(service string, opts ...Option) *Logger {
	l := &Logger{
		service: service,
		min:     LevelDebug,
		out:     os.Stdout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry(nil)
	entry.TraceID = tracing.GetTraceID(ctx)
	entry.SpanID = tracing.GetSpanID(ctx)
	entry.verbose = Verbose(ctx)
	return entry
}

type verboseKey struct{}

// WithVerbose marks ctx so debug entries built from it are written even when
// the logger's minimum level is above debug.
func WithVerbose(ctx context.Context) context.Context {
	return context.WithValue(ctx, verboseKey{}, true)
}

// Verbose reports whether ctx was marked by WithVerbose.
func Verbose(ctx context.Context) bool {
	v, _ := ctx.Value(verboseKey{}).(bool)
	return v
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry(nil)
}

// Debug, Info and Error make *Logger usable wherever a leveled
// ctx/message/fields logger is expected. The "run_id" and "attempt" fields
// are lifted to the top level of the entry.

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.leveled(ctx, fields).Debug(msg)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	l.leveled(ctx, fields).Info(msg)
}

func (l *Logger) Error(ctx context.Context, msg string, fields map[string]any) {
	l.leveled(ctx, fields).Error(msg)
}

func (l *Logger) leveled(ctx context.Context, fields map[string]any) *LogEntry {
	e := l.WithContext(ctx).WithFields(fields)
	if id, ok := e.Fields["run_id"].(string); ok {
		e.WithRun(id)
		delete(e.Fields, "run_id")
	}
	if n, ok := e.Fields["attempt"].(int); ok {
		e.WithAttempt(n)
		delete(e.Fields, "attempt")
	}
	return e
}

// WithRun tags the entry with an update run id
func (e *LogEntry) WithRun(runID string) *LogEntry {
	e.RunID = runID
	return e
}

// WithAttempt tags the entry with the fetch attempt number
func (e *LogEntry) WithAttempt(attempt int) *LogEntry {
	e.Attempt = attempt
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.log(LevelDebug, message)
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.log(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.log(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.log(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	if e.logger != nil && level.rank() < e.logger.min.rank() && !(level == LevelDebug && e.verbose) {
		return
	}
	e.output()
}

// output writes the log entry as a single JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	var out io.Writer = os.Stdout
	if e.logger != nil {
		e.logger.mu.Lock()
		defer e.logger.mu.Unlock()
		out = e.logger.out
	}

	data, err := json.Marshal(e)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}

	fmt.Fprintln(out, string(data))
}

// Global convenience functions

var defaultLogger = New("dbipupdater")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
