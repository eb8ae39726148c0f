package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the logging level.
type Level int

const (
	// LevelDebug is the most verbose level.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the log output format.
type Format int

const (
	// FormatText outputs logs in human-readable text format.
	FormatText Format = iota
	// FormatJSON outputs logs in JSON format.
	FormatJSON
)

// ParseFormat parses a string into a Format.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	default:
		return FormatText
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...interface{})
	// Info logs an info message with optional key-value pairs.
	Info(msg string, keysAndValues ...interface{})
	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...interface{})
	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...interface{})
	// WithRequestID returns a new logger with the given request ID.
	WithRequestID(requestID string) Logger
	// WithFields returns a new logger with the given fields.
	WithFields(keysAndValues ...interface{}) Logger
	// Named returns a new logger for a sub-component. Names nest with dots.
	Named(name string) Logger
	// SetLevel changes the minimum level of this logger and every logger
	// derived from the same root.
	SetLevel(level Level)
}

// logger is the default implementation of Logger.
type logger struct {
	level     *atomic.Int32
	format    Format
	output    io.Writer
	fields    map[string]interface{}
	name      string
	requestID string
}

// lockedWriter serializes writes from a logger and all of its children.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// Config holds the logger configuration.
type Config struct {
	Level  string
	Format string
	Output string
}

// New creates a new Logger with the given configuration.
func New(cfg Config) Logger {
	var output io.Writer
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// Try to open file, fall back to stdout on error
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	return NewWithWriter(ParseLevel(cfg.Level), ParseFormat(cfg.Format), output)
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(level Level, format Format, w io.Writer) Logger {
	lv := new(atomic.Int32)
	lv.Store(int32(level))
	return &logger{
		level:  lv,
		format: format,
		output: &lockedWriter{w: w},
		fields: make(map[string]interface{}),
	}
}

// NewDefault creates a new Logger with default settings.
func NewDefault() Logger {
	return NewWithWriter(LevelInfo, FormatText, os.Stdout)
}

// NewNop creates a no-op logger that discards all output.
func NewNop() Logger {
	return &nopLogger{}
}

// Debug logs a debug message.
func (l *logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(LevelDebug, msg, keysAndValues...)
}

// Info logs an info message.
func (l *logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(LevelInfo, msg, keysAndValues...)
}

// Warn logs a warning message.
func (l *logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(LevelWarn, msg, keysAndValues...)
}

// Error logs an error message.
func (l *logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(LevelError, msg, keysAndValues...)
}

// WithRequestID returns a new logger with the given request ID.
func (l *logger) WithRequestID(requestID string) Logger {
	newLogger := l.clone()
	newLogger.requestID = requestID
	return newLogger
}

// WithFields returns a new logger with the given fields.
func (l *logger) WithFields(keysAndValues ...interface{}) Logger {
	newLogger := l.clone()
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			newLogger.fields[key] = keysAndValues[i+1]
		}
	}
	return newLogger
}

// Named returns a new logger whose entries carry a "logger" field.
func (l *logger) Named(name string) Logger {
	newLogger := l.clone()
	if newLogger.name == "" {
		newLogger.name = name
	} else {
		newLogger.name += "." + name
	}
	return newLogger
}

// SetLevel changes the level shared by l and its children.
func (l *logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// clone creates a copy of the logger sharing its output.
func (l *logger) clone() *logger {
	newFields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	return &logger{
		level:     l.level,
		format:    l.format,
		output:    l.output,
		fields:    newFields,
		name:      l.name,
		requestID: l.requestID,
	}
}

// log writes a log entry.
func (l *logger) log(level Level, msg string, keysAndValues ...interface{}) {
	if int32(level) < l.level.Load() {
		return
	}

	entry := make(map[string]interface{}, 4+len(l.fields)+len(keysAndValues)/2)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg

	if l.name != "" {
		entry["logger"] = l.name
	}
	if l.requestID != "" {
		entry["request_id"] = l.requestID
	}

	for k, v := range l.fields {
		entry[k] = fieldValue(v)
	}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			entry[key] = fieldValue(keysAndValues[i+1])
		}
	}

	var output string
	if l.format == FormatJSON {
		data, err := json.Marshal(entry)
		if err != nil {
			output = fmt.Sprintf(`{"ts":"%s","level":"error","msg":"failed to marshal log entry"}`, time.Now().UTC().Format(time.RFC3339))
		} else {
			output = string(data)
		}
	} else {
		output = formatText(entry)
	}

	fmt.Fprintln(l.output, output)
}

// fieldValue makes values that marshal poorly readable in both formats.
func fieldValue(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		if val == nil {
			return nil
		}
		return val.Error()
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}

// reservedKeys are printed first, in this order, by the text format.
var reservedKeys = []string{"ts", "level", "logger", "msg", "request_id"}

// formatText formats a log entry as text with the remaining fields sorted.
func formatText(entry map[string]interface{}) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s]", entry["ts"], entry["level"])
	if name, ok := entry["logger"]; ok {
		fmt.Fprintf(&sb, " %v:", name)
	}
	fmt.Fprintf(&sb, " %s", entry["msg"])
	if reqID, ok := entry["request_id"]; ok {
		fmt.Fprintf(&sb, " request_id=%v", reqID)
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if !isReserved(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry[k])
	}
	return sb.String()
}

func isReserved(key string) bool {
	for _, r := range reservedKeys {
		if key == r {
			return true
		}
	}
	return false
}

// nopLogger is a no-op logger that discards all output.
type nopLogger struct{}

func (n *nopLogger) Debug(_ string, _ ...interface{})   {}
func (n *nopLogger) Info(_ string, _ ...interface{})    {}
func (n *nopLogger) Warn(_ string, _ ...interface{})    {}
func (n *nopLogger) Error(_ string, _ ...interface{})   {}
func (n *nopLogger) WithRequestID(_ string) Logger      { return n }
func (n *nopLogger) WithFields(_ ...interface{}) Logger { return n }
func (n *nopLogger) Named(_ string) Logger              { return n }
func (n *nopLogger) SetLevel(_ Level)                   {}
