// Package logger writes one JSON object per line. Entries pick up the request
// id and job id from the context so a single batch can be followed across
// the http, download and acquire components.
package logger

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l >= LevelDebug && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel maps LOG_LEVEL values to a Level. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return LevelWarn
	}
	for i, name := range levelNames {
		if s == name {
			return Level(i)
		}
	}
	return LevelInfo
}

// LogEntry is the shape of every line written.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Error     *ErrorDetails          `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

type ErrorDetails struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Category   string `json:"category,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// Logger is safe for concurrent use. Loggers derived with WithComponent share
// the writer and its lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	level     Level
	component string
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(os.Stdout, LevelInfo, ""))
}

func New(output io.Writer, level Level, component string) *Logger {
	return &Logger{mu: new(sync.Mutex), output: output, level: level, component: component}
}

// SetDefault replaces the logger returned by Default. Packages fall back to
// it when constructed without one.
func SetDefault(l *Logger) { defaultLogger.Store(l) }

func Default() *Logger { return defaultLogger.Load() }

// Discard returns a logger that drops everything.
func Discard() *Logger { return New(io.Discard, LevelError+1, "") }

func (l *Logger) WithComponent(component string) *Logger {
	c := *l
	c.component = component
	return &c
}

// Level returns the minimum level this logger writes.
func (l *Logger) Level() Level { return l.level }

type jobIDKey struct{}

// WithJobID tags every entry logged with ctx with the given job id.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelDebug, msg, nil, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelInfo, msg, nil, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelWarn, msg, nil, fields)
}

// WarnErr logs a warning that carries an error, without a stack trace.
func (l *Logger) WarnErr(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.write(ctx, LevelWarn, msg, err, fields)
}

// Error logs at error level with the caller and, when err is set, a stack.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.write(ctx, LevelError, msg, err, fields)
}

// write must be called directly from the exported level methods so the
// caller lookup lands on user code.
func (l *Logger) write(ctx context.Context, level Level, msg string, err error, fields []map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
	}
	if len(fields) > 0 {
		entry.Fields = fields[0]
	}
	if ctx != nil {
		entry.RequestID = apperrors.GetRequestID(ctx)
		entry.JobID, _ = ctx.Value(jobIDKey{}).(string)
	}
	if level >= LevelError {
		entry.Caller = caller(3)
	}
	if err != nil {
		entry.Error = errorDetails(err, level >= LevelError)
	}

	data, merr := json.Marshal(entry)
	if merr != nil {
		entry.Fields = map[string]interface{}{"fields_error": merr.Error()}
		data, _ = json.Marshal(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write(append(data, '\n'))
}

func errorDetails(err error, withStack bool) *ErrorDetails {
	d := &ErrorDetails{Message: err.Error()}
	if appErr, ok := apperrors.As(err); ok {
		d.Code = appErr.Code
		d.Category = string(appErr.Category)
	}
	if withStack {
		buf := make([]byte, 4096)
		d.StackTrace = string(buf[:runtime.Stack(buf, false)])
	}
	return d
}

// caller returns "pkg/file.go:line" for the frame skip levels up.
func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file)) + ":" + strconv.Itoa(line)
}
