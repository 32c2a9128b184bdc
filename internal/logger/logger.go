package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/h2mux/internal/config"
)

// LogFields carries structured context for a single log entry.
type LogFields map[string]interface{}

// AccessEntry describes one completed response for the access log.
type AccessEntry struct {
	RemoteAddr    string
	Method        string
	URI           string
	UserAgent     string
	Referer       string
	StreamID      uint32
	Status        int
	ResponseBytes int64
	Duration      time.Duration
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger // nil when access logging is disabled

	mu      sync.Mutex
	outputs []io.Closer // opened log files, shared by With-derived loggers
	parent  *Logger
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}
	l := &Logger{}

	errTarget, errFormat := "stderr", "json"
	if cfg.ErrorLog != nil {
		if cfg.ErrorLog.Target != nil {
			errTarget = *cfg.ErrorLog.Target
		}
		if cfg.ErrorLog.Format != "" {
			errFormat = cfg.ErrorLog.Format
		}
	}
	errOut, err := l.openTarget(errTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log %s: %w", errTarget, err)
	}
	l.errorLog = newZerolog(errOut, errFormat).Level(zerologLevel(cfg.LogLevel))

	if a := cfg.AccessLog; a != nil && (a.Enabled == nil || *a.Enabled) {
		target := "stdout"
		if a.Target != nil {
			target = *a.Target
		}
		accessOut, err := l.openTarget(target)
		if err != nil {
			_ = l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log %s: %w", target, err)
		}
		al := newZerolog(accessOut, a.Format)
		l.accessLog = &al
	}
	return l, nil
}

// New returns a JSON logger writing diagnostics to w at the given level.
// Access logging is disabled.
func New(w io.Writer, level config.LogLevel) *Logger {
	return &Logger{errorLog: newZerolog(w, "json").Level(zerologLevel(level))}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

// With returns a logger that adds fields to every diagnostic entry.
func (l *Logger) With(fields LogFields) *Logger {
	child := &Logger{
		errorLog:  l.errorLog.With().Fields(map[string]interface{}(fields)).Logger(),
		accessLog: l.accessLog,
		parent:    l.root(),
	}
	return child
}

func (l *Logger) root() *Logger {
	if l.parent != nil {
		return l.parent
	}
	return l
}

func (l *Logger) openTarget(target string) (io.Writer, error) {
	switch target {
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.outputs = append(l.outputs, f)
	l.mu.Unlock()
	return f, nil
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func emit(e *zerolog.Event, msg string, fields []LogFields) {
	if e == nil {
		return
	}
	for _, f := range fields {
		e = e.Fields(map[string]interface{}(f))
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) { emit(l.errorLog.Debug(), msg, fields) }

func (l *Logger) Info(msg string, fields ...LogFields) { emit(l.errorLog.Info(), msg, fields) }

func (l *Logger) Warn(msg string, fields ...LogFields) { emit(l.errorLog.Warn(), msg, fields) }

func (l *Logger) Error(msg string, fields ...LogFields) { emit(l.errorLog.Error(), msg, fields) }

// Access writes one access log entry. It is a no-op when access logging is
// disabled.
func (l *Logger) Access(a AccessEntry) {
	if l.accessLog == nil {
		return
	}
	e := l.accessLog.Log().
		Str("remote_addr", a.RemoteAddr).
		Str("protocol", "HTTP/2.0").
		Str("method", a.Method).
		Str("uri", a.URI).
		Int("status", a.Status).
		Int64("resp_bytes", a.ResponseBytes).
		Int64("duration_ms", a.Duration.Milliseconds()).
		Uint32("h2_stream_id", a.StreamID)
	if a.UserAgent != "" {
		e = e.Str("user_agent", a.UserAgent)
	}
	if a.Referer != "" {
		e = e.Str("referer", a.Referer)
	}
	e.Send()
}

// CloseLogFiles closes any open log files.
// This would be called during server shutdown.
func (l *Logger) CloseLogFiles() error {
	r := l.root()
	r.mu.Lock()
	outs := r.outputs
	r.outputs = nil
	r.mu.Unlock()

	var first error
	for _, c := range outs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
