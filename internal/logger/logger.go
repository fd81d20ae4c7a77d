package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"example.com/didcommh2/v2/internal/config"
)

// LogFields carries structured context for a log entry.
type LogFields map[string]interface{}

// AccessEntry describes one completed exchange for the access log.
type AccessEntry struct {
	ConnID        string
	StreamID      uint32
	RemoteAddr    string
	Method        string
	Path          string
	UserAgent     string
	Status        int
	ResponseBytes int64
	Duration      time.Duration
}

// Logger wraps an error log and an optional access log, both JSON lines.
type Logger struct {
	mu      sync.RWMutex
	errLog  zerolog.Logger
	access  *zerolog.Logger
	level   zerolog.Level
	outputs []io.Closer
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{level: toZerologLevel(cfg.LogLevel)}

	errorTarget, maxSize, maxBackups := "stderr", 0, 0
	if cfg.ErrorLog != nil {
		errorTarget, maxSize, maxBackups = cfg.ErrorLog.Target, cfg.ErrorLog.MaxSizeMB, cfg.ErrorLog.MaxBackups
	}
	errOut, err := l.openTarget(errorTarget, os.Stderr, maxSize, maxBackups)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log target %s: %w", errorTarget, err)
	}
	l.errLog = zerolog.New(errOut).Level(l.level).With().Timestamp().Logger()

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accessOut, err := l.openTarget(cfg.AccessLog.Target, os.Stdout, cfg.AccessLog.MaxSizeMB, cfg.AccessLog.MaxBackups)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log target %s: %w", cfg.AccessLog.Target, err)
		}
		al := zerolog.New(accessOut).With().Timestamp().Str("log", "access").Logger()
		l.access = &al
	}

	return l, nil
}

// New returns a Logger writing both error and access entries to w.
func New(w io.Writer, level config.LogLevel) *Logger {
	lvl := toZerologLevel(level)
	al := zerolog.New(w).With().Timestamp().Str("log", "access").Logger()
	return &Logger{
		errLog: zerolog.New(w).Level(lvl).With().Timestamp().Logger(),
		access: &al,
		level:  lvl,
	}
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{errLog: zerolog.Nop(), level: zerolog.Disabled}
}

func (l *Logger) openTarget(target string, std io.Writer, maxSizeMB, maxBackups int) (io.Writer, error) {
	switch target {
	case "":
		return std, nil
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	if !config.IsFilePath(target) {
		return nil, fmt.Errorf("invalid log target: %s", target)
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	f.Close()
	rot := &lumberjack.Logger{
		Filename:   target,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	l.outputs = append(l.outputs, rot)
	return rot, nil
}

func toZerologLevel(level config.LogLevel) zerolog.Level {
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

// With returns a child Logger that adds fields to every error-log entry.
func (l *Logger) With(fields LogFields) *Logger {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		errLog: l.errLog.With().Fields(map[string]interface{}(fields)).Logger(),
		access: l.access,
		level:  l.level,
	}
}

func (l *Logger) write(ev func(zerolog.Logger) *zerolog.Event, msg string, fields []LogFields) {
	if l == nil {
		return
	}
	l.mu.RLock()
	e := ev(l.errLog)
	l.mu.RUnlock()
	if e == nil {
		return
	}
	for _, f := range fields {
		if f != nil {
			e = e.Fields(map[string]interface{}(f))
		}
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.write(func(z zerolog.Logger) *zerolog.Event { return z.Debug() }, msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.write(func(z zerolog.Logger) *zerolog.Event { return z.Info() }, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.write(func(z zerolog.Logger) *zerolog.Event { return z.Warn() }, msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.write(func(z zerolog.Logger) *zerolog.Event { return z.Error() }, msg, fields)
}

// Access writes one access-log entry. It is a no-op when access logging is disabled.
func (l *Logger) Access(entry AccessEntry) {
	if l == nil {
		return
	}
	l.mu.RLock()
	al := l.access
	l.mu.RUnlock()
	if al == nil {
		return
	}
	e := al.Log().
		Str("conn_id", entry.ConnID).
		Uint32("h2_stream_id", entry.StreamID).
		Str("remote_addr", entry.RemoteAddr).
		Str("method", entry.Method).
		Str("uri", entry.Path).
		Int("status", entry.Status).
		Int64("resp_bytes", entry.ResponseBytes).
		Int64("duration_ms", entry.Duration.Milliseconds())
	if entry.UserAgent != "" {
		e = e.Str("user_agent", entry.UserAgent)
	}
	e.Send()
}

// CloseLogFiles closes any open log files.
func (l *Logger) CloseLogFiles() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, c := range l.outputs {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.outputs = nil
	return firstErr
}

// ReopenLogFiles rotates file-based targets, typically on SIGHUP.
func (l *Logger) ReopenLogFiles() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.outputs {
		if rot, ok := c.(*lumberjack.Logger); ok {
			if err := rot.Rotate(); err != nil {
				return fmt.Errorf("failed to reopen log file %s: %w", rot.Filename, err)
			}
		}
	}
	return nil
}
