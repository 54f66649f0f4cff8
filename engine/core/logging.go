package core

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

// Logger is the engine logger. Components that report recoverable
// conditions (binding warnings, rejected submissions) take one explicitly
// so a test can capture what they print.
type Logger struct {
	*log.Logger
}

var singleton *Logger

// NewLogger creates a logger writing to w at the given level.
func NewLogger(w io.Writer, level log.Level) *Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "RHI 🏎️ ",
	})
	l.SetLevel(level)
	return &Logger{l}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{l.Logger.With(keyvals...)}
}

// DefaultLogger returns the process logger used by the LogX helpers.
func DefaultLogger() *Logger {
	once.Do(func() {
		l := NewLogger(os.Stderr, log.DebugLevel)
		l.SetReportCaller(true)
		singleton = l
	})
	return singleton
}

// SetLogLevel parses level ("debug", "info", "warn", "error") and applies it
// to the default logger.
func SetLogLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	DefaultLogger().SetLevel(lvl)
	return nil
}

// OrDefault returns l, or the default logger when l is nil.
func (l *Logger) OrDefault() *Logger {
	if l == nil {
		return DefaultLogger()
	}
	return l
}

func LogDebug(msg string, args ...interface{}) {
	DefaultLogger().Debugf(msg, args...)
}

func LogInfo(msg string, args ...interface{}) {
	DefaultLogger().Infof(msg, args...)
}

func LogWarn(msg string, args ...interface{}) {
	DefaultLogger().Warnf(msg, args...)
}

func LogError(msg string, args ...interface{}) {
	DefaultLogger().Errorf(msg, args...)
}

func LogFatal(msg string, args ...interface{}) {
	DefaultLogger().Fatalf(msg, args...)
}
