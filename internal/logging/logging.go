// Package logging wraps logrus with a structured, fields-based call
// shape: logger.Info(msg, logger.Ctx{...}). A single mutex-guarded
// instance is shared process-wide; the dispatcher's own event loop
// never logs concurrently from more than one goroutine in steady
// state, but the debug API serves its own goroutine independently.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx is a structured logging context, passed as the last argument to
// each level method.
type Ctx map[string]interface{}

// Logger is the interface the rest of the module logs through.
type Logger interface {
	Debug(msg string, ctx Ctx)
	Info(msg string, ctx Ctx)
	Warn(msg string, ctx Ctx)
	Error(msg string, ctx Ctx)
}

type safeLogger struct {
	entry *logrus.Logger
	mu    sync.Mutex
}

// New creates a Logger writing to stderr at the given level ("debug",
// "info", "warn", "error").
func New(level string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	l.SetLevel(lvl)

	return &safeLogger{entry: l}
}

func (s *safeLogger) log(level logrus.Level, msg string, ctx Ctx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entry.WithFields(logrus.Fields(ctx)).Log(level, msg)
}

func (s *safeLogger) Debug(msg string, ctx Ctx) { s.log(logrus.DebugLevel, msg, ctx) }
func (s *safeLogger) Info(msg string, ctx Ctx)  { s.log(logrus.InfoLevel, msg, ctx) }
func (s *safeLogger) Warn(msg string, ctx Ctx)  { s.log(logrus.WarnLevel, msg, ctx) }
func (s *safeLogger) Error(msg string, ctx Ctx) { s.log(logrus.ErrorLevel, msg, ctx) }

// Log is the process-wide logger instance, set once at startup by
// cmd/tsid and read by every other package.
var Log Logger = New("info")
