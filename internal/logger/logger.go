// Package logger provides a small structured-logging facade used
// throughout the engine: the usual handful of leveled methods
// (Debugln/Debugf/Infof/Warningln/Errorln/Error) backed by
// github.com/rs/zerolog.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger is the facade every subsystem receives instead of talking to
// zerolog directly. Keeping it an interface (rather than *zerolog.Logger)
// keeps the backend swappable in tests.
type Logger interface {
	Debug(args ...interface{})
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	mu     sync.Mutex
	level  = zerolog.InfoLevel
	output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
)

// SetLevel changes the global verbosity. Safe to call concurrently.
func SetLevel(l zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects where every Logger created afterwards writes to.
// Used by tests to capture output or silence it entirely (io.Discard).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

type zlogger struct {
	z zerolog.Logger
}

// New returns a Logger tagged with name, e.g. "session" or "peer <- 1.2.3.4:6881".
func New(name string) Logger {
	mu.Lock()
	w, lvl := output, level
	mu.Unlock()
	z := zerolog.New(w).Level(lvl).With().Timestamp().Str("component", name).Logger()
	return &zlogger{z: z}
}

func (l *zlogger) Debug(args ...interface{})                 { l.z.Debug().Msg(sprint(args...)) }
func (l *zlogger) Debugln(args ...interface{})                { l.z.Debug().Msg(sprintln(args...)) }
func (l *zlogger) Debugf(format string, args ...interface{})  { l.z.Debug().Msgf(format, args...) }
func (l *zlogger) Info(args ...interface{})                  { l.z.Info().Msg(sprint(args...)) }
func (l *zlogger) Infoln(args ...interface{})                 { l.z.Info().Msg(sprintln(args...)) }
func (l *zlogger) Infof(format string, args ...interface{})   { l.z.Info().Msgf(format, args...) }
func (l *zlogger) Warning(args ...interface{})                { l.z.Warn().Msg(sprint(args...)) }
func (l *zlogger) Warningln(args ...interface{})              { l.z.Warn().Msg(sprintln(args...)) }
func (l *zlogger) Warningf(format string, args ...interface{}) { l.z.Warn().Msgf(format, args...) }
func (l *zlogger) Error(args ...interface{})                  { l.z.Error().Msg(sprint(args...)) }
func (l *zlogger) Errorln(args ...interface{})                { l.z.Error().Msg(sprintln(args...)) }
func (l *zlogger) Errorf(format string, args ...interface{})  { l.z.Error().Msgf(format, args...) }
