package gmdb

import (
	"fmt"
	"io"
	"log"
	"sync/atomic"
)

// LogLvl is a logging threshold.
type LogLvl int32

const (
	LogLvlError LogLvl = 1
	LogLvlWarn  LogLvl = 2
	LogLvlInfo  LogLvl = 3
	LogLvlDebug LogLvl = 4
)

func (l LogLvl) String() string {
	switch l {
	case LogLvlError:
		return "ERROR"
	case LogLvlWarn:
		return "WARN"
	case LogLvlInfo:
		return "INFO"
	case LogLvlDebug:
		return "DEBUG"
	}
	return fmt.Sprintf("LVL(%d)", int32(l))
}

// Logger receives environment events. Implementations must be safe for
// concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
}

type discardLogger struct{}

func (discardLogger) Errorf(string, ...any) {}
func (discardLogger) Warnf(string, ...any) {}
func (discardLogger) Infof(string, ...any) {}
func (discardLogger) Debugf(string, ...any) {}

// DiscardLogger drops every message. It is the default.
var DiscardLogger Logger = discardLogger{}

// LoggerFunc adapts a plain function to Logger.
type LoggerFunc func(lvl LogLvl, msg string)

func (f LoggerFunc) Errorf(format string, args ...any) { f(LogLvlError, fmt.Sprintf(format, args...)) }
func (f LoggerFunc) Warnf(format string, args ...any)  { f(LogLvlWarn, fmt.Sprintf(format, args...)) }
func (f LoggerFunc) Infof(format string, args ...any)  { f(LogLvlInfo, fmt.Sprintf(format, args...)) }
func (f LoggerFunc) Debugf(format string, args ...any) { f(LogLvlDebug, fmt.Sprintf(format, args...)) }

// StdLogger writes "LEVEL message" lines through a *log.Logger.
type StdLogger struct {
	l   *log.Logger
	lvl atomic.Int32
}

// NewStdLogger logs messages at or below lvl to w.
func NewStdLogger(w io.Writer, lvl LogLvl) *StdLogger {
	s := &StdLogger{l: log.New(w, "gmdb ", log.LstdFlags)}
	s.lvl.Store(int32(lvl))
	return s
}

// SetLevel changes the threshold.
func (s *StdLogger) SetLevel(lvl LogLvl) { s.lvl.Store(int32(lvl)) }

func (s *StdLogger) logf(lvl LogLvl, format string, args ...any) {
	if int32(lvl) > s.lvl.Load() {
		return
	}
	s.l.Printf("%s %s", lvl, fmt.Sprintf(format, args...))
}

func (s *StdLogger) Errorf(format string, args ...any) { s.logf(LogLvlError, format, args...) }
func (s *StdLogger) Warnf(format string, args ...any)  { s.logf(LogLvlWarn, format, args...) }
func (s *StdLogger) Infof(format string, args ...any)  { s.logf(LogLvlInfo, format, args...) }
func (s *StdLogger) Debugf(format string, args ...any) { s.logf(LogLvlDebug, format, args...) }
