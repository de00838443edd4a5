// Package evlog is the package-level logger used by neptune. It discards
// everything until SetLogger installs a logrus-backed Logger.
package evlog

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// LevelEnv names the environment variable NewLogger reads its level from.
const LevelEnv = "NEPTUNE_LOG_LEVEL"

type Fields map[string]interface{}

type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	WithFields(fields Fields) Logger
}

type holder struct{ Logger }

var current atomic.Pointer[holder]

func init() {
	SetLogger(NewNoneLogger())
}

func SetLogger(l Logger) {
	current.Store(&holder{l})
}

func GetLogger() Logger {
	return current.Load().Logger
}

func WithFields(fields Fields) Logger           { return GetLogger().WithFields(fields) }
func Debug(args ...interface{})                 { GetLogger().Debug(args...) }
func Debugf(format string, args ...interface{}) { GetLogger().Debugf(format, args...) }
func Info(args ...interface{})                  { GetLogger().Info(args...) }
func Infof(format string, args ...interface{})  { GetLogger().Infof(format, args...) }
func Warning(args ...interface{})               { GetLogger().Warning(args...) }

func Warningf(format string, args ...interface{}) { GetLogger().Warningf(format, args...) }
func Error(args ...interface{})                   { GetLogger().Error(args...) }
func Errorf(format string, args ...interface{})   { GetLogger().Errorf(format, args...) }
func Fatal(args ...interface{})                   { GetLogger().Fatal(args...) }
func Fatalf(format string, args ...interface{})   { GetLogger().Fatalf(format, args...) }

func NewDebugLogger() Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return NewLogrusLogger(l)
}

// NewLogger logs at info level unless LevelEnv names another logrus level.
func NewLogger() Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(os.Getenv(LevelEnv)); err == nil {
		l.SetLevel(lvl)
	}
	return NewLogrusLogger(l)
}

// NewLogrusLogger wraps an existing logrus logger or entry.
func NewLogrusLogger(l logrus.FieldLogger) Logger {
	return &stdLogger{l}
}

type stdLogger struct {
	logrus.FieldLogger
}

func (l *stdLogger) WithFields(fields Fields) Logger {
	return &stdLogger{l.FieldLogger.WithFields(logrus.Fields(fields))}
}

// NewNoneLogger returns a Logger that drops every entry, Fatal included.
func NewNoneLogger() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	l.ExitFunc = func(int) {}
	return &noneLogger{stdLogger{l}}
}

type noneLogger struct {
	stdLogger
}

func (l *noneLogger) WithFields(fields Fields) Logger { return l }
