// Package logging provides the logging interface the tree facade and its
// subsystems log through.
//
// Design: a five-level interface (Error, Warn, Info, Debug, Fatal) backed
// by zap's SugaredLogger, with Named for component-scoped child loggers.
//
// Fatalf behavior: logs at error level with a "FATAL: " prefix and calls
// the FatalHandler set with SetFatalHandler, if any. It does not call
// os.Exit.
package logging

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrFatal is a sentinel error for fatal conditions; Fatalf neither
// returns nor wraps it.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked. It must be safe for
// concurrent use and must not itself call Fatalf.
type FatalHandler func(msg string)

// Logger is the logging interface every component takes instead of a
// concrete implementation.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
	Fatalf(format string, args ...any)

	// Named returns a component-scoped Logger, e.g. Named("compaction").
	Named(name string) Logger
}

// ZapLogger wraps a *zap.SugaredLogger to satisfy Logger.
type ZapLogger struct {
	s            *zap.SugaredLogger
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewZapLogger builds the default production Logger.
func NewZapLogger() *ZapLogger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return &ZapLogger{s: z.Sugar()}
}

// NewZapLoggerFrom wraps an existing *zap.Logger, e.g. one the caller has
// already configured with custom sinks or encoders.
func NewZapLoggerFrom(z *zap.Logger) *ZapLogger {
	return &ZapLogger{s: z.Sugar()}
}

// SetFatalHandler sets the handler invoked by Fatalf.
func (l *ZapLogger) SetFatalHandler(h FatalHandler) { l.fatalHandler.Store(&h) }

func (l *ZapLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
func (l *ZapLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *ZapLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *ZapLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }

// Fatalf logs at error level with a "FATAL: " prefix and invokes the
// FatalHandler, if any. It does not exit the process.
func (l *ZapLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.s.Error("FATAL: " + msg)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Named returns a component-scoped logger using zap's native Named, e.g.
// logger.Named("compaction").
func (l *ZapLogger) Named(name string) Logger {
	child := &ZapLogger{s: l.s.Named(name)}
	if h := l.fatalHandler.Load(); h != nil {
		child.fatalHandler.Store(h)
	}
	return child
}

// discardLogger implements Logger as a no-op, used by tests that don't
// want log noise.
type discardLogger struct{}

// Discard is a Logger that drops every message.
var Discard Logger = discardLogger{}

func (discardLogger) Errorf(string, ...any) {}
func (discardLogger) Warnf(string, ...any)  {}
func (discardLogger) Infof(string, ...any)  {}
func (discardLogger) Debugf(string, ...any) {}
func (discardLogger) Fatalf(string, ...any) {}
func (discardLogger) Named(string) Logger   { return discardLogger{} }

// IsNil returns true if l is nil or a typed-nil, which would otherwise
// panic when methods are called on it.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l if valid, otherwise Discard.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return Discard
	}
	return l
}
