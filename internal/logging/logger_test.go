package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*ZapLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewZapLoggerFrom(zap.New(core)), logs
}

func TestZapLoggerLevels(t *testing.T) {
	l, logs := newObservedLogger()

	l.Errorf("err %d", 1)
	l.Warnf("warn %d", 2)
	l.Infof("info %d", 3)
	l.Debugf("debug %d", 4)

	all := logs.All()
	if len(all) != 4 {
		t.Fatalf("got %d entries, want 4", len(all))
	}
	wantLevels := []zapcore.Level{zapcore.ErrorLevel, zapcore.WarnLevel, zapcore.InfoLevel, zapcore.DebugLevel}
	for i, want := range wantLevels {
		if all[i].Level != want {
			t.Errorf("entry %d: level = %v, want %v", i, all[i].Level, want)
		}
	}
}

func TestZapLoggerFatalfCallsHandlerWithoutExiting(t *testing.T) {
	l, logs := newObservedLogger()

	var gotMsg string
	called := false
	l.SetFatalHandler(func(msg string) {
		called = true
		gotMsg = msg
	})

	l.Fatalf("segment %d corrupt", 7)

	if !called {
		t.Fatal("expected FatalHandler to be invoked")
	}
	if gotMsg != "segment 7 corrupt" {
		t.Fatalf("handler got %q", gotMsg)
	}

	all := logs.All()
	if len(all) != 1 || all[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected a single error-level record, got %+v", all)
	}
	if !strings.Contains(all[0].Message, "FATAL") {
		t.Fatalf("expected FATAL prefix in log message, got %q", all[0].Message)
	}
}

func TestZapLoggerNamedPropagatesFatalHandler(t *testing.T) {
	l, _ := newObservedLogger()

	called := false
	l.SetFatalHandler(func(string) { called = true })

	child := l.Named("compaction")
	child.Fatalf("boom")

	if !called {
		t.Fatal("expected the named child logger to inherit the parent's FatalHandler")
	}
}

func TestDiscardLoggerIsNoop(t *testing.T) {
	Discard.Errorf("should not panic %d", 1)
	Discard.Named("x").Fatalf("also fine")
}

func TestIsNilAndOrDefault(t *testing.T) {
	var nilLogger *ZapLogger
	if !IsNil(nilLogger) {
		t.Fatal("expected a typed-nil *ZapLogger to be detected as nil")
	}
	if OrDefault(nilLogger) != Discard {
		t.Fatal("expected OrDefault to fall back to Discard for a nil logger")
	}

	l, _ := newObservedLogger()
	if IsNil(l) {
		t.Fatal("expected a real logger to not be nil")
	}
	if OrDefault(l) != Logger(l) {
		t.Fatal("expected OrDefault to return the logger unchanged when non-nil")
	}
}
