package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGetInitializesDefault(t *testing.T) {
	if Get() == nil {
		t.Fatal("expected a logger")
	}
	SetLevel("error")
	if level.Level() != zapcore.ErrorLevel {
		t.Errorf("expected error level after SetLevel, got %v", level.Level())
	}
	SetLevel("info")
}
