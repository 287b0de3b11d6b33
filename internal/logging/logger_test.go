package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
	}{
		{input: "", expected: zapcore.InfoLevel},
		{input: "DEBUG", expected: zapcore.DebugLevel},
		{input: " warning ", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
	}
	for _, testCase := range testCases {
		level, err := ParseLevel(testCase.input)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", testCase.input, err)
		}
		if level != testCase.expected {
			t.Fatalf("level for %q: expected %s, got %s", testCase.input, testCase.expected, level)
		}
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("verbose", "crsync"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	logger, err := NewLogger("debug", "crsync")
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be enabled")
	}
}
