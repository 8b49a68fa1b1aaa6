package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if L() == nil {
		t.Fatal("L() returned nil after Init")
	}
	if S() == nil {
		t.Fatal("S() returned nil after Init")
	}
}

func TestSetLevel(t *testing.T) {
	_ = Init("info", "json")

	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel(debug) error = %v", err)
	}
	if got := GetLevel(); got != zapcore.DebugLevel {
		t.Errorf("GetLevel() = %v, want debug", got)
	}

	if err := SetLevel("warn"); err != nil {
		t.Fatalf("SetLevel(warn) error = %v", err)
	}
	if got := GetLevel(); got != zapcore.WarnLevel {
		t.Errorf("GetLevel() = %v, want warn", got)
	}
}

func TestSetLevel_Invalid(t *testing.T) {
	_ = Init("info", "json")

	if err := SetLevel("not-a-level"); err == nil {
		t.Error("SetLevel should reject an unknown level")
	}
}
