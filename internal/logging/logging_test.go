package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(level zapcore.Level) (*ZapLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &ZapLogger{z: zap.New(core)}, logs
}

func TestZapLogger_FieldsAndLevels(t *testing.T) {
	t.Parallel()
	l, logs := newObserved(zapcore.InfoLevel)

	l.Debug("hidden")
	l.Info("analysis stored", Field{Key: "id", Value: "abc"}, Field{Key: "confidence", Value: 71.5})
	l.Warn("cache store failed", Field{Key: "error", Value: errors.New("redis down")})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries above debug, got %d", len(entries))
	}

	ctx := entries[0].ContextMap()
	if ctx["id"] != "abc" || ctx["confidence"] != 71.5 {
		t.Errorf("unexpected info fields: %v", ctx)
	}
	if got := entries[1].ContextMap()["error"]; got != "redis down" {
		t.Errorf("error field = %v, want redis down", got)
	}
}

func TestZapLogger_WithAddsPersistentFields(t *testing.T) {
	t.Parallel()
	l, logs := newObserved(zapcore.DebugLevel)

	child := l.With(Field{Key: "component", Value: "pipeline"})
	child.Error("analyzer failed")
	l.Info("parent")

	entries := logs.All()
	if entries[0].ContextMap()["component"] != "pipeline" {
		t.Errorf("child entry missing component: %v", entries[0].ContextMap())
	}
	if _, ok := entries[1].ContextMap()["component"]; ok {
		t.Errorf("parent logger should not inherit child fields")
	}
}

func TestNewZapLogger(t *testing.T) {
	t.Parallel()
	l, err := NewZapLogger("test", true)
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	var _ Logger = l
	NewNopLogger().Info("discarded")
}
