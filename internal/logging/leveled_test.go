package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLeveledRoutesToZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	previous := defaultLogger
	SetLogger(zap.New(core))
	defer SetLogger(previous)

	l := Leveled()
	l.Debug("performing request", "method", "GET")
	l.Warn("retrying request", "attempt", 2)
	l.Error("request failed", "url", "https://compute.googleapis.com")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("expected warn level, got %s", entries[1].Level)
	}
	if got := entries[2].ContextMap()["url"]; got != "https://compute.googleapis.com" {
		t.Errorf("expected url field, got %v", got)
	}
	if entries[0].LoggerName != "http" {
		t.Errorf("expected logger name http, got %q", entries[0].LoggerName)
	}
}
