package log

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestToFieldsPairs(t *testing.T) {
	err := errors.New("boom")
	fields := toFields("key", "v", "n", 3, "d", time.Second, err, "dangling")
	if len(fields) != 5 {
		t.Fatalf("expected 5 fields, got %d", len(fields))
	}
	if fields[0].Key != "key" || fields[0].String != "v" {
		t.Fatalf("unexpected first field %+v", fields[0])
	}
	if fields[3].Key != "error" {
		t.Fatalf("expected bare error to become error field, got %q", fields[3].Key)
	}
	if fields[4].Key != "arg#7" {
		t.Fatalf("expected dangling value under arg#7, got %q", fields[4].Key)
	}
}

func TestWithValuesCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).WithName("syncq").WithValues("inspection_id", int64(7))
	l.Info("drained", "applied", 2)
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["inspection_id"] != int64(7) || ctx["applied"] != int64(2) {
		t.Fatalf("unexpected context %v", ctx)
	}
	if entries[0].LoggerName != "syncq" {
		t.Fatalf("unexpected logger name %q", entries[0].LoggerName)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	opts := NewOptions()
	opts.Level = "loud"
	if _, err := NewLogger(opts); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if errs := opts.Validate(); len(errs) != 1 {
		t.Fatalf("expected one validation error, got %v", errs)
	}
}
