package core

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestHealthLoggerSnapshotWithNilComponents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health.log")
	h, err := NewHealthLogger(nil, nil, nil, nil, path)
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer h.Close()

	m := h.MetricsSnapshot()
	if m.LedgerIndex != 0 || m.TangleSize != 0 || m.PeerCount != 0 {
		t.Fatalf("expected zero-value metrics with nil components, got %+v", m)
	}
	if m.NumGoroutines <= 0 {
		t.Errorf("expected at least 1 goroutine reported, got %d", m.NumGoroutines)
	}
}

func TestHealthLoggerSnapshotWithLiveLedgerAndTangle(t *testing.T) {
	store := newTestStore(t)
	tangle := NewTangle(4, 0, store, nil)
	ledger := NewLedger(store)
	tangle.Insert(BlockID{0x01}, &Block{})

	path := filepath.Join(t.TempDir(), "health.log")
	h, err := NewHealthLogger(ledger, tangle, nil, nil, path)
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer h.Close()

	m := h.MetricsSnapshot()
	if m.TangleSize != 1 {
		t.Errorf("tangle size = %d, want 1", m.TangleSize)
	}
	if m.LedgerIndex != 0 {
		t.Errorf("ledger index = %d, want 0 on a fresh store", m.LedgerIndex)
	}
}

func TestHealthLoggerRecordMetricsAndLogEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health.log")
	h, err := NewHealthLogger(nil, nil, nil, nil, path)
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer h.Close()

	h.RecordMetrics()
	h.LogEvent(logrus.ErrorLevel, "synthetic error for counter increment")
}

func TestHealthLoggerRotate(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	h, err := NewHealthLogger(nil, nil, nil, nil, first)
	if err != nil {
		t.Fatalf("NewHealthLogger: %v", err)
	}
	defer h.Close()

	if err := h.Rotate(second); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	h.LogEvent(logrus.InfoLevel, "after rotation")
}
