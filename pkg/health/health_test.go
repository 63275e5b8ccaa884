package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sagakit/sagakit/pkg/store"
)

func TestLiveAlwaysUp(t *testing.T) {
	h := New()
	if got := h.Live().Status; got != StatusUp {
		t.Fatalf("expected up, got %s", got)
	}
}

func TestReadyGatedByFlag(t *testing.T) {
	h := New()
	if got := h.Ready(context.Background()).Status; got != StatusDown {
		t.Fatalf("expected down before SetReady, got %s", got)
	}
	h.SetReady(true)
	if got := h.Ready(context.Background()).Status; got != StatusUp {
		t.Fatalf("expected up after SetReady, got %s", got)
	}
}

func TestStoreChecker(t *testing.T) {
	c := NewStoreChecker("memory", store.NewMemoryStore())
	res := c.Check(context.Background())
	if res.Status != StatusUp {
		t.Fatalf("expected up, got %s (%s)", res.Status, res.Message)
	}

	nilChecker := NewStoreChecker("", nil)
	if res := nilChecker.Check(context.Background()); res.Status != StatusDown {
		t.Fatalf("expected down for nil store, got %s", res.Status)
	}
}

func TestReadyHandlerReportsDependencies(t *testing.T) {
	h := New()
	h.Register(NewStoreChecker("memory", store.NewMemoryStore()))
	h.SetReady(true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)
	h.ReadyHandler()(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if _, ok := resp.Dependencies["memory"]; !ok {
		t.Fatalf("expected memory dependency, got %v", resp.Dependencies)
	}
}

func TestLoopCheckerDegradedWithoutTicks(t *testing.T) {
	m := &LoopMonitor{}
	c := &LoopChecker{LoopName: "scan", Monitor: m, MaxAge: time.Second}

	if res := c.Check(context.Background()); res.Status != StatusDegraded {
		t.Fatalf("expected degraded before first tick, got %s", res.Status)
	}
	m.Tick()
	if res := c.Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected up after tick, got %s", res.Status)
	}
}

func TestLoopMonitorTracksErrors(t *testing.T) {
	m := &LoopMonitor{}
	m.SetError(nil)
	if m.LastError() != "" {
		t.Fatal("nil error must not be recorded")
	}
	m.SetError(errors.New("scan failed"))
	if m.LastError() != "scan failed" {
		t.Fatalf("expected recorded error, got %q", m.LastError())
	}
}
