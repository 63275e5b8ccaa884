package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sagakit/sagakit/pkg/monitor"
	"github.com/sagakit/sagakit/pkg/timeout"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("expected default listen :8080, got %s", cfg.Listen)
	}
	if cfg.ScanInterval != timeout.DefaultScanInterval {
		t.Fatalf("unexpected scan interval %v", cfg.ScanInterval)
	}
	if cfg.StuckThreshold != monitor.DefaultStuckThreshold {
		t.Fatalf("unexpected stuck threshold %v", cfg.StuckThreshold)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("redis must be disabled by default, got %q", cfg.RedisAddr)
	}
}

func TestParseFlagsOverrides(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-listen", "127.0.0.1:9090",
		"-scan-interval", "250ms",
		"-demo",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9090" {
		t.Fatalf("unexpected listen %s", cfg.Listen)
	}
	if cfg.ScanInterval != 250*time.Millisecond {
		t.Fatalf("unexpected scan interval %v", cfg.ScanInterval)
	}
	if !cfg.Demo {
		t.Fatal("expected demo enabled")
	}
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseFlags([]string{"-no-such-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var out, errOut bytes.Buffer

	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"-listen", "127.0.0.1:0", "-demo"}, &out, &errOut)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected clean exit, got %d (stderr: %s)", code, errOut.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not shut down after cancel")
	}
}
