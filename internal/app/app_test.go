package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := Run(ctx, cfg)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestRun_InvalidSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = false
	cfg.Billing.Schedule = "every full moon"

	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestRun_ListenError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = false
	cfg.HTTPAddr = "127.0.0.1:-1"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Run(ctx, cfg); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected listen error, got %v", err)
	}
}
