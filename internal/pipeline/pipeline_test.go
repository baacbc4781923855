package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"conversion-pipeline/internal/config"
	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/storage"
)

// flakyGateway fails the first ShouldFail calls per delivery, then succeeds.
type flakyGateway struct {
	mu         sync.Mutex
	ShouldFail int
	AlwaysFail bool
	attempts   map[string]int
	Calls      int
	gate       chan struct{}
}

func (g *flakyGateway) Forward(_ context.Context, d conversion.Delivery) error {
	if g.gate != nil {
		<-g.gate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attempts == nil {
		g.attempts = map[string]int{}
	}
	g.Calls++
	g.attempts[d.Fingerprint]++
	if g.AlwaysFail || g.attempts[d.Fingerprint] <= g.ShouldFail {
		return fmt.Errorf("simulated outage: %w", conversion.ErrGatewayUnreachable)
	}
	return nil
}

func (g *flakyGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Calls
}

func (g *flakyGateway) setAlwaysFail(v bool) {
	g.mu.Lock()
	g.AlwaysFail = v
	g.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerCount:      2,
		QueueSize:        16,
		MaxAttempts:      3,
		RetryBaseBackoff: 5 * time.Millisecond,
		RetryMaxBackoff:  20 * time.Millisecond,
		CAPITimeout:      time.Second,
	}
}

func claimDelivery(t *testing.T, s storage.Store, fp string, maxAttempts int) {
	t.Helper()
	now := time.Now().UTC()
	_, err := s.Claim(context.Background(), storage.Claim{
		Delivery: conversion.Delivery{
			Fingerprint: fp,
			ExternalID:  "order-" + fp,
			Status:      conversion.DeliveryPending,
			MaxAttempts: maxAttempts,
			Payload:     []byte(`{}`),
			CreatedAt:   now,
		},
		Lead: conversion.LeadRecord{Email: fp + "@example.com", Status: conversion.LeadStatusLead, CreatedAt: now, UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func waitForStatus(t *testing.T, s storage.Store, fp string, want conversion.DeliveryStatus) conversion.Delivery {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		d, err := s.Delivery(context.Background(), fp)
		if err == nil && d.Status == want {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: got %+v (err=%v)", want, d, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestForwarderRetriesUntilDelivered(t *testing.T) {
	store := storage.NewMemory()
	gw := &flakyGateway{ShouldFail: 2}
	metrics := NewMetrics()
	f := NewForwarder(store, gw, metrics, testConfig())
	defer f.Shutdown()

	claimDelivery(t, store, "fp-1", 3)
	if !f.Enqueue("fp-1") {
		t.Fatal("expected enqueue to succeed")
	}

	d := waitForStatus(t, store, "fp-1", conversion.DeliveryDelivered)
	f.Shutdown()
	if d.Attempts != 3 {
		t.Errorf("expected delivery on attempt 3, got %d", d.Attempts)
	}
	if gw.calls() != 3 {
		t.Errorf("expected 3 gateway calls, got %d", gw.calls())
	}
	if metrics.GetFailedTries() != 2 || metrics.GetForwarded() != 1 {
		t.Errorf("expected failed=2 forwarded=1, got failed=%d forwarded=%d",
			metrics.GetFailedTries(), metrics.GetForwarded())
	}
}

func TestForwarderDeadLettersThenRedelivers(t *testing.T) {
	store := storage.NewMemory()
	gw := &flakyGateway{AlwaysFail: true}
	metrics := NewMetrics()
	f := NewForwarder(store, gw, metrics, testConfig())
	defer f.Shutdown()

	claimDelivery(t, store, "fp-dead", 3)
	f.Enqueue("fp-dead")

	d := waitForStatus(t, store, "fp-dead", conversion.DeliveryDeadLettered)
	waitForMetric(t, metrics.GetDeadLettered, 1)
	if d.Attempts != 3 || gw.calls() != 3 {
		t.Errorf("expected 3 attempts and calls, got attempts=%d calls=%d", d.Attempts, gw.calls())
	}
	if d.LastError == "" {
		t.Error("expected last error to be recorded")
	}
	if metrics.GetDeadLettered() != 1 {
		t.Errorf("expected dead-lettered=1, got %d", metrics.GetDeadLettered())
	}

	gw.setAlwaysFail(false)
	gw.mu.Lock()
	gw.ShouldFail = 0
	gw.mu.Unlock()

	if _, err := f.Redeliver(context.Background(), "fp-dead"); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	d = waitForStatus(t, store, "fp-dead", conversion.DeliveryDelivered)
	if d.Attempts != 1 {
		t.Errorf("expected fresh attempt budget, got attempts=%d", d.Attempts)
	}
	if _, err := f.Redeliver(context.Background(), "fp-dead"); !errors.Is(err, storage.ErrNotDeadLettered) {
		t.Errorf("expected ErrNotDeadLettered, got %v", err)
	}
}

func TestEnqueueSkipsInflightDelivery(t *testing.T) {
	store := storage.NewMemory()
	gw := &flakyGateway{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.WorkerCount = 1
	f := NewForwarder(store, gw, NewMetrics(), cfg)
	defer f.Shutdown()

	claimDelivery(t, store, "fp-busy", 3)
	if !f.Enqueue("fp-busy") {
		t.Fatal("expected first enqueue to succeed")
	}
	if f.Enqueue("fp-busy") {
		t.Error("expected second enqueue of an owned delivery to be refused")
	}
	close(gw.gate)

	waitForStatus(t, store, "fp-busy", conversion.DeliveryDelivered)
	if gw.calls() != 1 {
		t.Errorf("expected 1 gateway call, got %d", gw.calls())
	}
}

func TestSweepPicksUpStrandedDeliveries(t *testing.T) {
	store := storage.NewMemory()
	claimDelivery(t, store, "fp-a", 3)
	claimDelivery(t, store, "fp-b", 3)

	gw := &flakyGateway{}
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	f := NewForwarder(store, gw, NewMetrics(), cfg)
	defer f.Shutdown()

	waitForStatus(t, store, "fp-a", conversion.DeliveryDelivered)
	waitForStatus(t, store, "fp-b", conversion.DeliveryDelivered)
	if gw.calls() != 2 {
		t.Errorf("expected 2 gateway calls, got %d", gw.calls())
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	store := storage.NewMemory()
	gw := &flakyGateway{}
	f := NewForwarder(store, gw, NewMetrics(), testConfig())

	for i := 0; i < 5; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		claimDelivery(t, store, fp, 3)
		f.Enqueue(fp)
	}
	f.Shutdown()

	if gw.calls() != 5 {
		t.Errorf("expected all 5 queued deliveries forwarded, got %d", gw.calls())
	}
	if f.Enqueue("fp-late") {
		t.Error("expected enqueue after shutdown to be refused")
	}
}

func TestBackoff(t *testing.T) {
	base, limit := 100*time.Millisecond, time.Second
	cases := map[int]time.Duration{
		0: 100 * time.Millisecond,
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 800 * time.Millisecond,
		5: time.Second,
		9: time.Second,
	}
	for attempt, want := range cases {
		if got := Backoff(base, limit, attempt); got != want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", attempt, got, want)
		}
	}
}

func waitForMetric(t *testing.T, get func() uint64, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for get() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for metric %d, got %d", want, get())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
