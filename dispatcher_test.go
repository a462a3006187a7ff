package pulsez

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestDispatcherFoldsByTenant(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	engine := newTestEngine(t, clock)
	engine.StartSession(ctx, "a")
	engine.StartSession(ctx, "b")

	ingest(t, engine, "a", pageViews(4))
	ingest(t, engine, "b", pageViews(2))
	ingest(t, engine, "a", pageViews(1))

	if n := engine.Dispatcher().Cycle(ctx); n != 7 {
		t.Fatalf("expected one batch of 7 events, got %d", n)
	}

	a, _ := engine.Registry().Get("a")
	b, _ := engine.Registry().Get("b")
	if a.Buffered != 5 || b.Buffered != 2 {
		t.Errorf("expected 5 and 2 buffered, got %d and %d", a.Buffered, b.Buffered)
	}
	if a.Metrics[MetricPageViewsPerMinute] != 5 {
		t.Errorf("expected 5 page views per minute for a, got %v", a.Metrics[MetricPageViewsPerMinute])
	}
	if stats := engine.Dispatcher().Stats(); stats.Total != 7 {
		t.Errorf("expected 7 processed, got %d", stats.Total)
	}
}

func TestDispatcherBoundsBatchSize(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BatchSize = 10
	engine := newTestEngineWithConfig(t, cfg, newFakeClock())
	engine.StartSession(ctx, "a")

	ingest(t, engine, "a", pageViews(25))

	for _, want := range []int{10, 10, 5} {
		if got := engine.Dispatcher().Cycle(ctx); got != want {
			t.Errorf("expected batch of %d, got %d", want, got)
		}
	}
}

func TestDispatcherPreservesTenantOrder(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newFakeClock())
	engine.StartSession(ctx, "a")

	raw := make([]RawEvent, 20)
	for i := range raw {
		raw[i] = RawEvent{Type: "click", SessionID: fmt.Sprintf("s%02d", i)}
	}
	ingest(t, engine, "a", raw)
	ingest(t, engine, "b", raw[:5])
	drain(ctx, engine)

	w, _ := engine.Registry().Window("a")
	for i, e := range w.Events() {
		if e.SessionID != fmt.Sprintf("s%02d", i) {
			t.Fatalf("expected drain order, event %d is %s", i, e.SessionID)
		}
	}
}

func TestDispatcherDropsEventsAfterStopSession(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newFakeClock())
	engine.StartSession(ctx, "site-1")

	ingest(t, engine, "site-1", pageViews(3))
	engine.StopSession("site-1")
	ingest(t, engine, "site-1", pageViews(3))
	drain(ctx, engine)

	if engine.Registry().Contains("site-1") {
		t.Error("expected no window to be recreated for late events")
	}
	if engine.Registry().Len() != 0 {
		t.Errorf("expected an empty registry, got %d", engine.Registry().Len())
	}
}

func TestDispatcherIsolatesFailingTenant(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, newFakeClock())
	engine.StartSession(ctx, "broken")
	engine.StartSession(ctx, "healthy")

	// A window without history makes every fold for it panic.
	broken, _ := engine.Registry().Window("broken")
	broken.history = nil

	ingest(t, engine, "broken", pageViews(3))
	ingest(t, engine, "healthy", pageViews(3))
	drain(ctx, engine)

	healthy, _ := engine.Registry().Get("healthy")
	if healthy.Metrics[MetricPageViewsPerMinute] != 3 {
		t.Errorf("expected healthy tenant to be unaffected, got %v", healthy.Metrics)
	}
}

func TestDispatcherRefreshAndIdleSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Minute
	engine := newTestEngineWithConfig(t, cfg, clock)
	engine.StartSession(ctx, "busy")
	engine.StartSession(ctx, "idle")

	ingest(t, engine, "busy", pageViews(6))
	drain(ctx, engine)

	clock.Advance(2 * time.Minute)
	engine.Dispatcher().Refresh()
	busy, _ := engine.Registry().Get("busy")
	if busy.Metrics[MetricPageViewsPerMinute] != 0 {
		t.Errorf("expected rates to decay on refresh, got %v", busy.Metrics[MetricPageViewsPerMinute])
	}

	clock.Advance(9 * time.Minute)
	ingest(t, engine, "busy", pageViews(1))
	drain(ctx, engine)
	engine.Dispatcher().Refresh()

	if engine.Registry().Contains("idle") {
		t.Error("expected idle window to be swept")
	}
	if !engine.Registry().Contains("busy") {
		t.Error("expected busy window to survive")
	}
}
