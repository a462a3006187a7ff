package pulsez

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsSnapshot is the published form of a window's current metrics.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type MetricsSnapshot struct {
	TenantID   string             `json:"tenant_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Metrics    map[string]float64 `json:"metrics"`
	Buffered   int                `json:"buffered"`
	LastUpdate time.Time          `json:"last_update"`
}

// Aggregator publishes each window's current snapshot on a fixed period. It
// never recomputes: it publishes what the Dispatcher last derived, which keeps
// publish cadence independent of ingestion cadence.
type Aggregator struct {
	registry  *Registry
	publisher *publisher
	clock     Clock
	logger    *zap.Logger
	metrics   *telemetry
	interval  time.Duration
}

func newAggregator(cfg Config, registry *Registry, pub *publisher, clock Clock, logger *zap.Logger, metrics *telemetry) *Aggregator {
	return &Aggregator{
		registry:  registry,
		publisher: pub,
		clock:     clock,
		logger:    logger.With(zap.String("worker", workerAggregator)),
		metrics:   metrics,
		interval:  cfg.AggregateInterval,
	}
}

// Run publishes snapshots once per aggregate interval until ctx is done.
func (g *Aggregator) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			g.Cycle(ctx)
		}
	}
}

// Cycle publishes one snapshot per active window and returns the number of
// snapshots the sink accepted. Windows publish concurrently, so one slow sink
// delays only its own tenant.
func (g *Aggregator) Cycle(ctx context.Context) int {
	now := g.clock.Now()
	windows := g.registry.Active()

	var wg sync.WaitGroup
	var mu sync.Mutex
	published := 0
	for _, w := range windows {
		if w.Closed() {
			continue
		}
		wg.Add(1)
		go func(w *Window) {
			defer wg.Done()
			view := w.View()
			snapshot := MetricsSnapshot{
				TenantID:   view.TenantID,
				Timestamp:  now,
				Metrics:    view.Metrics,
				Buffered:   view.Buffered,
				LastUpdate: view.LastUpdate,
			}
			if err := g.publisher.publish(ctx, w, MessageMetrics, snapshot); err == nil {
				mu.Lock()
				published++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	g.metrics.observeCycle(workerAggregator, now, g.clock.Now())
	return published
}
