package pulsez

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dispatcher drains the intake queue in micro-batches and folds each batch
// into the windows of its tenants. It is the only writer of window buffers,
// metrics and history.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Dispatcher struct {
	queue    *Queue
	registry *Registry
	clock    Clock
	logger   *zap.Logger
	metrics  *telemetry
	stats    *throughput

	batchSize       int
	wait            time.Duration
	lookback        time.Duration
	refreshInterval time.Duration
	idleTimeout     time.Duration
	opts            MetricOptions

	lastRefresh time.Time
	dropLog     rate.Sometimes
}

func newDispatcher(cfg Config, queue *Queue, registry *Registry, clock Clock, logger *zap.Logger, metrics *telemetry) *Dispatcher {
	now := clock.Now()
	return &Dispatcher{
		queue:           queue,
		registry:        registry,
		clock:           clock,
		logger:          logger.With(zap.String("worker", workerDispatcher)),
		metrics:         metrics,
		stats:           newThroughput(time.Second, now),
		batchSize:       cfg.BatchSize,
		wait:            cfg.DispatchWait,
		lookback:        cfg.Lookback,
		refreshInterval: cfg.RefreshInterval,
		idleTimeout:     cfg.IdleTimeout,
		opts:            cfg.metricOptions(),
		lastRefresh:     now,
		dropLog:         rate.Sometimes{Interval: time.Second},
	}
}

// Run cycles until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for ctx.Err() == nil {
		d.Cycle(ctx)
	}
}

// Cycle collects one micro-batch and folds it into the registry. When the
// wait for a first event times out, or the refresh interval has passed, every
// window is recomputed and idle windows are swept. It returns the number of
// events collected.
func (d *Dispatcher) Cycle(ctx context.Context) int {
	batch := d.collect(ctx)
	if ctx.Err() != nil && len(batch) == 0 {
		return 0
	}

	started := d.clock.Now()
	if len(batch) > 0 {
		d.dispatch(ctx, batch, started)
	}
	if len(batch) == 0 || started.Sub(d.lastRefresh) >= d.refreshInterval {
		d.Refresh()
	}
	d.stats.tick(started)
	d.metrics.queueDepth.Set(float64(d.queue.Len()))
	d.metrics.observeCycle(workerDispatcher, started, d.clock.Now())
	return len(batch)
}

// collect waits up to the dispatch wait for a first event, then drains up to
// batchSize-1 more without blocking.
func (d *Dispatcher) collect(ctx context.Context) []Event {
	timer := d.clock.NewTimer(d.wait)
	defer timer.Stop()

	var first Event
	select {
	case first = <-d.queue.C():
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return nil
	}

	batch := make([]Event, 1, d.batchSize)
	batch[0] = first
	for len(batch) < d.batchSize {
		select {
		case e := <-d.queue.C():
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

// dispatch groups batch by tenant, preserving drain order within a tenant,
// and folds each group into its window. Tenants without a window lose their
// events.
func (d *Dispatcher) dispatch(ctx context.Context, batch []Event, now time.Time) {
	_, span := d.metrics.tracer.Start(ctx, "pulsez.dispatch",
		trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer span.End()

	d.metrics.batchSize.Observe(float64(len(batch)))

	var order []string
	groups := make(map[string][]Event)
	for _, e := range batch {
		if _, ok := groups[e.TenantID]; !ok {
			order = append(order, e.TenantID)
		}
		groups[e.TenantID] = append(groups[e.TenantID], e)
	}

	for _, tenantID := range order {
		events := groups[tenantID]
		w, ok := d.registry.Window(tenantID)
		if !ok {
			d.metrics.dropped.WithLabelValues("no_session").Add(float64(len(events)))
			d.dropLog.Do(func() {
				d.logger.Debug("dropping events for tenant without session",
					zap.String("tenant", tenantID),
					zap.Int("events", len(events)),
				)
			})
			continue
		}
		d.fold(w, events, now)
	}
	span.SetAttributes(attribute.Int("batch.tenants", len(order)))
}

// fold applies one tenant's events inside its own failure boundary.
func (d *Dispatcher) fold(w *Window, events []Event, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.panics.WithLabelValues(workerDispatcher).Inc()
			d.logger.Error("recovered while folding events",
				zap.String("tenant", w.tenantID),
				zap.Error(recovered(r)),
			)
		}
	}()
	w.fold(events, now, d.lookback, d.opts)
	d.stats.add(len(events))
}

// Refresh recomputes every window against the current time and removes
// windows idle for longer than the idle timeout.
func (d *Dispatcher) Refresh() {
	now := d.clock.Now()
	d.lastRefresh = now
	for _, w := range d.registry.Active() {
		if d.idleTimeout > 0 && now.Sub(w.LastUpdate()) > d.idleTimeout {
			if d.registry.removeIf(w.tenantID, w) {
				d.logger.Info("removed idle session",
					zap.String("tenant", w.tenantID),
					zap.Duration("idle", now.Sub(w.LastUpdate())),
				)
			}
			continue
		}
		d.refreshWindow(w, now)
	}
}

func (d *Dispatcher) refreshWindow(w *Window, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.panics.WithLabelValues(workerDispatcher).Inc()
			d.logger.Error("recovered while refreshing window",
				zap.String("tenant", w.tenantID),
				zap.Error(recovered(r)),
			)
		}
	}()
	w.refresh(now, d.lookback, d.opts)
}

// Stats returns the Dispatcher's throughput.
func (d *Dispatcher) Stats() StreamStats {
	return d.stats.stats()
}
