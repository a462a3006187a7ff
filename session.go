package pulsez

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartSession creates the tenant's window if it does not exist and reports
// whether it was created. Stored threshold overrides are loaded on creation;
// an unreachable store is logged and the session starts without them.
func (e *Engine) StartSession(ctx context.Context, tenantID string, opts ...SessionOption) bool {
	if tenantID == "" {
		return false
	}
	_, created := e.registry.Create(tenantID, opts...)
	if !created {
		return false
	}
	e.logger.Info("session started", zap.String("tenant", tenantID))

	if e.store != nil {
		sctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
		defer cancel()
		overrides, err := e.store.LoadThresholds(sctx, tenantID)
		if err != nil {
			e.logger.Warn("loading threshold overrides failed",
				zap.String("tenant", tenantID),
				zap.Error(err),
			)
			return true
		}
		now := e.clock.Now()
		for _, o := range overrides {
			if !o.Expired(now) {
				e.overrides.Set(tenantID, o)
			}
		}
	}
	return true
}

// StopSession removes the tenant's window. It is idempotent. Once it returns,
// nothing more is published for the tenant and late events are dropped.
func (e *Engine) StopSession(tenantID string) bool {
	removed := e.registry.Remove(tenantID)
	if removed {
		e.logger.Info("session stopped", zap.String("tenant", tenantID))
	}
	return removed
}

// Subscribe sets which alerts are forwarded to the tenant's sink. Entries
// match rule names or severities; an empty list forwards every alert. It
// reports false when the tenant has no session.
func (e *Engine) Subscribe(tenantID string, alertTypes []string) bool {
	w, ok := e.registry.Window(tenantID)
	if !ok {
		return false
	}
	w.subscribe(alertTypes)
	return true
}

// IngestResult describes what happened to a submitted batch.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type IngestResult struct {
	TenantID         string             `json:"tenant_id"`
	Processed        int                `json:"processed"`
	Accepted         int                `json:"accepted"`
	Invalid          int                `json:"invalid"`
	Rejected         int                `json:"rejected"`
	ValidationErrors []*ValidationError `json:"-"`
	Instant          BatchSummary       `json:"instant_metrics"`
	ProcessingTime   time.Duration      `json:"processing_time"`
	Timestamp        time.Time          `json:"timestamp"`
}

// Ingest validates raw events and enqueues the valid ones in order. Invalid
// events are dropped individually and reported in the result. When the queue
// fills the error is a *CapacityError: the events before the overflow stay
// queued and the caller should back off before retrying the rest.
//
// The result's Instant summary is computed from the valid events of this
// batch alone, independent of the tenant's window.
func (e *Engine) Ingest(_ context.Context, tenantID string, raw []RawEvent) (IngestResult, error) {
	started := e.clock.Now()
	result := IngestResult{
		TenantID:  tenantID,
		Processed: len(raw),
		Timestamp: started,
	}

	valid := make([]Event, 0, len(raw))
	for i, r := range raw {
		event, err := r.Event(tenantID, started)
		if err != nil {
			verr, _ := err.(*ValidationError)
			if verr == nil {
				verr = &ValidationError{Field: "event", Reason: err.Error()}
			}
			verr.Index = i
			result.ValidationErrors = append(result.ValidationErrors, verr)
			continue
		}
		valid = append(valid, event)
	}
	result.Invalid = len(result.ValidationErrors)
	result.Instant = BatchSnapshot(valid)
	if result.Invalid > 0 {
		e.metrics.ingested.WithLabelValues("invalid").Add(float64(result.Invalid))
		e.logger.Debug("dropped invalid events",
			zap.String("tenant", tenantID),
			zap.Int("invalid", result.Invalid),
		)
	}

	accepted, err := e.queue.EnqueueBatch(valid)
	result.Accepted = accepted
	result.Rejected = len(valid) - accepted
	e.metrics.ingested.WithLabelValues("accepted").Add(float64(accepted))
	e.metrics.queueDepth.Set(float64(e.queue.Len()))
	result.ProcessingTime = e.clock.Now().Sub(started)
	if err != nil {
		e.metrics.ingested.WithLabelValues("rejected").Add(float64(result.Rejected))
		e.logger.Warn("intake queue at capacity",
			zap.String("tenant", tenantID),
			zap.Int("accepted", accepted),
			zap.Int("rejected", result.Rejected),
		)
		return result, err
	}
	return result, nil
}

// QuickQueryResult is the on-demand view of a tenant.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type QuickQueryResult struct {
	TenantID     string             `json:"tenant_id"`
	Active       bool               `json:"active"`
	Metrics      map[string]float64 `json:"metrics"`
	Buffered     int                `json:"buffered"`
	Trend        TrendSummary       `json:"trend"`
	RecentAlerts []Alert            `json:"recent_alerts"`
	Timestamp    time.Time          `json:"timestamp"`
}

// QuickQuery returns the tenant's current metrics, a trend summary comparing
// the last lookback with the one before it, and its recent alerts. It never
// fails: a tenant without a session yields empty metrics, and alerts then
// come from the store when one is configured.
func (e *Engine) QuickQuery(ctx context.Context, tenantID string) QuickQueryResult {
	now := e.clock.Now()
	result := QuickQueryResult{
		TenantID:  tenantID,
		Metrics:   map[string]float64{},
		Trend:     TrendSummary{Traffic: TrendStable, Engagement: TrendStable, Conversion: TrendStable},
		Timestamp: now,
	}
	since := now.Add(-e.config.RecentAlertWindow)

	if w, ok := e.registry.Window(tenantID); ok {
		view := w.View()
		result.Active = true
		result.Metrics = view.Metrics
		result.Buffered = view.Buffered
		result.Trend = SummarizeTrend(w.Events(), now, e.config.Lookback, e.config.metricOptions())
		result.RecentAlerts = w.recentAlerts(since, e.config.RecentAlertLimit)
	}

	if len(result.RecentAlerts) == 0 && e.store != nil {
		result.RecentAlerts = e.storedAlerts(ctx, tenantID, since)
	}
	if result.RecentAlerts == nil {
		result.RecentAlerts = []Alert{}
	}
	return result
}

func (e *Engine) storedAlerts(ctx context.Context, tenantID string, since time.Time) []Alert {
	sctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	alerts, err := e.store.RecentAlerts(sctx, tenantID, e.config.RecentAlertLimit)
	if err != nil {
		e.logger.Warn("loading alert history failed",
			zap.String("tenant", tenantID),
			zap.Error(err),
		)
		return nil
	}
	recent := alerts[:0]
	for _, a := range alerts {
		if !a.TriggeredAt.Before(since) {
			recent = append(recent, a)
		}
	}
	return recent
}

// ConfigureThreshold overrides the threshold of the tenant's absolute rules
// on metric for ttl. A ttl of zero or less uses the default override TTL. The
// override is persisted to the store on a best-effort basis.
func (e *Engine) ConfigureThreshold(ctx context.Context, tenantID, metric string, value float64, ttl time.Duration) error {
	switch {
	case tenantID == "":
		return &ValidationError{Field: "tenant_id", Reason: "missing"}
	case metric == "":
		return &ValidationError{Field: "metric", Reason: "missing"}
	}
	if ttl <= 0 {
		ttl = e.config.OverrideDefaultTTL
	}
	override := ThresholdOverride{
		Metric:    metric,
		Value:     value,
		ExpiresAt: e.clock.Now().Add(ttl),
	}
	e.overrides.Set(tenantID, override)
	e.logger.Info("threshold override configured",
		zap.String("tenant", tenantID),
		zap.String("metric", metric),
		zap.Float64("value", value),
		zap.Duration("ttl", ttl),
	)

	if e.store != nil {
		sctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
		defer cancel()
		if err := e.store.SaveThreshold(sctx, tenantID, override); err != nil {
			e.logger.Warn("saving threshold override failed",
				zap.String("tenant", tenantID),
				zap.String("metric", metric),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Thresholds returns the tenant's live overrides.
func (e *Engine) Thresholds(tenantID string) []ThresholdOverride {
	return e.overrides.List(tenantID, e.clock.Now())
}
