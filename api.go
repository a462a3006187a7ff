// Package pulsez provides a real-time stream processing and alerting engine
// for per-tenant behavioral events. Events flow through a bounded intake queue
// into per-tenant rolling windows, where they are turned into live metrics,
// threshold-triggered alerts and short-horizon forecasts that are pushed to a
// publication sink.
//
// The engine runs four independent workers, each on its own cadence:
//   - Dispatcher: drains the intake queue in micro-batches into tenant windows
//   - Metrics Aggregator: publishes each window's current metric snapshot
//   - Alert Engine: evaluates alert rules with per-tenant cooldowns
//   - Forecaster: projects short-horizon values from recent window history
//
// Basic usage:
//
//	engine, err := pulsez.New(pulsez.DefaultConfig(),
//		pulsez.WithLogger(logger),
//		pulsez.WithDefaultSink(hub),
//	)
//	if err != nil {
//		return err
//	}
//
//	go engine.Run(ctx)
//
//	engine.StartSession(ctx, "site-1")
//	result, err := engine.Ingest(ctx, "site-1", events)
//	if errors.Is(err, pulsez.ErrCapacity) {
//		// back off and retry later
//	}
//
// Every component that depends on time takes a Clock, so the whole engine can
// be driven deterministically with a fake clock in tests.
package pulsez

import (
	"context"
	"time"
)

// Sink delivers messages to the subscribers of a tenant.
// Publication is fire-and-forget and at-most-once: the engine logs a failed
// publication and moves on, it never retries.
type Sink interface {
	Publish(ctx context.Context, tenantID string, msg Message) error
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(ctx context.Context, tenantID string, msg Message) error

// Publish calls f(ctx, tenantID, msg).
func (f SinkFunc) Publish(ctx context.Context, tenantID string, msg Message) error {
	return f(ctx, tenantID, msg)
}

// Store is the optional durable collaborator holding alert history and
// tenant threshold overrides. The engine works without one, and keeps
// working when one is configured but unreachable.
type Store interface {
	// SaveAlert appends an alert to the tenant's history.
	SaveAlert(ctx context.Context, tenantID string, alert Alert) error

	// RecentAlerts returns up to limit alerts, newest first.
	RecentAlerts(ctx context.Context, tenantID string, limit int) ([]Alert, error)

	// SaveThreshold persists a tenant-scoped threshold override.
	SaveThreshold(ctx context.Context, tenantID string, override ThresholdOverride) error

	// LoadThresholds returns the tenant's unexpired overrides.
	LoadThresholds(ctx context.Context, tenantID string) ([]ThresholdOverride, error)
}

// MessageType identifies the payload carried by a Message.
type MessageType string

const (
	// MessageMetrics carries a MetricsSnapshot.
	MessageMetrics MessageType = "realtime_metrics"
	// MessageAlert carries an Alert.
	MessageAlert MessageType = "alert"
	// MessagePredictions carries a []Prediction.
	MessagePredictions MessageType = "predictions"
)

// Message is the envelope handed to a Sink.
type Message struct {
	Type      MessageType `json:"type"`
	TenantID  string      `json:"tenant_id"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}
