package pulsez

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// publisher delivers messages for a window to its sink. Each call is bounded
// by the publish timeout and runs the sink in its own goroutine, so a sink
// that ignores its context delays the caller by at most the timeout.
// Failures are logged and counted, never retried.
type publisher struct {
	fallback Sink
	timeout  time.Duration
	clock    Clock
	logger   *zap.Logger
	metrics  *telemetry
}

// publish sends msg to the window's sink. It returns ErrSessionClosed without
// contacting the sink once the window has been removed, and ErrCircuitOpen
// while the window's breaker is open.
func (p *publisher) publish(ctx context.Context, w *Window, msgType MessageType, data any) error {
	w.gate.RLock()
	defer w.gate.RUnlock()

	if w.removed.Load() {
		return ErrSessionClosed
	}
	sink := w.sink
	if sink == nil {
		sink = p.fallback
	}
	if sink == nil {
		return nil
	}

	if w.breaker != nil && !w.breaker.Allow() {
		p.metrics.publishFailed.WithLabelValues(string(msgType)).Inc()
		return ErrCircuitOpen
	}

	msg := Message{
		Type:      msgType,
		TenantID:  w.tenantID,
		Data:      data,
		Timestamp: p.clock.Now(),
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- recovered(r)
			}
		}()
		done <- sink.Publish(pctx, w.tenantID, msg)
	}()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		err = pctx.Err()
	}

	if w.breaker != nil {
		w.breaker.Record(err)
	}
	if err == nil {
		return nil
	}

	pubErr := &PublicationError{
		TenantID:    w.tenantID,
		MessageType: msgType,
		Err:         err,
		Timestamp:   msg.Timestamp,
	}
	p.metrics.publishFailed.WithLabelValues(string(msgType)).Inc()
	if !errors.Is(err, context.Canceled) {
		p.logger.Warn("publication failed",
			zap.String("tenant", w.tenantID),
			zap.String("type", string(msgType)),
			zap.Error(err),
		)
	}
	return pubErr
}
