// Package testing provides test utilities for pulsez: an in-memory Sink and
// Store, raw event builders and polling helpers shared by the integration
// tests and by applications testing their own wiring.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/pulsez"
)

// MemorySink records every message it accepts. SetError makes it fail.
type MemorySink struct {
	mu       sync.Mutex
	messages []pulsez.Message
	err      error
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish records msg unless an error is set.
func (s *MemorySink) Publish(_ context.Context, _ string, msg pulsez.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

// SetError makes subsequent publishes fail with err. Nil restores success.
func (s *MemorySink) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Messages returns a copy of everything received, in arrival order.
func (s *MemorySink) Messages() []pulsez.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pulsez.Message(nil), s.messages...)
}

// Filter returns the messages for tenantID of type msgType. An empty tenantID
// matches every tenant.
func (s *MemorySink) Filter(tenantID string, msgType pulsez.MessageType) []pulsez.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pulsez.Message
	for _, m := range s.messages {
		if m.Type == msgType && (tenantID == "" || m.TenantID == tenantID) {
			out = append(out, m)
		}
	}
	return out
}

// Count returns the number of messages received for tenantID.
func (s *MemorySink) Count(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.TenantID == tenantID {
			n++
		}
	}
	return n
}

// Alerts returns the alerts delivered for tenantID.
func (s *MemorySink) Alerts(tenantID string) []pulsez.Alert {
	var out []pulsez.Alert
	for _, m := range s.Filter(tenantID, pulsez.MessageAlert) {
		if a, ok := m.Data.(pulsez.Alert); ok {
			out = append(out, a)
		}
	}
	return out
}

// WaitFor polls until at least n messages of msgType arrived for tenantID or
// timeout elapses, and returns what arrived.
func (s *MemorySink) WaitFor(t *testing.T, tenantID string, msgType pulsez.MessageType, n int, timeout time.Duration) []pulsez.Message {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		got := s.Filter(tenantID, msgType)
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// MemoryStore is an in-process pulsez.Store. SetError makes it fail.
type MemoryStore struct {
	mu         sync.Mutex
	alerts     map[string][]pulsez.Alert
	thresholds map[string]map[string]pulsez.ThresholdOverride
	limit      int
	err        error
}

// NewMemoryStore creates an empty store keeping up to limit alerts per
// tenant. A limit below one keeps 100.
func NewMemoryStore(limit int) *MemoryStore {
	if limit < 1 {
		limit = 100
	}
	return &MemoryStore{
		alerts:     make(map[string][]pulsez.Alert),
		thresholds: make(map[string]map[string]pulsez.ThresholdOverride),
		limit:      limit,
	}
}

// SetError makes subsequent calls fail with err. Nil restores success.
func (s *MemoryStore) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SaveAlert prepends alert to the tenant's history.
func (s *MemoryStore) SaveAlert(_ context.Context, tenantID string, alert pulsez.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	history := append([]pulsez.Alert{alert}, s.alerts[tenantID]...)
	if len(history) > s.limit {
		history = history[:s.limit]
	}
	s.alerts[tenantID] = history
	return nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *MemoryStore) RecentAlerts(_ context.Context, tenantID string, limit int) ([]pulsez.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	history := s.alerts[tenantID]
	if limit < len(history) {
		history = history[:limit]
	}
	return append([]pulsez.Alert{}, history...), nil
}

// SaveThreshold stores override, replacing any earlier one for its metric.
func (s *MemoryStore) SaveThreshold(_ context.Context, tenantID string, override pulsez.ThresholdOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.thresholds[tenantID] == nil {
		s.thresholds[tenantID] = make(map[string]pulsez.ThresholdOverride)
	}
	s.thresholds[tenantID][override.Metric] = override
	return nil
}

// LoadThresholds returns every stored override for tenantID. Expiry is left
// to the engine.
func (s *MemoryStore) LoadThresholds(_ context.Context, tenantID string) ([]pulsez.ThresholdOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]pulsez.ThresholdOverride, 0, len(s.thresholds[tenantID]))
	for _, o := range s.thresholds[tenantID] {
		out = append(out, o)
	}
	return out, nil
}

// PageViews builds n page views grouped into sessions of sessionSize events.
func PageViews(n, sessionSize int) []pulsez.RawEvent {
	if sessionSize < 1 {
		sessionSize = 1
	}
	events := make([]pulsez.RawEvent, n)
	for i := range events {
		events[i] = pulsez.RawEvent{
			Type:      string(pulsez.EventPageView),
			SessionID: fmt.Sprintf("session-%d", i/sessionSize),
			UserID:    fmt.Sprintf("user-%d", i/sessionSize),
		}
	}
	return events
}

// Errors builds n error events, two per session.
func Errors(n int) []pulsez.RawEvent {
	events := make([]pulsez.RawEvent, n)
	for i := range events {
		events[i] = pulsez.RawEvent{
			Type:      string(pulsez.EventError),
			SessionID: fmt.Sprintf("error-session-%d", i/2),
		}
	}
	return events
}

// Events builds n events of typ, each in its own session, stamped at ts when
// ts is non-zero.
func Events(typ pulsez.EventType, n int, ts time.Time) []pulsez.RawEvent {
	events := make([]pulsez.RawEvent, n)
	for i := range events {
		events[i] = pulsez.RawEvent{
			Type:      string(typ),
			SessionID: fmt.Sprintf("%s-%d", typ, i),
		}
		if !ts.IsZero() {
			events[i].Timestamp = ts.Format(time.RFC3339Nano)
		}
	}
	return events
}

// AssertFired verifies that alerts contains exactly want alerts for rule.
func AssertFired(t *testing.T, alerts []pulsez.Alert, rule string, want int) {
	t.Helper()

	got := 0
	for _, a := range alerts {
		if a.RuleName == rule {
			got++
		}
	}
	if got != want {
		t.Errorf("expected %d %s alerts, got %d", want, rule, got)
	}
}

var (
	_ pulsez.Sink  = (*MemorySink)(nil)
	_ pulsez.Store = (*MemoryStore)(nil)
)
