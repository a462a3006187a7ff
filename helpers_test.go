package pulsez

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap/zaptest"
)

// testEpoch is minute-aligned so minute history buckets are predictable.
var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// recordingSink keeps every message it receives.
type recordingSink struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (s *recordingSink) Publish(_ context.Context, _ string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) ofType(t MessageType) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSink) forTenant(tenantID string) int {
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

// memoryStore is an in-process Store with an optional injected failure.
type memoryStore struct {
	mu         sync.Mutex
	alerts     map[string][]Alert
	thresholds map[string][]ThresholdOverride
	err        error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		alerts:     make(map[string][]Alert),
		thresholds: make(map[string][]ThresholdOverride),
	}
}

func (s *memoryStore) SaveAlert(_ context.Context, tenantID string, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts[tenantID] = append([]Alert{alert}, s.alerts[tenantID]...)
	return nil
}

func (s *memoryStore) RecentAlerts(_ context.Context, tenantID string, limit int) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	alerts := s.alerts[tenantID]
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return append([]Alert(nil), alerts...), nil
}

func (s *memoryStore) SaveThreshold(_ context.Context, tenantID string, o ThresholdOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.thresholds[tenantID] = append(s.thresholds[tenantID], o)
	return nil
}

func (s *memoryStore) LoadThresholds(_ context.Context, tenantID string) ([]ThresholdOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]ThresholdOverride(nil), s.thresholds[tenantID]...), nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PublishTimeout = 100 * time.Millisecond
	cfg.StoreTimeout = 100 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, clock Clock, opts ...Option) *Engine {
	t.Helper()
	return newTestEngineWithConfig(t, testConfig(), clock, opts...)
}

func newTestEngineWithConfig(t *testing.T, cfg Config, clock Clock, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithClock(clock), WithLogger(zaptest.NewLogger(t))}
	engine, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("expected engine, got error: %v", err)
	}
	return engine
}

func newFakeClock() *clockz.FakeClock {
	return clockz.NewFakeClockAt(testEpoch)
}

// drain folds everything queued so far.
func drain(ctx context.Context, e *Engine) {
	for e.Queue().Len() > 0 {
		e.Dispatcher().Cycle(ctx)
	}
}

func rulesNamed(names ...string) []AlertRule {
	var out []AlertRule
	for _, rule := range DefaultRules() {
		for _, name := range names {
			if rule.Name == name {
				out = append(out, rule)
			}
		}
	}
	return out
}

// pageViews builds n page views, each in its own session of three events.
func pageViews(n int) []RawEvent {
	events := make([]RawEvent, n)
	for i := range events {
		events[i] = RawEvent{
			Type:      string(EventPageView),
			SessionID: fmt.Sprintf("s-%d", i/3),
			UserID:    fmt.Sprintf("u-%d", i/3),
		}
	}
	return events
}

func ingest(t *testing.T, e *Engine, tenantID string, events []RawEvent) IngestResult {
	t.Helper()
	result, err := e.Ingest(context.Background(), tenantID, events)
	if err != nil {
		t.Fatalf("expected ingest to succeed, got %v", err)
	}
	return result
}

func event(tenantID string, typ EventType, session string, ts time.Time) Event {
	return Event{TenantID: tenantID, Type: typ, SessionID: session, Timestamp: ts}
}
