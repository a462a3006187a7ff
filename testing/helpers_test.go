package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/pulsez"
)

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()

	sink.Publish(ctx, "a", pulsez.Message{Type: pulsez.MessageMetrics, TenantID: "a"})
	sink.Publish(ctx, "a", pulsez.Message{Type: pulsez.MessageAlert, TenantID: "a", Data: pulsez.Alert{RuleName: "r"}})
	sink.Publish(ctx, "b", pulsez.Message{Type: pulsez.MessageAlert, TenantID: "b", Data: pulsez.Alert{RuleName: "r"}})

	if got := len(sink.Messages()); got != 3 {
		t.Errorf("expected 3 messages, got %d", got)
	}
	if got := len(sink.Filter("", pulsez.MessageAlert)); got != 2 {
		t.Errorf("expected 2 alerts across tenants, got %d", got)
	}
	if got := sink.Count("a"); got != 2 {
		t.Errorf("expected 2 messages for a, got %d", got)
	}
	AssertFired(t, sink.Alerts("b"), "r", 1)

	sink.SetError(errors.New("down"))
	if err := sink.Publish(ctx, "a", pulsez.Message{}); err == nil {
		t.Error("expected the injected error")
	}
	if got := len(sink.Messages()); got != 3 {
		t.Errorf("expected failed publishes not to be recorded, got %d", got)
	}
}

func TestMemorySinkWaitFor(t *testing.T) {
	sink := NewMemorySink()
	go func() {
		time.Sleep(20 * time.Millisecond)
		sink.Publish(context.Background(), "a", pulsez.Message{Type: pulsez.MessagePredictions, TenantID: "a"})
	}()

	if got := sink.WaitFor(t, "a", pulsez.MessagePredictions, 1, time.Second); len(got) != 1 {
		t.Errorf("expected the late message, got %d", len(got))
	}
	if got := sink.WaitFor(t, "b", pulsez.MessagePredictions, 1, 20*time.Millisecond); len(got) != 0 {
		t.Errorf("expected nothing for b, got %d", len(got))
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2)

	for _, id := range []string{"a1", "a2", "a3"} {
		store.SaveAlert(ctx, "t", pulsez.Alert{ID: id})
	}
	alerts, _ := store.RecentAlerts(ctx, "t", 10)
	if len(alerts) != 2 || alerts[0].ID != "a3" || alerts[1].ID != "a2" {
		t.Errorf("expected the two newest alerts, got %v", alerts)
	}

	store.SaveThreshold(ctx, "t", pulsez.ThresholdOverride{Metric: "m", Value: 1})
	store.SaveThreshold(ctx, "t", pulsez.ThresholdOverride{Metric: "m", Value: 2})
	overrides, _ := store.LoadThresholds(ctx, "t")
	if len(overrides) != 1 || overrides[0].Value != 2 {
		t.Errorf("expected the replaced override, got %v", overrides)
	}

	store.SetError(errors.New("down"))
	if _, err := store.RecentAlerts(ctx, "t", 10); err == nil {
		t.Error("expected the injected error")
	}
}

func TestBuilders(t *testing.T) {
	views := PageViews(7, 3)
	if len(views) != 7 || views[6].SessionID != "session-2" {
		t.Errorf("unexpected page views: %v", views)
	}
	if errs := Errors(3); errs[2].Type != "error" || errs[2].SessionID != "error-session-1" {
		t.Errorf("unexpected errors: %v", errs)
	}

	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := Events(pulsez.EventPurchase, 2, ts)
	for i, raw := range events {
		e, err := raw.Event("t", time.Now())
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if !e.Timestamp.Equal(ts) || !e.Type.IsConversion() {
			t.Errorf("unexpected event %d: %+v", i, e)
		}
	}
}
