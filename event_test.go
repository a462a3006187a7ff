package pulsez

import (
	"errors"
	"testing"
	"time"
)

func TestRawEventTimestampLayouts(t *testing.T) {
	want := time.Date(2026, 3, 2, 8, 30, 15, 0, time.UTC)
	tests := []struct {
		name  string
		value string
	}{
		{"rfc3339", "2026-03-02T08:30:15Z"},
		{"offset", "2026-03-02T09:30:15+01:00"},
		{"naive iso", "2026-03-02T08:30:15"},
		{"space separated", "2026-03-02 08:30:15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := RawEvent{Type: "click", Timestamp: tt.value}.Event("a", testEpoch)
			if err != nil {
				t.Fatalf("expected %q to parse, got %v", tt.value, err)
			}
			if !e.Timestamp.Equal(want) {
				t.Errorf("expected %v, got %v", want, e.Timestamp)
			}
		})
	}
}

func TestRawEventDefaultsTimestamp(t *testing.T) {
	e, err := RawEvent{Type: "page_view", SessionID: "s", UserID: "u"}.Event("a", testEpoch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.Timestamp.Equal(testEpoch) || e.TenantID != "a" || e.Type != EventPageView {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Payload != nil {
		t.Errorf("expected no payload, got %v", e.Payload)
	}
}

func TestRawEventRejects(t *testing.T) {
	tests := []struct {
		name   string
		tenant string
		raw    RawEvent
		field  string
	}{
		{"missing tenant", "", RawEvent{Type: "click"}, "tenant_id"},
		{"missing type", "a", RawEvent{}, "type"},
		{"bad timestamp", "a", RawEvent{Type: "click", Timestamp: "03/02/2026"}, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.raw.Event(tt.tenant, testEpoch)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("expected a %s validation error, got %v", tt.field, err)
			}
		})
	}
}

func TestRawEventCopiesPayload(t *testing.T) {
	data := map[string]any{"is_error": true}
	e, _ := RawEvent{Type: "api_call", Data: data}.Event("a", testEpoch)
	data["is_error"] = false

	if !e.IsError() {
		t.Error("expected the payload flag to mark the event as an error")
	}
	if e.Type.IsConversion() {
		t.Error("expected api_call not to be a conversion")
	}
}
