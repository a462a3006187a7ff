package pulsez

import (
	"fmt"
	"time"
)

// EventType classifies a behavioral event.
type EventType string

// Event types the metric formulas recognise. Any other non-empty type is
// accepted and counted under its own name.
const (
	EventPageView   EventType = "page_view"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
	EventPurchase   EventType = "purchase"
	EventSignup     EventType = "signup"
	EventError      EventType = "error"
)

// IsConversion reports whether the type counts towards conversion_rate.
func (t EventType) IsConversion() bool {
	switch t {
	case EventConversion, EventPurchase, EventSignup:
		return true
	default:
		return false
	}
}

// Event is a single validated behavioral event. It is immutable once created:
// the queue owns it until the Dispatcher folds it into exactly one window.
type Event struct {
	TenantID  string         `json:"tenant_id"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// IsError reports whether the event signals an error, either by type or by an
// is_error flag in its payload.
func (e Event) IsError() bool {
	if e.Type == EventError {
		return true
	}
	flag, ok := e.Payload["is_error"].(bool)
	return ok && flag
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s %s session=%s", e.Timestamp.Format(time.RFC3339), e.TenantID, e.Type, e.SessionID)
}

// RawEvent is the wire shape accepted by Engine.Ingest.
type RawEvent struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// timestampLayouts are tried in order; the last two accept ISO-8601 values
// without a zone, which are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Event validates the raw event and converts it for tenantID.
// An empty timestamp defaults to now. The returned error is a *ValidationError.
func (r RawEvent) Event(tenantID string, now time.Time) (Event, error) {
	if tenantID == "" {
		return Event{}, &ValidationError{Field: "tenant_id", Reason: "missing"}
	}
	if r.Type == "" {
		return Event{}, &ValidationError{Field: "type", Reason: "missing"}
	}

	ts := now
	if r.Timestamp != "" {
		parsed, err := parseTimestamp(r.Timestamp)
		if err != nil {
			return Event{}, &ValidationError{Field: "timestamp", Reason: err.Error()}
		}
		ts = parsed
	}

	var payload map[string]any
	if len(r.Data) > 0 {
		payload = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			payload[k] = v
		}
	}

	return Event{
		TenantID:  tenantID,
		Type:      EventType(r.Type),
		Timestamp: ts,
		UserID:    r.UserID,
		SessionID: r.SessionID,
		Payload:   payload,
	}, nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}
