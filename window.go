package pulsez

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// WindowView is a point-in-time copy of a window's state. It shares nothing
// with the live window.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type WindowView struct {
	TenantID      string             `json:"tenant_id"`
	Metrics       map[string]float64 `json:"metrics"`
	Buffered      int                `json:"buffered"`
	Processed     int64              `json:"processed"`
	LastUpdate    time.Time          `json:"last_update"`
	CreatedAt     time.Time          `json:"created_at"`
	Subscriptions []string           `json:"subscriptions,omitempty"`
}

// Window is the live state of one tenant: a fixed-capacity FIFO of its most
// recent events, the metric snapshot derived from them and a per-minute
// history of that snapshot. Only the Dispatcher mutates the buffer, metrics
// and history; every other worker reads through the accessor methods.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Window struct {
	tenantID  string
	createdAt time.Time

	mu      sync.RWMutex
	ring    []Event
	head    int
	size    int
	metrics map[string]float64
	history *history
	filter  map[string]struct{}

	lastUpdate atomic.Int64
	processed  atomic.Int64

	alertsMu sync.Mutex
	alerts   []Alert
	alertCap int

	// gate serializes publication against removal: publishers hold it shared,
	// removal takes it exclusively after setting removed.
	gate    sync.RWMutex
	removed atomic.Bool

	sink    Sink
	breaker *Breaker
}

func newWindow(tenantID string, capacity int, retain time.Duration, alertCap int, now time.Time) *Window {
	if capacity < 1 {
		capacity = 1
	}
	w := &Window{
		tenantID:  tenantID,
		createdAt: now,
		ring:      make([]Event, capacity),
		metrics:   map[string]float64{},
		history:   newHistory(retain),
		alertCap:  alertCap,
	}
	w.lastUpdate.Store(now.UnixNano())
	return w
}

// TenantID returns the tenant the window belongs to.
func (w *Window) TenantID() string {
	return w.tenantID
}

// Capacity returns the maximum number of buffered events.
func (w *Window) Capacity() int {
	return len(w.ring)
}

// Len returns the number of buffered events.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// LastUpdate returns when the Dispatcher last folded events into the window.
func (w *Window) LastUpdate() time.Time {
	return time.Unix(0, w.lastUpdate.Load())
}

// Closed reports whether the window has been removed from its registry.
func (w *Window) Closed() bool {
	return w.removed.Load()
}

// Metrics returns a copy of the current metric snapshot.
func (w *Window) Metrics() map[string]float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return copyMetrics(w.metrics)
}

// Events returns a copy of the buffered events, oldest first.
func (w *Window) Events() []Event {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Event, 0, w.size)
	start := (w.head - w.size + len(w.ring)) % len(w.ring)
	for i := 0; i < w.size; i++ {
		out = append(out, w.ring[(start+i)%len(w.ring)])
	}
	return out
}

// View returns a point-in-time copy of the window.
func (w *Window) View() WindowView {
	w.mu.RLock()
	view := WindowView{
		TenantID:   w.tenantID,
		Metrics:    copyMetrics(w.metrics),
		Buffered:   w.size,
		CreatedAt:  w.createdAt,
		Processed:  w.processed.Load(),
		LastUpdate: w.LastUpdate(),
	}
	for name := range w.filter {
		view.Subscriptions = append(view.Subscriptions, name)
	}
	w.mu.RUnlock()
	sort.Strings(view.Subscriptions)
	return view
}

// Baseline returns the mean of metric over the minute history in
// [now-span, now-exclude]. ok is false when no sample qualifies.
func (w *Window) Baseline(metric string, now time.Time, span, exclude time.Duration) (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.history.baseline(metric, now, span, exclude)
}

// fold appends events, oldest evicted first, then recomputes the snapshot and
// records it in the minute history. Dispatcher only.
func (w *Window) fold(events []Event, now time.Time, lookback time.Duration, opts MetricOptions) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range events {
		w.ring[w.head] = e
		w.head = (w.head + 1) % len(w.ring)
		if w.size < len(w.ring) {
			w.size++
		}
	}
	w.processed.Add(int64(len(events)))
	w.lastUpdate.Store(now.UnixNano())
	w.recompute(now, lookback, opts)
}

// refresh recomputes the snapshot against now without new events, so rates
// decay as events age out of the lookback. Dispatcher only.
func (w *Window) refresh(now time.Time, lookback time.Duration, opts MetricOptions) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recompute(now, lookback, opts)
}

// recompute must be called with mu held.
func (w *Window) recompute(now time.Time, lookback time.Duration, opts MetricOptions) {
	cutoff, horizon := now.Add(-lookback), now.Add(MaxClockSkew)
	live := make([]Event, 0, w.size)
	start := (w.head - w.size + len(w.ring)) % len(w.ring)
	for i := 0; i < w.size; i++ {
		e := w.ring[(start+i)%len(w.ring)]
		if e.Timestamp.After(cutoff) && !e.Timestamp.After(horizon) {
			live = append(live, e)
		}
	}
	w.metrics = ComputeMetrics(live, now, lookback, opts)
	w.history.record(now, w.metrics)
}

// subscribe replaces the alert filter. An empty list forwards everything.
func (w *Window) subscribe(alertTypes []string) {
	filter := make(map[string]struct{}, len(alertTypes))
	for _, t := range alertTypes {
		if t != "" {
			filter[t] = struct{}{}
		}
	}
	w.mu.Lock()
	w.filter = filter
	w.mu.Unlock()
}

// wants reports whether alert passes the subscription filter. A filter entry
// matches either a rule name or a severity.
func (w *Window) wants(alert Alert) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.filter) == 0 {
		return true
	}
	if _, ok := w.filter[alert.RuleName]; ok {
		return true
	}
	_, ok := w.filter[string(alert.Severity)]
	return ok
}

// recordAlert appends to the in-memory alert ring, dropping the oldest.
func (w *Window) recordAlert(alert Alert) {
	w.alertsMu.Lock()
	defer w.alertsMu.Unlock()
	w.alerts = append(w.alerts, alert)
	if w.alertCap > 0 && len(w.alerts) > w.alertCap {
		w.alerts = append(w.alerts[:0], w.alerts[len(w.alerts)-w.alertCap:]...)
	}
}

// recentAlerts returns up to limit alerts triggered at or after since,
// newest first.
func (w *Window) recentAlerts(since time.Time, limit int) []Alert {
	w.alertsMu.Lock()
	defer w.alertsMu.Unlock()
	out := make([]Alert, 0, limit)
	for i := len(w.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if w.alerts[i].TriggeredAt.Before(since) {
			break
		}
		out = append(out, w.alerts[i])
	}
	return out
}

// close marks the window removed and waits for in-flight publications to
// finish. After close returns no publication can start on this window.
func (w *Window) close() {
	w.removed.Store(true)
	w.gate.Lock()
	//nolint:staticcheck // empty critical section drains holders of the read lock
	w.gate.Unlock()
}

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
