package pulsez

import (
	"sort"
	"sync"
	"time"
)

// SessionOption configures a window when its session starts.
type SessionOption func(*Window)

// WithSink routes the session's messages to sink instead of the engine's
// default sink.
func WithSink(sink Sink) SessionOption {
	return func(w *Window) {
		w.sink = sink
	}
}

// WithAlertTypes sets the initial alert subscription filter.
func WithAlertTypes(alertTypes ...string) SessionOption {
	return func(w *Window) {
		w.subscribe(alertTypes)
	}
}

// windowParams holds what the registry needs to build a window.
type windowParams struct {
	capacity int
	retain   time.Duration
	alertCap int
	breaker  BreakerConfig
}

// Registry owns the tenant to window mapping. Its lock guards membership
// only; each window carries its own lock, so readers and the Dispatcher never
// serialize across unrelated tenants.
type Registry struct {
	mu      sync.RWMutex
	windows map[string]*Window
	params  windowParams
	clock   Clock

	onChange func(active int)
}

// NewRegistry creates an empty registry building windows of the given
// capacity.
func NewRegistry(capacity int, clock Clock) *Registry {
	return newRegistry(windowParams{
		capacity: capacity,
		retain:   time.Hour,
		alertCap: 100,
		breaker:  DefaultBreakerConfig(),
	}, clock)
}

func newRegistry(params windowParams, clock Clock) *Registry {
	return &Registry{
		windows: make(map[string]*Window),
		params:  params,
		clock:   clock,
	}
}

// OnChange sets a callback invoked with the number of active windows after
// every create and remove.
func (r *Registry) OnChange(fn func(active int)) *Registry {
	r.onChange = fn
	return r
}

// Create returns the tenant's window, creating it if absent. created is false
// when the window already existed; the options are then not applied.
func (r *Registry) Create(tenantID string, opts ...SessionOption) (w *Window, created bool) {
	r.mu.Lock()
	if existing, ok := r.windows[tenantID]; ok {
		r.mu.Unlock()
		return existing, false
	}
	now := r.clock.Now()
	w = newWindow(tenantID, r.params.capacity, r.params.retain, r.params.alertCap, now)
	w.breaker = NewBreaker(r.params.breaker, r.clock)
	for _, opt := range opts {
		opt(w)
	}
	r.windows[tenantID] = w
	active := len(r.windows)
	r.mu.Unlock()

	r.changed(active)
	return w, true
}

// Remove deletes the tenant's window and waits for its in-flight publications
// to drain. It is idempotent and reports whether a window was removed.
func (r *Registry) Remove(tenantID string) bool {
	r.mu.Lock()
	w, ok := r.windows[tenantID]
	if ok {
		delete(r.windows, tenantID)
	}
	active := len(r.windows)
	r.mu.Unlock()

	if !ok {
		return false
	}
	w.close()
	r.changed(active)
	return true
}

// removeIf deletes the tenant's window only if it is still w.
func (r *Registry) removeIf(tenantID string, w *Window) bool {
	r.mu.Lock()
	current, ok := r.windows[tenantID]
	if ok && current == w {
		delete(r.windows, tenantID)
	}
	active := len(r.windows)
	r.mu.Unlock()

	if !ok || current != w {
		return false
	}
	w.close()
	r.changed(active)
	return true
}

// Get returns a copy of the tenant's window state.
func (r *Registry) Get(tenantID string) (WindowView, bool) {
	w, ok := r.Window(tenantID)
	if !ok {
		return WindowView{}, false
	}
	return w.View(), true
}

// Window returns the live window for tenantID.
func (r *Registry) Window(tenantID string) (*Window, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[tenantID]
	return w, ok
}

// Active returns the windows present at the time of the call, ordered by
// tenant. A window in the slice may be removed while the caller iterates;
// Closed reports that.
func (r *Registry) Active() []*Window {
	r.mu.RLock()
	out := make([]*Window, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, w)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].tenantID < out[j].tenantID })
	return out
}

// Contains reports whether tenantID has an active window.
func (r *Registry) Contains(tenantID string) bool {
	_, ok := r.Window(tenantID)
	return ok
}

// Len returns the number of active windows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.windows)
}

func (r *Registry) changed(active int) {
	if r.onChange != nil {
		r.onChange(active)
	}
}
