// Package wshub delivers engine messages to WebSocket subscribers and turns
// their control messages into engine operations.
//
// Each connection belongs to one tenant. The first connection for a tenant
// starts its session and the last one to leave stops it.
package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zoobzio/pulsez"
	"go.uber.org/zap"
)

// Controller is the engine surface the hub drives. *pulsez.Engine satisfies it.
type Controller interface {
	StartSession(ctx context.Context, tenantID string, opts ...pulsez.SessionOption) bool
	StopSession(tenantID string) bool
	Subscribe(tenantID string, alertTypes []string) bool
	QuickQuery(ctx context.Context, tenantID string) pulsez.QuickQueryResult
	ConfigureThreshold(ctx context.Context, tenantID, metric string, value float64, ttl time.Duration) error
}

// Defaults applied by New.
const (
	DefaultSendBuffer   = 64
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	maxMessageSize      = 64 << 10
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("wshub: hub closed")

// Hub tracks connections per tenant and implements pulsez.Sink over them.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Hub struct {
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration

	mu      sync.RWMutex
	tenants map[string]map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	// lifecycle serializes each tenant's membership change with the
	// session start or stop it triggers.
	lifecycle tenantLocks
}

// tenantLocks hands out one mutex per tenant, dropped once unused.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	sync.Mutex
	refs int
}

// lock acquires the tenant's mutex and returns its release.
func (l *tenantLocks) lock(tenantID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*tenantLock)
	}
	tl, ok := l.locks[tenantID]
	if !ok {
		tl = &tenantLock{}
		l.locks[tenantID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.Lock()
	return func() {
		tl.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, tenantID)
		}
		l.mu.Unlock()
	}
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithSendBuffer sets how many messages may queue per connection before the
// connection is considered too slow and dropped.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithPingInterval sets the keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithCheckOrigin sets the upgrade origin policy. The default accepts all
// origins.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// New creates an empty hub. Pass it to pulsez.WithDefaultSink, then mount
// Handler with the engine once the engine exists.
//
// Example:
//
//	hub := wshub.New(wshub.WithLogger(logger))
//	engine, _ := pulsez.New(cfg, pulsez.WithDefaultSink(hub))
//	mux.Handle("GET /ws/realtime/{tenant}", hub.Handler(engine))
func New(opts ...Option) *Hub {
	h := &Hub{
		logger: zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sendBuffer:   DefaultSendBuffer,
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
		tenants:      make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// envelope is the wire shape of every frame the hub writes.
type envelope struct {
	Type      string    `json:"type"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publish queues msg on every connection of tenantID. A connection whose
// buffer is full is dropped rather than waited on. A tenant without
// connections is not an error.
func (h *Hub) Publish(_ context.Context, tenantID string, msg pulsez.Message) error {
	frame, err := json.Marshal(envelope{
		Type:      string(msg.Type),
		TenantID:  msg.TenantID,
		Data:      msg.Data,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	var slow []*client
	for c := range h.tenants[tenantID] {
		if !c.queue(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket subscriber", zap.String("tenant", tenantID))
		c.close()
	}
	return nil
}

// Connections returns the number of open connections for tenantID.
func (h *Hub) Connections(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

// Close disconnects every client and waits for their pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.tenants {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	h.wg.Wait()
}

// add registers c and reports whether it is its tenant's first connection.
// On success the caller owns two pump slots in the wait group.
func (h *Hub) add(c *client) (first bool, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, false
	}
	h.wg.Add(2)
	set, exists := h.tenants[c.tenantID]
	if !exists {
		set = make(map[*client]struct{})
		h.tenants[c.tenantID] = set
	}
	set[c] = struct{}{}
	return len(set) == 1, true
}

// remove unregisters c and reports whether it was its tenant's last
// connection.
func (h *Hub) remove(c *client) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.tenants[c.tenantID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.tenants, c.tenantID)
		return true
	}
	return false
}
