package wshub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zoobzio/pulsez"
	"go.uber.org/zap"
)

// Control message types accepted from subscribers.
const (
	ControlQuickAnalysis       = "quick_analysis"
	ControlRequestAnalysis     = "request_analysis"
	ControlSubscribeAlerts     = "subscribe_alerts"
	ControlConfigureThresholds = "configure_thresholds"
	ControlPing                = "ping"
)

// Reply types written in response to control messages.
const (
	ReplyConnected        = "connection_established"
	ReplyAnalysis         = "analysis_result"
	ReplySubscribed       = "alerts_subscribed"
	ReplyThresholdsStored = "thresholds_configured"
	ReplyPong             = "pong"
	ReplyError            = "error"
)

// control is a subscriber request. Thresholds maps metric names to values;
// TTLSeconds applies to all of them, zero selecting the engine default.
type control struct {
	Type       string             `json:"type"`
	AlertTypes []string           `json:"alert_types,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	TTLSeconds int                `json:"ttl_seconds,omitempty"`
}

type client struct {
	tenantID  string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// queue offers frame without blocking.
func (c *client) queue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Handler upgrades requests to WebSocket connections for the tenant named by
// the {tenant} path value, or the tenant query parameter when the route has
// no such wildcard. Routers with their own path variables call Serve.
func (h *Hub) Handler(engine Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.PathValue("tenant")
		if tenantID == "" {
			tenantID = r.URL.Query().Get("tenant")
		}
		h.Serve(w, r, engine, tenantID)
	})
}

// Serve upgrades r to a WebSocket connection for tenantID and returns once
// the connection's pumps are running.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, engine Controller, tenantID string) {
	if tenantID == "" {
		http.Error(w, "missing tenant", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("tenant", tenantID), zap.Error(err))
		return
	}
	c := &client{
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		done:     make(chan struct{}),
	}
	unlock := h.lifecycle.lock(tenantID)
	first, ok := h.add(c)
	if !ok {
		unlock()
		_ = conn.Close()
		return
	}
	if first {
		engine.StartSession(context.Background(), tenantID)
	}
	unlock()
	h.logger.Info("websocket connected",
		zap.String("tenant", tenantID),
		zap.Int("connections", h.Connections(tenantID)),
	)
	h.reply(c, envelope{Type: ReplyConnected, TenantID: tenantID})

	go h.writePump(c)
	go h.readPump(c, engine)
}

func (h *Hub) readPump(c *client, engine Controller) {
	defer h.wg.Done()
	defer func() {
		c.close()
		unlock := h.lifecycle.lock(c.tenantID)
		if h.remove(c) {
			engine.StopSession(c.tenantID)
		}
		unlock()
		h.logger.Info("websocket disconnected", zap.String("tenant", c.tenantID))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))

		var msg control
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(c, envelope{Type: ReplyError, Message: "invalid message format"})
			continue
		}
		h.handle(c, engine, msg)
	}
}

func (h *Hub) handle(c *client, engine Controller, msg control) {
	ctx := context.Background()
	switch msg.Type {
	case ControlQuickAnalysis, ControlRequestAnalysis:
		h.reply(c, envelope{Type: ReplyAnalysis, TenantID: c.tenantID, Data: engine.QuickQuery(ctx, c.tenantID)})

	case ControlSubscribeAlerts:
		if !engine.Subscribe(c.tenantID, msg.AlertTypes) {
			h.reply(c, envelope{Type: ReplyError, Message: "no active session"})
			return
		}
		h.reply(c, envelope{Type: ReplySubscribed, TenantID: c.tenantID, Data: msg.AlertTypes})

	case ControlConfigureThresholds:
		if len(msg.Thresholds) == 0 {
			h.reply(c, envelope{Type: ReplyError, Message: "no thresholds given"})
			return
		}
		ttl := time.Duration(msg.TTLSeconds) * time.Second
		for metric, value := range msg.Thresholds {
			if err := engine.ConfigureThreshold(ctx, c.tenantID, metric, value, ttl); err != nil {
				h.reply(c, envelope{Type: ReplyError, Message: err.Error()})
				return
			}
		}
		h.reply(c, envelope{Type: ReplyThresholdsStored, TenantID: c.tenantID, Data: msg.Thresholds})

	case ControlPing:
		h.reply(c, envelope{Type: ReplyPong, TenantID: c.tenantID})

	default:
		h.reply(c, envelope{Type: ReplyError, Message: "unknown message type: " + msg.Type})
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct response to c.
func (h *Hub) reply(c *client, e envelope) {
	e.Timestamp = time.Now().UTC()
	frame, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encoding websocket reply", zap.String("type", e.Type), zap.Error(err))
		return
	}
	if !c.queue(frame) {
		c.close()
	}
}

var _ pulsez.Sink = (*Hub)(nil)
