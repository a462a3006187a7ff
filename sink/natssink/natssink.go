// Package natssink publishes engine messages on NATS subjects so other
// services can consume metrics, alerts and predictions without a WebSocket.
package natssink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/zoobzio/pulsez"
	"go.uber.org/zap"
)

// DefaultPrefix is the first subject token.
const DefaultPrefix = "pulsez"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sink implements pulsez.Sink on a NATS connection. Messages go to
// <prefix>.<tenant>.<type>.
type Sink struct {
	conn   Publisher
	prefix string
}

// Option configures a Sink.
type Option func(*Sink)

// WithPrefix sets the first subject token.
func WithPrefix(prefix string) Option {
	return func(s *Sink) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New creates a Sink on conn.
func New(conn Publisher, opts ...Option) *Sink {
	s := &Sink{conn: conn, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subject returns the subject for tenantID and msgType. Characters NATS
// treats as separators or wildcards are replaced in the tenant token.
func (s *Sink) Subject(tenantID string, msgType pulsez.MessageType) string {
	return s.prefix + "." + token(tenantID) + "." + token(string(msgType))
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// Publish encodes msg as JSON and publishes it. The NATS client buffers
// writes, so ctx is only checked before publishing.
func (s *Sink) Publish(ctx context.Context, tenantID string, msg pulsez.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("natssink: encode %s: %w", msg.Type, err)
	}
	subject := s.Subject(tenantID, msg.Type)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("natssink: publish %s: %w", subject, err)
	}
	return nil
}

// Connect dials url with reconnect handling logged through logger.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natssink: connect %s: %w", url, err)
	}
	return nc, nil
}

var (
	_ pulsez.Sink = (*Sink)(nil)
	_ Publisher   = (*nats.Conn)(nil)
)
