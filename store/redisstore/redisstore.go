// Package redisstore persists alert history and threshold overrides in Redis.
//
// Alerts for a tenant live in a capped list under alerts:{tenant}, newest
// first. Overrides live in a hash under custom_thresholds:{tenant}, one field
// per metric, each value carrying its own expiry.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/pulsez"
)

// Defaults applied by New.
const (
	DefaultHistoryLimit     = 100
	DefaultHistoryRetention = 7 * 24 * time.Hour
	DefaultOverrideTTL      = 24 * time.Hour
)

// Store implements pulsez.Store on a go-redis client.
type Store struct {
	client    redis.Cmdable
	clock     pulsez.Clock
	limit     int64
	retention time.Duration
	ttl       time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit caps the number of alerts kept per tenant.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = int64(n)
		}
	}
}

// WithHistoryRetention sets how long a tenant's alert list outlives its last
// write.
func WithHistoryRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithOverrideTTL sets how long a tenant's override hash outlives its last
// write.
func WithOverrideTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock sets the clock used to discard expired overrides on load.
func WithClock(clock pulsez.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates a Store on client.
//
// When to use:
//   - Several engine replicas share alert history
//   - Overrides must survive an engine restart
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	engine, err := pulsez.New(cfg, pulsez.WithStore(redisstore.New(client)))
//
// Parameters:
//   - client: Any go-redis client, cluster client or ring
//   - opts: Retention and cap overrides
//
// Returns a Store ready for use.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		clock:     pulsez.RealClock,
		limit:     DefaultHistoryLimit,
		retention: DefaultHistoryRetention,
		ttl:       DefaultOverrideTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func alertsKey(tenantID string) string {
	return "alerts:" + tenantID
}

func thresholdsKey(tenantID string) string {
	return "custom_thresholds:" + tenantID
}

// SaveAlert prepends alert to the tenant's history and trims it to the cap.
func (s *Store) SaveAlert(ctx context.Context, tenantID string, alert pulsez.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("redisstore: encode alert: %w", err)
	}
	key := alertsKey(tenantID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.limit-1)
		pipe.Expire(ctx, key, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: save alert for %s: %w", tenantID, err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first. Entries that no
// longer decode are skipped.
func (s *Store) RecentAlerts(ctx context.Context, tenantID string, limit int) ([]pulsez.Alert, error) {
	if limit <= 0 {
		return []pulsez.Alert{}, nil
	}
	values, err := s.client.LRange(ctx, alertsKey(tenantID), 0, int64(limit)-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: load alerts for %s: %w", tenantID, err)
	}
	alerts := make([]pulsez.Alert, 0, len(values))
	for _, v := range values {
		var alert pulsez.Alert
		if json.Unmarshal([]byte(v), &alert) != nil {
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// SaveThreshold stores the override under its metric, replacing any previous
// override for that metric.
func (s *Store) SaveThreshold(ctx context.Context, tenantID string, override pulsez.ThresholdOverride) error {
	data, err := json.Marshal(override)
	if err != nil {
		return fmt.Errorf("redisstore: encode override: %w", err)
	}
	key := thresholdsKey(tenantID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, override.Metric, data)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: save override for %s: %w", tenantID, err)
	}
	return nil
}

// LoadThresholds returns the tenant's unexpired overrides.
func (s *Store) LoadThresholds(ctx context.Context, tenantID string) ([]pulsez.ThresholdOverride, error) {
	fields, err := s.client.HGetAll(ctx, thresholdsKey(tenantID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: load overrides for %s: %w", tenantID, err)
	}
	now := s.clock.Now()
	overrides := make([]pulsez.ThresholdOverride, 0, len(fields))
	for _, v := range fields {
		var o pulsez.ThresholdOverride
		if json.Unmarshal([]byte(v), &o) != nil || o.Expired(now) {
			continue
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}

var _ pulsez.Store = (*Store)(nil)
