// Package sqlitestore persists alert history and threshold overrides in a
// local SQLite file, for single-node deployments without Redis.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zoobzio/pulsez"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DefaultHistoryLimit is the number of alerts kept per tenant.
const DefaultHistoryLimit = 100

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id    TEXT NOT NULL,
	id           TEXT NOT NULL,
	triggered_at INTEGER NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_tenant ON alerts (tenant_id, seq);

CREATE TABLE IF NOT EXISTS thresholds (
	tenant_id  TEXT NOT NULL,
	metric     TEXT NOT NULL,
	value      REAL NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, metric)
);
`

// Store implements pulsez.Store on SQLite.
type Store struct {
	db    *sql.DB
	clock pulsez.Clock
	limit int
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit caps the number of alerts kept per tenant.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithClock sets the clock used to discard expired overrides.
func WithClock(clock pulsez.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Open opens or creates the database at path and ensures the schema.
//
// Example:
//
//	store, err := sqlitestore.Open("/var/lib/pulsez/state.db")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
// Parameters:
//   - path: Database file; created when missing
//   - opts: History cap and clock overrides
//
// Returns the store or the open/schema error.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: initialize schema: %w", err)
	}

	s := &Store{db: db, clock: pulsez.RealClock, limit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAlert appends alert and drops the tenant's alerts beyond the cap.
func (s *Store) SaveAlert(ctx context.Context, tenantID string, alert pulsez.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode alert: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO alerts (tenant_id, id, triggered_at, data) VALUES (?, ?, ?, ?)`,
		tenantID, alert.ID, alert.TriggeredAt.UnixNano(), string(data),
	); err != nil {
		return fmt.Errorf("sqlitestore: save alert for %s: %w", tenantID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM alerts WHERE tenant_id = ? AND seq NOT IN (
			SELECT seq FROM alerts WHERE tenant_id = ? ORDER BY seq DESC LIMIT ?
		)`,
		tenantID, tenantID, s.limit,
	); err != nil {
		return fmt.Errorf("sqlitestore: trim alerts for %s: %w", tenantID, err)
	}
	return tx.Commit()
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *Store) RecentAlerts(ctx context.Context, tenantID string, limit int) ([]pulsez.Alert, error) {
	alerts := []pulsez.Alert{}
	if limit <= 0 {
		return alerts, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM alerts WHERE tenant_id = ? ORDER BY seq DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load alerts for %s: %w", tenantID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan alert: %w", err)
		}
		var alert pulsez.Alert
		if json.Unmarshal([]byte(data), &alert) != nil {
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// SaveThreshold upserts the override for its metric.
func (s *Store) SaveThreshold(ctx context.Context, tenantID string, override pulsez.ThresholdOverride) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thresholds (tenant_id, metric, value, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, metric) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		tenantID, override.Metric, override.Value, override.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save override for %s: %w", tenantID, err)
	}
	return nil
}

// LoadThresholds returns the tenant's unexpired overrides and deletes the
// expired ones.
func (s *Store) LoadThresholds(ctx context.Context, tenantID string) ([]pulsez.ThresholdOverride, error) {
	now := s.clock.Now().UnixNano()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM thresholds WHERE tenant_id = ? AND expires_at <= ?`, tenantID, now,
	); err != nil {
		return nil, fmt.Errorf("sqlitestore: expire overrides for %s: %w", tenantID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT metric, value, expires_at FROM thresholds WHERE tenant_id = ? ORDER BY metric`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load overrides for %s: %w", tenantID, err)
	}
	defer rows.Close()

	overrides := []pulsez.ThresholdOverride{}
	for rows.Next() {
		var (
			o       pulsez.ThresholdOverride
			expires int64
		)
		if err := rows.Scan(&o.Metric, &o.Value, &expires); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan override: %w", err)
		}
		o.ExpiresAt = time.Unix(0, expires).UTC()
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

var _ pulsez.Store = (*Store)(nil)
