package pulsez

import (
	"errors"
	"fmt"
	"time"
)

// Config tunes every worker of the engine. Start from DefaultConfig and
// override individual fields.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Config struct {
	// WindowCapacity is the number of events each tenant window retains.
	WindowCapacity int `mapstructure:"window_capacity" yaml:"window_capacity"`
	// QueueCapacity bounds the intake queue.
	QueueCapacity int `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	// BatchSize is the maximum number of events per dispatched micro-batch.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// DispatchWait bounds how long the Dispatcher waits for a first event.
	DispatchWait time.Duration `mapstructure:"dispatch_wait" yaml:"dispatch_wait"`
	// Lookback is the trailing interval current metrics are computed over.
	Lookback time.Duration `mapstructure:"lookback" yaml:"lookback"`
	// BaselineWindow is the minute history kept for relative rules.
	BaselineWindow time.Duration `mapstructure:"baseline_window" yaml:"baseline_window"`
	// RefreshInterval is how often idle windows are recomputed.
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	// IdleTimeout removes windows not updated for this long. Zero disables.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	AggregateInterval time.Duration `mapstructure:"aggregate_interval" yaml:"aggregate_interval"`
	AlertInterval     time.Duration `mapstructure:"alert_interval" yaml:"alert_interval"`
	ForecastInterval  time.Duration `mapstructure:"forecast_interval" yaml:"forecast_interval"`

	// ForecastMinPoints is the buffered-event floor below which no
	// prediction is produced.
	ForecastMinPoints int           `mapstructure:"forecast_min_points" yaml:"forecast_min_points"`
	ForecastBuckets   int           `mapstructure:"forecast_buckets" yaml:"forecast_buckets"`
	ForecastHorizon   time.Duration `mapstructure:"forecast_horizon" yaml:"forecast_horizon"`

	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`

	RecentAlertLimit   int           `mapstructure:"recent_alert_limit" yaml:"recent_alert_limit"`
	RecentAlertWindow  time.Duration `mapstructure:"recent_alert_window" yaml:"recent_alert_window"`
	AlertHistoryLimit  int           `mapstructure:"alert_history_limit" yaml:"alert_history_limit"`
	OverrideDefaultTTL time.Duration `mapstructure:"override_default_ttl" yaml:"override_default_ttl"`

	// UnusualSessionEvents is the per-session event count above which a
	// session is considered unusual.
	UnusualSessionEvents int `mapstructure:"unusual_session_events" yaml:"unusual_session_events"`

	Breaker BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WindowCapacity:       1000,
		QueueCapacity:        10000,
		BatchSize:            100,
		DispatchWait:         time.Second,
		Lookback:             time.Minute,
		BaselineWindow:       time.Hour,
		RefreshInterval:      5 * time.Second,
		IdleTimeout:          30 * time.Minute,
		AggregateInterval:    time.Second,
		AlertInterval:        10 * time.Second,
		ForecastInterval:     time.Minute,
		ForecastMinPoints:    10,
		ForecastBuckets:      5,
		ForecastHorizon:      5 * time.Minute,
		PublishTimeout:       2 * time.Second,
		StoreTimeout:         2 * time.Second,
		RecentAlertLimit:     10,
		RecentAlertWindow:    time.Hour,
		AlertHistoryLimit:    100,
		OverrideDefaultTTL:   24 * time.Hour,
		UnusualSessionEvents: 50,
		Breaker:              DefaultBreakerConfig(),
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDuration := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("window_capacity", c.WindowCapacity)
	positive("queue_capacity", c.QueueCapacity)
	positive("batch_size", c.BatchSize)
	positive("forecast_min_points", c.ForecastMinPoints)
	positive("forecast_buckets", c.ForecastBuckets)
	positive("recent_alert_limit", c.RecentAlertLimit)
	positive("alert_history_limit", c.AlertHistoryLimit)
	positive("unusual_session_events", c.UnusualSessionEvents)

	positiveDuration("dispatch_wait", c.DispatchWait)
	positiveDuration("lookback", c.Lookback)
	positiveDuration("baseline_window", c.BaselineWindow)
	positiveDuration("refresh_interval", c.RefreshInterval)
	positiveDuration("aggregate_interval", c.AggregateInterval)
	positiveDuration("alert_interval", c.AlertInterval)
	positiveDuration("forecast_interval", c.ForecastInterval)
	positiveDuration("forecast_horizon", c.ForecastHorizon)
	positiveDuration("publish_timeout", c.PublishTimeout)
	positiveDuration("store_timeout", c.StoreTimeout)
	positiveDuration("recent_alert_window", c.RecentAlertWindow)
	positiveDuration("override_default_ttl", c.OverrideDefaultTTL)

	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must not be negative, got %s", c.IdleTimeout))
	}
	if c.BaselineWindow <= c.Lookback {
		errs = append(errs, fmt.Errorf("baseline_window (%s) must exceed lookback (%s)", c.BaselineWindow, c.Lookback))
	}
	if c.RecentAlertLimit > c.AlertHistoryLimit {
		errs = append(errs, fmt.Errorf("recent_alert_limit (%d) must not exceed alert_history_limit (%d)",
			c.RecentAlertLimit, c.AlertHistoryLimit))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("pulsez: invalid config: %w", errors.Join(errs...))
}

func (c Config) metricOptions() MetricOptions {
	return MetricOptions{UnusualSessionEvents: c.UnusualSessionEvents}
}
