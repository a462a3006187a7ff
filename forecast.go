package pulsez

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prediction is a short-horizon projection of one per-minute series.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Prediction struct {
	TenantID       string        `json:"tenant_id"`
	Metric         string        `json:"metric"`
	Horizon        time.Duration `json:"horizon"`
	PredictedValue float64       `json:"predicted_value"`
	Confidence     float64       `json:"confidence"`
	Trend          Trend         `json:"trend"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// Confidence bounds for every prediction.
const (
	minConfidence  = 0.05
	maxConfidence  = 0.95
	baseConfidence = 0.75
)

// ForecastConfig tunes Forecast.
type ForecastConfig struct {
	// MinPoints is the buffered-event floor below which nothing is predicted.
	MinPoints int
	// Buckets is the number of complete trailing minutes the model reads.
	Buckets int
	// Horizon is how far ahead the projection reaches.
	Horizon time.Duration
}

// forecastSeries are the per-minute series a forecast covers, with the
// predicate selecting the events each one counts.
var forecastSeries = []struct {
	metric string
	counts func(Event) bool
}{
	{MetricEventsPerMinute, func(Event) bool { return true }},
	{MetricPageViewsPerMinute, func(e Event) bool { return e.Type == EventPageView }},
	{MetricConversionsPerMinute, func(e Event) bool { return e.Type.IsConversion() }},
	{MetricErrorsPerMinute, func(e Event) bool { return e.IsError() }},
}

// Forecast projects each tracked series for tenantID from the buffered
// events. It returns nil when fewer than MinPoints events are buffered.
//
// Each series is the count of matching events in each of the last Buckets
// complete wall-clock minutes. The projection is the series mean moved along
// its least-squares slope for the horizon, floored at zero. Confidence shrinks
// with missing minutes and with the series' coefficient of variation.
func Forecast(tenantID string, events []Event, now time.Time, cfg ForecastConfig) []Prediction {
	if len(events) < cfg.MinPoints || cfg.Buckets < 1 {
		return nil
	}

	end := now.Truncate(time.Minute)
	start := end.Add(-time.Duration(cfg.Buckets) * time.Minute)
	counts := make([][]float64, len(forecastSeries))
	for i := range counts {
		counts[i] = make([]float64, cfg.Buckets)
	}
	active := make([]bool, cfg.Buckets)

	for _, e := range events {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		bucket := int(e.Timestamp.Sub(start) / time.Minute)
		active[bucket] = true
		for i, series := range forecastSeries {
			if series.counts(e) {
				counts[i][bucket]++
			}
		}
	}

	covered := 0
	for _, ok := range active {
		if ok {
			covered++
		}
	}
	coverage := float64(covered) / float64(cfg.Buckets)
	horizon := cfg.Horizon.Minutes()

	predictions := make([]Prediction, 0, len(forecastSeries))
	for i, series := range forecastSeries {
		mean, slope, cv := fit(counts[i])
		predictions = append(predictions, Prediction{
			TenantID:       tenantID,
			Metric:         series.metric,
			Horizon:        cfg.Horizon,
			PredictedValue: math.Max(0, mean+slope*horizon),
			Confidence:     clamp(baseConfidence*coverage/(1+cv), minConfidence, maxConfidence),
			Trend:          slopeTrend(mean, slope, len(counts[i])),
			GeneratedAt:    now,
		})
	}
	return predictions
}

// fit returns the mean, least-squares slope and coefficient of variation of
// ys sampled at x = 0, 1, 2, ...
func fit(ys []float64) (mean, slope, cv float64) {
	n := float64(len(ys))
	if n == 0 {
		return 0, 0, 0
	}
	var sumY float64
	for _, y := range ys {
		sumY += y
	}
	mean = sumY / n
	meanX := (n - 1) / 2

	var sxy, sxx, ss float64
	for i, y := range ys {
		dx := float64(i) - meanX
		sxy += dx * (y - mean)
		sxx += dx * dx
		ss += (y - mean) * (y - mean)
	}
	if sxx > 0 {
		slope = sxy / sxx
	}
	if mean > 0 {
		cv = math.Sqrt(ss/n) / mean
	}
	return mean, slope, cv
}

func slopeTrend(mean, slope float64, points int) Trend {
	return direction(mean, mean+slope*float64(points))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Forecaster runs Forecast for every active window on a fixed period.
type Forecaster struct {
	registry  *Registry
	publisher *publisher
	clock     Clock
	logger    *zap.Logger
	metrics   *telemetry
	interval  time.Duration
	config    ForecastConfig
}

func newForecaster(cfg Config, registry *Registry, pub *publisher, clock Clock, logger *zap.Logger, metrics *telemetry) *Forecaster {
	return &Forecaster{
		registry:  registry,
		publisher: pub,
		clock:     clock,
		logger:    logger.With(zap.String("worker", workerForecaster)),
		metrics:   metrics,
		interval:  cfg.ForecastInterval,
		config: ForecastConfig{
			MinPoints: cfg.ForecastMinPoints,
			Buckets:   cfg.ForecastBuckets,
			Horizon:   cfg.ForecastHorizon,
		},
	}
}

// Run forecasts once per forecast interval until ctx is done.
func (f *Forecaster) Run(ctx context.Context) {
	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			f.Cycle(ctx)
		}
	}
}

// Cycle forecasts every active window and publishes non-empty results. It
// returns the predictions keyed by tenant; tenants below the data floor are
// absent.
func (f *Forecaster) Cycle(ctx context.Context) map[string][]Prediction {
	now := f.clock.Now()
	windows := f.registry.Active()

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string][]Prediction)
	for _, w := range windows {
		if w.Closed() {
			continue
		}
		wg.Add(1)
		go func(w *Window) {
			defer wg.Done()
			predictions := f.forecast(w, now)
			if len(predictions) == 0 {
				return
			}
			mu.Lock()
			results[w.tenantID] = predictions
			mu.Unlock()
			//nolint:errcheck // failures are logged and counted by the publisher
			f.publisher.publish(ctx, w, MessagePredictions, predictions)
		}(w)
	}
	wg.Wait()

	f.metrics.observeCycle(workerForecaster, now, f.clock.Now())
	return results
}

func (f *Forecaster) forecast(w *Window, now time.Time) (predictions []Prediction) {
	defer func() {
		if r := recover(); r != nil {
			f.metrics.panics.WithLabelValues(workerForecaster).Inc()
			f.logger.Error("recovered while forecasting",
				zap.String("tenant", w.tenantID),
				zap.Error(recovered(r)),
			)
			predictions = nil
		}
	}()
	if w.Len() < f.config.MinPoints {
		return nil
	}
	return Forecast(w.tenantID, w.Events(), now, f.config)
}
