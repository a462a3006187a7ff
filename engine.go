package pulsez

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Engine wires the intake queue, the window registry and the four workers
// together and exposes the control operations used by transports.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Engine struct {
	config     Config
	clock      Clock
	logger     *zap.Logger
	store      Store
	sink       Sink
	rules      []AlertRule
	registerer prometheus.Registerer

	metrics    *telemetry
	queue      *Queue
	registry   *Registry
	overrides  *Overrides
	publisher  *publisher
	dispatcher *Dispatcher
	aggregator *Aggregator
	alerts     *AlertEngine
	forecaster *Forecaster

	running atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock every worker schedules on. Defaults to RealClock.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStore sets the durable collaborator for alert history and overrides.
func WithStore(store Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithDefaultSink sets the sink used by sessions started without WithSink.
func WithDefaultSink(sink Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithRules replaces the built-in rule set.
func WithRules(rules []AlertRule) Option {
	return func(e *Engine) {
		e.rules = rules
	}
}

// WithRegisterer sets where the engine's Prometheus collectors register.
// Defaults to a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// New validates cfg and builds an engine. The engine does nothing until Run
// is called, but sessions can be started and events ingested beforehand.
//
// Example:
//
//	engine, err := pulsez.New(pulsez.DefaultConfig(),
//		pulsez.WithLogger(logger),
//		pulsez.WithStore(redisstore.New(client)),
//		pulsez.WithDefaultSink(hub),
//	)
//
// Parameters:
//   - cfg: Engine configuration, usually DefaultConfig with overrides
//   - opts: Optional collaborators and instrumentation
//
// Returns the engine or the configuration error.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		config: cfg,
		clock:  RealClock,
		logger: zap.NewNop(),
		rules:  DefaultRules(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := ValidateRules(e.rules); err != nil {
		return nil, err
	}
	if e.registerer == nil {
		e.registerer = prometheus.NewRegistry()
	}

	metrics, err := registerTelemetry(e.registerer)
	if err != nil {
		return nil, err
	}
	e.metrics = metrics

	e.queue = NewQueue(cfg.QueueCapacity).OnFull(func(rejected int) {
		e.metrics.dropped.WithLabelValues("capacity").Add(float64(rejected))
	})
	e.registry = newRegistry(windowParams{
		capacity: cfg.WindowCapacity,
		retain:   cfg.BaselineWindow,
		alertCap: cfg.AlertHistoryLimit,
		breaker:  cfg.Breaker,
	}, e.clock).OnChange(func(active int) {
		e.metrics.activeWindows.Set(float64(active))
	})
	e.overrides = NewOverrides()
	e.publisher = &publisher{
		fallback: e.sink,
		timeout:  cfg.PublishTimeout,
		clock:    e.clock,
		logger:   e.logger,
		metrics:  e.metrics,
	}

	e.dispatcher = newDispatcher(cfg, e.queue, e.registry, e.clock, e.logger, e.metrics)
	e.aggregator = newAggregator(cfg, e.registry, e.publisher, e.clock, e.logger, e.metrics)
	e.alerts = newAlertEngine(cfg, e.rules, e.registry, e.overrides, e.publisher, e.store, e.clock, e.logger, e.metrics)
	e.forecaster = newForecaster(cfg, e.registry, e.publisher, e.clock, e.logger, e.metrics)
	return e, nil
}

// registerTelemetry turns a duplicate-registration panic into an error.
func registerTelemetry(reg prometheus.Registerer) (t *telemetry, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("pulsez: register metrics: %w", recovered(r))
		}
	}()
	return newTelemetry(reg), nil
}

// ErrRunning is returned by Run when the engine is already running.
var ErrRunning = errors.New("pulsez: engine already running")

// Run starts the four workers and blocks until ctx is done and every worker
// has returned.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer e.running.Store(false)

	e.logger.Info("engine started",
		zap.Int("rules", len(e.rules)),
		zap.Int("queue_capacity", e.config.QueueCapacity),
		zap.Int("window_capacity", e.config.WindowCapacity),
	)

	workers := []struct {
		name string
		run  func(context.Context)
	}{
		{workerDispatcher, e.dispatcher.Run},
		{workerAggregator, e.aggregator.Run},
		{workerAlerts, e.alerts.Run},
		{workerForecaster, e.forecaster.Run},
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(name string, run func(context.Context)) {
			defer wg.Done()
			e.supervise(ctx, name, run)
		}(w.name, w.run)
	}
	wg.Wait()

	e.logger.Info("engine stopped")
	return nil
}

// supervise keeps a worker alive across panics until ctx is done.
func (e *Engine) supervise(ctx context.Context, name string, run func(context.Context)) {
	for ctx.Err() == nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.metrics.panics.WithLabelValues(name).Inc()
					e.logger.Error("worker recovered from panic",
						zap.String("worker", name),
						zap.Error(recovered(r)),
					)
				}
			}()
			run(ctx)
		}()
	}
}

// Health reports the engine's live state.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Health struct {
	Running       bool        `json:"running"`
	QueueDepth    int         `json:"queue_depth"`
	QueueCapacity int         `json:"queue_capacity"`
	ActiveWindows int         `json:"active_windows"`
	Throughput    StreamStats `json:"throughput"`
}

// Health returns a point-in-time view of the engine.
func (e *Engine) Health() Health {
	return Health{
		Running:       e.running.Load(),
		QueueDepth:    e.queue.Len(),
		QueueCapacity: e.queue.Cap(),
		ActiveWindows: e.registry.Len(),
		Throughput:    e.dispatcher.Stats(),
	}
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.config }

// Registry returns the window registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Queue returns the intake queue.
func (e *Engine) Queue() *Queue { return e.queue }

// Dispatcher returns the batch dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Aggregator returns the metrics aggregator.
func (e *Engine) Aggregator() *Aggregator { return e.aggregator }

// Alerts returns the alert rule engine.
func (e *Engine) Alerts() *AlertEngine { return e.alerts }

// Forecaster returns the forecast engine.
func (e *Engine) Forecaster() *Forecaster { return e.forecaster }
