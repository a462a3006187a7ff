package pulsez

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Alert is an immutable record of a rule firing for a tenant.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Alert struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	RuleName           string    `json:"rule_name"`
	Severity           Severity  `json:"severity"`
	Message            string    `json:"message"`
	TriggeredAt        time.Time `json:"triggered_at"`
	MetricName         string    `json:"metric_name"`
	CurrentValue       float64   `json:"current_value"`
	ThresholdValue     float64   `json:"threshold_value"`
	RecommendedActions []string  `json:"recommended_actions"`
	AutoResolved       bool      `json:"auto_resolved"`
}

// AlertEngine periodically evaluates every rule against every active window.
// Its cooldown table belongs to the goroutine running Cycle; nothing else
// reads or writes it.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type AlertEngine struct {
	registry  *Registry
	rules     []AlertRule
	overrides *Overrides
	cooldowns *cooldowns
	publisher *publisher
	store     Store
	clock     Clock
	logger    *zap.Logger
	metrics   *telemetry

	interval       time.Duration
	lookback       time.Duration
	baselineWindow time.Duration
	storeTimeout   time.Duration
}

func newAlertEngine(cfg Config, rules []AlertRule, registry *Registry, overrides *Overrides, pub *publisher,
	store Store, clock Clock, logger *zap.Logger, metrics *telemetry) *AlertEngine {
	return &AlertEngine{
		registry:       registry,
		rules:          rules,
		overrides:      overrides,
		cooldowns:      newCooldowns(),
		publisher:      pub,
		store:          store,
		clock:          clock,
		logger:         logger.With(zap.String("worker", workerAlerts)),
		metrics:        metrics,
		interval:       cfg.AlertInterval,
		lookback:       cfg.Lookback,
		baselineWindow: cfg.BaselineWindow,
		storeTimeout:   cfg.StoreTimeout,
	}
}

// Run evaluates the rules once per alert interval until ctx is done.
func (a *AlertEngine) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.Cycle(ctx)
		}
	}
}

// Cycle evaluates every (tenant, rule) pair once and returns the alerts that
// fired. A failing pair is logged and skipped without affecting the others.
func (a *AlertEngine) Cycle(ctx context.Context) []Alert {
	now := a.clock.Now()
	ctx, span := a.metrics.tracer.Start(ctx, "pulsez.alerts")
	defer span.End()

	a.cooldowns.prune(now, a.registry.Contains)
	a.overrides.Cleanup(now)

	var fired []Alert
	windows := a.registry.Active()
	for _, w := range windows {
		if w.Closed() {
			continue
		}
		metrics := w.Metrics()
		for i := range a.rules {
			rule := &a.rules[i]
			if a.cooldowns.state(w.tenantID, rule.Name, now) == RuleCooldown {
				continue
			}
			alert, ok, err := a.evaluate(w, rule, metrics, now)
			if err != nil {
				a.metrics.evalFailures.WithLabelValues(rule.Name).Inc()
				a.logger.Error("rule evaluation failed",
					zap.String("tenant", w.tenantID),
					zap.String("rule", rule.Name),
					zap.Error(err),
				)
				continue
			}
			if !ok {
				continue
			}
			a.cooldowns.fire(w.tenantID, rule.Name, now, rule.Cooldown)
			a.emit(ctx, w, alert)
			fired = append(fired, alert)
		}
	}

	span.SetAttributes(
		attribute.Int("alerts.tenants", len(windows)),
		attribute.Int("alerts.fired", len(fired)),
	)
	a.metrics.observeCycle(workerAlerts, now, a.clock.Now())
	return fired
}

// evaluate judges one rule for one tenant. Panics are converted to an
// *EvaluationError.
func (a *AlertEngine) evaluate(w *Window, rule *AlertRule, metrics map[string]float64, now time.Time) (alert Alert, fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.panics.WithLabelValues(workerAlerts).Inc()
			alert, fired = Alert{}, false
			err = &EvaluationError{TenantID: w.tenantID, Rule: rule.Name, Err: recovered(r)}
		}
	}()

	current, ok := metrics[rule.Metric]
	if !ok {
		return Alert{}, false, nil
	}

	var threshold float64
	switch rule.Mode {
	case ModeAbsolute:
		threshold = rule.Threshold
		if override, ok := a.overrides.Lookup(w.tenantID, rule.Metric, now); ok {
			threshold = override.Value
		}
		fired = current > threshold

	case ModeRelative:
		span := rule.EvaluationWindow
		if span <= 0 {
			span = a.baselineWindow
		}
		baseline, ok := w.Baseline(rule.Metric, now, span, a.lookback)
		if !ok || baseline <= 0 {
			return Alert{}, false, nil
		}
		threshold = baseline * rule.Threshold
		if rule.Threshold > 1 {
			fired = current >= threshold
		} else {
			fired = current <= threshold
		}

	default:
		return Alert{}, false, &EvaluationError{
			TenantID: w.tenantID,
			Rule:     rule.Name,
			Err:      fmt.Errorf("unknown mode %q", rule.Mode),
		}
	}

	if !fired {
		return Alert{}, false, nil
	}

	actions := make([]string, len(rule.Actions))
	copy(actions, rule.Actions)
	return Alert{
		ID:                 uuid.NewString(),
		TenantID:           w.tenantID,
		RuleName:           rule.Name,
		Severity:           rule.Severity,
		Message:            alertMessage(rule, current, threshold),
		TriggeredAt:        now,
		MetricName:         rule.Metric,
		CurrentValue:       current,
		ThresholdValue:     threshold,
		RecommendedActions: actions,
	}, true, nil
}

func alertMessage(rule *AlertRule, current, threshold float64) string {
	text := rule.Message
	if text == "" {
		text = rule.Name
	}
	return fmt.Sprintf("%s: %s is %.3f (threshold %.3f)", text, rule.Metric, current, threshold)
}

// emit records the alert, saves it to the store and publishes it when the
// tenant's subscription filter lets it through. A store failure, panics
// included, never prevents publication or reaches other pairs.
func (a *AlertEngine) emit(ctx context.Context, w *Window, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.panics.WithLabelValues(workerAlerts).Inc()
			a.logger.Error("alert delivery recovered from panic",
				zap.String("tenant", alert.TenantID),
				zap.String("rule", alert.RuleName),
				zap.Error(recovered(r)),
			)
		}
	}()

	w.recordAlert(alert)
	a.metrics.alertsFired.WithLabelValues(alert.RuleName, string(alert.Severity)).Inc()
	a.logger.Info("alert fired",
		zap.String("tenant", alert.TenantID),
		zap.String("rule", alert.RuleName),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("current", alert.CurrentValue),
		zap.Float64("threshold", alert.ThresholdValue),
	)

	if a.store != nil && !w.Closed() {
		if err := a.save(ctx, alert); err != nil {
			a.logger.Warn("saving alert history failed",
				zap.String("tenant", alert.TenantID),
				zap.String("rule", alert.RuleName),
				zap.Error(err),
			)
		}
	}

	if w.wants(alert) {
		//nolint:errcheck // failures are logged and counted by the publisher
		a.publisher.publish(ctx, w, MessageAlert, alert)
	}
}

// save writes alert to the store within the store timeout. A panicking store
// is reported as an error.
func (a *AlertEngine) save(ctx context.Context, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.panics.WithLabelValues(workerAlerts).Inc()
			err = fmt.Errorf("store panicked: %w", recovered(r))
		}
	}()
	sctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	return a.store.SaveAlert(sctx, alert.TenantID, alert)
}

// RuleState reports whether rule is suppressed for tenantID at now, and until
// when. It reads the cooldown table and must only be called from the
// goroutine that drives Cycle.
func (a *AlertEngine) RuleState(tenantID, rule string, now time.Time) (RuleState, time.Time) {
	until, _ := a.cooldowns.until(tenantID, rule)
	return a.cooldowns.state(tenantID, rule, now), until
}

// Rules returns a copy of the configured rules.
func (a *AlertEngine) Rules() []AlertRule {
	out := make([]AlertRule, len(a.rules))
	copy(out, a.rules)
	return out
}
