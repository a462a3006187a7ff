package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/pulsez"
	testinghelpers "github.com/zoobzio/pulsez/testing"
)

// fastConfig shortens every period so the real-clock workers cycle quickly.
func fastConfig() pulsez.Config {
	cfg := pulsez.DefaultConfig()
	cfg.DispatchWait = 5 * time.Millisecond
	cfg.RefreshInterval = 10 * time.Millisecond
	cfg.AggregateInterval = 10 * time.Millisecond
	cfg.AlertInterval = 20 * time.Millisecond
	cfg.ForecastInterval = 20 * time.Millisecond
	cfg.PublishTimeout = 200 * time.Millisecond
	cfg.StoreTimeout = 200 * time.Millisecond
	return cfg
}

// start runs engine until the test ends.
func start(t *testing.T, engine *pulsez.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	require.Eventually(t, func() bool { return engine.Health().Running }, 2*time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func TestEngine_EndToEnd(t *testing.T) {
	ctx := context.Background()
	sink := testinghelpers.NewMemorySink()
	store := testinghelpers.NewMemoryStore(100)
	engine, err := pulsez.New(fastConfig(),
		pulsez.WithDefaultSink(sink),
		pulsez.WithStore(store),
		pulsez.WithLogger(zaptest.NewLogger(t)),
		pulsez.WithRules([]pulsez.AlertRule{ruleNamed(t, "server_error_spike")}),
	)
	require.NoError(t, err)
	start(t, engine)

	require.True(t, engine.StartSession(ctx, "site-1"))
	_, err = engine.Ingest(ctx, "site-1", testinghelpers.PageViews(30, 3))
	require.NoError(t, err)
	_, err = engine.Ingest(ctx, "site-1", testinghelpers.Errors(10))
	require.NoError(t, err)

	metrics := sink.WaitFor(t, "site-1", pulsez.MessageMetrics, 1, 5*time.Second)
	require.NotEmpty(t, metrics)
	require.Eventually(t, func() bool {
		view, _ := engine.Registry().Get("site-1")
		return view.Buffered == 40
	}, 5*time.Second, 5*time.Millisecond)

	alerts := sink.WaitFor(t, "site-1", pulsez.MessageAlert, 1, 5*time.Second)
	require.Len(t, alerts, 1, "cooldown keeps the rule to one alert")
	alert := alerts[0].Data.(pulsez.Alert)
	assert.Equal(t, "server_error_spike", alert.RuleName)
	assert.Equal(t, pulsez.SeverityCritical, alert.Severity)

	predictions := sink.WaitFor(t, "site-1", pulsez.MessagePredictions, 1, 5*time.Second)
	require.NotEmpty(t, predictions)
	for _, p := range predictions[0].Data.([]pulsez.Prediction) {
		assert.GreaterOrEqual(t, p.Confidence, 0.05)
		assert.LessOrEqual(t, p.Confidence, 0.95)
	}

	stored, err := store.RecentAlerts(ctx, "site-1", 10)
	require.NoError(t, err)
	testinghelpers.AssertFired(t, stored, "server_error_spike", 1)

	result := engine.QuickQuery(ctx, "site-1")
	assert.True(t, result.Active)
	assert.Equal(t, 0.25, result.Metrics[pulsez.MetricErrorRate])
	testinghelpers.AssertFired(t, result.RecentAlerts, "server_error_spike", 1)

	health := engine.Health()
	assert.True(t, health.Running)
	assert.Equal(t, 1, health.ActiveWindows)
	assert.Equal(t, int64(40), health.Throughput.Total)
}

func TestEngine_StopSessionEndsDelivery(t *testing.T) {
	ctx := context.Background()
	sink := testinghelpers.NewMemorySink()
	engine, err := pulsez.New(fastConfig(), pulsez.WithDefaultSink(sink))
	require.NoError(t, err)
	start(t, engine)

	engine.StartSession(ctx, "leaving")
	engine.StartSession(ctx, "staying")
	sink.WaitFor(t, "leaving", pulsez.MessageMetrics, 3, 5*time.Second)

	require.True(t, engine.StopSession("leaving"))
	delivered := sink.Count("leaving")

	// Late events for the stopped tenant are dropped without recreating it.
	_, err = engine.Ingest(ctx, "leaving", testinghelpers.PageViews(5, 1))
	require.NoError(t, err)

	before := len(sink.Filter("staying", pulsez.MessageMetrics))
	sink.WaitFor(t, "staying", pulsez.MessageMetrics, before+5, 5*time.Second)

	assert.Equal(t, delivered, sink.Count("leaving"))
	assert.False(t, engine.Registry().Contains("leaving"))
}

func TestEngine_StoreFallbackAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := testinghelpers.NewMemoryStore(100)
	sink := testinghelpers.NewMemorySink()

	first, err := pulsez.New(fastConfig(),
		pulsez.WithStore(store),
		pulsez.WithDefaultSink(sink),
		pulsez.WithRules([]pulsez.AlertRule{ruleNamed(t, "server_error_spike")}),
	)
	require.NoError(t, err)
	start(t, first)

	first.StartSession(ctx, "site-1")
	require.NoError(t, first.ConfigureThreshold(ctx, "site-1", pulsez.MetricBounceRate, 0.95, time.Hour))
	_, err = first.Ingest(ctx, "site-1", testinghelpers.Errors(4))
	require.NoError(t, err)
	sink.WaitFor(t, "site-1", pulsez.MessageAlert, 1, 5*time.Second)

	// A fresh engine on the same store sees the history and the override.
	second, err := pulsez.New(fastConfig(), pulsez.WithStore(store))
	require.NoError(t, err)

	result := second.QuickQuery(ctx, "site-1")
	assert.False(t, result.Active)
	testinghelpers.AssertFired(t, result.RecentAlerts, "server_error_spike", 1)

	second.StartSession(ctx, "site-1")
	thresholds := second.Thresholds("site-1")
	require.Len(t, thresholds, 1)
	assert.Equal(t, 0.95, thresholds[0].Value)
}

func TestEngine_FailingSinkDoesNotStallWorkers(t *testing.T) {
	ctx := context.Background()
	broken := testinghelpers.NewMemorySink()
	broken.SetError(errors.New("subscriber gone"))
	healthy := testinghelpers.NewMemorySink()

	engine, err := pulsez.New(fastConfig())
	require.NoError(t, err)
	start(t, engine)

	engine.StartSession(ctx, "broken", pulsez.WithSink(broken))
	engine.StartSession(ctx, "healthy", pulsez.WithSink(healthy))
	_, err = engine.Ingest(ctx, "healthy", testinghelpers.PageViews(9, 3))
	require.NoError(t, err)

	got := healthy.WaitFor(t, "healthy", pulsez.MessageMetrics, 5, 5*time.Second)
	assert.GreaterOrEqual(t, len(got), 5)
	assert.Empty(t, broken.Messages())
}

func TestEngine_CapacityBackpressure(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.QueueCapacity = 50
	engine, err := pulsez.New(cfg)
	require.NoError(t, err)
	engine.StartSession(ctx, "site-1")

	// Not running yet, so nothing drains the queue.
	result, err := engine.Ingest(ctx, "site-1", testinghelpers.PageViews(80, 4))
	require.ErrorIs(t, err, pulsez.ErrCapacity)
	assert.Equal(t, 50, result.Accepted)
	assert.Equal(t, 30, result.Rejected)

	start(t, engine)
	require.Eventually(t, func() bool { return engine.Queue().Len() == 0 }, 5*time.Second, 5*time.Millisecond)

	// The caller retries the rejected tail once the queue drains.
	raw := testinghelpers.PageViews(80, 4)
	_, err = engine.Ingest(ctx, "site-1", raw[result.Accepted:])
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, _ := engine.Registry().Get("site-1")
		return view.Buffered == 80
	}, 5*time.Second, 5*time.Millisecond)
}

func ruleNamed(t *testing.T, name string) pulsez.AlertRule {
	t.Helper()
	for _, rule := range pulsez.DefaultRules() {
		if rule.Name == name {
			return rule
		}
	}
	t.Fatalf("no default rule %s", name)
	return pulsez.AlertRule{}
}
