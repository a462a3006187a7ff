package redisstore

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/pulsez"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts...), mr
}

func TestSaveAlertNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, mr := setup(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveAlert(ctx, "site-1", pulsez.Alert{
			ID:          fmt.Sprintf("a%d", i),
			RuleName:    "traffic_spike",
			TriggeredAt: epoch.Add(time.Duration(i) * time.Minute),
		}))
	}

	alerts, err := store.RecentAlerts(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.Equal(t, "a2", alerts[0].ID)
	assert.Equal(t, "a0", alerts[2].ID)
	assert.True(t, alerts[0].TriggeredAt.Equal(epoch.Add(2*time.Minute)))

	assert.Equal(t, DefaultHistoryRetention, mr.TTL("alerts:site-1"))
}

func TestSaveAlertTrimsHistory(t *testing.T) {
	ctx := context.Background()
	store, mr := setup(t, WithHistoryLimit(5))

	for i := 0; i < 12; i++ {
		require.NoError(t, store.SaveAlert(ctx, "site-1", pulsez.Alert{ID: fmt.Sprintf("a%d", i)}))
	}

	items, err := mr.List("alerts:site-1")
	require.NoError(t, err)
	assert.Len(t, items, 5)

	alerts, err := store.RecentAlerts(ctx, "site-1", 2)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a11", alerts[0].ID)
}

func TestRecentAlertsUnknownTenant(t *testing.T) {
	store, _ := setup(t)
	alerts, err := store.RecentAlerts(context.Background(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRecentAlertsSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	store, mr := setup(t)
	require.NoError(t, store.SaveAlert(ctx, "site-1", pulsez.Alert{ID: "good"}))
	_, err := mr.Lpush("alerts:site-1", "{not json")
	require.NoError(t, err)

	alerts, err := store.RecentAlerts(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "good", alerts[0].ID)
}

func TestThresholdsRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockz.NewFakeClockAt(epoch)
	store, mr := setup(t, WithClock(clock))

	require.NoError(t, store.SaveThreshold(ctx, "site-1", pulsez.ThresholdOverride{
		Metric: pulsez.MetricBounceRate, Value: 0.95, ExpiresAt: epoch.Add(time.Hour),
	}))
	require.NoError(t, store.SaveThreshold(ctx, "site-1", pulsez.ThresholdOverride{
		Metric: pulsez.MetricErrorRate, Value: 0.1, ExpiresAt: epoch.Add(3 * time.Hour),
	}))
	// Replaces the earlier error_rate override.
	require.NoError(t, store.SaveThreshold(ctx, "site-1", pulsez.ThresholdOverride{
		Metric: pulsez.MetricErrorRate, Value: 0.2, ExpiresAt: epoch.Add(3 * time.Hour),
	}))

	overrides, err := store.LoadThresholds(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	sort.Slice(overrides, func(i, j int) bool { return overrides[i].Metric < overrides[j].Metric })
	assert.Equal(t, pulsez.MetricBounceRate, overrides[0].Metric)
	assert.Equal(t, 0.2, overrides[1].Value)
	assert.Equal(t, DefaultOverrideTTL, mr.TTL("custom_thresholds:site-1"))

	clock.Advance(2 * time.Hour)
	overrides, err = store.LoadThresholds(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, pulsez.MetricErrorRate, overrides[0].Metric)
}

func TestStoreReportsConnectionErrors(t *testing.T) {
	ctx := context.Background()
	store, mr := setup(t)
	mr.Close()

	assert.Error(t, store.SaveAlert(ctx, "site-1", pulsez.Alert{ID: "a"}))
	_, err := store.RecentAlerts(ctx, "site-1", 10)
	assert.Error(t, err)
	_, err = store.LoadThresholds(ctx, "site-1")
	assert.Error(t, err)
}

func TestEngineUsesRedisStore(t *testing.T) {
	ctx := context.Background()
	clock := clockz.NewFakeClockAt(epoch)
	store, _ := setup(t, WithClock(clock))

	engine, err := pulsez.New(pulsez.DefaultConfig(), pulsez.WithClock(clock), pulsez.WithStore(store))
	require.NoError(t, err)
	require.NoError(t, engine.ConfigureThreshold(ctx, "site-1", pulsez.MetricBounceRate, 0.9, time.Hour))

	// A second engine on the same store picks the override up on session start.
	restarted, err := pulsez.New(pulsez.DefaultConfig(), pulsez.WithClock(clock), pulsez.WithStore(store))
	require.NoError(t, err)
	require.True(t, restarted.StartSession(ctx, "site-1"))
	thresholds := restarted.Thresholds("site-1")
	require.Len(t, thresholds, 1)
	assert.Equal(t, 0.9, thresholds[0].Value)
}
