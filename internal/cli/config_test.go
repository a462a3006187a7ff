package cli

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/pulsez"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	want := DefaultSettings()
	if s.Listen != want.Listen || s.Store.Kind != StoreMemory {
		t.Errorf("got listen %q store %q", s.Listen, s.Store.Kind)
	}
	if s.Engine != want.Engine {
		t.Errorf("engine config did not survive the defaults round trip:\n got %+v\nwant %+v", s.Engine, want.Engine)
	}
}

func TestLoadSettingsFileAndEnv(t *testing.T) {
	path := writeFile(t, "pulsez.yaml", `listen: ":9000"
store:
  kind: sqlite
  sqlite_path: /tmp/alerts.db
engine:
  batch_size: 250
  dispatch_wait: 2s
  breaker:
    min_requests: 7
`)
	t.Setenv("PULSEZ_LOG_LEVEL", "debug")
	t.Setenv("PULSEZ_ENGINE_LOOKBACK", "10m")

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Listen != ":9000" {
		t.Errorf("listen = %q", s.Listen)
	}
	if s.Store.Kind != StoreSQLite || s.Store.SQLitePath != "/tmp/alerts.db" {
		t.Errorf("store = %+v", s.Store)
	}
	if s.Engine.BatchSize != 250 || s.Engine.DispatchWait != 2*time.Second {
		t.Errorf("engine from file = %d %v", s.Engine.BatchSize, s.Engine.DispatchWait)
	}
	if s.Engine.Breaker.MinRequests != 7 {
		t.Errorf("breaker.min_requests = %d", s.Engine.Breaker.MinRequests)
	}
	if s.Engine.QueueCapacity != pulsez.DefaultConfig().QueueCapacity {
		t.Errorf("unset keys should keep defaults, queue capacity = %d", s.Engine.QueueCapacity)
	}
	if s.LogLevel != "debug" || s.Engine.Lookback != 10*time.Minute {
		t.Errorf("env overrides not applied: level %q lookback %v", s.LogLevel, s.Engine.Lookback)
	}
}

func TestLoadSettingsRejects(t *testing.T) {
	cases := map[string]string{
		"unknown store": "store:\n  kind: etcd\n",
		"bad engine":    "engine:\n  batch_size: 0\n",
		"empty listen":  "listen: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadSettings(writeFile(t, "pulsez.yaml", body)); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected a missing file to fail")
	}
}

func TestOpenStoreKinds(t *testing.T) {
	ctx := context.Background()
	cfg := pulsez.DefaultConfig()

	store, closeFn, err := openStore(ctx, StoreSettings{Kind: StoreMemory}, cfg, zaptest.NewLogger(t))
	if err != nil || store != nil {
		t.Fatalf("memory kind: store %v err %v", store, err)
	}
	if err := closeFn(); err != nil {
		t.Error(err)
	}

	path := filepath.Join(t.TempDir(), "alerts.db")
	store, closeFn, err = openStore(ctx, StoreSettings{Kind: StoreSQLite, SQLitePath: path}, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("sqlite kind: %v", err)
	}
	if store == nil {
		t.Fatal("expected a sqlite store")
	}
	if err := closeFn(); err != nil {
		t.Error(err)
	}
}

func TestOpenStoreToleratesUnreachableRedis(t *testing.T) {
	cfg := pulsez.DefaultConfig()
	cfg.StoreTimeout = 200 * time.Millisecond
	settings := StoreSettings{Kind: StoreRedis, RedisAddr: "127.0.0.1:1"}

	store, closeFn, err := openStore(context.Background(), settings, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("expected startup to continue without redis, got %v", err)
	}
	if store == nil {
		t.Fatal("expected a redis store that reconnects on use")
	}
	defer closeFn()

	// The engine degrades to its live windows while the store is down.
	engine, err := pulsez.New(cfg, pulsez.WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	if !engine.StartSession(context.Background(), "site-1") {
		t.Error("expected the session to start with the store down")
	}
	if got := engine.QuickQuery(context.Background(), "site-1"); !got.Active {
		t.Error("expected quick query to answer from the live window")
	}
}

func TestFanOutJoinsErrors(t *testing.T) {
	var calls []string
	ok := pulsez.SinkFunc(func(_ context.Context, tenantID string, _ pulsez.Message) error {
		calls = append(calls, "ok:"+tenantID)
		return nil
	})
	boom := errors.New("boom")
	failing := pulsez.SinkFunc(func(_ context.Context, tenantID string, _ pulsez.Message) error {
		calls = append(calls, "failing:"+tenantID)
		return boom
	})

	err := fanOut(failing, ok).Publish(context.Background(), "site-1", pulsez.Message{})
	if !errors.Is(err, boom) {
		t.Errorf("expected the failing sink's error, got %v", err)
	}
	if strings.Join(calls, ",") != "failing:site-1,ok:site-1" {
		t.Errorf("every sink should be called in order, got %v", calls)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug"); err != nil {
		t.Errorf("debug level: %v", err)
	}
	if _, err := newLogger("chatty"); err == nil {
		t.Error("expected an unknown level to fail")
	}
}
