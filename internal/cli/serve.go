package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/zoobzio/pulsez"
	"github.com/zoobzio/pulsez/internal/server"
	"github.com/zoobzio/pulsez/sink/natssink"
	"github.com/zoobzio/pulsez/sink/wshub"
	"github.com/zoobzio/pulsez/store/redisstore"
	"github.com/zoobzio/pulsez/store/sqlitestore"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its HTTP, WebSocket and metrics endpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := LoadSettings(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, settings)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newLogger builds a production zap logger at level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// loadRules reads the rules file, or returns the default rules when none is
// configured.
func loadRules(path string) ([]pulsez.AlertRule, error) {
	if path == "" {
		return pulsez.DefaultRules(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pulsez.LoadRules(f)
}

// openStore returns the configured store and a function releasing it. The
// memory kind keeps history only in the live windows and returns a nil store.
// An unreachable Redis is logged, not fatal: the client reconnects on use and
// the engine treats store errors as best-effort.
func openStore(ctx context.Context, s StoreSettings, cfg pulsez.Config, logger *zap.Logger) (pulsez.Store, func() error, error) {
	switch s.Kind {
	case StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		pctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err := client.Ping(pctx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable at startup, continuing without history until it recovers",
				zap.String("addr", s.RedisAddr),
				zap.Error(err),
			)
		}
		store := redisstore.New(client,
			redisstore.WithHistoryLimit(cfg.AlertHistoryLimit),
			redisstore.WithOverrideTTL(cfg.OverrideDefaultTTL),
		)
		return store, client.Close, nil
	case StoreSQLite:
		store, err := sqlitestore.Open(s.SQLitePath, sqlitestore.WithHistoryLimit(cfg.AlertHistoryLimit))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, func() error { return nil }, nil
	}
}

// fanOut publishes to every sink and joins their errors.
func fanOut(sinks ...pulsez.Sink) pulsez.Sink {
	return pulsez.SinkFunc(func(ctx context.Context, tenantID string, msg pulsez.Message) error {
		var errs []error
		for _, sink := range sinks {
			if err := sink.Publish(ctx, tenantID, msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func serve(ctx context.Context, settings Settings) error {
	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rules, err := loadRules(settings.RulesFile)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	store, closeStore, err := openStore(ctx, settings.Store, settings.Engine, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
	}()

	hub := wshub.New(wshub.WithLogger(logger.Named("wshub")))
	defer hub.Close()
	var sink pulsez.Sink = hub

	if settings.NATS.URL != "" {
		nc, err := natssink.Connect(settings.NATS.URL, "pulsez", logger.Named("nats"))
		if err != nil {
			return err
		}
		defer drain(nc, logger)
		sink = fanOut(hub, natssink.New(nc, natssink.WithPrefix(settings.NATS.Prefix)))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []pulsez.Option{
		pulsez.WithLogger(logger),
		pulsez.WithRules(rules),
		pulsez.WithDefaultSink(sink),
		pulsez.WithRegisterer(reg),
	}
	if store != nil {
		opts = append(opts, pulsez.WithStore(store))
	}
	engine, err := pulsez.New(settings.Engine, opts...)
	if err != nil {
		return err
	}

	srv := server.New(settings.Listen, engine, hub, reg, logger.Named("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("pulsez started",
		zap.String("version", appVersion),
		zap.String("listen", settings.Listen),
		zap.String("store", settings.Store.Kind),
		zap.Int("rules", len(rules)),
	)
	err = g.Wait()
	logger.Info("pulsez stopped", zap.Error(err))
	return err
}

func drain(nc *nats.Conn, logger *zap.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Warn("draining nats connection", zap.Error(err))
	}
}
