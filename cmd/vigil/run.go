package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vigilwaf/vigil/internal/admin"
	"github.com/vigilwaf/vigil/internal/audit"
	"github.com/vigilwaf/vigil/internal/config"
	"github.com/vigilwaf/vigil/internal/gateway"
	"github.com/vigilwaf/vigil/internal/logging"
	"github.com/vigilwaf/vigil/internal/observability"
	"github.com/vigilwaf/vigil/internal/policy"
	"github.com/vigilwaf/vigil/internal/ratelimit"
	"github.com/vigilwaf/vigil/internal/reload"
	"github.com/vigilwaf/vigil/internal/waf"
)

func newRunCmd() *cobra.Command {
	var configPath string
	var modeOverride string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Vigil gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if modeOverride != "" {
				if _, err := policy.ParseMode(modeOverride); err != nil {
					return err
				}
				cfg.Engine.Mode = modeOverride
			}
			return runGateway(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&modeOverride, "mode", "", "Override engine mode: on|detection_only|off")

	return cmd
}

func runGateway(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	wcfg, err := cfg.WAF()
	if err != nil {
		return err
	}
	engine, err := waf.New(wcfg, nil)
	if err != nil {
		return err
	}
	engine.SetLogger(logger.Named("waf"))

	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	engine.SetStore(store)

	if cfg.Audit.Path != "" {
		sink, err := audit.OpenFile(cfg.ResolvePath(cfg.Audit.Path), audit.RelevantOnly(cfg.Audit.RelevantOnly))
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		engine.SetSink(sink)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	engine.SetMetrics(metrics)

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Error("close engine", zap.Error(err))
		}
	}()

	gw, err := gateway.New(cfg, engine)
	if err != nil {
		return err
	}
	gw.SetLogger(logger.Named("gateway"))

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloader := &syncedEngine{Engine: engine, logger: logger.Named("reload")}
	if cfg.Engine.WatchRules {
		files := func() []string { return engine.RuleSet().Files() }
		watcher, err := reload.NewWatcher(cfg.RulePatterns(), files, engine.Reload, logger.Named("reload"))
		if err != nil {
			return err
		}
		if err := watcher.Start(signalCtx); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
		reloader.watcher = watcher
	}
	reload.OnSignal(signalCtx, reloader.Reload, logger.Named("reload"))

	var aux []*http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		aux = append(aux, serve(logger, "metrics", cfg.Metrics.Listen, mux))
	}
	if cfg.Admin.Enabled {
		handler := admin.NewHandler(reloader, admin.Options{
			Token:   cfg.Admin.Token,
			Metrics: metrics.Handler(reg),
			Logger:  logger.Named("admin"),
		})
		aux = append(aux, serve(logger, "admin", cfg.Admin.Listen, handler))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           gw,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS.Enabled {
			serverErr <- srv.ListenAndServeTLS(cfg.ResolvePath(cfg.Server.TLS.CertFile), cfg.ResolvePath(cfg.Server.TLS.KeyFile))
			return
		}
		serverErr <- srv.ListenAndServe()
	}()
	logger.Info("gateway started",
		zap.String("listen", cfg.Server.Listen),
		zap.String("mode", string(engine.Mode())),
		zap.Int("rules", engine.RuleSet().Len()))

	select {
	case <-signalCtx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range aux {
		_ = s.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// syncedEngine re-syncs the rule watcher after reloads that did not come
// from the watcher itself, so directories of newly included files are
// watched too.
type syncedEngine struct {
	*waf.Engine
	watcher *reload.Watcher
	logger  *zap.Logger
}

func (s *syncedEngine) Reload() error {
	if err := s.Engine.Reload(); err != nil {
		return err
	}
	if s.watcher != nil {
		if err := s.watcher.Sync(); err != nil {
			s.logger.Error("rule watcher sync", zap.Error(err))
		}
	}
	return nil
}

func serve(logger *zap.Logger, name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listener failed", zap.String("listener", name), zap.Error(err))
		}
	}()
	return srv
}

// newStore builds the shared collection store. A redis backend is pinged
// once so that a bad address fails startup.
func newStore(ctx context.Context, cfg config.StoreConfig) (ratelimit.Store, error) {
	switch cfg.Backend {
	case "", config.StoreMemory:
		return ratelimit.NewMemoryStore(cfg.SweepInterval), nil
	case config.StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return ratelimit.NewRedisStore(client, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
