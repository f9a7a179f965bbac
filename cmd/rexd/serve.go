package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	v1 "go_rex/api/v1"
	"go_rex/api/v1/middleware"
	"go_rex/internal/auth"
	"go_rex/internal/cache"
	"go_rex/internal/config"
	"go_rex/internal/db"
	"go_rex/internal/jobstore"
	"go_rex/internal/launcher"
	"go_rex/internal/memstore"
	"go_rex/internal/observability"
	"go_rex/internal/otp"
	"go_rex/internal/plan"
	"go_rex/internal/pulltask"
	"go_rex/internal/transport"
	"go_rex/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Run the API server together with the task reaper and the live output hub.

Without MYSQL_DSN plans and task states are kept in memory. Without
REDIS_ENABLED=1 tokens and staged files are kept in memory and the
pull-mqtt variant is unavailable.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// stateLoader exposes a StateStore as the reader the live hub expects
type stateLoader struct {
	store pulltask.StateStore
}

func (l stateLoader) Get(ctx context.Context, taskID string) (pulltask.State, error) {
	return l.store.Load(ctx, taskID)
}

// backends are the storage implementations selected by configuration
type backends struct {
	tokens otp.Manager
	files  memstore.Store
	plans  plan.Store
	states pulltask.StateStore
	broker transport.Notifier
	close  []func() error
}

func openBackends(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*backends, error) {
	b := &backends{}
	otpCfg := otp.Config{TTL: time.Duration(cfg.OTP.TTLSec) * time.Second}

	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedis(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, err
		}
		b.close = append(b.close, rdb.Close)
		b.tokens = otp.NewRedisManager(rdb, otpCfg)
		b.files = memstore.NewRedisStore(rdb, otpCfg.TTL)
		b.broker = transport.NewBrokerNotifier(rdb, cfg.Transport.BrokerPublishRPS, logger)
	} else {
		logger.Warn("Redis disabled, tokens and staged files are kept in memory")
		b.tokens = otp.NewMemoryManager(otpCfg)
		b.files = memstore.NewMemoryStore()
	}

	if cfg.MySQL.DSN != "" {
		gdb, err := db.OpenMySQL(cfg.MySQL.DSN)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.close = append(b.close, func() error { return db.Close(gdb) })
		logger.Info("MySQL connected")

		if cfg.Migrate {
			if err := db.Migrate(gdb, logger); err != nil {
				b.Close()
				return nil, err
			}
		}
		b.plans = plan.NewGormStore(gdb)
		b.states = pulltask.NewGormStateStore(gdb)
	} else {
		logger.Warn("MYSQL_DSN not set, plans and task states are kept in memory")
		b.plans = plan.NewMemoryStore()
		b.states = pulltask.NewMemoryStateStore()
	}
	return b, nil
}

// Close releases the connections in reverse order
func (b *backends) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		_ = b.close[i]()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	signer, err := auth.NewSigner(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	hub := ws.NewHub(stateLoader{store: b.states}, logger)
	hub.Run()
	defer hub.Close()

	resolver := launcher.NewResolver(transport.NewPollingNotifier(logger), b.broker)

	registry := jobstore.New()
	svc := pulltask.NewService(pulltask.Deps{
		Registry:     registry,
		Tokens:       b.tokens,
		Files:        b.files,
		Plans:        b.plans,
		States:       b.states,
		Notifiers:    resolver,
		CallbackHost: cfg.CallbackHost,
		Logger:       logger,
		Observers:    []pulltask.Observer{metrics, hub},
	})
	if err := restoreRegistry(ctx, svc, registry, logger); err != nil {
		return err
	}

	reaper := pulltask.NewReaper(&pulltask.ReaperConfig{
		Service:      svc,
		Logger:       logger,
		IntervalSec:  cfg.Task.ReaperIntervalSec,
		TimeoutSec:   cfg.Task.TimeoutSec,
		RetentionSec: cfg.Task.RetentionSec,
		Concurrency:  cfg.Task.ReaperConcurrency,
	})
	reaper.Start()
	defer reaper.Stop()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger), metrics.GinMiddleware())
	v1.SetupRouter(r, v1.Deps{
		Service:    svc,
		Launcher:   launcher.New(svc, logger),
		Registry:   registry,
		Plans:      b.plans,
		Files:      b.files,
		Tokens:     b.tokens,
		Signer:     signer,
		AgentToken: cfg.AgentToken,
		Logger:     logger,
		Metrics:    metricsHandler,
		Live:       hub.WrapWithAuth(signer),
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Error("Server shutdown error")
	}
	logger.Info("Server stopped")
	return nil
}

// restoreRegistry queues again the jobs of tasks that were awaiting events before a restart
func restoreRegistry(ctx context.Context, svc *pulltask.Service, registry *jobstore.Registry, logger *logrus.Entry) error {
	awaiting, err := svc.Awaiting(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, state := range awaiting {
		registry.Register(state.Host, state.Job())
	}
	if len(awaiting) > 0 {
		logger.WithField("count", len(awaiting)).Info("Restored outstanding jobs")
	}
	return nil
}
