package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/ridesaver/internal/config"
	"github.com/example/ridesaver/internal/directory"
	"github.com/example/ridesaver/internal/eta"
	"github.com/example/ridesaver/internal/events"
	"github.com/example/ridesaver/internal/geo"
	httpapi "github.com/example/ridesaver/internal/http"
	"github.com/example/ridesaver/internal/logging"
	"github.com/example/ridesaver/internal/reservation"
	"github.com/example/ridesaver/internal/session"
	"github.com/example/ridesaver/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info", "").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	backend, ready, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	dir := directory.New(backend, cfg.DirectoryCacheTTL)
	if cfg.SeedFile != "" {
		if err := loadSeed(ctx, dir, cfg.SeedFile); err != nil {
			return fmt.Errorf("seed %s: %w", cfg.SeedFile, err)
		}
		logger.Info("seed applied", "file", cfg.SeedFile)
	}

	auth, err := session.NewAuthenticator(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return err
	}

	svc := reservation.New(backend, dir, reservation.Config{
		MaxAttempts:      cfg.MaxAttempts,
		OperationTimeout: cfg.OperationTimeout,
	})
	svc.Logger = logger
	svc.ETA = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		svc.ETA = eta.WithFallback{Primary: eta.NewOSRMClient(cfg.OSRMURL), Fallback: eta.Naive{SpeedMps: cfg.DefaultSpeedMps}}
	}

	hub := events.NewHub(logger)
	pubs := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		pubs = append(pubs, kp)
	}
	if cfg.WebhookURL != "" {
		pubs = append(pubs, events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookKey))
	}
	if cfg.RedisAddr != "" {
		idx := geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer idx.Close()
		svc.Index = idx
		// with Kafka the consumer keeps the index current
		if len(cfg.KafkaBrokers) == 0 {
			pubs = append(pubs, geo.Updater{Index: idx})
		}
	}
	svc.Events = pubs

	api := httpapi.NewServer(httpapi.Options{
		Service:   svc,
		Directory: dir,
		Auth:      auth,
		Hub:       hub,
		Ready:     ready,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ridesaver listening", "addr", cfg.HTTPAddr, "backend", cfg.StoreBackend, "kafka", len(cfg.KafkaBrokers) > 0)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openBackend builds the configured store and its readiness probe.
func openBackend(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Backend, func(context.Context) error, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.RunMigrations {
			b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
			if err != nil {
				_ = ps.Close()
				return nil, nil, err
			}
			if err := ps.Migrate(ctx, string(b)); err != nil {
				_ = ps.Close()
				return nil, nil, err
			}
			logger.Info("migration applied", "file", "001_create_rides.sql")
		}
		return ps, ps.Ping, nil
	case config.BackendRedis:
		rs := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return rs, rs.Ping, nil
	case config.BackendBadger:
		bs, err := storage.NewBadgerStore(cfg.BadgerDir)
		if err != nil {
			return nil, nil, fmt.Errorf("badger: %w", err)
		}
		if cfg.BadgerDir == "" {
			logger.Warn("BADGER_DIR not set; rides are kept in memory only")
		}
		return bs, nil, nil
	default:
		return storage.NewMemoryStore(), nil, nil
	}
}
