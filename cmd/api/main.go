package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/mintgate/internal/api"
	"github.com/punchamoorthee/mintgate/internal/auth"
	"github.com/punchamoorthee/mintgate/internal/compliance"
	"github.com/punchamoorthee/mintgate/internal/config"
	"github.com/punchamoorthee/mintgate/internal/deadletter"
	"github.com/punchamoorthee/mintgate/internal/idempotency"
	"github.com/punchamoorthee/mintgate/internal/ledger"
	"github.com/punchamoorthee/mintgate/internal/retry"
	"github.com/punchamoorthee/mintgate/internal/service"
	"github.com/punchamoorthee/mintgate/internal/store"
)

// storage is satisfied by both store backends.
type storage interface {
	service.IntentStore
	compliance.Store
	idempotency.Store
	retry.Store
	deadletter.Store
	Ping(ctx context.Context) error
}

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file (env vars override it)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Development() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg *config.Config) error {
	db, closeDB, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	idemStore, closeIdem, err := openIdempotency(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeIdem()

	lc, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	policy := retry.Policy{
		InitialDelay: cfg.RetryInitialDelay,
		Multiplier:   cfg.RetryMultiplier,
		MaxDelay:     cfg.RetryMaxDelay,
		MaxAttempts:  cfg.RetryMaxAttempts,
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	scheduler := retry.NewScheduler(db, policy, retry.Options{
		Interval:  cfg.RetrySweepInterval,
		BatchSize: cfg.RetryBatchSize,
		// a claimed batch runs sequentially, each item making up to three ledger calls
		Lease: time.Duration(cfg.RetryBatchSize) * 3 * cfg.LedgerTimeout,
	})

	gate := compliance.NewGate(db, cfg.MaxRiskScore)
	coord := service.NewCoordinator(db, lc, gate, scheduler, service.Options{
		TargetClass:   cfg.TargetClass,
		LedgerTimeout: cfg.LedgerTimeout,
	})
	sweeper := idempotency.NewSweeper(idemStore, cfg.IdempotencySweepInterval)

	handler := api.NewHandler(api.Deps{
		Coordinator:       coord,
		Gate:              gate,
		Archive:           deadletter.NewArchive(db, coord),
		Keeper:            idempotency.NewKeeper(idemStore, cfg.IdempotencyTTL),
		ClientAuth:        auth.NewEnvelope("client", []byte(cfg.ClientSecret), cfg.FreshnessWindow),
		WebhookAuth:       auth.NewEnvelope("webhook", []byte(cfg.WebhookSecret), cfg.FreshnessWindow),
		Tokens:            auth.NewTokenValidator([]byte(cfg.JWTSecret)),
		WebhookLimiter:    rate.NewLimiter(rate.Limit(cfg.WebhookRateLimit), cfg.WebhookRateBurst),
		StrictFingerprint: cfg.StrictFingerprint,
		Ready:             db.Ping,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.LedgerTimeout*3 + 15*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr, "store", cfg.StoreBackend, "ledger", cfg.LedgerBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return scheduler.Run(gctx, coord) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStorage(ctx context.Context, cfg *config.Config) (storage, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		slog.Warn("using in-memory storage; state is lost on restart")
		return store.NewMemory(), func() {}, nil
	default:
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
}

func openIdempotency(ctx context.Context, cfg *config.Config, db storage) (idempotency.Store, func(), error) {
	if cfg.IdempotencyBackend != "redis" {
		return db, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
}

func openLedger(ctx context.Context, cfg *config.Config) (ledger.Client, func(), error) {
	if strings.EqualFold(cfg.LedgerBackend, "memory") {
		slog.Warn("using in-memory ledger; nothing is minted on chain")
		return ledger.NewMemory(), func() {}, nil
	}
	evm, err := ledger.DialEVM(ctx, cfg.LedgerRPCURL, cfg.LedgerContract, cfg.LedgerPrivateKey, cfg.LedgerTimeout)
	if err != nil {
		return nil, nil, err
	}
	return evm, evm.Close, nil
}
