package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"gatekeeper/internal/balance"
	"gatekeeper/internal/config"
	"gatekeeper/internal/orchestrator"
	"gatekeeper/internal/retry"
	"gatekeeper/internal/storage"
	"gatekeeper/internal/telemetry"
	"gatekeeper/internal/version"
)

// engine is the wiring shared by serve and refresh
type engine struct {
	repo          storage.Repository
	router        *balance.Router
	provider      *balance.CachedProvider
	orchestrator  *orchestrator.Orchestrator
	shutdownTrace telemetry.ShutdownFunc
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	repo, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	slog.Info("Database connected successfully", "driver", cfg.DatabaseDriver)
	return repo, nil
}

func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	shutdownTrace, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Tracing,
		Stdout:      cfg.TracingStdout,
		ServiceName: programName,
		Version:     version.Version,
	})
	if err != nil {
		return nil, err
	}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		_ = shutdownTrace(ctx)
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		_ = shutdownTrace(ctx)
		return nil, err
	}

	strategy := retry.NewStrategy(retry.Config{
		Enabled:      cfg.RetryEnabled,
		MaxRetries:   cfg.RetryMaxRetries,
		InitialDelay: cfg.RetryInitialDelay(),
		MaxDelay:     cfg.RetryMaxDelay(),
	})
	router := balance.NewRouter(
		balance.Endpoints{
			EVM:          cfg.EVMRPCURLs,
			Solana:       cfg.SolanaRPCURLs,
			Sui:          cfg.SuiRPCURLs,
			Cosmos:       cfg.CosmosLCDURLs,
			CosmosDenoms: cfg.CosmosNativeDenoms,
			Stellar:      cfg.StellarRPCURLs,
		},
		balance.WithHTTPClient(&http.Client{Timeout: cfg.RPCTimeout()}),
		balance.WithRetry(strategy),
		balance.WithConcurrency(cfg.FetchConcurrency),
	)

	provider, err := balance.NewCachedProvider(router,
		balance.WithCacheDir(cfg.BalanceCacheDir),
		balance.WithCacheTTL(cfg.BalanceCacheTTL()),
		balance.WithCacheLogger(logger),
	)
	if err != nil {
		router.Close()
		_ = repo.Close()
		_ = shutdownTrace(ctx)
		return nil, err
	}

	orch := orchestrator.New(repo, provider, orchestrator.Config{
		BatchSize:        cfg.BatchSize,
		MembershipTTL:    cfg.MembershipTTL(),
		FetchConcurrency: cfg.FetchConcurrency,
	})

	slog.Info("Engine ready",
		"batch_size", cfg.BatchSize,
		"membership_ttl", cfg.MembershipTTL(),
		"balance_cache_ttl", cfg.BalanceCacheTTL(),
		"retry_strategy", strategy.Name(),
	)

	return &engine{
		repo:          repo,
		router:        router,
		provider:      provider,
		orchestrator:  orch,
		shutdownTrace: shutdownTrace,
	}, nil
}

// Close releases everything newEngine opened, in reverse order
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close balance cache: %w", err))
	}
	e.router.Close()
	if err := e.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	if err := e.shutdownTrace(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
	}
	return errors.Join(errs...)
}
