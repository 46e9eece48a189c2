package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"nevis-backend/internal/auth"
	"nevis-backend/internal/config"
	"nevis-backend/internal/db"
	"nevis-backend/internal/mail"
	"nevis-backend/internal/maintenance"
	"nevis-backend/internal/observability"
)

type Options struct {
	LoadDotEnv      bool
	RunMigrations   bool
	StartBackground bool
	// Config skips environment loading when set.
	Config *config.Config
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Logger  *observability.Logger
	Close   func() error
}

// Build wires the service from configuration. The returned Close releases
// every resource Build acquired, including background workers.
func Build(ctx context.Context, options Options) (*Runtime, error) {
	var cfg config.Config
	if options.Config != nil {
		cfg = *options.Config
	} else {
		loaded, err := config.Load(options.LoadDotEnv)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	checks := map[string]pinger{}

	store, database, err := openStore(ctx, cfg, options.RunMigrations, logger)
	if err != nil {
		return fail(err)
	}
	if database != nil {
		closers = append(closers, database.Close)
	}
	checks["store"] = store

	revocations, redisClient, err := openRevocations(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if redisClient != nil {
		closers = append(closers, redisClient.Close)
		if p, ok := revocations.(pinger); ok {
			checks["revocations"] = p
		}
	}

	hasher, err := auth.NewHasher(cfg.Security.BcryptCost, cfg.Security.HashConcurrency)
	if err != nil {
		return fail(fmt.Errorf("init hasher: %w", err))
	}

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
	}, revocations)
	if err != nil {
		return fail(fmt.Errorf("init token service: %w", err))
	}

	mailer, err := mail.New(mail.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		SiteURL:  cfg.Security.SiteURL,
		ResetTTL: cfg.Security.ResetTokenTTL,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("init mailer: %w", err))
	}

	metrics := observability.NewMetrics()

	authService := auth.NewService(store, hasher, tokens, logger)
	authService.WithSecurityConfig(auth.SecurityConfig{
		MaxAttempts:           cfg.Security.MaxLoginAttempts,
		LockDuration:          cfg.Security.LockDuration,
		ResetTokenTTL:         cfg.Security.ResetTokenTTL,
		SiteURL:               cfg.Security.SiteURL,
		StrictRefreshRotation: cfg.Security.StrictRefreshRotation,
	})
	authService.WithMailer(mailer)
	authService.WithEvents(metrics)
	closers = append(closers, func() error {
		authService.Wait()
		return nil
	})

	if err := authService.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	if options.StartBackground {
		bgCtx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			auth.RunPruner(bgCtx, revocations, cfg.Redis.PruneInterval, nil, logger)
		}()
		closers = append(closers, func() error {
			cancel()
			wg.Wait()
			return nil
		})
	}

	handler := newRouter(routes{
		auth:          auth.NewHandler(authService, logger, cfg.Production()),
		service:       authService,
		cleanup:       maintenance.NewCleanupHandler(revocations, store, logger, cfg.CronSecret),
		metrics:       metrics,
		health:        healthHandler(checks),
		logger:        logger,
		authLimiter:   auth.NewRateLimiter(cfg.Limits.AuthMax, cfg.Limits.AuthWindow),
		strictLimiter: auth.NewRateLimiter(cfg.Limits.StrictMax, cfg.Limits.StrictWindow),
		trustProxy:    cfg.TrustProxy,
	})

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			err := closeAll()
			observability.FlushSentry()
			return err
		},
	}, nil
}

func openStore(ctx context.Context, cfg config.Config, runMigrations bool, logger *observability.Logger) (auth.AccountStore, *sql.DB, error) {
	if cfg.Store.Backend == config.BackendMemory {
		logger.Warn("memory_store_enabled", map[string]any{"env": cfg.Env})
		return auth.NewMemoryStore(), nil, nil
	}

	database, err := sql.Open("pgx", cfg.Store.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.Store.MaxOpenConns)
	database.SetMaxIdleConns(cfg.Store.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime)

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	if runMigrations || cfg.Store.RunMigrations {
		if err := db.RunMigrations(ctx, database, logger); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return auth.NewRepository(database, cfg.Store.Timeout), database, nil
}

func openRevocations(ctx context.Context, cfg config.Config) (auth.RevocationStore, *redis.Client, error) {
	if cfg.Redis.URL == "" {
		return auth.NewMemoryRevocations(), nil, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	revocations := auth.NewRedisRevocations(client, cfg.Redis.Prefix)
	if err := revocations.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return revocations, client, nil
}
