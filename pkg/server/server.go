// Package server provides the public entry point for initializing the
// OpenRelay gateway: configuration, storage, the KV client, the serving
// pipeline, and the background workers, composed into one ready-to-listen
// Server. It lives in pkg/ so embedders can compose the gateway with their
// own middleware around Handler.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/internal/alerts"
	"github.com/openrelay/openrelay/internal/api"
	"github.com/openrelay/openrelay/internal/cache"
	"github.com/openrelay/openrelay/internal/config"
	"github.com/openrelay/openrelay/internal/kv"
	"github.com/openrelay/openrelay/internal/notify"
	"github.com/openrelay/openrelay/internal/pipeline"
	"github.com/openrelay/openrelay/internal/provider"
	"github.com/openrelay/openrelay/internal/ratelimit"
	"github.com/openrelay/openrelay/internal/retention"
	"github.com/openrelay/openrelay/internal/secrets"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/internal/telemetry"
	"github.com/openrelay/openrelay/internal/usage"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the relational store; exposed for embedders and shutdown.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// Run starts the background workers (usage writer, retention janitor,
	// alert evaluator) and blocks until ctx is cancelled.
	Run func(ctx context.Context)

	// ShutdownFunc flushes telemetry and buffered usage on shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all gateway components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	tshutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Storage. Without a DATABASE_URL the gateway runs on the in-memory
	// store; cold cache and the usage ledger then do not survive restarts.
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		log.Info().Msg("postgres store initialized")
	} else {
		st = store.NewMemory()
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
	}

	// KV. Also optional: the in-memory client serves single-node setups.
	var kvc kv.Client
	if cfg.Redis.Addr != "" {
		kvc = kv.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := kvc.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable at startup, degraded paths apply until it returns")
		} else {
			log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
		}
	} else {
		kvc = kv.NewMemory()
		log.Warn().Msg("REDIS_ADDR not set, using in-process KV")
	}

	// Credential encryption.
	var box *secrets.Box
	if cfg.Secrets.ProviderKeyBase64 != "" {
		box, err = secrets.NewBox(cfg.Secrets.ProviderKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("provider key secret: %w", err)
		}
	} else {
		box = secrets.NewRandomBox()
		log.Warn().Msg("PROVIDER_KEY_SECRET not set, using an ephemeral key; stored provider credentials will not survive restarts")
	}

	if cfg.SMTP.Host != "" {
		notify.RegisterEmail(notify.SMTPSettings{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		log.Info().Str("host", cfg.SMTP.Host).Msg("email notifications enabled")
	}

	factory := provider.NewHTTPFactory()
	limiter := ratelimit.New(kvc, st)
	responseCache := cache.New(kvc, st, cfg.Cache.TTL)
	writer := usage.NewWriter(st)
	pipe := pipeline.New(st, responseCache, limiter, writer, box, factory)
	evaluator := alerts.NewEvaluator(st, limiter, cfg.Alerts.Interval)
	janitor := retention.NewJanitor(st, cfg.Retention.Interval, cfg.Retention.ColdCacheDays, cfg.Retention.UsageDays)

	handler := api.NewRouter(&api.Server{
		Store:    st,
		Pipeline: pipe,
		Cache:    responseCache,
		Limiter:  limiter,
		Factory:  factory,
		Box:      box,
		Version:  cfg.Version,
	})

	return &Server{
		Handler: handler,
		Store:   st,
		Port:    cfg.Port,
		Run: func(ctx context.Context) {
			writer.Start(ctx)
			go janitor.Start(ctx)
			evaluator.Run(ctx)
		},
		ShutdownFunc: func(ctx context.Context) error {
			writer.Close()
			if err := kvc.Close(); err != nil {
				log.Warn().Err(err).Msg("kv close")
			}
			return tshutdown(ctx)
		},
	}, nil
}
