// Command reconciler runs the Execution Gateway Reconciliation Core: the
// periodic + startup service that brings the local order/position store
// into agreement with the broker of record.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/execgw/internal/broker"
	"github.com/tradeforge/execgw/internal/cache"
	"github.com/tradeforge/execgw/internal/config"
	"github.com/tradeforge/execgw/internal/httpapi"
	"github.com/tradeforge/execgw/internal/reconcile"
	"github.com/tradeforge/execgw/internal/store"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Str("pod", cfg.PodLabel).Msg("🔁 Reconciliation core starting...")

	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}

	var bk broker.Client = broker.NewHTTPClient(cfg.BrokerBaseURL, cfg.BrokerTimeout)

	var ch cache.Cache
	if cfg.RedisAddr != "" {
		ch = cache.NewRedisCache(cfg.RedisAddr)
	} else {
		log.Warn().Msg("RECON_REDIS_ADDR not set; using the Redis client's default address, quarantine/exposure write failures are logged only")
		ch = cache.NewRedisCache("")
	}

	registry := prometheus.NewRegistry()
	metrics := reconcile.NewMetrics(registry)

	state := reconcile.NewServiceState(time.Duration(cfg.TimeoutSeconds)*time.Second, cfg.DryRun)
	orchestrator := reconcile.New(st, bk, ch, metrics, cfg, state)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := orchestrator.RunStartupReconciliation(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed; continuing into periodic loop under the failure state")
	}

	go orchestrator.RunPeriodicLoop(ctx)

	router := httpapi.NewRouter(state, orchestrator, registry)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("operator HTTP surface listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	state.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("reconciliation core stopped")
}
