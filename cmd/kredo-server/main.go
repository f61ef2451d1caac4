// Command kredo-server runs the Kredo discovery/reputation service:
// it wires configuration, logging, storage, the trust engine, rate
// limiting, and the HTTP router, then serves until a termination
// signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kredo-project/kredo/internal/config"
	"github.com/kredo-project/kredo/internal/logging"
	"github.com/kredo-project/kredo/internal/ratelimit"
	"github.com/kredo-project/kredo/internal/store"
	"github.com/kredo-project/kredo/internal/taxonomy"
	"github.com/kredo-project/kredo/internal/trust"
	"github.com/kredo-project/kredo/internal/web"
	"github.com/kredo-project/kredo/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.IsDev())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	clk := clock.New()
	scope := metrics.NewPromScope(prometheus.DefaultRegisterer, "kredo")

	st, err := store.Open(cfg.DBPath, clk, log, scope)
	if err != nil {
		log.Fatal("opening store", zap.Error(err))
	}
	defer st.Close()

	taxo := taxonomy.New(st)
	if err := taxo.SeedIfEmpty(); err != nil {
		log.Fatal("seeding taxonomy", zap.Error(err))
	}

	engine := trust.New(st, clk, time.Duration(cfg.TrustCacheTTLSeconds)*time.Second)

	limits, err := ratelimit.LimitsFromJSON(cfg.RateLimitsJSON)
	if err != nil {
		log.Fatal("parsing rate limits", zap.Error(err))
	}
	var backend ratelimit.Backend = ratelimit.NewInProcessBackend(clk)
	if cfg.RedisAddr != "" {
		backend = ratelimit.NewRedisBackend(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	limiter := ratelimit.New(backend, limits)

	server := web.New(st, engine, taxo, limiter, clk, log, scope, web.Config{
		CORSAllowOrigins: cfg.AllowedOrigins(),
		MaxBodyBytes:     cfg.MaxBodyBytes,
	})

	httpServer := &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("serve", zap.Error(err))
		}
	}()

	catchSignals(log, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("graceful shutdown", zap.Error(err))
		}
	})
}

// catchSignals blocks until SIGTERM, SIGINT, or SIGHUP, runs
// callback, then exits.
func catchSignals(log *zap.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	sig := <-sigChan
	log.Info("caught signal", zap.String("signal", sig.String()))

	if callback != nil {
		callback()
	}
	log.Info("exiting")
	os.Exit(0)
}
