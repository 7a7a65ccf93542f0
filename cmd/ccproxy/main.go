// Package main is the entry point for ccproxy, an Anthropic Messages API
// front end for a pool of Google Cloud Code accounts.
package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/kvoss/ccproxy/internal/account"
	"github.com/kvoss/ccproxy/internal/cache"
	"github.com/kvoss/ccproxy/internal/config"
	"github.com/kvoss/ccproxy/internal/metrics"
	"github.com/kvoss/ccproxy/internal/pipeline"
	"github.com/kvoss/ccproxy/internal/ratelimit"
	"github.com/kvoss/ccproxy/internal/server"
	"github.com/kvoss/ccproxy/internal/translate"
	"github.com/kvoss/ccproxy/internal/upstream"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	persister, err := account.OpenGormPersister(cfg.Accounts.DBPath)
	if err != nil {
		log.Fatalf("failed to open account store %q: %v", cfg.Accounts.DBPath, err)
	}

	manager, err := account.NewManager(persister)
	if err != nil {
		log.Fatalf("failed to load accounts: %v", err)
	}

	var refresher *account.Refresher
	if cfg.Accounts.ClientID != "" {
		refresher = account.NewRefresher(cfg.Accounts.ClientID, cfg.Accounts.ClientSecret)
	}

	scheduler := account.NewScheduler(manager, account.Strategy(cfg.Scheduler.Strategy), cfg.Scheduler.FallbackEnabled, cfg.Scheduler.QuotaThreshold)

	upstreamClient := upstream.NewClient(http.DefaultClient, manager, refresher, cfg.RateLimit.GateConfig())
	upstreamClient.SetBackoffConfig(cfg.RateLimit.BackoffConfig())
	if len(cfg.Upstream.Endpoints) > 0 {
		upstreamClient.SetEndpoints(cfg.Upstream.Endpoints)
	}

	respCache, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	if err != nil {
		log.Fatalf("failed to build response cache: %v", err)
	}

	m := metrics.New()
	upstreamClient.SetMetrics(m)

	p := &pipeline.Pipeline{
		Cache:                  respCache,
		Scheduler:              scheduler,
		Manager:                manager,
		Upstream:               upstreamClient,
		SigCache:               translate.NewSignatureCache(),
		Metrics:                m,
		Dedup:                  ratelimit.NewDeduper(),
		MaxOutputTokensCeiling: cfg.MaxOutputTokensCeiling,
		Debug:                  cfg.Debug,
	}

	srv := server.New(p, m, cfg.APIKey, cfg.Debug)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("ccproxy listening on %s", addr)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
