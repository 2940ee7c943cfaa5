package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mergebot/internal/config"
	"mergebot/internal/github"
	"mergebot/internal/ingress"
	"mergebot/internal/metrics"
	"mergebot/internal/pipeline"
	"mergebot/internal/queue"
	"mergebot/internal/scheduler"
	"mergebot/internal/server"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	version := cfg.ServiceVersion
	if version == "dev" && BuildCommit != "dev" {
		version = BuildCommit
	}

	log.Println("Initializing merge bot...")
	log.Printf("Redis: %s (ns %s)", cfg.RedisURL, cfg.RedisNamespace)
	log.Printf("GitHub API: %s", cfg.GitHubAPIURL)
	log.Printf("Port: %d, workers: %d", cfg.Port, cfg.WorkerCount)

	// 2. Dependencies
	m := metrics.New(version)

	store, err := queue.New(cfg.RedisURL, cfg.RedisNamespace, m)
	if err != nil {
		log.Fatalf("Failed to open queue store: %v", err)
	}
	defer store.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Failed to reach Redis: %v", err)
	}
	cancelPing()

	pem, err := cfg.PrivateKeyPEM()
	if err != nil {
		log.Fatalf("Failed to load App private key: %v", err)
	}
	api, err := github.NewClient(github.Options{
		BaseURL:           cfg.GitHubAPIURL,
		AppID:             strconv.FormatInt(cfg.AppID, 10),
		PrivateKeyPEM:     pem,
		Token:             cfg.Token,
		Metrics:           m,
		Throttle:          store,
		MinRemaining:      cfg.RateLimitMinRemaining,
		CooldownSeconds:   cfg.RateLimitCooldownSecs,
		JitterSeconds:     cfg.RateLimitJitterSecs,
		MaxBackoffSecs:    cfg.MaxBackoffSeconds,
		RequestsPerSecond: cfg.GitHubRequestsPerSecond,
	})
	if err != nil {
		log.Fatalf("Failed to build GitHub client: %v", err)
	}

	// 3. Pipeline + scheduler
	pipe := pipeline.New(api, store, m, pipeline.Config{
		LeaseTTL:          time.Duration(cfg.LockTTLSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
	})
	sched := scheduler.New(store, pipe, m, scheduler.Config{
		Workers:          cfg.WorkerCount,
		SweepInterval:    time.Duration(cfg.SweepSeconds) * time.Second,
		LeaseTTL:         time.Duration(cfg.LockTTLSeconds) * time.Second,
		MaxRetries:       cfg.MaxRetries,
		StarvationWindow: time.Duration(cfg.MaxItemWindowSeconds) * time.Second,
	})

	// 4. HTTP surface
	normalizer := ingress.New(store, api, "automerge")
	srv := server.New(normalizer, store, api, m, server.Config{
		Port:          cfg.Port,
		WebhookSecret: cfg.WebhookSecret,
		AdminToken:    cfg.AdminToken,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(rootCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Println("Shutdown signal received")
	case err := <-serverErr:
		log.Printf("HTTP server failed: %v", err)
		stop()
	}

	// 5. Graceful shutdown: stop accepting webhooks, then wait for workers
	// to finish their current item (they dispose it before exiting).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		log.Println("Timed out waiting for workers")
	}
	log.Println("Merge bot stopped")
}
