package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zoom/arlo/internal/broadcast"
	"github.com/zoom/arlo/internal/config"
	"github.com/zoom/arlo/internal/httpapi"
	"github.com/zoom/arlo/internal/observability"
	"github.com/zoom/arlo/internal/relay"
	"github.com/zoom/arlo/internal/rtms"
	"github.com/zoom/arlo/internal/session"
	"github.com/zoom/arlo/internal/store"
	"github.com/zoom/arlo/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	segmentStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("segment store init failed: %v", err)
	}
	defer segmentStore.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("segment store: in-memory")
	} else {
		log.Printf("segment store: postgres")
	}

	connector, err := rtms.NewConnector(rtms.Config{
		Mode:         cfg.GatewayMode,
		ClientID:     cfg.ZoomClientID,
		ClientSecret: cfg.ZoomClientSecret,
		AutoConfirm:  true,
	})
	if err != nil {
		log.Fatalf("rtms connector init failed: %v", err)
	}
	log.Printf("rtms gateway mode: %s", cfg.GatewayMode)

	hub := broadcast.NewHub(0, metrics)
	broadcasters := []broadcast.Broadcaster{hub}
	if cfg.BackendURL != "" {
		broadcasters = append(broadcasters, broadcast.NewNotifier(cfg.BackendURL, cfg.NotifyTimeout, cfg.NotifyMaxRetries))
		log.Printf("backend notifier: %s", cfg.BackendURL)
	} else {
		log.Printf("backend notifier disabled")
	}

	fanout := relay.NewFanout(relay.FanoutOptions{
		QueueSize:   cfg.DispatchQueueSize,
		Workers:     cfg.DispatchWorkers,
		CallTimeout: cfg.NotifyTimeout*time.Duration(cfg.NotifyMaxRetries+1) + 5*time.Second,
		Broadcaster: broadcast.NewMulti(broadcasters...),
		Store:       segmentStore,
		Metrics:     metrics,
	})

	registry := session.NewRegistry(cfg.JoinTimeout)
	rtmsRelay := relay.New(relay.Options{
		Registry:  registry,
		Connector: connector,
		Fanout:    fanout,
		Sequences: segmentStore,
		Metrics:   metrics,
	})
	supervisor := relay.NewSupervisor(rtmsRelay)

	verifier := webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookMaxSkew)
	if !verifier.Enabled() {
		log.Printf("no webhook secret configured, skipping signature verification")
	}

	api := httpapi.New(cfg, rtmsRelay, verifier, segmentStore, hub, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	supervisor.Start(runCtx, 5*time.Second)

	go func() {
		log.Printf("rtms relay listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("%s received, closing rtms sessions", sig)

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		log.Printf("session shutdown incomplete: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
