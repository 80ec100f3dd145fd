package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"collabpad/internal/config"
	"collabpad/internal/hub"
	"collabpad/internal/relay"
	"collabpad/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var dataStore hub.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		dataStore = store.NewPostgresStore(db)
		log.Printf("Using PostgreSQL for document persistence")
	} else {
		log.Printf("No DATABASE_URL configured; relay is memory-only")
	}

	var fanout *hub.Fanout
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		fanout, err = hub.NewFanout(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		log.Printf("Using Redis fan-out for multi-node relaying")
	}

	h := hub.New(dataStore, fanout)
	defer h.Close()

	httpServer := relay.NewHTTPServer(h, cfg.RelayToken, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("collabpad relay listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
