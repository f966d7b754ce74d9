package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tillworks/tillsync/internal/engine"
	"github.com/tillworks/tillsync/internal/feed"
	"github.com/tillworks/tillsync/internal/httpapi"
	"github.com/tillworks/tillsync/internal/storage"
)

type config struct {
	Addr            string        `env:"TILLSYNC_ADDR" envDefault:":8080"`
	StorageDriver   string        `env:"TILLSYNC_STORAGE_DRIVER" envDefault:"sqlite"`
	StorageDSN      string        `env:"TILLSYNC_STORAGE_DSN"`
	DataDir         string        `env:"TILLSYNC_DATA_DIR" envDefault:".tillsync"`
	DeviceToken     string        `env:"TILLSYNC_DEVICE_TOKEN"`
	RateLimitMax    int           `env:"TILLSYNC_RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `env:"TILLSYNC_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes    int64         `env:"TILLSYNC_MAX_BODY_BYTES"`
	MaxBatchOps     int           `env:"TILLSYNC_MAX_BATCH_OPS"`
	ChangePageSize  int           `env:"TILLSYNC_CHANGE_PAGE_SIZE"`
	FeedBuffer      int           `env:"TILLSYNC_FEED_BUFFER"`
	ShutdownGrace   time.Duration `env:"TILLSYNC_SHUTDOWN_GRACE" envDefault:"10s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	db, err := openStorage(cfg)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer db.Close()
	if err := db.MigrateServer(context.Background()); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	hub := feed.NewHub(cfg.FeedBuffer)
	defer hub.Close()
	changeLog := feed.NewLog(db)
	eng := engine.New(db, hub, log.Default())
	server := httpapi.NewServer(eng, changeLog, hub, httpapi.ServerConfig{
		DeviceToken:     cfg.DeviceToken,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		MaxBatchOps:     cfg.MaxBatchOps,
		ChangePageSize:  cfg.ChangePageSize,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("tillsyncd listening on %s", cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func openStorage(cfg config) (*storage.DB, error) {
	dsn := strings.TrimSpace(cfg.StorageDSN)
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "sqlite" || driver == "" {
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "canonical.db")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}
	return storage.Open(driver, dsn)
}
