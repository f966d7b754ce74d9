package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/tillworks/tillsync/internal/connectivity"
	"github.com/tillworks/tillsync/internal/dispatch"
	"github.com/tillworks/tillsync/internal/envelope"
	"github.com/tillworks/tillsync/internal/localstore"
	"github.com/tillworks/tillsync/internal/outbox"
	"github.com/tillworks/tillsync/internal/reconcile"
	"github.com/tillworks/tillsync/internal/spool"
)

type config struct {
	BackendURL    string        `env:"TILLSYNC_BACKEND_URL" envDefault:"http://127.0.0.1:8080"`
	DeviceToken   string        `env:"TILLSYNC_DEVICE_TOKEN"`
	DeviceID      string        `env:"TILLSYNC_DEVICE_ID"`
	DataDir       string        `env:"TILLSYNC_DATA_DIR" envDefault:".tillsync-agent"`
	OutboxBackend string        `env:"TILLSYNC_OUTBOX_BACKEND" envDefault:"sqlite"`
	SpoolDir      string        `env:"TILLSYNC_SPOOL_DIR"`
	MaxBatch      int           `env:"TILLSYNC_MAX_BATCH"`
	FlushInterval time.Duration `env:"TILLSYNC_FLUSH_INTERVAL" envDefault:"5s"`
	ProbeInterval time.Duration `env:"TILLSYNC_PROBE_INTERVAL" envDefault:"10s"`
	StallAfter    time.Duration `env:"TILLSYNC_STALL_AFTER" envDefault:"2m"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(cfg.DataDir, "spool")
	}

	deviceID, err := loadDeviceID(cfg.DataDir, cfg.DeviceID)
	if err != nil {
		log.Fatalf("device id: %v", err)
	}
	encoder, err := envelope.NewEncoder(deviceID)
	if err != nil {
		log.Fatalf("encoder: %v", err)
	}

	ob, err := outbox.Open(cfg.OutboxBackend, filepath.Join(cfg.DataDir, "outbox.db"))
	if err != nil {
		log.Fatalf("open outbox: %v", err)
	}
	defer ob.Close()

	store, err := localstore.Open(filepath.Join(cfg.DataDir, "local.db"), ob, encoder)
	if err != nil {
		log.Fatalf("open local store: %v", err)
	}
	defer store.Close()

	client := dispatch.NewClient(cfg.BackendURL, cfg.DeviceToken, nil)
	dispatcher := dispatch.New(ob, client, dispatch.Config{
		MaxBatch: cfg.MaxBatch,
		Interval: cfg.FlushInterval,
		Logger:   log.Default(),
	})
	monitor := connectivity.New(client, ob, connectivity.Config{
		ProbeInterval: cfg.ProbeInterval,
		StallAfter:    cfg.StallAfter,
		Logger:        log.Default(),
	})
	reconciler := reconcile.New(client, store, deviceID, reconcile.Config{
		Logger: log.Default(),
	})
	watcher, err := spool.New(cfg.SpoolDir, store, log.Default())
	if err != nil {
		log.Fatalf("spool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Printf("%s stopped: %v", name, err)
				cancel()
			}
		}()
	}

	run("dispatcher", dispatcher.Run)
	run("monitor", monitor.Run)
	run("reconciler", reconciler.Run)
	run("spool", watcher.Run)

	// feed connectivity edges into the dispatcher
	transitions, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-transitions:
				if !ok {
					return
				}
				dispatcher.SetOnline(online)
			}
		}
	}()

	log.Printf("tillsync-agent running as %s against %s", deviceID, cfg.BackendURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	if status, err := monitor.Status(context.Background()); err == nil && status.Pending > 0 {
		log.Printf("%d ops still queued; they will sync on next start", status.Pending)
	}
}

// loadDeviceID returns the configured id or mints one on first run and keeps
// it in the data dir. The id must survive restarts: it namespaces every op
// this till ever produces.
func loadDeviceID(dataDir, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	path := filepath.Join(dataDir, "device-id")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}
	id := "till-" + uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
