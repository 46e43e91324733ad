package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"humble/internal/blob"
	"humble/internal/config"
	"humble/internal/hub"
	"humble/internal/httpapi"
	"humble/internal/hublink"
	"humble/internal/store"
	"humble/internal/tlsutil"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfgPath := flag.String("config", "hub.json", "Configuration file path")
	addr := flag.String("addr", "", "Hub link listen address (overrides hub_addr)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HubAddr = *addr
	}
	if cfg.Debug {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(log)
	}

	log.Info("starting hub", "version", Version, "addr", cfg.HubAddr, "db", cfg.Database.Path)

	st, err := store.New(cfg.Database.Path, cfg.Database.WALMode)
	if err != nil {
		log.Error("open store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("close store", "err", closeErr)
		}
	}()

	var blobs *blob.Store
	if cfg.BlobStore.Enabled {
		blobs, err = blob.NewStore(cfg.BlobStore.Path, st)
		if err != nil {
			log.Error("initialize blob store", "err", err)
			os.Exit(1)
		}
	}

	h, err := hub.New(&cfg, log, st, blobs)
	if err != nil {
		log.Error("initialize hub", "err", err)
		os.Exit(1)
	}

	tlsConf, err := tlsutil.NodeConfig(&cfg)
	if err != nil {
		log.Error("tls setup", "err", err)
		os.Exit(1)
	}

	ln, err := hublink.Listen(cfg.HubAddr, tlsConf, log)
	if err != nil {
		log.Error("listen hub link", "err", err)
		os.Exit(1)
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go h.Registry().Run(ctx)
	go runBackups(ctx, log, st, &cfg)

	if cfg.HTTPAddr != "" {
		api := httpapi.New(h, h.Registry())
		go func() {
			if err := api.Run(ctx, cfg.HTTPAddr); err != nil {
				log.Error("http api", "err", err)
			}
		}()
		log.Info("http api listening", "addr", cfg.HTTPAddr)
	}

	log.Info("hub link listening", "addr", ln.Addr())
	if err := hub.NewService(h).Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.Error("hub service", "err", err)
		os.Exit(1)
	}
	log.Info("hub stopped")
}

// runBackups snapshots the database on the configured interval.
func runBackups(ctx context.Context, log *slog.Logger, st *store.Store, cfg *config.Config) {
	if cfg.Database.BackupDir == "" {
		return
	}
	if err := os.MkdirAll(cfg.Database.BackupDir, 0o700); err != nil {
		log.Error("create backup dir", "err", err)
		return
	}
	ticker := time.NewTicker(time.Duration(cfg.Database.BackupInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dest := filepath.Join(cfg.Database.BackupDir,
				fmt.Sprintf("humble-%s.db", now.UTC().Format("20060102-150405")))
			if err := st.Backup(dest); err != nil {
				log.Warn("database backup failed", "dest", dest, "err", err)
				continue
			}
			log.Info("database backed up", "dest", dest)
		}
	}
}
