package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"humble/internal/config"
	"humble/internal/edge"
	"humble/internal/httpapi"
	"humble/internal/tlsutil"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfgPath := flag.String("config", "edge.json", "Configuration file path")
	hubAddr := flag.String("hub", "", "Hub link address (overrides hub_addr)")
	serverID := flag.Int("id", -1, "Edge server id (overrides server_id)")
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
	if *hubAddr != "" {
		cfg.HubAddr = *hubAddr
	}
	if *serverID >= 0 {
		cfg.ServerID = *serverID
	}
	if cfg.Debug {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(log)
	}

	tlsConf, err := tlsutil.NodeConfig(&cfg)
	if err != nil {
		log.Error("tls setup", "err", err)
		os.Exit(1)
	}

	e := edge.New(&cfg, log, tlsConf)
	log.Info("starting edge", "version", Version, "edge", e.ID(), "hub", cfg.HubAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if cfg.HTTPAddr != "" {
		api := httpapi.New(e, nil)
		go func() {
			if err := api.Run(ctx, cfg.HTTPAddr); err != nil {
				log.Error("http api", "err", err)
			}
		}()
		log.Info("http api listening", "addr", cfg.HTTPAddr)
	}

	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("edge", "err", err)
		os.Exit(1)
	}
	log.Info("edge stopped")
}
