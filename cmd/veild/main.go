package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veildns/veild/pkg/bridge"
	"github.com/veildns/veild/pkg/config"
	"github.com/veildns/veild/pkg/core"
	"github.com/veildns/veild/pkg/filter"
	"github.com/veildns/veild/pkg/logging"
	"github.com/veildns/veild/pkg/platform"
	"github.com/veildns/veild/pkg/store"
	"github.com/veildns/veild/pkg/tunnel"
)

func main() {
	configPath := flag.String("config", "", "path to config file (.json/.yaml/.toml)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			logging.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Fatalf("config: %v", err)
	}
	// Debug toggle via env (truthy parser), overriding the config level.
	dval := strings.ToLower(strings.TrimSpace(os.Getenv("VEILD_DEBUG")))
	if dval == "1" || dval == "true" || dval == "yes" || dval == "on" {
		logging.SetLevel(logging.DebugLevel)
		logging.Infof("debug logging enabled")
	}

	st, err := store.NewFileStore(cfg.StatePath)
	if err != nil {
		logging.Fatalf("store: %v", err)
	}

	// Seed the store from the daemon config on first start only: the
	// store owns the active configuration afterwards.
	if cfg.Tunnel != nil {
		if _, err := st.LoadConfig(); err == store.ErrNotFound {
			if err := st.SaveConfig(*cfg.Tunnel); err != nil {
				logging.Fatalf("seed configuration: %v", err)
			}
			logging.Infof("seeded tunnel configuration from %s", *configPath)
		}
	}

	var engine filter.Engine = filter.AllowAll{}
	if len(cfg.Filter.Blocked) > 0 || len(cfg.Filter.Rewrites) > 0 {
		engine = filter.NewStaticEngine(cfg.Filter.Blocked, cfg.Filter.Rewrites)
		logging.Infof("static filter engine: %d blocked, %d rewrites", len(cfg.Filter.Blocked), len(cfg.Filter.Rewrites))
	}

	b := bridge.New()
	ctrl, err := tunnel.New(tunnel.Options{
		Driver:          platform.New(),
		Store:           st,
		Engine:          engine,
		Notifier:        b,
		StatsInterval:   cfg.StatsIntervalDuration(),
		LatencyInterval: cfg.LatencyIntervalDuration(),
	})
	if err != nil {
		logging.Fatalf("tunnel: %v", err)
	}
	b.Attach(ctrl)

	unsubscribe := b.SubscribeStatus(func(s core.Status) {
		logging.WithComponent("lifecycle").Infof("status: %s", s)
	})
	defer unsubscribe()
	if strings.TrimSpace(os.Getenv("VEILD_STATS_LOG")) != "" {
		b.SubscribeStats(func(s core.Stats) {
			logging.WithComponent("stats").Infof("in=%d out=%d latency=%.1fms", s.BytesIn, s.BytesOut, s.ServerLatency)
		})
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: newAPI(b, ctrl),
	}
	go func() {
		logging.Infof("control api listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("control api: %v", err)
		}
	}()

	// Wait for termination.
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	logging.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	ctrl.Disconnect()
}
