// kalive client: keeps a tunnel to the closest exit alive; VPN packets on stdio or a TUN device.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"dev.c0redev.kalive/internal/cache"
	"dev.c0redev.kalive/internal/config"
	"dev.c0redev.kalive/internal/directory"
	"dev.c0redev.kalive/internal/keepalive"
	"dev.c0redev.kalive/internal/stats"
	"dev.c0redev.kalive/internal/store"
	"dev.c0redev.kalive/internal/transport"
	"dev.c0redev.kalive/internal/tun"
	"dev.c0redev.kalive/internal/vpn"
)

func main() {
	// stdout carries VPN frames in stdio mode
	log := logrus.New()
	log.SetOutput(os.Stderr)

	cfg, err := config.Load(os.Getenv("KALIVE_CONFIG"), os.LookupEnv)
	if err != nil {
		log.Fatal(err)
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	db, err := store.Open(":memory:")
	if err != nil {
		log.Fatal("store: ", err)
	}
	defer db.Close()
	dir, err := directory.NewClient(cfg.DirectoryURL, cfg.Token, cfg.ProxyURL)
	if err != nil {
		log.Fatal(err)
	}
	collector := &stats.Collector{}

	var port vpn.LocalPort
	if cfg.VPN {
		switch cfg.VPNDevice {
		case "tun":
			p, err := tun.Open(cfg.TunName)
			if err != nil {
				log.Fatal(err)
			}
			defer p.Close()
			port = p
		default:
			port = vpn.Stdio()
		}
	}

	ka := keepalive.New(keepalive.Config{
		ExitHost:   cfg.ExitHost,
		UseBridges: cfg.UseBridges,
		VPN:        cfg.VPN,
		Dialer:     &transport.Dialer{Log: log},
		Cache:      cache.New(db, dir, cfg.CacheTTL, log),
		Stats:      collector,
		LocalPort:  port,
		Timeouts:   keepalive.DefaultTimeouts(),
		Logger:     log,
	})
	log.WithFields(logrus.Fields{
		"exit":        cfg.ExitHost,
		"use_bridges": cfg.UseBridges,
		"vpn":         cfg.VPN,
	}).Info("keepalive started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StatsInterval > 0 {
		r := &stats.Reporter{
			Collector: collector,
			Sink:      dir,
			Interval:  cfg.StatsInterval,
			Session:   ka.GetStats,
			Log:       log,
		}
		go r.Run(ctx)
		go logStats(ctx, log, ka, collector, cfg.StatsInterval)
	}

	<-ctx.Done()
	log.Info("shutting down")
	_ = ka.Close()
}

// logStats prints a one-line summary every interval while connected.
func logStats(ctx context.Context, log logrus.FieldLogger, ka *keepalive.Keepalive, c *stats.Collector, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		snap := c.Snapshot()
		if snap.Exit == "" {
			log.Info("not connected")
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		st, err := ka.GetStats(sctx)
		cancel()
		fields := logrus.Fields{"exit": snap.Exit, "tx": snap.TotalTx, "rx": snap.TotalRx}
		if err == nil {
			fields["ping_ms"] = st.Ping.Milliseconds()
		}
		log.WithFields(fields).Info("session stats")
	}
}
