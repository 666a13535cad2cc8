package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/echod/internal/echo"
	"github.com/matst80/echod/internal/obs"
	"github.com/matst80/echod/internal/ratelimit"
	"github.com/matst80/echod/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseConfig(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		obs.Error("server.config", obs.Fields{"err": err.Error()})
		return int(echo.KindBadParam)
	}
	obs.Setup(os.Stderr, cfg.Logging.Format)
	obs.EnableDebug(cfg.Logging.Level == "debug")

	publisher, err := newPublisher(cfg.Redis)
	if err != nil {
		// stats publishing is optional; the echo service runs without it
		obs.Warn("stats.backend.unavailable", obs.Fields{"err": err.Error(), "addr": cfg.Redis.Addr})
		publisher = nil
	}
	if publisher != nil {
		defer func() {
			if err := publisher.Close(); err != nil {
				obs.Error("stats.close", obs.Fields{"err": err.Error()})
			}
		}()
	}

	srv, err := server.New(server.Options{
		BindAddress:     cfg.Server.BindAddress,
		Port:            cfg.Server.Port,
		TCP:             cfg.Server.TCPEnabled,
		UDP:             cfg.Server.UDPEnabled,
		MaxConnections:  cfg.Server.MaxConnections,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ConnLimiter:     ratelimit.NewLimiter(cfg.Limits.ConnRate, cfg.Limits.Burst),
		DatagramLimiter: ratelimit.NewLimiter(cfg.Limits.DatagramRate, cfg.Limits.Burst),
		Publisher:       publisher,
		PublishInterval: cfg.Redis.PublishInterval,
	})
	if err != nil {
		obs.Error("server.init", obs.Fields{"err": err.Error()})
		return echo.ExitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("server.start", obs.Fields{
		"bind":            cfg.Server.BindAddress,
		"port":            cfg.Server.Port,
		"tcp":             cfg.Server.TCPEnabled,
		"udp":             cfg.Server.UDPEnabled,
		"max_connections": cfg.Server.MaxConnections,
		"metrics":         cfg.Metrics.Address,
	})
	if err := srv.Start(ctx); err != nil {
		obs.Error("server.listen", obs.Fields{"err": err.Error()})
		return echo.ExitCode(err)
	}

	var metrics *metricsServer
	if cfg.Metrics.Address != "" {
		metrics = startMetricsServer(cfg.Metrics.Address, srv.State())
	}

	err = srv.Serve(ctx)
	if metrics != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		metrics.Shutdown(sctx)
		cancel()
	}
	if err != nil {
		obs.Error("server.fatal", obs.Fields{"err": err.Error(), "kind": echo.KindOf(err).String()})
		return echo.ExitCode(err)
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
	return 0
}
