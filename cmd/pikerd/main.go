// Command pikerd is the market data feed daemon. It hosts one feed bus per
// enabled broker backend, samples live quotes into shared-memory bar
// buffers, and serves them to clients over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iamzoltan/piker/internal/config"
	"github.com/iamzoltan/piker/internal/feed"
	"github.com/iamzoltan/piker/internal/feedsrv"
	"github.com/iamzoltan/piker/internal/sampling"
	"github.com/iamzoltan/piker/internal/storage"
	"github.com/iamzoltan/piker/internal/version"

	_ "github.com/iamzoltan/piker/internal/broker/paper"
)

func main() {
	configPath := flag.String("config", "configs/pikerd.local.yaml", "path to config file")
	brokerOnly := flag.String("broker", "", "serve only this broker backend, overriding config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := run(*configPath, *brokerOnly); err != nil {
		slog.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, brokerOnly string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if brokerOnly != "" {
		bcfg, ok := cfg.Brokers[brokerOnly]
		if !ok {
			return fmt.Errorf("broker %q not present in config", brokerOnly)
		}
		bcfg.Enabled = true
		cfg.Brokers = map[string]config.BrokerConfig{brokerOnly: bcfg}
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting pikerd",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"config", configPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional bar persistence
	var (
		store     feed.BarStore
		barWriter *storage.Writer
	)
	if cfg.Storage.Enabled {
		logger.Info("connecting to storage",
			"host", cfg.Storage.Host,
			"port", cfg.Storage.Port,
			"database", cfg.Storage.Name,
		)
		pool, err := storage.Connect(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("connect storage: %w", err)
		}
		s := storage.NewStore(pool, logger)
		defer s.Close()
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure storage schema: %w", err)
		}
		barWriter = storage.NewWriter(s, cfg.Storage, logger)
		barWriter.Start(ctx)
		store = barWriter
		logger.Info("storage connected",
			"batch_size", cfg.Storage.BatchSize,
			"flush_interval", cfg.Storage.FlushInterval,
		)
	}

	clock := sampling.NewClock(logger)
	registry := feed.NewRegistry(clock, store, feed.Options{
		ShmSize:       cfg.Sampling.ShmSize,
		DefaultPeriod: cfg.Sampling.DefaultPeriod,
	}, logger)

	srv := feedsrv.New(cfg.Server, registry, clock, cfg.Brokers, logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start feed server: %w", err)
	}
	logger.Info("pikerd ready", "addr", srv.Addr(), "brokers", enabledBrokers(cfg))

	// Wait for shutdown, then unwind in dependency order.
	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()

	g, gctx := errgroup.WithContext(stopCtx)
	g.Go(func() error { return srv.Stop(gctx) })
	g.Go(func() error { return registry.Close(gctx) })
	if err := g.Wait(); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if err := clock.Stop(stopCtx); err != nil {
		logger.Warn("sample clock stop timed out", "error", err)
	}
	if barWriter != nil {
		if err := barWriter.Stop(stopCtx); err != nil {
			logger.Warn("bar writer stop incomplete", "error", err)
		}
	}

	logger.Info("pikerd stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func enabledBrokers(cfg *config.DaemonConfig) []string {
	var names []string
	for name, b := range cfg.Brokers {
		if b.Enabled {
			names = append(names, name)
		}
	}
	return names
}
