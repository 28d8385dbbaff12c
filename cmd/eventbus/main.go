package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/isgasho/otto-1/internal/domain"
	"github.com/isgasho/otto-1/internal/eventbus"
	"github.com/isgasho/otto-1/internal/heartbeat"
	"github.com/isgasho/otto-1/internal/platform/config"
	"github.com/isgasho/otto-1/internal/platform/logging"
	"github.com/isgasho/otto-1/internal/platform/version"
	"github.com/isgasho/otto-1/internal/server"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupChannels(cfg *config.Config) domain.ChannelSet {
	channels, err := domain.NewChannelSet(cfg.Channels.Stateless, cfg.Channels.Stateful)
	if err != nil {
		slog.Error("Invalid channel declaration", "error", err)
		os.Exit(1)
	}
	return channels
}

// watchReload re-reads the configuration on every signal from hup. Only the heartbeat interval and
// log settings take effect without a restart.
func watchReload(ctx context.Context, hup <-chan os.Signal, load func() (*config.Config, error), heartbeatInterval *atomic.Int64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := applyReload(load, heartbeatInterval); err != nil {
				logging.WithComponent("reload").Error("Config reload failed, keeping current settings", "error", err)
			}
		}
	}
}

func applyReload(load func() (*config.Config, error), heartbeatInterval *atomic.Int64) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	heartbeatInterval.Store(int64(cfg.HeartbeatInterval()))
	logging.WithComponent("reload").Info("Config reloaded", "heartbeat", cfg.HeartbeatInterval(), "log_level", cfg.LogLevel)
	return nil
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Event bus starting", "version", version.Get().String(), "env", cfg.AppEnv, "addr", cfg.Addr())
	slog.Info(cfg.MOTD)

	channels := setupChannels(cfg)
	broker := eventbus.NewBroker(channels, clock)
	slog.Info("Channels declared", "channels", channels.Names())

	var heartbeatInterval atomic.Int64
	heartbeatInterval.Store(int64(cfg.HeartbeatInterval()))
	driver := heartbeat.NewDriver(broker, func() time.Duration {
		return time.Duration(heartbeatInterval.Load())
	}, clock)

	srv, err := server.NewServer(cfg, broker, clock)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// The broker is stopped during shutdown; that is not a driver failure.
		if err := driver.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g.Go(func() error {
		return watchReload(gctx, hup, config.Load, &heartbeatInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		broker.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Event bus stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Event bus stopped")
}
