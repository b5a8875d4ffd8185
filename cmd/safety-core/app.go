package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/BenPomme/alpaca-trading-system/internal/allocation"
	"github.com/BenPomme/alpaca-trading-system/internal/broker/alpaca"
	"github.com/BenPomme/alpaca-trading-system/internal/config"
	"github.com/BenPomme/alpaca-trading-system/internal/logger"
	"github.com/BenPomme/alpaca-trading-system/internal/notifications"
	"github.com/BenPomme/alpaca-trading-system/internal/orchestrator"
	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
	"github.com/BenPomme/alpaca-trading-system/internal/store"
	"github.com/BenPomme/alpaca-trading-system/internal/store/filestore"
)

// app holds the wired components for one command invocation
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	store      store.Store
	writerLock *filestore.Lock
	notifier   notifications.Notifier
	gate       *safety.Gate
	limiter    *allocation.Limiter
	rebalancer *rebalance.Rebalancer
	stop       *safety.EmergencyStop

	// set only when the broker is connected
	coordinator *orchestrator.Coordinator
}

// newApp loads configuration and rehydrates the gate. The broker and coordinator are wired
// only when withBroker is set so offline commands run without credentials.
func newApp(ctx context.Context, withBroker bool) (*app, error) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log, err := logger.New(logger.Options{
		Service: "safety-core",
		Level:   cfg.LogLevel,
		Dir:     cfg.LogDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, log: log, stop: safety.NewEmergencyStop()}
	if err := a.wire(ctx, withBroker); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, withBroker bool) error {
	cfg := a.cfg

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	a.notifier = notifications.Nop{}
	if cfg.Notifications.TelegramToken != "" && cfg.Notifications.TelegramChatID != "" {
		source := "safety-core"
		if host, err := os.Hostname(); err == nil {
			source += "@" + host
		}
		a.notifier = notifications.NewTelegramNotifier(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChatID).
			WithSource(source)
	} else {
		a.log.Debug().Msg("Telegram notifications disabled (no token configured)")
	}

	// trading commands refuse to start while another trading process is live
	if withBroker {
		a.writerLock, err = store.WriterLock(cfg.Store)
		if err != nil {
			return err
		}
	}

	a.store, err = store.Open(cfg.Store, a.log.Component("store"))
	if err != nil {
		return err
	}

	a.gate, err = safety.NewGate(cfg.Safety, a.store,
		safety.WithLogger(a.log.Component("safety_gate")),
		safety.WithNotifier(a.notifier),
		safety.WithPersistTimeout(cfg.PersistTimeout),
		safety.WithLocation(loc),
	)
	if err != nil {
		return err
	}
	if err := a.gate.Rehydrate(ctx); err != nil {
		return err
	}

	a.limiter, err = allocation.NewLimiter(cfg.Allocation, a.log.Component("allocation"))
	if err != nil {
		return err
	}

	a.rebalancer, err = rebalance.NewRebalancer(cfg.Rebalance, a.limiter, a.store, a.log.Component("rebalancer"))
	if err != nil {
		return err
	}

	if !withBroker {
		return nil
	}

	client, err := alpaca.New(cfg.Broker, a.log.Component("alpaca"))
	if err != nil {
		return err
	}

	a.coordinator, err = orchestrator.New(a.gate, a.limiter, a.rebalancer, client, a.stop, orchestrator.Options{
		Logger:                       a.log.Component("coordinator"),
		Notifier:                     a.notifier,
		Location:                     loc,
		HaltAfterPersistenceFailures: cfg.Emergency.HaltAfterPersistenceFailures,
	})
	if err != nil {
		return err
	}

	if cfg.Emergency.EngageOnStart {
		a.stop.Engage("engaged on start by configuration")
	}
	return nil
}

// Close releases the store and log file
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error().Err(err).Msg("Failed to close store")
		}
	}
	if a.writerLock != nil {
		if err := a.writerLock.Release(); err != nil {
			a.log.Error().Err(err).Msg("Failed to release writer lock")
		}
	}
	if err := a.log.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close log file: %v\n", err)
	}
}

func (a *app) component(name string) zerolog.Logger {
	return a.log.Component(name)
}
