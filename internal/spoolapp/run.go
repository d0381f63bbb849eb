// Package spoolapp wires the daemon's subsystems together the way
// the teacher's internal/app.run() wires the webhook gateway's:
// flags/config → logger → tracing → backend → repair → housekeeper →
// config watch → admin surface → MQTT connect → publisher → graceful
// shutdown on SIGINT/SIGTERM.
package spoolapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nuetzliches/msgspool/internal/adminapi"
	"github.com/nuetzliches/msgspool/internal/mqttpublish"
	"github.com/nuetzliches/msgspool/internal/obs"
	"github.com/nuetzliches/msgspool/internal/spool"
	"github.com/nuetzliches/msgspool/internal/spoolconfig"
)

// Run executes the daemon's full lifecycle and returns a process exit
// code, matching the teacher's run() int convention.
func Run(dotenvPath string) int {
	cfg, err := spoolconfig.Load(dotenvPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(logger)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingOn := cfg.OTLPEndpoint != ""
	if tracingOn {
		shutdownTracing, err := obs.InitTracing(ctx, cfg.OTLPEndpoint, true, func(err error) {
			logger.Error("tracing_error", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = shutdownTracing(shutdownCtx)
		}()
		logger.Info("tracing_started", slog.String("endpoint", cfg.OTLPEndpoint))
	}

	metrics := obs.NewSpoolMetrics(prometheus.DefaultRegisterer)

	store, err := openStore(cfg, metrics)
	if err != nil {
		logger.Error("open_store_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = store.Close() }()
	logger.Info("store_opened", slog.String("backend", string(cfg.Backend)))

	if err := store.Repair(); err != nil {
		logger.Error("repair_failed", slog.Any("err", err))
		return 1
	}
	logger.Info("repair_checked")

	hk := spool.NewHousekeeper(store, spool.HousekeeperConfig{
		Interval: cfg.HousekeeperInterval,
		PurgeAge: cfg.PurgeAge,
		Logger:   logger,
		Metrics:  metrics,
	})
	hk.RunOnce(ctx)
	hk.Start(ctx)
	defer hk.Stop()
	logger.Info("housekeeper_started")

	go spoolconfig.Watch(ctx, dotenvPath, logger, func(newCfg spoolconfig.Config) {
		hk.Update(spool.HousekeeperConfig{
			Interval: newCfg.HousekeeperInterval,
			PurgeAge: newCfg.PurgeAge,
			Logger:   logger,
			Metrics:  metrics,
		})
	})

	var adminAuth *adminapi.JWTAuth
	if cfg.JWKSURL != "" {
		a, err := adminapi.NewJWTAuth(ctx, cfg.JWKSURL, "", 15*time.Minute, logger)
		if err != nil {
			logger.Error("jwt_auth_init_failed", slog.Any("err", err))
			return 1
		}
		adminAuth = a
	} else {
		logger.Warn("admin_surface_unauthenticated")
	}

	adminSrv := adminapi.New(adminapi.Options{
		Addr:      cfg.AdminAddr,
		Store:     store,
		Auth:      adminAuth,
		Logger:    logger,
		TracingOn: tracingOn,
	})
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil {
			logger.Error("admin_surface_failed", slog.Any("err", err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}()
	logger.Info("admin_surface_started", slog.String("addr", cfg.AdminAddr))

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetCleanSession(false)
	mqttpublish.AttachConnectionHandlers(mqttOpts, store, logger)
	client := mqtt.NewClient(mqttOpts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		logger.Error("mqtt_connect_failed", slog.Any("err", tok.Error()))
		return 1
	}
	defer client.Disconnect(250)
	logger.Info("mqtt_connected", slog.String("broker", cfg.MQTTBroker))

	loop, err := mqttpublish.NewLoop(mqttpublish.Options{
		Store:   store,
		Client:  client,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("publish_loop_init_failed", slog.Any("err", err))
		return 1
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("publish_loop_failed", slog.Any("err", err))
		}
	}()

	logger.Info("spoold_ready")
	<-ctx.Done()
	logger.Info("shutdown_signal_received")

	select {
	case <-loopDone:
	case <-time.After(5 * time.Second):
		logger.Warn("publish_loop_shutdown_timed_out")
	}

	return 0
}

func openStore(cfg spoolconfig.Config, metrics *obs.SpoolMetrics) (spool.Store, error) {
	switch cfg.Backend {
	case spoolconfig.BackendSQLite:
		return spool.NewSQLiteStore(cfg.SQLitePath, cfg.Capacity,
			spool.WithSQLiteLogDataEnabled(cfg.LogDataEnabled),
			spool.WithSQLiteMetrics(metrics))
	case spoolconfig.BackendPostgres:
		return spool.NewPostgresStore(cfg.PostgresDSN,
			spool.WithPostgresCapacity(cfg.Capacity),
			spool.WithPostgresMetrics(metrics))
	default:
		return nil, fmt.Errorf("spoolapp: unknown backend %q", cfg.Backend)
	}
}
