// Package main is the entry point for the control plane server: it
// wires the Settings Store, Risk Validator/Monitor, Execution Engine,
// Journal, Feedback Loop and Coordinator together behind the HTTP/
// WebSocket API and runs until an interrupt signal asks it to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradectl/control-plane/internal/api"
	"github.com/tradectl/control-plane/internal/auth"
	"github.com/tradectl/control-plane/internal/broker"
	"github.com/tradectl/control-plane/internal/candlefeed"
	"github.com/tradectl/control-plane/internal/config"
	"github.com/tradectl/control-plane/internal/coordinator"
	"github.com/tradectl/control-plane/internal/engine"
	"github.com/tradectl/control-plane/internal/events"
	"github.com/tradectl/control-plane/internal/feedback"
	"github.com/tradectl/control-plane/internal/journal"
	"github.com/tradectl/control-plane/internal/metrics"
	"github.com/tradectl/control-plane/internal/risk"
	"github.com/tradectl/control-plane/internal/settings"
	"github.com/tradectl/control-plane/internal/store"
	"github.com/tradectl/control-plane/internal/strategy"
	"github.com/tradectl/control-plane/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional; env vars and defaults apply regardless)")
	host := flag.String("host", "", "Override server.host")
	port := flag.Int("port", 0, "Override server.port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("starting control plane",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("defaultBrokerType", cfg.Engine.DefaultBrokerType),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := store.NewMemStore(logger)
	bus := events.NewBus(logger, events.DefaultBusConfig())
	defer bus.Stop()

	settingsStore := settings.New(db, logger, bus)
	validator := risk.New(db, settingsStore, logger, bus)
	monitor := risk.NewMonitor(db, settingsStore, logger)

	startingBalance, err := decimal.NewFromString(cfg.Brokers.Paper.StartingBalance)
	if err != nil {
		logger.Fatal("invalid brokers.paper.starting_balance", zap.Error(err))
	}
	slippage, err := decimal.NewFromString(cfg.Brokers.Paper.SlippagePct)
	if err != nil {
		logger.Fatal("invalid brokers.paper.slippage_pct", zap.Error(err))
	}
	paperAdapter := broker.NewPaperAdapter(logger, startingBalance, slippage)
	simAdapter := broker.NewSimulationAdapter(logger, db, cfg.Brokers.Simulation.TickInterval, nil)

	brokers := map[string]broker.Port{
		"paper":      paperAdapter,
		"simulation": simAdapter,
	}

	eng := engine.New(db, settingsStore, logger, brokers, cfg.Engine.MonitorInterval, bus)
	go eng.RunMonitorLoop(ctx)

	j := journal.New(db, logger)

	fb := feedback.New(db, j, monitor, settingsStore, bus, logger, 24*time.Hour)

	feed := candlefeed.NewMemoryFeed()
	coord := coordinator.New(db, feed, validator, monitor, settingsStore, eng, bus, logger)
	coord.RegisterStrategy(strategy.NewReference("trend-follow", 1.0))

	authn := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, logger)
	met := metrics.New(prometheus.DefaultRegisterer)

	hub := api.NewHub(logger)
	go hub.Run()
	hub.BridgeEvents(bus)

	serverConfig := &types.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		WebSocketPath:  "/ws",
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxConnections: cfg.Server.MaxConnections,
		EnableMetrics:  cfg.Server.EnableMetrics,
	}

	server := api.NewServer(logger, serverConfig, api.Deps{
		DB:           db,
		Settings:     settingsStore,
		Validator:    validator,
		Monitor:      monitor,
		Engine:       eng,
		Journal:      j,
		FeedbackLoop: fb,
		Coordinator:  coord,
		Auth:         authn,
		Metrics:      met,
		Hub:          hub,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("control plane started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
	)

	<-sigChan
	logger.Info("shutdown signal received")

	coord.Halt("shutdown")
	cancel()
	eng.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	paperAdapter.Disconnect(shutdownCtx)
	simAdapter.Disconnect(shutdownCtx)

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("control plane stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
