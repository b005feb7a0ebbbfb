package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maestro-pos/backendlink/config"
	"github.com/maestro-pos/backendlink/discovery"
	"github.com/maestro-pos/backendlink/events"
	"github.com/maestro-pos/backendlink/probe"
	"github.com/maestro-pos/backendlink/realtime"
	"github.com/maestro-pos/backendlink/store"
)

// Environment variable names
const (
	EnvConfigYAML = "BACKENDLINK_CONFIG_YAML"
	EnvSessionID  = "BACKENDLINK_SESSION_ID"
)

func main() {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configYAML := flag.String("config-yaml", "", "Path to YAML configuration file")
	sessionID := flag.String("session-id", "", "Session id attached to the event stream")
	flag.Parse()

	yamlPath := os.Getenv(EnvConfigYAML)
	if configYAML != nil && *configYAML != "" {
		yamlPath = *configYAML
	}

	session := os.Getenv(EnvSessionID)
	if sessionID != nil && *sessionID != "" {
		session = *sessionID
	}

	cfg, err := config.Load(yamlPath, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Update logger level based on configuration
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel())); err != nil {
		logger.Warn("Invalid log level in config, using default",
			zap.String("level", cfg.LogLevel()), zap.Error(err))
	} else {
		loggerConfig.Level = zap.NewAtomicLevelAt(level)
		newLogger, err := loggerConfig.Build()
		if err != nil {
			logger.Warn("Failed to create logger with new level, keeping default", zap.Error(err))
		} else {
			logger.Info("Updating log level", zap.String("level", cfg.LogLevel()))
			logger = newLogger
		}
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		logger.Info("Received termination signal")
		cancel()
	}()

	st := store.New(cfg.StoragePath(), logger.Named("store"))
	prober := probe.New(&http.Client{}, cfg.ProbeTimeout(), logger.Named("probe"))
	resolver := discovery.NewResolver(cfg, st, prober, nil, logger.Named("discovery"))

	resolver.Initialize(ctx)
	state := resolver.State()
	if !state.Resolved {
		logger.Fatal("Could not resolve a backend",
			zap.String("status", string(state.Status)), zap.String("error", state.Err))
	}
	logger.Info("Backend resolved",
		zap.String("url", state.ServerURL), zap.String("origin", state.Origin))

	client := realtime.New(cfg, st, logger.Named("realtime"))
	client.SetBaseURL(state.ServerURL)
	client.UpdateSessionID(session)
	client.OnError(func(err error) {
		logger.Error("Realtime client error", zap.Error(err))
	})
	for _, t := range events.DomainTypes() {
		client.On(t, func(evt events.Event) {
			logger.Info("Event received",
				zap.String("type", string(evt.Type)),
				zap.String("id", evt.ID),
				zap.Any("payload", evt.Payload))
		})
	}

	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}
	defer client.Disconnect()

	// Hot-reload topics when the config file changes.
	if yamlPath != "" {
		go func() {
			err := cfg.Watch(ctx, func() {
				logger.Info("Configuration reloaded", zap.Strings("topics", cfg.Topics()))
				client.UpdateTopics(cfg.Topics())
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("Config watch stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")
}
