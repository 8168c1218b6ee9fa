package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/novagrid/relay/cmd/relayd/server"
	"github.com/novagrid/relay/internal/relayconfig"
)

var (
	configFile = flag.String("f", "configs/relayd.yaml", "path to the daemon's YAML config file")
	version    = "0.1.0"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := relayconfig.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting relay daemon",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("config_file", *configFile))

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("server error", zap.Error(err))
	case sig := <-sigCh:
		logger.Info("received signal", zap.String("signal", sig.String()))
	}

	cancel()
	srv.Stop()

	logger.Info("relay daemon shutdown complete")
}

// buildLogger constructs a zap.Logger from the daemon's log
// configuration, honoring Level ("debug"/"info"/"warn"/"error") and
// Format ("json"/"console").
func buildLogger(cfg relayconfig.LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(cfg.Level); err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	return zcfg.Build()
}
