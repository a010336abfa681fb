// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rovshanmuradov/blinkshop/internal/app"
	"github.com/rovshanmuradov/blinkshop/internal/config"
	"github.com/rovshanmuradov/blinkshop/internal/logger"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a JSON or YAML config file (default: built-in defaults and BLINKSHOP_* environment)")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Development = cfg.DebugLogging
	logCfg.Color = cfg.DebugLogging
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting blinkshop",
		zap.String("rpc", cfg.RPCURL),
		zap.String("listen", cfg.ListenAddr),
		zap.String("storage", cfg.Storage.Backend))

	runner, err := app.NewRunner(ctx, cfg, log.Logger)
	if err != nil {
		log.Error("Failed to initialize", zap.Error(err))
		return
	}
	if err := runner.Run(ctx); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		return
	}
	log.Info("Server stopped")
}
