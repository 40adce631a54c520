// =====================================
// File: cmd/refuel-sim/main.go
// =====================================
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fxswap/refuel/internal/config"
	"github.com/fxswap/refuel/internal/logger"
	"github.com/fxswap/refuel/internal/sim"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON, YAML or TOML)")
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Development = cfg.DebugLogging
	appLogger, err := logger.New(logCfg)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() {
		_ = appLogger.Close()
	}()

	appLogger.Info("Starting refuel simulation",
		zap.Int("instances", cfg.Instances),
		zap.Int("rounds", cfg.Rounds))

	runner := sim.NewRunner(cfg, appLogger)
	defer func() {
		if err := runner.Shutdown(context.Background()); err != nil {
			appLogger.Error("Shutdown error", zap.Error(err))
		}
	}()

	if err := runner.Setup(rootCtx); err != nil {
		appLogger.Error("Failed to set up simulation", zap.Error(err))
		return
	}

	summary, err := runner.Run(rootCtx)
	if err != nil {
		appLogger.Error("Simulation failed", zap.Error(err))
		return
	}

	appLogger.Info("Simulation summary",
		zap.String("factory", summary.Factory.Hex()),
		zap.String("pool", summary.Pool.Hex()),
		zap.Uint64("deployments", summary.Deployments),
		zap.Any("outcomes", summary.Outcomes),
		zap.Stringer("donated_lp", summary.DonatedLP),
		zap.Stringer("fees_withdrawn", summary.FeesWithdrawn))
}
