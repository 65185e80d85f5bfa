// Command instainr runs the settlement backend: sign-in, payment
// reservations and confirmation, prices and on-chain balances.
//
// Usage:
//
//	instainr --config config.yaml
//	instainr --setup (interactive configuration wizard)
//
// Environment variables:
//
//	NEXT_PUBLIC_WLD_APP_ID or WORLD_APP_ID, WLD_DEVELOPER_API_KEY
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vadiminshakov/instainr/config"
	"github.com/vadiminshakov/instainr/internal/app"
	"github.com/vadiminshakov/instainr/internal/setup"
	"go.uber.org/zap"
)

func main() {
	debug := flag.Bool("debug", false, "enable development logging")
	wizard := flag.Bool("setup", false, "run the configuration wizard first")

	path, err := config.Path()
	if err != nil {
		log.Fatal(err)
	}

	if *wizard {
		path, err = setup.RunTUI(path)
		if err != nil {
			log.Fatal(err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	if *debug {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := app.NewBackend(ctx, logger, cfg.Server)
	if err != nil {
		logger.Fatal("failed to start backend", zap.Error(err))
	}
	defer backend.Close()

	logger.Info("instainr backend started", zap.String("addr", cfg.Server.Addr), zap.Strings("domains", cfg.Server.Domains))
	if err := backend.Run(ctx); err != nil {
		logger.Error("backend stopped", zap.Error(err))
	}
}
