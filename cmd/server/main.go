package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/scanforge/scanforge-server/internal/app"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (falls back to CONFIG_PATH, then config.yaml)")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrateOnly {
		if err := app.Migrate(ctx, *configPath); err != nil {
			log.WithError(err).Error("migration failed")
			os.Exit(1)
		}
		log.Info("migrations applied")
		return
	}

	if err := app.RunServer(ctx, *configPath); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}
