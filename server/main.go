package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/benchdb/server/api"
	"github.com/benchdb/server/config"
	"github.com/benchdb/server/storage"
	"github.com/benchdb/server/sysinfo"
	"github.com/benchdb/server/timeline"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log := logrus.New()
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	cfg, err := config.Load(*configPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	if info, err := sysinfo.Collect(); err == nil {
		log.WithFields(logrus.Fields{
			"host":   info.HostName,
			"os":     info.OS,
			"cpu":    info.CPUModel,
			"memory": info.TotalMemory,
		}).Info("Host information")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := storage.NewDatabase(cfg)
	if err := db.Connect(ctx); err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Bootstrap(ctx); err != nil {
		log.WithError(err).Fatal("Failed to bootstrap schema")
	}

	server, err := api.NewServer(cfg.API.Addr, db, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create API server")
	}

	var updater *timeline.Updater
	if cfg.Timeline.Enabled {
		updater = timeline.NewUpdater(db, cfg.Timeline.BootstrapReplicates)
		updater.OnUpdate = server.Hub().BroadcastTimelineUpdated
		if err := updater.Start(ctx); err != nil {
			log.WithError(err).Fatal("Failed to start timeline updater")
		}
		db.SetTimelineUpdater(updater)
	}

	if err := server.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start API server")
	}

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("API server shutdown failed")
	}
	if updater != nil {
		if err := updater.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("Timeline updater shutdown failed")
		}
	}
}
