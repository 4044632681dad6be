package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"empi/internal/config"
	"empi/internal/logging"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "match-job" {
		os.Exit(runMatchJob(os.Args[2:]))
	}

	flags := flag.NewFlagSet("empid", flag.ExitOnError)
	configPath := flags.String("config", "", "path to the config file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, resolvedPath, missing, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", filepath.Join(cfg.Paths.LogDir, "empid.log")},
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	if missing {
		logger.Warn("config file not found, using defaults", logging.String("path", resolvedPath))
	}

	d, err := buildDaemon(cfg, resolvedPath, logger)
	if err != nil {
		logger.Error("bootstrap failed", logging.Error(err))
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start failed", logging.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("empid shutting down")
}
