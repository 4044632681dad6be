package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"empi/internal/comparator"
	"empi/internal/config"
	"empi/internal/logging"
	"empi/internal/match"
	"empi/internal/store"
)

// runMatchJob executes one matching job and exits. The daemon spawns this
// mode for local jobs and reads its stderr tail as the failure reason, so
// errors go to stderr and logs stay on stdout.
func runMatchJob(args []string) int {
	flags := flag.NewFlagSet("match-job", flag.ContinueOnError)
	jobID := flags.Int64("job-id", 0, "id of the job to run")
	configPath := flags.String("config", "", "path to the config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *jobID <= 0 {
		fmt.Fprintln(os.Stderr, "match-job: --job-id is required")
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	engine := match.New(st, comparator.NewClient(cfg), logger)
	if err := engine.Run(ctx, *jobID); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}
