package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/thetenthbox/gpuq/pkg/api"
	"github.com/thetenthbox/gpuq/pkg/auth"
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/log"
	"github.com/thetenthbox/gpuq/pkg/queue"
	"github.com/thetenthbox/gpuq/pkg/sshexec"
	"github.com/thetenthbox/gpuq/pkg/storage"
	"github.com/thetenthbox/gpuq/pkg/vetter"
	"github.com/thetenthbox/gpuq/pkg/worker"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the job queue server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		return runServer(cfgPath)
	},
}

func runServer(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.WithComponent("server")

	for _, dir := range []string{cfg.DataDir, cfg.JobsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.InitNodeStates(cfg.NodeCount()); err != nil {
		return fmt.Errorf("failed to initialise node state: %w", err)
	}

	// Jobs left mid-flight by a previous process cannot be resumed;
	// mark them failed so their owners can resubmit.
	recovered, err := store.RecoverInterrupted("Server restarted while job was in progress")
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if recovered > 0 {
		logger.Warn().Int("count", recovered).Msg("Marked interrupted jobs as failed")
	}

	authMgr := auth.NewManager(store)
	qm := queue.NewManager(cfg.NodeCount(), store)
	scanner := vetter.NewScanner(cfg.Scanner)

	factory := worker.ExecutorFactory(func(nodeID int, nodeAddr string) worker.Executor {
		return sshexec.NewExecutor(nodeID, nodeAddr, cfg.SSH, cfg.Remote)
	})

	pool := worker.NewPool(cfg, store, qm, factory)
	pool.Start()

	server := api.NewServer(cfg, store, authMgr, scanner, qm, factory)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}

	return nil
}
