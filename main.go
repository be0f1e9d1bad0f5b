package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"runner/blob"
	"runner/client"
	"runner/config"
	"runner/function"
	"runner/iomgr"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if env("RUNNER_LOG_PRETTY", "") != "" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	configPath := env("RUNNER_CONTAINER_CONFIG", "container.yml")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading container config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid container config")
	}

	cli, err := client.Dial(cfg.ServerAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("dialing control plane")
	}
	defer cli.Close()

	blobs, err := blob.NewBoltStore(env("RUNNER_BLOB_PATH", "blobs.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("opening blob store")
	}
	defer blobs.Close()

	var inputPlane client.ControlPlane
	if cfg.InputPlaneURL != "" {
		ip, err := client.Dial(cfg.InputPlaneURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("dialing input plane")
		}
		defer ip.Close()
		inputPlane = ip
	}

	m := iomgr.Init(cfg, iomgr.Options{
		Client: cli,
		NewClient: func(ctx context.Context) (client.ControlPlane, error) {
			return client.Dial(cfg.ServerAddr)
		},
		Blobs:      blobs,
		Logger:     logger,
		InputPlane: inputPlane,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopChan
		logger.Info().Msg("shutting down, letting outstanding inputs drain")
		m.StopFetchingInputs()
		<-stopChan
		logger.Info().Msg("force shutdown")
		cancel()
	}()

	if err := m.Hello(ctx); err != nil {
		logger.Fatal().Err(err).Msg("control plane hello failed")
	}

	functions, err := function.RegistryLoader().Load(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading user functions")
	}

	// A pre-warm snapshot happens before any input is pulled.
	if cfg.CheckpointID != "" {
		if err := m.MemorySnapshot(ctx); err != nil {
			logger.Fatal().Err(err).Msg("memory snapshot failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	heartbeatCtx, stopHeartbeats := context.WithCancel(context.Background())
	g.Go(func() error {
		return m.RunHeartbeats(heartbeatCtx)
	})
	g.Go(func() error {
		defer stopHeartbeats()
		return iomgr.Run(gctx, m, functions)
	})

	err = g.Wait()

	m.CommitVolumes(context.Background(), cfg.Function.VolumeIDs)

	switch {
	case err == nil:
		logger.Info().Msg("container drained")
	case errors.Is(err, context.Canceled):
		logger.Info().Msg("container stopped")
	case errors.Is(err, iomgr.ErrTaskFailed):
		logger.Error().Msg("task failed")
		os.Exit(1)
	default:
		if reportErr := m.ReportLifecycleFailure(context.Background(), err); reportErr != nil && !errors.Is(reportErr, iomgr.ErrTaskFailed) {
			logger.Error().Err(reportErr).Msg("reporting lifecycle failure")
		}
		os.Exit(1)
	}
}
