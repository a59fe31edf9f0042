package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmusicplayer/spotidown/internal/api"
	"github.com/openmusicplayer/spotidown/internal/catalog"
	"github.com/openmusicplayer/spotidown/internal/config"
	"github.com/openmusicplayer/spotidown/internal/download"
	"github.com/openmusicplayer/spotidown/internal/health"
	"github.com/openmusicplayer/spotidown/internal/packager"
	"github.com/openmusicplayer/spotidown/internal/storage"
	"github.com/openmusicplayer/spotidown/internal/sweeper"
	"github.com/openmusicplayer/spotidown/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

func init() {
	serve := cmdServe()
	cmdRoot.AddCommand(serve)
	// A bare "spotidown" runs the server.
	cmdRoot.RunE = serve.RunE
}

func cmdServe() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config.Load())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	log := a.log

	mirror, err := storage.New(ctx, cfg)
	if err != nil {
		return err
	}
	var syncer *storage.Syncer
	if mirror != nil {
		syncer = storage.NewSyncer(mirror, a.store, log.WithComponent("storage"))
		log.Info(ctx, "artifact mirror enabled", map[string]interface{}{"backend": cfg.StorageBackend})
	}

	manager := download.NewManager(download.Config{
		DownloadDir:      cfg.DownloadDir,
		TrackDelayMin:    cfg.TrackDelayMin,
		TrackDelayMax:    cfg.TrackDelayMax,
		TrackConcurrency: cfg.TrackConcurrency,
		MaxTracks:        cfg.MaxBatchTracks,
	}, a.engine, a.store, packager.Pack, a.metrics, log.WithComponent("download"))
	if syncer != nil {
		manager.AfterArchive = syncer.Push
	}

	hub := websocket.NewHub(a.metrics)
	manager.AddNotifier(hub)

	var redisCheck func(context.Context) error
	if cfg.RedisURL != "" {
		pub, err := download.NewPublisher(cfg.RedisURL, cfg.ProgressChannel, cfg.Retention, log.WithComponent("publisher"))
		if err != nil {
			log.WarnErr(ctx, "progress publishing disabled", err)
		} else {
			defer pub.Close()
			manager.AddNotifier(pub)
			redisCheck = pub.Ping
		}
	}

	provider, closeCatalog, err := a.catalogProvider(ctx)
	if err != nil {
		log.WarnErr(ctx, "catalog lookups disabled", err)
	}
	defer closeCatalog()
	if cached, ok := provider.(*catalog.CachedProvider); ok && redisCheck == nil {
		redisCheck = cached.Ping
	}

	checkerCfg := &health.CheckerConfig{
		DownloadDir: cfg.DownloadDir,
		YtdlpCheck:  func(context.Context) error { return a.fetcher.CheckBinary() },
		RedisCheck:  redisCheck,
		Version:     version,
	}
	var remote sweeper.Remote
	deps := api.Deps{
		Catalog:     provider,
		Acquirer:    a.engine,
		Artifacts:   a.store,
		Jobs:        manager,
		Metrics:     a.metrics,
		JobStream:   websocket.NewHandler(hub, manager, cfg.CORSOrigins, log.WithComponent("ws")).ServeJob,
		DownloadDir: cfg.DownloadDir,
		MaxTracks:   cfg.MaxBatchTracks,
		CORSOrigins: cfg.CORSOrigins,
	}
	if syncer != nil {
		checkerCfg.StorageCheck = syncer.Ping
		deps.Mirror = syncer
		remote = syncer
	}
	deps.Health = health.NewHandler(health.NewChecker(checkerCfg))

	sw := sweeper.New(sweeper.Config{
		DownloadDir:        cfg.DownloadDir,
		WorkspaceDir:       cfg.WorkspaceDir,
		Retention:          cfg.Retention,
		WorkspaceRetention: cfg.WorkspaceRetention,
		Interval:           cfg.SweepInterval,
	}, a.store, manager, remote, a.metrics, log.WithComponent("sweeper"))

	go hub.Run(ctx)
	go sw.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           api.NewRouter(deps, log.WithComponent("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", map[string]interface{}{
			"addr":         cfg.ServerAddr,
			"download_dir": cfg.DownloadDir,
			"sources":      cfg.Sources,
			"version":      version,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "http shutdown incomplete", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "job workers did not stop in time", err)
	}
	return nil
}
