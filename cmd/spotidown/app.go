package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/openmusicplayer/spotidown/internal/acquire"
	"github.com/openmusicplayer/spotidown/internal/artifact"
	"github.com/openmusicplayer/spotidown/internal/catalog"
	"github.com/openmusicplayer/spotidown/internal/config"
	"github.com/openmusicplayer/spotidown/internal/logger"
	"github.com/openmusicplayer/spotidown/internal/metrics"
	"github.com/openmusicplayer/spotidown/internal/ytdlp"
)

// coverTimeout bounds the cover art download done while tagging.
const coverTimeout = 20 * time.Second

// app holds the pieces every command shares.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
	store   *artifact.Store
	fetcher *ytdlp.Fetcher
	engine  *acquire.Engine
}

func newApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel), "spotidown")
	logger.SetDefault(log)

	for _, dir := range []string{cfg.DownloadDir, cfg.WorkspaceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	sources, err := acquire.BuildSources(cfg.Sources, cfg.CookieFile)
	if err != nil {
		return nil, err
	}

	m := metrics.Default()
	fetcher := ytdlp.New(&ytdlp.Config{
		YtdlpPath:     cfg.YtdlpPath,
		AudioFormat:   cfg.AudioFormat,
		AudioQuality:  cfg.AudioQuality,
		SocketTimeout: cfg.SocketTimeout,
	}, nil)

	engine := acquire.New(acquire.Config{
		WorkspaceRoot:     cfg.WorkspaceDir,
		Sources:           sources,
		AttemptsPerSource: cfg.SourceAttempts,
		RetryBackoff:      cfg.RetryBackoff,
		AttemptTimeout:    cfg.AttemptTimeout,
	}, fetcher, acquire.NewID3Tagger(&http.Client{Timeout: coverTimeout}, cfg.EmbedCover), m, log.WithComponent("acquire"))

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: m,
		store:   artifact.NewStore(),
		fetcher: fetcher,
		engine:  engine,
	}, nil
}

// catalogProvider returns the Spotify provider, wrapped in the Redis cache
// when REDIS_URL is set. The returned close func is never nil.
func (a *app) catalogProvider(ctx context.Context) (catalog.Provider, func(), error) {
	sp, err := catalog.NewSpotifyProvider(ctx, a.cfg.SpotifyClientID, a.cfg.SpotifySecret, a.log.WithComponent("catalog"))
	if err != nil {
		return nil, func() {}, err
	}
	if a.cfg.RedisURL == "" {
		return sp, func() {}, nil
	}

	cached, err := catalog.NewCachedProvider(sp, a.cfg.RedisURL, a.cfg.CatalogCacheTTL, a.log.WithComponent("catalog"))
	if err != nil {
		a.log.WarnErr(ctx, "catalog cache disabled", err)
		return sp, func() {}, nil
	}
	return cached, func() { cached.Close() }, nil
}
