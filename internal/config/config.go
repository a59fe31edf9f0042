package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Storage backends for the optional artifact mirror.
const (
	StorageNone  = "none"
	StorageMinio = "minio"
	StorageS3    = "s3"
)

type Config struct {
	ServerAddr  string
	LogLevel    string
	CORSOrigins []string

	// Filesystem layout
	DownloadDir  string
	WorkspaceDir string

	// Retention and sweeping
	Retention          time.Duration
	WorkspaceRetention time.Duration
	SweepInterval      time.Duration

	// Acquisition
	Sources          []string
	SourceAttempts   int
	RetryBackoff     time.Duration
	AttemptTimeout   time.Duration
	SocketTimeout    time.Duration
	AudioFormat      string
	AudioQuality     string
	YtdlpPath        string
	CookieFile       string
	EmbedCover       bool
	TrackDelayMin    time.Duration
	TrackDelayMax    time.Duration
	TrackConcurrency int
	MaxBatchTracks   int
	SpotifyClientID  string
	SpotifySecret    string
	RedisURL         string
	CatalogCacheTTL  time.Duration
	ProgressChannel  string

	// Artifact mirror
	StorageBackend string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UsePathStyle bool
}

func Load() *Config {
	downloadDir := getEnvOrDefault("DOWNLOAD_DIR", filepath.Join(xdg.DataHome, "spotidown", "downloads"))

	return &Config{
		ServerAddr:  getEnvOrDefault("SERVER_ADDR", ":12065"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		CORSOrigins: getListOrDefault("CORS_ORIGINS", []string{"*"}),

		DownloadDir:  downloadDir,
		WorkspaceDir: getEnvOrDefault("WORKSPACE_DIR", filepath.Join(downloadDir, "temp_workspace")),

		Retention:          getDurationOrDefault("RETENTION", 30*time.Minute),
		WorkspaceRetention: getDurationOrDefault("WORKSPACE_RETENTION", 15*time.Minute),
		SweepInterval:      getDurationOrDefault("SWEEP_INTERVAL", 10*time.Minute),

		Sources:          getListOrDefault("SOURCES", []string{"youtube", "soundcloud"}),
		SourceAttempts:   getIntOrDefault("SOURCE_ATTEMPTS", 2),
		RetryBackoff:     getDurationOrDefault("RETRY_BACKOFF", 2*time.Second),
		AttemptTimeout:   getDurationOrDefault("ATTEMPT_TIMEOUT", 5*time.Minute),
		SocketTimeout:    getDurationOrDefault("SOCKET_TIMEOUT", 30*time.Second),
		AudioFormat:      getEnvOrDefault("AUDIO_FORMAT", "mp3"),
		AudioQuality:     getEnvOrDefault("AUDIO_QUALITY", "192"),
		YtdlpPath:        getEnvOrDefault("YTDLP_PATH", "yt-dlp"),
		CookieFile:       getEnvOrDefault("COOKIE_FILE", "cookies.txt"),
		EmbedCover:       getBoolOrDefault("EMBED_COVER", true),
		TrackDelayMin:    getDurationOrDefault("TRACK_DELAY_MIN", 1*time.Second),
		TrackDelayMax:    getDurationOrDefault("TRACK_DELAY_MAX", 3*time.Second),
		TrackConcurrency: getIntOrDefault("TRACK_CONCURRENCY", 1),
		MaxBatchTracks:   getIntOrDefault("MAX_BATCH_TRACKS", 200),

		SpotifyClientID: firstEnv("SPOTIFY_CLIENT_ID", "SPOTIPY_CLIENT_ID"),
		SpotifySecret:   firstEnv("SPOTIFY_CLIENT_SECRET", "SPOTIPY_CLIENT_SECRET"),
		RedisURL:        os.Getenv("REDIS_URL"),
		CatalogCacheTTL: getDurationOrDefault("CATALOG_CACHE_TTL", time.Hour),
		ProgressChannel: getEnvOrDefault("PROGRESS_CHANNEL", "spotidown:job"),

		StorageBackend: strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", StorageNone)),

		MinioEndpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnvOrDefault("MINIO_BUCKET", "spotidown"),
		MinioUseSSL:    getBoolOrDefault("MINIO_USE_SSL", false),

		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3Region:       getEnvOrDefault("S3_REGION", "us-east-1"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3Bucket:       getEnvOrDefault("S3_BUCKET", "spotidown"),
		S3UsePathStyle: getBoolOrDefault("S3_USE_PATH_STYLE", false),
	}
}

// Validate reports settings that would make the service misbehave.
func (c *Config) Validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("SOURCES must name at least one source")
	}
	if c.SourceAttempts < 1 {
		return fmt.Errorf("SOURCE_ATTEMPTS must be at least 1, got %d", c.SourceAttempts)
	}
	if c.TrackDelayMax < c.TrackDelayMin {
		return fmt.Errorf("TRACK_DELAY_MAX (%s) is below TRACK_DELAY_MIN (%s)", c.TrackDelayMax, c.TrackDelayMin)
	}
	if c.TrackConcurrency < 1 {
		return fmt.Errorf("TRACK_CONCURRENCY must be at least 1, got %d", c.TrackConcurrency)
	}
	if c.Retention <= 0 || c.WorkspaceRetention <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("retention windows and sweep interval must be positive")
	}
	switch c.StorageBackend {
	case StorageNone, StorageMinio, StorageS3:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

func getIntOrDefault(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// Bare integers are seconds.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getListOrDefault(key string, defaultValue []string) []string {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
