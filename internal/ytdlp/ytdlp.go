// Package ytdlp drives the yt-dlp binary: one search-and-download into a
// caller-owned working directory per call.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// OutputStem is the fixed base name of every download inside a workspace.
const OutputStem = "downloaded_file"

// Config holds configuration for the fetcher
type Config struct {
	// YtdlpPath is the path to yt-dlp binary (default: "yt-dlp")
	YtdlpPath string
	// AudioFormat is the codec audio is extracted to (e.g. "mp3")
	AudioFormat string
	// AudioQuality is the target bitrate in kbps (e.g. "192")
	AudioQuality string
	// SocketTimeout bounds each network read inside yt-dlp
	SocketTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		YtdlpPath:     "yt-dlp",
		AudioFormat:   "mp3",
		AudioQuality:  "192",
		SocketTimeout: 30 * time.Second,
	}
}

// FetchRequest describes one search-and-download attempt.
type FetchRequest struct {
	// SearchPrefix selects the source, e.g. "ytsearch1" or "scsearch1"
	SearchPrefix string
	Query        string
	// WorkDir receives downloaded_file.<ext>; it must already exist
	WorkDir       string
	CookieFile    string
	ExtractorArgs string
	Progress      ProgressCallback
}

// ProgressCallback is called during download with progress updates
type ProgressCallback func(percent float64, status string)

// Runner executes a command, streaming stdout lines to onLine, and returns
// whatever the command wrote to stderr.
type Runner interface {
	Run(ctx context.Context, name string, args []string, onLine func(string)) (stderr string, err error)
}

// Fetcher wraps yt-dlp for audio downloads
type Fetcher struct {
	cfg    *Config
	runner Runner
}

// New creates a new fetcher. A nil runner executes the real binary.
func New(cfg *Config, runner Runner) *Fetcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &Fetcher{cfg: cfg, runner: runner}
}

// AudioFormat returns the extension produced files carry.
func (f *Fetcher) AudioFormat() string {
	return f.cfg.AudioFormat
}

// CheckBinary verifies yt-dlp is reachable.
func (f *Fetcher) CheckBinary() error {
	if _, err := exec.LookPath(f.cfg.YtdlpPath); err != nil {
		return ErrYtdlpNotFound
	}
	return nil
}

// Fetch runs one search-and-download. On success the audio sits in
// req.WorkDir as downloaded_file.<AudioFormat>; the caller verifies that.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) error {
	if strings.TrimSpace(req.Query) == "" {
		return &FetchError{Query: req.Query, Message: "empty query", Err: ErrNoMatches}
	}

	var stdout strings.Builder
	stderr, err := f.runner.Run(ctx, f.cfg.YtdlpPath, f.Args(req), func(line string) {
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		if req.Progress != nil {
			if percent, status := parseProgress(line); status != "" {
				req.Progress(percent, status)
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return &FetchError{Query: req.Query, Message: "fetch interrupted", Err: ctx.Err()}
		}
		return f.categorizeError(req.Query, err, stderr)
	}

	if searchWasEmpty(stdout.String()) {
		return &FetchError{Query: req.Query, Message: "no results", Err: ErrNoMatches}
	}
	return nil
}

// Args builds the yt-dlp argument list for req.
func (f *Fetcher) Args(req FetchRequest) []string {
	args := []string{
		"-f", "bestaudio/best",
		"--extract-audio",
		"--audio-format", f.cfg.AudioFormat,
		"--audio-quality", f.cfg.AudioQuality + "K",
		"--output", filepath.Join(req.WorkDir, OutputStem+".%(ext)s"),
		"--no-playlist",
		"--no-mtime",
		"--newline",
		"--progress",
		"--no-warnings",
	}
	if f.cfg.SocketTimeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(f.cfg.SocketTimeout.Seconds())))
	}
	if req.CookieFile != "" {
		args = append(args, "--cookies", req.CookieFile)
	}
	if req.ExtractorArgs != "" {
		args = append(args, "--extractor-args", req.ExtractorArgs)
	}
	return append(args, req.SearchPrefix+":"+req.Query)
}

// categorizeError converts yt-dlp errors into specific error types
func (f *Fetcher) categorizeError(query string, err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return &FetchError{Query: query, Message: "yt-dlp missing", Err: ErrYtdlpNotFound}
	}

	stderrLower := strings.ToLower(stderr)

	switch {
	case strings.Contains(stderrLower, "video unavailable") ||
		strings.Contains(stderrLower, "this video is unavailable"):
		return &FetchError{Query: query, Message: "video unavailable", Err: ErrVideoUnavailable}

	case strings.Contains(stderrLower, "private video") ||
		strings.Contains(stderrLower, "is private"):
		return &FetchError{Query: query, Message: "video is private", Err: ErrVideoPrivate}

	case strings.Contains(stderrLower, "age-restricted") ||
		strings.Contains(stderrLower, "sign in to confirm your age"):
		return &FetchError{Query: query, Message: "content is age-restricted", Err: ErrAgeRestricted}

	case strings.Contains(stderrLower, "http error 429") ||
		strings.Contains(stderrLower, "too many requests") ||
		strings.Contains(stderrLower, "not a bot"):
		return &FetchError{Query: query, Message: "rate limited", Err: ErrRateLimited}

	case strings.Contains(stderrLower, "unable to download") ||
		strings.Contains(stderrLower, "connection") ||
		strings.Contains(stderrLower, "timed out") ||
		strings.Contains(stderrLower, "network"):
		return &FetchError{Query: query, Message: "network error", Err: ErrNetworkError}

	default:
		return &FetchError{Query: query, Message: "fetch failed", Err: fmt.Errorf("%w: %s", ErrFetchFailed, strings.TrimSpace(lastLine(stderr)))}
	}
}

// searchWasEmpty spots the search extractor reporting zero entries.
func searchWasEmpty(stdout string) bool {
	lower := strings.ToLower(stdout)
	return strings.Contains(lower, "downloading 0 items") ||
		strings.Contains(lower, "playlist") && strings.Contains(lower, "downloading 0 of 0")
}

// parseProgress extracts progress percentage and status from yt-dlp output
func parseProgress(line string) (percent float64, status string) {
	line = strings.TrimSpace(line)

	// [download]  45.2% of 5.00MiB at 1.00MiB/s ETA 00:03
	switch {
	case strings.HasPrefix(line, "[download]") && strings.Contains(line, "%"):
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			if v, err := strconv.ParseFloat(strings.TrimSuffix(parts[1], "%"), 64); err == nil {
				return v, "downloading"
			}
		}
	case strings.HasPrefix(line, "[ExtractAudio]"):
		return 100, "converting"
	case strings.Contains(line, "Deleting original file"):
		return 100, "finalizing"
	}
	return 0, ""
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	// Drain anything the scanner gave up on so Wait does not block.
	io.Copy(io.Discard, stdout)

	err = cmd.Wait()
	return stderr.String(), err
}
