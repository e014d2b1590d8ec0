// Package ytdlp downloads source videos with the yt-dlp command line tool.
package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"clip_relay/internal/domain"
)

var commandContext = exec.CommandContext

const (
	defaultFormat  = "best[ext=mp4]/best[ext=webm]/best"
	defaultURLBase = "https://www.youtube.com/watch?v="
)

type Config struct {
	Binary      string
	WorkDir     string
	Format      string
	CookiesFile string
	URLBase     string
}

type Downloader struct {
	binary      string
	workDir     string
	format      string
	cookiesFile string
	urlBase     string
}

func New(cfg Config) *Downloader {
	d := &Downloader{
		binary:      cfg.Binary,
		workDir:     cfg.WorkDir,
		format:      cfg.Format,
		cookiesFile: cfg.CookiesFile,
		urlBase:     cfg.URLBase,
	}
	if d.binary == "" {
		d.binary = "yt-dlp"
	}
	if d.format == "" {
		d.format = defaultFormat
	}
	if d.urlBase == "" {
		d.urlBase = defaultURLBase
	}
	return d
}

// Download fetches the video into the work directory and returns the path of
// the downloaded file.
func (d *Downloader) Download(ctx context.Context, videoID string, proxy *domain.EgressIdentity) (string, error) {
	if videoID == "" {
		return "", errors.New("video id required")
	}
	if err := os.MkdirAll(d.workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-warnings",
		"--restrict-filenames",
		"-f", d.format,
		"-o", filepath.Join(d.workDir, videoID+".%(ext)s"),
		"--print", "after_move:filepath",
	}
	if u := proxy.URL(); u != nil {
		args = append(args, "--proxy", u.String())
	}
	if d.cookiesFile != "" {
		args = append(args, "--cookies", d.cookiesFile)
	}
	args = append(args, "--", d.urlBase+videoID)

	var stdout, stderr bytes.Buffer
	cmd := commandContext(ctx, d.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("yt-dlp %s: %w", videoID, ctxErr)
		}
		return "", fmt.Errorf("yt-dlp %s: %w", videoID, classify(stderr.String(), err))
	}

	path := lastLine(stdout.String())
	if path == "" {
		return "", fmt.Errorf("yt-dlp %s: no output file reported", videoID)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("yt-dlp %s: output file: %w", videoID, err)
	}
	return path, nil
}

var (
	removedMarkers = []string{
		"video unavailable",
		"private video",
		"has been removed",
		"account associated with this video has been terminated",
		"http error 404",
		"this live event will begin",
	}
	transientMarkers = []string{
		"http error 429",
		"http error 5",
		"timed out",
		"connection reset",
		"temporary failure in name resolution",
		"unable to download webpage",
		"sign in to confirm you",
	}
)

func classify(stderr string, runErr error) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	if msg == "" {
		msg = runErr.Error()
	}
	for _, m := range removedMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %s", domain.ErrNotFoundOrRemoved, lastLine(msg))
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %s", domain.ErrTransient, lastLine(msg))
		}
	}
	return fmt.Errorf("%s: %w", lastLine(msg), runErr)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
