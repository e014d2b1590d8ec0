// Package ffmpeg probes fetched videos with ffprobe and cuts them into clips
// with ffmpeg.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clip_relay/internal/domain"
)

var commandContext = exec.CommandContext

type Config struct {
	FFmpeg  string
	FFprobe string
	WorkDir string
}

type Splitter struct {
	ffmpeg  string
	ffprobe string
	workDir string
}

func New(cfg Config) *Splitter {
	s := &Splitter{ffmpeg: cfg.FFmpeg, ffprobe: cfg.FFprobe, workDir: cfg.WorkDir}
	if s.ffmpeg == "" {
		s.ffmpeg = "ffmpeg"
	}
	if s.ffprobe == "" {
		s.ffprobe = "ffprobe"
	}
	return s
}

type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe returns the container duration of the file.
func (s *Splitter) Probe(ctx context.Context, path string) (time.Duration, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("ffprobe: empty path")
	}

	cmd := commandContext(ctx, s.ffprobe, "-v", "error", "-hide_banner", "-show_format", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("ffprobe: %w", ctxErr)
		}
		return 0, fmt.Errorf("%w: ffprobe %s: %v", domain.ErrInvalidFormat, filepath.Base(path), err)
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return 0, fmt.Errorf("%w: ffprobe parse: %v", domain.ErrInvalidFormat, err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(result.Format.Duration), 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%w: ffprobe reported no duration", domain.ErrInvalidFormat)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Split cuts the artifact into clips following rules. Partial output is
// removed on failure.
func (s *Splitter) Split(ctx context.Context, artifact string, rules domain.SplitRules) ([]domain.Clip, error) {
	duration, err := s.Probe(ctx, artifact)
	if err != nil {
		return nil, err
	}
	segments, err := Plan(duration, rules)
	if err != nil {
		return nil, err
	}

	dir := s.workDir
	if dir == "" {
		dir = filepath.Dir(artifact)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create clip dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(artifact), filepath.Ext(artifact))
	ext := filepath.Ext(artifact)
	if ext == "" {
		ext = ".mp4"
	}

	source := artifact
	if target := Extended(duration, rules); target > duration {
		source = filepath.Join(dir, base+"_extended"+ext)
		if err := s.loop(ctx, artifact, source, target); err != nil {
			_ = os.Remove(source)
			return nil, err
		}
		defer os.Remove(source)
	}

	clips := make([]domain.Clip, 0, len(segments))
	for _, seg := range segments {
		out := filepath.Join(dir, fmt.Sprintf("%s_part%d%s", base, seg.Index, ext))
		if err := s.cut(ctx, source, out, seg); err != nil {
			removeClips(clips)
			_ = os.Remove(out)
			return nil, err
		}
		clips = append(clips, domain.Clip{Index: seg.Index, Path: out, Start: seg.Start, End: seg.End})
	}
	return clips, nil
}

func (s *Splitter) cut(ctx context.Context, in, out string, seg Segment) error {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-ss", formatSeconds(seg.Start),
		"-t", formatSeconds(seg.Duration()),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		out,
	}
	return s.run(ctx, fmt.Sprintf("part %d", seg.Index), args)
}

// loop re-encodes in played back to back until it reaches target.
func (s *Splitter) loop(ctx context.Context, in, out string, target time.Duration) error {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-stream_loop", "-1",
		"-i", in,
		"-t", formatSeconds(target),
		"-c:v", "libx264", "-preset", "ultrafast", "-crf", "28",
		"-c:a", "aac",
		"-movflags", "+faststart",
		out,
	}
	return s.run(ctx, "extend", args)
}

func (s *Splitter) run(ctx context.Context, step string, args []string) error {
	var stderr bytes.Buffer
	cmd := commandContext(ctx, s.ffmpeg, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg %s: %w", step, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(strings.ToLower(msg), "invalid data found") {
			return fmt.Errorf("%w: ffmpeg %s: %s", domain.ErrInvalidFormat, step, msg)
		}
		return fmt.Errorf("ffmpeg %s: %w: %s", step, err, msg)
	}
	return nil
}

func removeClips(clips []domain.Clip) {
	for _, c := range clips {
		_ = os.Remove(c.Path)
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
