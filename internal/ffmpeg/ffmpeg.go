// Package ffmpeg shells out to ffmpeg/ffprobe for audio transcoding.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type Transcoder struct {
	// Binary overrides; empty means look up in PATH.
	FFmpegPath  string
	FFprobePath string
}

// Transcode converts src into an mp3 at dst and returns the measured audio
// duration in seconds. The duration comes from probing the transcoded file,
// not from any metadata estimate.
func (t Transcoder) Transcode(ctx context.Context, src, dst string) (float64, error) {
	ffmpeg := t.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, ffmpeg, "-y", "-loglevel", "error", "-i", src, dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("ffmpeg transcode: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return t.probeDuration(ctx, dst)
}

func (t Transcoder) probeDuration(ctx context.Context, path string) (float64, error) {
	ffprobe := t.FFprobePath
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration parse: %w", err)
	}
	return seconds, nil
}
