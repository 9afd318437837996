// Package ingest turns an inbound voice attachment into a text prompt.
package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

// Fetcher downloads attachment bytes to a local path.
type Fetcher interface {
	FetchAttachment(ctx context.Context, ref core.AttachmentRef, destPath string) error
}

// Transcoder converts downloaded audio into the canonical format the
// transcription backend expects, reporting the true measured duration.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string) (seconds float64, err error)
}

// Transcriber is the piece of the AI backend this pipeline needs.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Recorder is the piece of the usage ledger this pipeline needs.
type Recorder interface {
	RecordTranscription(user core.UserID, seconds float64)
}

type Pipeline struct {
	Fetcher     Fetcher
	Transcoder  Transcoder
	Transcriber Transcriber
	Ledger      Recorder

	TempDir string

	// IgnorePrefixes: a transcript starting with any of these (case
	// insensitive) is a voice command, not a prompt to cache.
	IgnorePrefixes []string

	Logger *slog.Logger
}

type Result struct {
	Transcript string

	// CachePrompt is false when the transcript matched an ignore prefix.
	CachePrompt bool

	Seconds float64
}

// Run executes download, transcode, transcribe, record. Both temp files are
// removed on every exit path, including cancellation; errors carry the
// taxonomy type the caller uses to phrase the user notice.
func (p *Pipeline) Run(ctx context.Context, user core.UserID, ref core.AttachmentRef) (Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// UniqueID is content-derived, so concurrent ingests of distinct
	// attachments cannot collide.
	rawPath := filepath.Join(p.TempDir, ref.UniqueID)
	mp3Path := rawPath + ".mp3"
	defer func() {
		for _, path := range []string{rawPath, mp3Path} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warn("temp file cleanup failed", "path", path, "error", err)
			}
		}
	}()

	if err := p.Fetcher.FetchAttachment(ctx, ref, rawPath); err != nil {
		return Result{}, err
	}

	seconds, err := p.Transcoder.Transcode(ctx, rawPath, mp3Path)
	if err != nil {
		logger.Warn("transcode failed", "unique_id", ref.UniqueID, "error", err)
		return Result{}, core.NewUnsupportedMediaError("unsupported media type")
	}

	transcript, err := p.Transcriber.Transcribe(ctx, mp3Path)
	if err != nil {
		return Result{}, err
	}

	p.Ledger.RecordTranscription(user, seconds)

	return Result{
		Transcript:  transcript,
		CachePrompt: !p.isCommand(transcript),
		Seconds:     seconds,
	}, nil
}

func (p *Pipeline) isCommand(transcript string) bool {
	lower := strings.ToLower(transcript)
	for _, prefix := range p.IgnorePrefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
