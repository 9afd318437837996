package backend

import (
	"context"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

// Backend is the AI collaborator. Implementations normalize provider
// failures into *core.Error with type ErrBackend; the message text is
// considered user-presentable.
type Backend interface {
	// ChatComplete runs prompt through the chat's conversation and returns
	// the response text with the total token count consumed.
	ChatComplete(ctx context.Context, chat core.ChatID, prompt string) (string, int, error)

	// Transcribe turns an audio file into text.
	Transcribe(ctx context.Context, audioPath string) (string, error)

	// Synthesize renders text as speech with the named voice, returning
	// the audio bytes and the billed character count.
	Synthesize(ctx context.Context, text, voice string) ([]byte, int, error)

	// ResetHistory discards the chat's conversation; seed, when non-empty,
	// becomes the new opening context.
	ResetHistory(chat core.ChatID, seed string)

	// HistoryStats reports the chat's conversation size for /stats.
	HistoryStats(chat core.ChatID) (messages, approxTokens int)
}
