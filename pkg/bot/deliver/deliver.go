// Package deliver sends generated replies back over the transport, as
// chunked text or as a synthesized voice note.
package deliver

import (
	"context"
	"log/slog"

	"github.com/voxgate/voxgate/pkg/bot/core"
	"github.com/voxgate/voxgate/pkg/bot/transport"
)

// Sender is the slice of the transport this pipeline uses.
type Sender interface {
	SendText(ctx context.Context, chat core.ChatID, text string, format core.Formatting, replyTo core.MessageID, kb *core.Keyboard) (core.MessageID, error)
	SendVoice(ctx context.Context, chat core.ChatID, audio []byte, replyTo core.MessageID) (core.MessageID, error)
	SendChatAction(ctx context.Context, chat core.ChatID, action string) error
}

// Synthesizer is the slice of the AI backend this pipeline uses.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, int, error)
}

// Recorder is the slice of the usage ledger this pipeline uses.
type Recorder interface {
	RecordTokens(user core.UserID, count int64)
	RecordSynthesis(user core.UserID, characters int64)
}

type Pipeline struct {
	Sender      Sender
	Synthesizer Synthesizer
	Ledger      Recorder

	// MaxMessageChars caps one outbound message, in runes.
	MaxMessageChars int

	Logger *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// SendTextReply delivers text in order, reply-referencing only the first
// chunk. Each chunk goes out markdown-formatted first with one plain retry
// when the transport rejects the markup; a plain failure is fatal for the
// reply. Token usage is recorded once for the whole reply, after every
// chunk landed.
func (p *Pipeline) SendTextReply(ctx context.Context, chat core.ChatID, user core.UserID, text string, tokens int, replyTo core.MessageID) error {
	for i, chunk := range SplitChunks(text, p.MaxMessageChars) {
		ref := core.MessageID(0)
		if i == 0 {
			ref = replyTo
		}
		if _, err := p.Sender.SendText(ctx, chat, chunk, core.FormatMarkdown, ref, nil); err != nil {
			p.logger().Warn("formatted send rejected, retrying plain", "chat", chat, "chunk", i, "error", err)
			if _, err := p.Sender.SendText(ctx, chat, chunk, core.FormatPlain, ref, nil); err != nil {
				return err
			}
		}
	}
	p.Ledger.RecordTokens(user, int64(tokens))
	return nil
}

// SendVoiceReply synthesizes text with the given voice and delivers it as a
// voice note, recording the synthesized character count on success. The
// uploading indicator is cosmetic; its failure is logged and ignored.
func (p *Pipeline) SendVoiceReply(ctx context.Context, chat core.ChatID, user core.UserID, text, voice string, replyTo core.MessageID) error {
	if err := p.Sender.SendChatAction(ctx, chat, transport.ActionUploadVoice); err != nil {
		p.logger().Debug("chat action failed", "chat", chat, "error", err)
	}

	audio, characters, err := p.Synthesizer.Synthesize(ctx, text, voice)
	if err != nil {
		return err
	}
	if _, err := p.Sender.SendVoice(ctx, chat, audio, replyTo); err != nil {
		return err
	}
	p.Ledger.RecordSynthesis(user, int64(characters))
	return nil
}
