package backend

import (
	"context"
	"io"
	"sync"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	// SystemPrompt opens every conversation; empty disables it.
	SystemPrompt string

	// MaxHistoryMessages bounds per-chat history; the oldest user/assistant
	// pairs are dropped first, the system prompt never is.
	MaxHistoryMessages int
}

type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig

	mu      sync.Mutex
	history map[core.ChatID][]openai.ChatCompletionMessage
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 40
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		history: make(map[core.ChatID][]openai.ChatCompletionMessage),
	}
}

func (o *OpenAI) ChatComplete(ctx context.Context, chat core.ChatID, prompt string) (string, int, error) {
	messages := o.snapshot(chat)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.cfg.Model,
		Messages: messages,
	})
	if err != nil {
		return "", 0, core.NewBackendError(err.Error())
	}
	if len(resp.Choices) == 0 {
		return "", 0, core.NewBackendError("empty completion response")
	}

	answer := resp.Choices[0].Message.Content
	o.remember(chat, prompt, answer)
	return answer, resp.Usage.TotalTokens, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, audioPath string) (string, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
	})
	if err != nil {
		return "", core.NewBackendError(err.Error())
	}
	return resp.Text, nil
}

func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) ([]byte, int, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return nil, 0, core.NewBackendError(err.Error())
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, 0, core.NewBackendError(err.Error())
	}
	return audio, utf8.RuneCountInString(text), nil
}

func (o *OpenAI) ResetHistory(chat core.ChatID, seed string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.history, chat)
	if seed != "" {
		o.history[chat] = []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: seed,
		}}
	}
}

func (o *OpenAI) HistoryStats(chat core.ChatID) (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.history[chat]
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
	}
	// Rough 4-chars-per-token estimate; good enough for a stats readout.
	return len(msgs), chars / 4
}

func (o *OpenAI) snapshot(chat core.ChatID) []openai.ChatCompletionMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.history[chat]
	if len(msgs) == 0 && o.cfg.SystemPrompt != "" {
		msgs = []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.cfg.SystemPrompt,
		}}
		o.history[chat] = msgs
	}
	out := make([]openai.ChatCompletionMessage, len(msgs))
	copy(out, msgs)
	return out
}

func (o *OpenAI) remember(chat core.ChatID, prompt, answer string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := append(o.history[chat],
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer},
	)
	if max := o.cfg.MaxHistoryMessages; len(msgs) > max {
		// The bound counts the system message too.
		keep := make([]openai.ChatCompletionMessage, 0, max)
		if msgs[0].Role == openai.ChatMessageRoleSystem {
			keep = append(keep, msgs[0])
		}
		keep = append(keep, msgs[len(msgs)-(max-len(keep)):]...)
		msgs = keep
	}
	o.history[chat] = msgs
}
