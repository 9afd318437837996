package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

// Telegram implements Transport over the Bot API with long polling.
type Telegram struct {
	api        *tgbotapi.BotAPI
	httpClient *http.Client
	logger     *slog.Logger
}

func NewTelegram(token string, logger *slog.Logger) (*Telegram, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: 100 * time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Telegram{api: api, httpClient: httpClient, logger: logger}, nil
}

// Username returns the bot's own account name.
func (t *Telegram) Username() string {
	return t.api.Self.UserName
}

// SetCommands registers the slash-command menu, in the given order.
func (t *Telegram) SetCommands(commands []core.Command) error {
	cmds := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, c := range commands {
		cmds = append(cmds, tgbotapi.BotCommand{Command: c.Name, Description: c.Description})
	}
	if _, err := t.api.Request(tgbotapi.NewSetMyCommands(cmds...)); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	return nil
}

// Updates converts the long-poll stream into transport events. The channel
// closes when ctx is cancelled.
func (t *Telegram) Updates(ctx context.Context, pollTimeout time.Duration) <-chan Event {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(pollTimeout.Seconds())

	raw := t.api.GetUpdatesChan(u)
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				t.api.StopReceivingUpdates()
				return
			case upd, ok := <-raw:
				if !ok {
					return
				}
				ev, ok := eventFromUpdate(upd)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					t.api.StopReceivingUpdates()
					return
				}
			}
		}
	}()
	return out
}

func eventFromUpdate(upd tgbotapi.Update) (Event, bool) {
	if cb := upd.CallbackQuery; cb != nil && cb.Message != nil {
		return Event{
			UpdateID:        upd.UpdateID,
			Chat:            core.ChatID(cb.Message.Chat.ID),
			User:            core.UserID(cb.From.ID),
			UserName:        cb.From.UserName,
			Kind:            EventCallback,
			CallbackID:      cb.ID,
			CallbackToken:   cb.Data,
			CallbackMessage: core.MessageID(cb.Message.MessageID),
		}, true
	}

	msg := upd.Message
	// Edited messages and bot-originated traffic are not events.
	if msg == nil || msg.From == nil || msg.ViaBot != nil {
		return Event{}, false
	}

	ev := Event{
		UpdateID:  upd.UpdateID,
		Chat:      core.ChatID(msg.Chat.ID),
		User:      core.UserID(msg.From.ID),
		UserName:  msg.From.UserName,
		MessageID: core.MessageID(msg.MessageID),
	}
	switch {
	case msg.IsCommand():
		ev.Kind = EventCommand
		ev.Command = msg.Command()
		ev.Text = msg.CommandArguments()
	case msg.Voice != nil:
		ev.Kind = EventVoice
		ev.Attachment = &core.AttachmentRef{
			FileID:   msg.Voice.FileID,
			UniqueID: msg.Voice.FileUniqueID,
		}
	case msg.Text != "":
		ev.Kind = EventText
		ev.Text = msg.Text
	default:
		return Event{}, false
	}
	return ev, true
}

func (t *Telegram) SendText(ctx context.Context, chat core.ChatID, text string, format core.Formatting, replyTo core.MessageID, kb *core.Keyboard) (core.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(int64(chat), text)
	if format == core.FormatMarkdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	if replyTo != 0 {
		msg.ReplyToMessageID = int(replyTo)
	}
	if kb != nil {
		msg.ReplyMarkup = markupFrom(kb)
	}
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, core.NewTransportError(err.Error())
	}
	return core.MessageID(sent.MessageID), nil
}

func (t *Telegram) EditText(ctx context.Context, chat core.ChatID, msgID core.MessageID, text string, kb *core.Keyboard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(int64(chat), int(msgID), text)
	if kb != nil {
		markup := markupFrom(kb)
		edit.ReplyMarkup = &markup
	}
	if _, err := t.api.Send(edit); err != nil {
		return core.NewTransportError(err.Error())
	}
	return nil
}

func (t *Telegram) DeleteMessage(ctx context.Context, chat core.ChatID, msgID core.MessageID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.api.Request(tgbotapi.NewDeleteMessage(int64(chat), int(msgID))); err != nil {
		return core.NewTransportError(err.Error())
	}
	return nil
}

func (t *Telegram) SendVoice(ctx context.Context, chat core.ChatID, audio []byte, replyTo core.MessageID) (core.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	voice := tgbotapi.NewVoice(int64(chat), tgbotapi.FileBytes{Name: "voice.ogg", Bytes: audio})
	if replyTo != 0 {
		voice.ReplyToMessageID = int(replyTo)
	}
	sent, err := t.api.Send(voice)
	if err != nil {
		return 0, core.NewTransportError(err.Error())
	}
	return core.MessageID(sent.MessageID), nil
}

func (t *Telegram) FetchAttachment(ctx context.Context, ref core.AttachmentRef, destPath string) error {
	file, err := t.api.GetFile(tgbotapi.FileConfig{FileID: ref.FileID})
	if err != nil {
		return core.NewTransportError(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.api.Token), nil)
	if err != nil {
		return core.NewTransportError(err.Error())
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return core.NewTransportError(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.NewTransportError(fmt.Sprintf("attachment download: status %d", resp.StatusCode))
	}

	dst, err := os.Create(destPath)
	if err != nil {
		return core.NewTransportError(err.Error())
	}
	defer dst.Close()
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return core.NewTransportError(err.Error())
	}
	return nil
}

func (t *Telegram) SendChatAction(ctx context.Context, chat core.ChatID, action string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.api.Request(tgbotapi.NewChatAction(int64(chat), action)); err != nil {
		return core.NewTransportError(err.Error())
	}
	return nil
}

func (t *Telegram) AnswerCallback(ctx context.Context, callbackID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.api.Request(tgbotapi.NewCallback(callbackID, "")); err != nil {
		return core.NewTransportError(err.Error())
	}
	return nil
}

func markupFrom(kb *core.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Token))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
