package transport

import (
	"context"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

// Transport is the messaging-platform collaborator. Implementations
// normalize platform failures into *core.Error with type ErrTransport.
type Transport interface {
	// SendText delivers text to a chat. replyTo of 0 means no reply
	// reference; kb may be nil.
	SendText(ctx context.Context, chat core.ChatID, text string, format core.Formatting, replyTo core.MessageID, kb *core.Keyboard) (core.MessageID, error)

	// EditText rewrites a previously sent message in place.
	EditText(ctx context.Context, chat core.ChatID, msg core.MessageID, text string, kb *core.Keyboard) error

	DeleteMessage(ctx context.Context, chat core.ChatID, msg core.MessageID) error

	// SendVoice delivers synthesized audio as a voice note.
	SendVoice(ctx context.Context, chat core.ChatID, audio []byte, replyTo core.MessageID) (core.MessageID, error)

	// FetchAttachment downloads an inbound attachment's bytes to destPath.
	FetchAttachment(ctx context.Context, ref core.AttachmentRef, destPath string) error

	// SendChatAction shows a typing/uploading indicator. Best-effort.
	SendChatAction(ctx context.Context, chat core.ChatID, action string) error

	// AnswerCallback acknowledges a pressed button so the client stops
	// showing its spinner. Best-effort.
	AnswerCallback(ctx context.Context, callbackID string) error
}

// Chat action indicator names understood by the platform.
const (
	ActionTyping      = "typing"
	ActionUploadVoice = "upload_voice"
)

type EventKind int

const (
	EventCommand EventKind = iota
	EventText
	EventVoice
	EventCallback
)

// Event is one inbound update, already reduced to what the dispatcher
// needs. UpdateID orders and deduplicates platform redeliveries.
type Event struct {
	UpdateID  int
	Chat      core.ChatID
	User      core.UserID
	UserName  string
	MessageID core.MessageID

	Kind    EventKind
	Command string
	Text    string

	CallbackID    string
	CallbackToken string
	// Message the pressed keyboard lives on.
	CallbackMessage core.MessageID

	Attachment *core.AttachmentRef
}
