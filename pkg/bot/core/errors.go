package core

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrDisallowed       ErrorType = "disallowed"
	ErrBudgetExceeded   ErrorType = "budget_exceeded"
	ErrTransport        ErrorType = "transport_error"
	ErrBackend          ErrorType = "backend_error"
	ErrUnsupportedMedia ErrorType = "unsupported_media"
	ErrInternal         ErrorType = "internal_error"
)

// Error is the canonical error shape every component speaks. Collaborator
// failures (Telegram, OpenAI) are normalized into one of these at the edge.
type Error struct {
	Type    ErrorType
	Message string
	Code    string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func NewTransportError(msg string) *Error {
	return &Error{Type: ErrTransport, Message: msg}
}

func NewBackendError(msg string) *Error {
	return &Error{Type: ErrBackend, Message: msg}
}

func NewUnsupportedMediaError(msg string) *Error {
	return &Error{Type: ErrUnsupportedMedia, Message: msg}
}

func NewInternalError(msg string) *Error {
	return &Error{Type: ErrInternal, Message: msg}
}

// TypeOf classifies an arbitrary error into the taxonomy. Unknown errors are
// internal by default so their details are not surfaced to chats.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Type
	}
	return ErrInternal
}

// UserMessage returns the text that may be shown to the chat for err.
// Backend errors are considered actionable and surfaced verbatim; anything
// unclassified collapses to a generic internal message.
func UserMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		switch ce.Type {
		case ErrBackend, ErrTransport, ErrUnsupportedMedia:
			return ce.Message
		}
	}
	return "internal error"
}
