package core

// ChatID identifies a conversation thread. UserID identifies the person
// usage is attributed to; a chat can contain many users.
type ChatID int64

type UserID int64

// MessageID is transport-scoped: it only means something to the chat it was
// sent in.
type MessageID int

// GuestKey is the shared ledger identity for users not on the allow-list.
const GuestKey UserID = -1

// AttachmentRef points at an inbound media object on the transport. UniqueID
// is content-derived and stable across redeliveries, which makes it safe to
// key temp files by.
type AttachmentRef struct {
	FileID   string
	UniqueID string
}

// Formatting selects how outbound text is rendered by the transport.
type Formatting string

const (
	FormatMarkdown Formatting = "markdown"
	FormatPlain    Formatting = ""
)

// Command is one slash command registered with the transport.
type Command struct {
	Name        string
	Description string
}

// Button is one pressable option; Token is the opaque callback payload the
// state machine dispatches on.
type Button struct {
	Label string
	Token string
}

// Keyboard is a transport-neutral inline option grid.
type Keyboard struct {
	Rows [][]Button
}
