// Package transport defines the chat-platform boundary: inbound updates and
// outbound text messages.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	// UpdateJoined fires when the bot itself is added to a group.
	UpdateJoined UpdateKind = "joined"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Join    *Join
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

// Join describes the bot being added to a group by InviterID.
type Join struct {
	ChatID          int64
	ChatTitle       string
	InviterID       int64
	InviterUsername string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// PrivateChat addresses a user directly; on Telegram the private chat id
// equals the user id.
func PrivateChat(userID int64) ChatTarget { return ChatTarget{ChatID: userID} }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters with a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
