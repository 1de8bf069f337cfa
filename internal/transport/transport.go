// Package transport defines the chat-surface contract the orchestrator
// talks to. The telegram package implements it; tests substitute an
// in-memory fake.
package transport

import (
	"context"
	"time"
)

// CancelCallbackData identifies the inline cancel button across the
// transport and the orchestrator.
const CancelCallbackData = "telebridge:cancel"

// MessageRef identifies one delivered message. ThreadID is the forum
// topic, zero outside topics.
type MessageRef struct {
	ChatID    int64
	MessageID int
	ThreadID  int
}

// SendOptions tune one outgoing message.
type SendOptions struct {
	// ReplyTo threads the message under an incoming one.
	ReplyTo *MessageRef
	// Notify rings the client; progress updates stay silent.
	Notify bool
	// ReplaceID names a previous message in the same chat that this
	// send supersedes; it is deleted once the send lands and its
	// pending edits are dropped.
	ReplaceID int
	// CancelButton attaches the inline cancel control.
	CancelButton bool
}

// EditOptions tune one message edit.
type EditOptions struct {
	// Wait blocks until the edit lands; otherwise it is queued and may
	// be coalesced away by a newer edit of the same message.
	Wait bool
	// CancelButton keeps the inline cancel control on the message.
	CancelButton bool
}

// Transport delivers messages to one chat surface. Implementations
// queue work internally; Send and Delete resolve when the operation
// lands, Edit resolves immediately unless Wait is set.
type Transport interface {
	Send(ctx context.Context, chatID int64, threadID int, text string, opts SendOptions) (*MessageRef, error)
	// Edit rewrites a message in place. A nil ref with nil error means
	// the edit was queued or superseded.
	Edit(ctx context.Context, ref MessageRef, text string, opts EditOptions) (*MessageRef, error)
	Delete(ctx context.Context, ref MessageRef) error
}

// Incoming is one user message handed to the orchestrator.
type Incoming struct {
	Ref       MessageRef
	Text      string
	ReplyTo   *MessageRef
	ReplyText string
	From      string
	Date      time.Time
	Private   bool
	// TopicTitle is the forum topic name when the client supplied it.
	TopicTitle string
}

// Callback is one inline-button press.
type Callback struct {
	ID      string
	Data    string
	Message *MessageRef
}
