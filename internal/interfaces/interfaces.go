package interfaces

import (
	"context"

	"mechlink/chatcore/internal/model"
)

// This file defines the boundary contract between the synchronization
// engine and its UI collaborators. Screens depend on this interface, not
// on the concrete engine, which keeps rendering code decoupled and lets
// tests substitute a scripted engine.

// ConversationEngine is the per-conversation surface a chat screen
// consumes. One instance per open conversation; Close must be called on
// screen teardown.
type ConversationEngine interface {
	// Start bootstraps the conversation and its connection. Idempotent.
	Start(ctx context.Context) error

	// Snapshot returns the ordered timeline for rendering. Pure read.
	Snapshot() []model.Message

	// Send appends an optimistic pending message and delivers it in the
	// background, returning the client message id addressing the entry.
	Send(ctx context.Context, text string, attachments []model.Attachment) (string, error)

	// Retry resubmits a failed message as a brand-new send.
	Retry(ctx context.Context, messageID string) (string, error)

	// LoadOlder merges the next older history page into the timeline.
	LoadOlder(ctx context.Context) error

	// HasOlder reports whether more history remains to load.
	HasOlder() bool

	// SetTyping relays the local typing indicator to the room.
	SetTyping(isTyping bool)

	// ConnState returns the current connection state; States streams its
	// transitions. The UI disables the send affordance while the state is
	// anything but joined; the engine still accepts sends and routes
	// them over the REST fallback.
	ConnState() model.ConnState
	States() <-chan model.ConnState

	// Typing streams remote typing indicators.
	Typing() <-chan model.TypingEvent

	// Close tears the conversation down and releases the connection.
	Close()
}
