package model

import (
	"time"
)

// ConversationKind discriminates support chats from AI-copilot chats. The
// kind decides which server events the engine subscribes to.
type ConversationKind string

const (
	KindSupport ConversationKind = "support"
	KindCopilot ConversationKind = "ai-copilot"
)

// Origin identifies who authored a message. It determines rendering side
// and whether the message can be retried.
type Origin string

const (
	OriginLocalUser       Origin = "local-user"
	OriginRemotePeer      Origin = "remote-peer"
	OriginRemoteAssistant Origin = "remote-assistant"
	OriginSystem          Origin = "system"
)

// Status is the delivery state of a message. Transitions are forward-only:
// pending -> streaming -> sent, pending -> sent, or any non-terminal
// state -> failed. A failed message is retried by sending a brand-new
// pending message with a fresh client id, never by repairing in place.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Conversation identifies one chat context.
type Conversation struct {
	ID            string           `json:"id"`
	Kind          ConversationKind `json:"kind"`
	ParticipantID string           `json:"participant_id"`
}

// Attachment is an immutable media reference carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is the atomic unit of a conversation timeline.
//
// For locally authored messages ID starts out equal to ClientMsgID and is
// rewritten to the server-assigned id on acknowledgment; ClientMsgID is
// retained as the correlation key across that rewrite.
type Message struct {
	ID             string       `json:"id"`
	ClientMsgID    string       `json:"client_msg_id,omitempty"`
	ConversationID string       `json:"conversation_id"`
	Origin         Origin       `json:"origin"`
	SenderID       string       `json:"sender_id,omitempty"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Status         Status       `json:"status"`
}

// Cursor is a pagination position: the (createdAt, id) pair of the oldest
// loaded message. The zero value means "load the most recent page".
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// HistoryPage is one page of older messages returned by the history API.
type HistoryPage struct {
	Items           []Message `json:"items"`
	HasMoreOlder    bool      `json:"has_more_older"`
	NextOlderCursor *Cursor   `json:"next_older_cursor,omitempty"`
}

// ConnState is the lifecycle of the persistent socket connection for one
// conversation. Only Joined permits socket sends; every other state forces
// the REST fallback path.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnUnjoined     ConnState = "connected-unjoined"
	ConnJoined       ConnState = "joined"
)

// TypingEvent is a relayed typing indicator from another participant.
type TypingEvent struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// SendResult is the terminal outcome of one logical send, reported after
// the socket path and, if it explicitly failed, the single REST fallback
// attempt have resolved.
type SendResult struct {
	ClientMsgID string
	ServerID    string
	Status      Status
	Err         error
}
