// Package transport owns the persistent connection for one conversation
// and provides a uniform send operation that picks the best available
// path: the socket while the room is joined, the REST fallback otherwise.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "mechlink/chatcore/internal/errors"
	"mechlink/chatcore/internal/model"
	"mechlink/chatcore/internal/rest"
	"mechlink/chatcore/internal/socket"
)

// SendPayload is one logical outbound message. The manager guarantees
// that every accepted payload resolves to sent or failed; it never
// silently drops a user-authored send.
type SendPayload struct {
	ConversationID string             `json:"conversation_id"`
	ClientMsgID    string             `json:"client_msg_id"`
	Text           string             `json:"text"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
}

type joinRequest struct {
	ConversationID string `json:"conversation_id"`
}

// Options configures a Manager. API and Dialer are required; zero
// timeouts fall back to defaults.
type Options struct {
	SocketURL  string
	AuthToken  string
	AckTimeout time.Duration
	API        rest.API
	Dialer     socket.Dialer

	// OnState observes connection-state transitions. Called synchronously
	// from the transition point; must not block.
	OnState func(model.ConnState)
	// OnNotice receives human-readable transient notices (join failure,
	// disconnect reason) for the system message feed.
	OnNotice func(text string)
}

// Manager maintains the connection state machine for one conversation.
// Safe for concurrent use.
type Manager struct {
	opts Options

	mu        sync.Mutex
	state     model.ConnState
	conn      socket.Conn
	disposers []func()
	closed    bool
}

const defaultAckTimeout = 8 * time.Second

func NewManager(opts Options) *Manager {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = socket.Dial
	}
	return &Manager{opts: opts, state: model.ConnDisconnected}
}

// State returns the current connection state.
func (m *Manager) State() model.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the persistent connection if not already open.
// Idempotent: a second call while connecting or connected is a no-op.
// Connection errors are non-fatal; the state falls back to disconnected
// and the caller decides when to try again.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.ErrClosed
	}
	if m.state != model.ConnDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(model.ConnConnecting)
	m.mu.Unlock()

	conn, err := m.opts.Dialer(ctx, m.opts.SocketURL, m.opts.AuthToken)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(model.ConnDisconnected)
		m.mu.Unlock()
		slog.Warn("Socket connect failed", "error", err)
		return fmt.Errorf("%w: %v", apperrors.ErrNotConnected, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return apperrors.ErrClosed
	}
	m.conn = conn
	if cw, ok := conn.(interface{ SetCloseHandler(func(error)) }); ok {
		cw.SetCloseHandler(m.handleRemoteClose)
	}
	m.setStateLocked(model.ConnUnjoined)
	m.mu.Unlock()
	return nil
}

// Join requests membership of the conversation's room. On ack success the
// state becomes joined; on failure it stays connected-unjoined and a
// system notice is surfaced instead of an error.
func (m *Manager) Join(ctx context.Context, conversationID string) {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || (state != model.ConnUnjoined && state != model.ConnJoined) {
		m.notice("Could not join the conversation: not connected.")
		return
	}

	ackCtx, cancel := context.WithTimeout(ctx, m.opts.AckTimeout)
	defer cancel()
	ack, err := conn.EmitWithAck(ackCtx, "join-room", joinRequest{ConversationID: conversationID})
	if err != nil || !ack.OK {
		reason := "no acknowledgment"
		if err != nil {
			reason = err.Error()
		} else if ack.Error != "" {
			reason = ack.Error
		}
		slog.Warn("Join failed, staying on REST fallback", "conversation_id", conversationID, "reason", reason)
		m.notice("Could not join the live conversation. Messages will be sent over the fallback channel.")
		return
	}

	m.mu.Lock()
	if m.state == model.ConnUnjoined {
		m.setStateLocked(model.ConnJoined)
	}
	m.mu.Unlock()
}

// Send delivers one payload. While joined it emits over the socket with a
// bounded ack wait; if the socket path explicitly fails, the REST path is
// attempted exactly once as fallback. The two paths are never raced in
// parallel, so a message cannot be delivered twice.
func (m *Manager) Send(ctx context.Context, payload SendPayload) model.SendResult {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.SendResult{
			ClientMsgID: payload.ClientMsgID,
			Status:      model.StatusFailed,
			Err:         apperrors.ErrClosed,
		}
	}
	conn := m.conn
	joined := m.state == model.ConnJoined
	m.mu.Unlock()

	if joined && conn != nil {
		ackCtx, cancel := context.WithTimeout(ctx, m.opts.AckTimeout)
		ack, err := conn.EmitWithAck(ackCtx, "send-message", payload)
		cancel()
		if err == nil && ack.OK {
			return model.SendResult{
				ClientMsgID: payload.ClientMsgID,
				ServerID:    ack.ID,
				Status:      model.StatusSent,
			}
		}
		if err != nil {
			slog.Warn("Socket send failed, falling back to REST", "client_msg_id", payload.ClientMsgID, "error", err)
		} else {
			slog.Warn("Socket send rejected, falling back to REST", "client_msg_id", payload.ClientMsgID, "error", ack.Error)
		}
	}

	return m.sendRest(ctx, payload)
}

// SendTyping relays the local typing indicator. Fire and forget: typing
// is advisory and is simply dropped while the room is not joined.
func (m *Manager) SendTyping(conversationID, userID string, isTyping bool) {
	m.mu.Lock()
	conn := m.conn
	joined := m.state == model.ConnJoined
	m.mu.Unlock()
	if !joined || conn == nil {
		return
	}
	err := conn.Emit("typing", model.TypingEvent{UserID: userID, IsTyping: isTyping})
	if err != nil {
		slog.Debug("Typing emit dropped", "error", err)
	}
}

// On registers an inbound event handler and records its disposer so
// Disconnect can unregister everything symmetrically.
func (m *Manager) On(event string, fn func(data json.RawMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.closed {
		return
	}
	off := m.conn.On(event, socket.Handler(fn))
	m.disposers = append(m.disposers, off)
}

// Disconnect tears the connection down. All event handlers are
// unregistered before the socket closes so no stale callback can fire
// into an unmounted consumer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	disposers := m.disposers
	m.disposers = nil
	conn := m.conn
	m.conn = nil
	m.setStateLocked(model.ConnDisconnected)
	m.mu.Unlock()

	for _, off := range disposers {
		off()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("Socket close returned error", "error", err)
		}
	}
}

func (m *Manager) handleRemoteClose(reason error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.disposers = nil
	m.setStateLocked(model.ConnDisconnected)
	m.mu.Unlock()

	slog.Info("Socket disconnected", "reason", reason)
	m.notice("Connection lost. Trying to reach the server...")
}

// sendRest is the single fallback attempt. A failure here is terminal
// for the message.
func (m *Manager) sendRest(ctx context.Context, payload SendPayload) model.SendResult {
	resp, err := m.opts.API.SendMessage(ctx, payload.ConversationID, rest.SendRequest{
		ClientMsgID: payload.ClientMsgID,
		Text:        payload.Text,
		Attachments: payload.Attachments,
	})
	if err != nil {
		slog.Warn("REST send failed", "client_msg_id", payload.ClientMsgID, "error", err)
		return model.SendResult{
			ClientMsgID: payload.ClientMsgID,
			Status:      model.StatusFailed,
			Err:         fmt.Errorf("%w: %v", apperrors.ErrSendFailed, err),
		}
	}
	status := resp.Status
	if status == "" {
		status = model.StatusSent
	}
	return model.SendResult{
		ClientMsgID: payload.ClientMsgID,
		ServerID:    resp.ID,
		Status:      status,
	}
}

// setStateLocked transitions the connection state and notifies the
// observer. The caller holds the lock.
func (m *Manager) setStateLocked(next model.ConnState) {
	if m.state == next {
		return
	}
	m.state = next
	if m.opts.OnState != nil {
		m.opts.OnState(next)
	}
}

func (m *Manager) notice(text string) {
	if m.opts.OnNotice != nil {
		m.opts.OnNotice(text)
	}
}
