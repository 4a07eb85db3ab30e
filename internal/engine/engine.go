// Package engine wires one conversation's transport manager, timeline
// store, history paginator and streaming reducer together behind the
// small surface the UI consumes: snapshot, send, retry, load-older and
// two observables. One engine instance per open conversation; nothing
// here is a singleton.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mechlink/chatcore/internal/cache"
	"mechlink/chatcore/internal/config"
	apperrors "mechlink/chatcore/internal/errors"
	"mechlink/chatcore/internal/history"
	"mechlink/chatcore/internal/model"
	"mechlink/chatcore/internal/rest"
	"mechlink/chatcore/internal/socket"
	"mechlink/chatcore/internal/stream"
	"mechlink/chatcore/internal/timeline"
	"mechlink/chatcore/internal/transport"
)

// sendInput is the validated shape of one outbound message.
type sendInput struct {
	ConversationID string             `validate:"required"`
	Text           string             `validate:"required,min=1,max=4000"`
	Attachments    []model.Attachment `validate:"max=10"`
}

// Options configures an Engine.
type Options struct {
	// ConversationID may be empty; Start then creates the conversation
	// through the REST API.
	ConversationID string
	Kind           model.ConversationKind
	// ParticipantID is the local user identity, used to recognize the
	// transport echoing our own messages back to the room.
	ParticipantID string
	AuthToken     string

	Config *config.Config
	API    rest.API
	// Dialer is overridable for tests; nil means the production socket.
	Dialer socket.Dialer
	// Cache is the optional local history cache; nil disables caching.
	Cache *cache.Store

	// OnSendResult, when set, observes the terminal outcome of every
	// logical send after its status has been applied to the timeline.
	OnSendResult func(model.SendResult)
}

// Engine is the per-conversation synchronization engine.
type Engine struct {
	opts Options

	conv      model.Conversation
	store     *timeline.Store
	paginator *history.Paginator
	reducer   *stream.Reducer
	tm        *transport.Manager

	states chan model.ConnState
	typing chan model.TypingEvent

	mu      sync.Mutex
	closed  bool
	started bool

	wg sync.WaitGroup
}

// New builds an engine. Network activity does not begin until Start.
func New(opts Options) *Engine {
	e := &Engine{
		opts:   opts,
		states: make(chan model.ConnState, 16),
		typing: make(chan model.TypingEvent, 16),
	}
	e.tm = transport.NewManager(transport.Options{
		SocketURL:  opts.Config.SocketURL,
		AuthToken:  opts.AuthToken,
		AckTimeout: opts.Config.AckTimeout,
		API:        opts.API,
		Dialer:     opts.Dialer,
		OnState:    e.publishState,
		OnNotice:   e.publishNotice,
	})
	return e
}

// Start bootstraps the conversation: creates it when no id was supplied,
// warms the timeline from the local cache, connects and joins the socket
// room, registers inbound handlers and performs the initial history load.
// Connection failures are non-fatal; the engine stays usable on the REST
// fallback path.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperrors.ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	convID := e.opts.ConversationID
	if convID == "" {
		id, err := e.opts.API.StartConversation(ctx, e.opts.Kind, []string{e.opts.ParticipantID})
		if err != nil {
			return err
		}
		convID = id
	}
	e.conv = model.Conversation{ID: convID, Kind: e.opts.Kind, ParticipantID: e.opts.ParticipantID}
	e.store = timeline.New(convID)
	e.paginator = history.NewPaginator(e.opts.API, e.store, e.opts.Config.HistoryPageSize)
	e.reducer = stream.NewReducer(e.store, e.opts.Config.StreamFlushInterval)

	if e.opts.Cache != nil {
		if cached, err := e.opts.Cache.Messages(ctx, convID); err != nil {
			slog.Debug("History cache read failed", "conversation_id", convID, "error", err)
		} else if len(cached) > 0 {
			e.store.ReplaceAll(cached)
		}
	}

	if err := e.tm.Connect(ctx); err != nil {
		slog.Warn("Starting without a live socket", "conversation_id", convID, "error", err)
	} else {
		e.registerHandlers()
		e.tm.Join(ctx, convID)
	}

	if err := e.paginator.LoadNext(ctx); err != nil {
		slog.Warn("Initial history load failed", "conversation_id", convID, "error", err)
	} else {
		e.persistSnapshot(ctx)
	}
	return nil
}

// Conversation returns the conversation identity, valid after Start.
func (e *Engine) Conversation() model.Conversation {
	return e.conv
}

// Snapshot returns the current ordered timeline for rendering.
func (e *Engine) Snapshot() []model.Message {
	if e.store == nil {
		return nil
	}
	return e.store.Snapshot()
}

// States is the connection-state observable. Slow consumers lose
// intermediate transitions, never the channel.
func (e *Engine) States() <-chan model.ConnState {
	return e.states
}

// Typing is the remote typing-indicator observable.
func (e *Engine) Typing() <-chan model.TypingEvent {
	return e.typing
}

// ConnState returns the current connection state.
func (e *Engine) ConnState() model.ConnState {
	return e.tm.State()
}

// Send validates and optimistically appends a new outgoing message, then
// delivers it in the background. The returned client message id addresses
// the timeline entry; its status resolves to sent or failed, never stays
// pending.
func (e *Engine) Send(ctx context.Context, text string, attachments []model.Attachment) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", apperrors.ErrClosed
	}
	if !e.started {
		e.mu.Unlock()
		return "", apperrors.ErrNotFound
	}
	e.mu.Unlock()

	input := sendInput{ConversationID: e.conv.ID, Text: text, Attachments: attachments}
	if err := validateRequest(input); err != nil {
		return "", err
	}

	clientMsgID := uuid.NewString()
	e.store.AppendOptimistic(model.Message{
		ID:          clientMsgID,
		ClientMsgID: clientMsgID,
		Origin:      model.OriginLocalUser,
		SenderID:    e.conv.ParticipantID,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	})

	e.wg.Add(1)
	go e.deliver(ctx, transport.SendPayload{
		ConversationID: e.conv.ID,
		ClientMsgID:    clientMsgID,
		Text:           text,
		Attachments:    attachments,
	})
	return clientMsgID, nil
}

// Retry resubmits a failed message as a brand-new send with a fresh
// client message id. The failed entry stays in the timeline; repair in
// place is never attempted.
func (e *Engine) Retry(ctx context.Context, messageID string) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", apperrors.ErrClosed
	}
	if !e.started {
		e.mu.Unlock()
		return "", apperrors.ErrNotFound
	}
	e.mu.Unlock()

	msg, ok := e.store.Get(messageID)
	if !ok {
		return "", apperrors.ErrNotFound
	}
	if msg.Origin != model.OriginLocalUser || msg.Status != model.StatusFailed {
		return "", apperrors.ErrValidation
	}
	return e.Send(ctx, msg.Text, msg.Attachments)
}

// LoadOlder fetches the next older history page; duplicate triggers
// while a fetch is in flight are absorbed by the paginator.
func (e *Engine) LoadOlder(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperrors.ErrClosed
	}
	if !e.started {
		e.mu.Unlock()
		return apperrors.ErrNotFound
	}
	e.mu.Unlock()

	if err := e.paginator.LoadNext(ctx); err != nil {
		return err
	}
	e.persistSnapshot(ctx)
	return nil
}

// HasOlder reports whether more history remains beyond the loaded window.
func (e *Engine) HasOlder() bool {
	if e.paginator == nil {
		return false
	}
	return e.paginator.HasMore()
}

// SetTyping relays the local user's typing state to the room.
func (e *Engine) SetTyping(isTyping bool) {
	e.tm.SendTyping(e.conv.ID, e.conv.ParticipantID, isTyping)
}

// Close tears the conversation down: handlers are unregistered before the
// socket disconnects, the in-flight history fetch is abandoned, and any
// in-flight REST send is left to resolve against a store that tolerates
// "not found". Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.tm.Disconnect()
	if e.paginator != nil {
		e.paginator.Close()
	}
	if e.opts.Cache != nil && e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.persistSnapshot(ctx)
	}
}

// Wait blocks until all background deliveries have resolved. Test hook.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// deliver runs one logical send to its terminal status and applies the
// outcome to the timeline.
func (e *Engine) deliver(ctx context.Context, payload transport.SendPayload) {
	defer e.wg.Done()

	result := e.tm.Send(ctx, payload)
	e.store.ReconcileByClientID(result.ClientMsgID, timeline.Patch{
		ServerID: result.ServerID,
		Status:   result.Status,
	})
	if e.opts.OnSendResult != nil {
		e.opts.OnSendResult(result)
	}
}

// registerHandlers subscribes the inbound socket events. Assistant
// events are only relevant to copilot conversations; support chats skip
// them entirely.
func (e *Engine) registerHandlers() {
	e.tm.On("message-received", func(data json.RawMessage) {
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Discarding malformed message event", "error", err)
			return
		}
		e.store.AppendRemote(msg)
	})
	e.tm.On("typing", func(data json.RawMessage) {
		var ev model.TypingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if ev.UserID == e.conv.ParticipantID {
			return
		}
		select {
		case e.typing <- ev:
		default:
		}
	})

	if e.opts.Kind != model.KindCopilot {
		return
	}
	e.tm.On("assistant-started", func(data json.RawMessage) {
		var ev struct {
			CorrelationID string `json:"correlation_id"`
		}
		_ = json.Unmarshal(data, &ev)
		e.reducer.HandleStarted(ev.CorrelationID)
	})
	e.tm.On("assistant-chunk", func(data json.RawMessage) {
		var ev struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		e.reducer.HandleChunk(ev.Text)
	})
	e.tm.On("assistant-done", func(data json.RawMessage) {
		var ev struct {
			CorrelationID string `json:"correlation_id"`
			FinalText     string `json:"final_text"`
		}
		_ = json.Unmarshal(data, &ev)
		e.reducer.HandleDone(ev.FinalText)
	})
	e.tm.On("assistant-error", func(data json.RawMessage) {
		var ev struct {
			Error         string `json:"error"`
			CorrelationID string `json:"correlation_id"`
		}
		_ = json.Unmarshal(data, &ev)
		e.reducer.HandleError(ev.Error, ev.CorrelationID)
	})
}

func (e *Engine) publishState(s model.ConnState) {
	select {
	case e.states <- s:
	default:
	}
}

func (e *Engine) publishNotice(text string) {
	if e.store != nil {
		e.store.AppendSystemNotice(text)
	}
}

// persistSnapshot writes the loaded window to the local cache. Cache
// failures are logged, never surfaced: the in-memory timeline is the
// source of truth.
func (e *Engine) persistSnapshot(ctx context.Context) {
	if e.opts.Cache == nil || e.store == nil {
		return
	}
	if err := e.opts.Cache.SaveMessages(ctx, e.conv, e.store.Snapshot()); err != nil {
		slog.Debug("History cache write failed", "conversation_id", e.conv.ID, "error", err)
	}
}
