// Package socket provides the persistent bidirectional event connection
// used by the transport manager. Events are JSON frames over a websocket;
// outbound emits may carry an ack id that the server answers on a
// dedicated "ack" event.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	apperrors "mechlink/chatcore/internal/errors"
)

// Frame is the wire envelope for every event in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID uint64          `json:"ack_id,omitempty"`
}

// Ack is the server's answer to an acknowledged emit.
type Ack struct {
	AckID uint64 `json:"ack_id"`
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Handler receives the raw data payload of one inbound event. Handlers
// for one connection are invoked serially in arrival order.
type Handler func(data json.RawMessage)

// Conn is the event-connection contract. On returns a disposer; the owner
// must invoke every disposer (or Close, which unregisters everything)
// before discarding the connection so no stale callback fires into a torn
// down consumer.
type Conn interface {
	On(event string, fn Handler) (off func())
	Emit(event string, data interface{}) error
	EmitWithAck(ctx context.Context, event string, data interface{}) (*Ack, error)
	Close() error
}

// Dialer opens a Conn. The production implementation is Dial; tests and
// the transport manager substitute fakes.
type Dialer func(ctx context.Context, socketURL, authToken string) (Conn, error)

type conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	handlers  map[string]map[uint64]Handler
	handlerID uint64
	pending   map[uint64]chan *Ack
	closed    bool
	onClose   func(reason error)

	ackID atomic.Uint64
}

// Dial opens a websocket event connection and starts its read loop.
// onClose, when non-nil, fires once when the read loop exits for any
// reason other than an explicit Close.
func Dial(ctx context.Context, socketURL, authToken string) (Conn, error) {
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, socketURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("socket dial failed: %w", err)
	}

	c := &conn{
		ws:       ws,
		handlers: make(map[string]map[uint64]Handler),
		pending:  make(map[uint64]chan *Ack),
	}
	go c.readLoop()
	return c, nil
}

// SetCloseHandler registers a callback fired when the connection drops
// from the remote side. Exposed on the concrete type; the transport
// manager type-asserts for it.
func (c *conn) SetCloseHandler(fn func(reason error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *conn) On(event string, fn Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerID++
	id := c.handlerID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *conn) Emit(event string, data interface{}) error {
	return c.writeFrame(Frame{Event: event}, data, 0)
}

// EmitWithAck sends a frame carrying an ack id and blocks until the
// server acknowledges, the context expires, or the connection closes. The
// wait is always bounded by the caller's context deadline.
func (c *conn) EmitWithAck(ctx context.Context, event string, data interface{}) (*Ack, error) {
	id := c.ackID.Add(1)
	ch := make(chan *Ack, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(Frame{Event: event}, data, id); err != nil {
		return nil, err
	}

	select {
	case ack, ok := <-ch:
		if !ok || ack == nil {
			return nil, apperrors.ErrNotConnected
		}
		return ack, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAckTimeout, event)
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	// Unregister everything before tearing down the websocket so late
	// frames from the read loop cannot reach a consumer that is gone.
	c.handlers = make(map[string]map[uint64]Handler)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.onClose = nil
	c.mu.Unlock()

	return c.ws.Close()
}

func (c *conn) writeFrame(frame Frame, data interface{}, ackID uint64) error {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("could not marshal event payload: %w", err)
		}
		frame.Data = raw
	}
	frame.AckID = ackID

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("socket write failed: %w", err)
	}
	return nil
}

// readLoop reads frames until the connection dies and dispatches them
// serially, preserving arrival order for every consumer.
func (c *conn) readLoop() {
	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			c.dispatchClose(err)
			return
		}
		if frame.Event == "ack" {
			c.resolveAck(frame.Data)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *conn) resolveAck(data json.RawMessage) {
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		slog.Warn("Discarding malformed ack frame", "error", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[ack.AckID]
	delete(c.pending, ack.AckID)
	c.mu.Unlock()
	if ok {
		ch <- &ack
	}
}

func (c *conn) dispatch(frame Frame) {
	c.mu.Lock()
	fns := make([]Handler, 0, len(c.handlers[frame.Event]))
	for _, fn := range c.handlers[frame.Event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(frame.Data)
	}
}

func (c *conn) dispatchClose(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.onClose = nil
	c.handlers = make(map[string]map[uint64]Handler)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if fn != nil {
		fn(reason)
	}
}
