// Package stream converts the sequence of partial-text assistant events
// into one coherent, progressively updated timeline message.
package stream

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mechlink/chatcore/internal/model"
	"mechlink/chatcore/internal/timeline"
)

type state int

const (
	stateIdle state = iota
	stateAccumulating
)

// Reducer is the per-conversation assistant-stream state machine. At most
// one stream is active at a time; chunks arriving while idle implicitly
// start one. Store updates are coalesced so the UI is not re-rendered
// once per network packet; the flush preceding stream completion is
// always immediate.
type Reducer struct {
	store   *timeline.Store
	limiter *rate.Limiter

	mu            sync.Mutex
	state         state
	correlationID string
	pending       strings.Builder // chunk text received but not yet flushed to the store
}

const defaultFlushInterval = 80 * time.Millisecond

// NewReducer builds a reducer flushing at most once per flushInterval.
func NewReducer(store *timeline.Store, flushInterval time.Duration) *Reducer {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Reducer{
		store:   store,
		limiter: rate.NewLimiter(rate.Every(flushInterval), 1),
	}
}

// HandleStarted begins accumulating a new assistant response. The
// correlating local message stays pending until the stream completes:
// a start event only proves the server heard us, and promoting early
// would make a later stream error unable to mark the message failed.
func (r *Reducer) HandleStarted(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateAccumulating {
		slog.Warn("Assistant stream started while another was active, finalizing previous", "correlation_id", correlationID)
		r.flushLocked()
		r.store.FinalizeStream("")
	}
	r.state = stateAccumulating
	r.correlationID = correlationID
	r.pending.Reset()
}

// HandleChunk appends partial text. Flushes to the store when the
// throttle allows; otherwise the text waits for the next flush.
func (r *Reducer) HandleChunk(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateIdle {
		// A chunk with no preceding start event still owns the stream.
		r.state = stateAccumulating
		r.correlationID = ""
		r.pending.Reset()
	}
	r.pending.WriteString(text)
	if r.limiter.Allow() {
		r.flushLocked()
	}
}

// HandleDone finalizes the stream. Any text held back by the throttle is
// flushed first, unconditionally, and the correlating local message is
// reconciled as delivered.
func (r *Reducer) HandleDone(finalText string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateIdle && finalText == "" {
		return
	}
	r.flushLocked()
	r.store.FinalizeStream(finalText)
	if r.correlationID != "" {
		r.store.ReconcileByClientID(r.correlationID, timeline.Patch{Status: model.StatusSent})
	}
	r.resetLocked()
}

// HandleError aborts the in-flight response: the partially streamed
// message and the correlating local message are marked failed so the
// user can resend, and a system notice records the error.
func (r *Reducer) HandleError(message, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if correlationID == "" {
		correlationID = r.correlationID
	}
	if correlationID != "" {
		r.store.ReconcileByClientID(correlationID, timeline.Patch{Status: model.StatusFailed})
	}
	r.store.AbortStream()
	if message == "" {
		message = "The assistant could not finish its reply."
	}
	r.store.AppendSystemNotice(message)
	r.resetLocked()
}

// flushLocked pushes buffered text into the store. Caller holds the lock.
func (r *Reducer) flushLocked() {
	if r.pending.Len() == 0 {
		return
	}
	r.store.BeginOrAppendStreamChunk(r.pending.String())
	r.pending.Reset()
}

func (r *Reducer) resetLocked() {
	r.state = stateIdle
	r.correlationID = ""
	r.pending.Reset()
}
