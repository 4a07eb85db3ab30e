// Package history fetches progressively older pages of a conversation's
// message history and merges them into the timeline without disturbing
// the already-loaded window.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	apperrors "mechlink/chatcore/internal/errors"
	"mechlink/chatcore/internal/model"
	"mechlink/chatcore/internal/timeline"
)

// PageFetcher is the slice of the REST API the paginator needs.
type PageFetcher interface {
	FetchHistoryPage(ctx context.Context, conversationID string, limit int, cursor model.Cursor) (*model.HistoryPage, error)
}

// Paginator walks a conversation's history backwards using a stable
// (createdAt, id) cursor. Safe for concurrent use; rapid repeated
// LoadNext calls while a fetch is in flight are no-ops.
type Paginator struct {
	api   PageFetcher
	store *timeline.Store
	limit int

	mu       sync.Mutex
	cursor   model.Cursor
	hasMore  bool
	loaded   bool
	inFlight bool
	closed   bool
	lastErr  error
}

func NewPaginator(api PageFetcher, store *timeline.Store, limit int) *Paginator {
	if limit <= 0 {
		limit = 20
	}
	return &Paginator{
		api:     api,
		store:   store,
		limit:   limit,
		hasMore: true,
	}
}

// LoadNext fetches the next older page. The first call (no cursor)
// installs the page with ReplaceAll; later calls merge at the head.
// While a fetch is in flight, or once the server reported no more older
// messages, the call is a no-op. A failed fetch leaves the timeline
// untouched and is surfaced as a retryable error; it is never retried
// automatically.
func (p *Paginator) LoadNext(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || p.inFlight || (p.loaded && !p.hasMore) {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = true
	cursor := p.cursor
	initial := !p.loaded
	p.mu.Unlock()

	page, err := p.api.FetchHistoryPage(ctx, p.store.ConversationID(), p.limit, cursor)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if p.closed {
		// Teardown raced the fetch; its result must not touch the store.
		return nil
	}
	if err != nil {
		slog.Warn("History fetch failed", "conversation_id", p.store.ConversationID(), "error", err)
		p.lastErr = fmt.Errorf("%w: %v", apperrors.ErrHistoryUnavailable, err)
		return p.lastErr
	}
	p.lastErr = nil

	if initial {
		p.store.ReplaceAll(page.Items)
	} else {
		p.store.MergeOlderPage(page.Items)
	}
	p.loaded = true
	p.hasMore = page.HasMoreOlder
	if page.NextOlderCursor != nil {
		p.cursor = *page.NextOlderCursor
	}
	return nil
}

// HasMore reports whether the server has older messages beyond the
// loaded window.
func (p *Paginator) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.loaded || p.hasMore
}

// Err returns the retryable error state of the last fetch, if any.
func (p *Paginator) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Reset clears the cursor so the next LoadNext performs a fresh initial
// load. Used on conversation refresh.
func (p *Paginator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = model.Cursor{}
	p.hasMore = true
	p.loaded = false
	p.lastErr = nil
}

// Close abandons any in-flight fetch: it may still complete over the
// wire, but its resolution becomes a no-op.
func (p *Paginator) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
