// Package timeline holds the authoritative in-memory ordered message
// collection for one conversation. All UI reads go through Snapshot; all
// mutation goes through the operations defined here, which preserve the
// sort, uniqueness and status-transition invariants.
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mechlink/chatcore/internal/model"
)

// Patch is a partial update applied to a message addressed by its client
// message id, typically after a server acknowledgment.
type Patch struct {
	// ServerID, when non-empty, replaces the provisional message id. The
	// client message id is retained as the correlation key.
	ServerID string
	// Status, when non-empty, is the new delivery status. Transitions out
	// of a terminal status are ignored.
	Status model.Status
	// CreatedAt, when non-zero, replaces the optimistic local timestamp
	// with the server-assigned one.
	CreatedAt time.Time
}

// Store is the per-conversation timeline. The zero value is not usable;
// construct with New. Safe for concurrent use.
type Store struct {
	mu             sync.Mutex
	conversationID string
	msgs           []model.Message
	byID           map[string]int
	byClientID     map[string]int
	streamID       string // id of the single in-flight streaming message, if any
}

func New(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		byID:           make(map[string]int),
		byClientID:     make(map[string]int),
	}
}

// ConversationID returns the id of the conversation this store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Snapshot returns a copy of the current ordered timeline. Pure read.
func (s *Store) Snapshot() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len returns the number of messages currently loaded.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// AppendOptimistic inserts a locally authored message in the pending state
// at the tail of the timeline. The message must carry a client message id
// that is not already present; a duplicate is ignored.
func (s *Store) AppendOptimistic(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ClientMsgID == "" {
		return
	}
	if _, ok := s.byClientID[msg.ClientMsgID]; ok {
		return
	}
	if msg.ID == "" {
		msg.ID = msg.ClientMsgID
	}
	if _, ok := s.byID[msg.ID]; ok {
		return
	}
	msg.ConversationID = s.conversationID
	msg.Status = model.StatusPending
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.insertTail(msg)
}

// ReconcileByClientID applies a patch to the message with the given client
// message id. Missing messages are a no-op, not an error: a late server
// acknowledgment may race with screen teardown. Terminal statuses are
// never overwritten.
func (s *Store) ReconcileByClientID(clientMsgID string, patch Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byClientID[clientMsgID]
	if !ok {
		return
	}
	s.applyPatch(idx, patch)
}

// AppendRemote inserts a message delivered by the server's live broadcast.
// If a message with the same id, or the same client message id (the
// broadcast echoing the local sender's own message), already exists this
// is a reconciliation, never a duplicate insertion.
func (s *Store) AppendRemote(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byID[msg.ID]; ok {
		s.applyPatch(idx, Patch{Status: model.StatusSent})
		return
	}
	if msg.ClientMsgID != "" {
		if idx, ok := s.byClientID[msg.ClientMsgID]; ok {
			s.applyPatch(idx, Patch{
				ServerID:  msg.ID,
				Status:    model.StatusSent,
				CreatedAt: msg.CreatedAt,
			})
			return
		}
	}
	msg.ConversationID = s.conversationID
	if msg.Status == "" {
		msg.Status = model.StatusSent
	}
	s.insertSorted(msg)
}

// MergeOlderPage prepends a chronologically earlier page fetched by the
// paginator. Messages already present (by id) are skipped; messages
// already rendered are never reordered. Merging the same page twice
// yields the same timeline as merging it once.
func (s *Store) MergeOlderPage(page []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]model.Message, 0, len(page))
	for _, m := range page {
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		if m.ClientMsgID != "" {
			if _, ok := s.byClientID[m.ClientMsgID]; ok {
				continue
			}
		}
		m.ConversationID = s.conversationID
		if m.Status == "" {
			m.Status = model.StatusSent
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})
	s.msgs = append(fresh, s.msgs...)
	s.reindex()
}

// ReplaceAll discards the current contents and installs the given set,
// sorted by createdAt. Used only for a fresh initial load.
func (s *Store) ReplaceAll(msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	installed := make([]model.Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	seenClient := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		if m.ClientMsgID != "" {
			if _, ok := seenClient[m.ClientMsgID]; ok {
				continue
			}
			seenClient[m.ClientMsgID] = struct{}{}
		}
		seen[m.ID] = struct{}{}
		m.ConversationID = s.conversationID
		if m.Status == "" {
			m.Status = model.StatusSent
		}
		installed = append(installed, m)
	}
	sort.SliceStable(installed, func(i, j int) bool {
		return installed[i].CreatedAt.Before(installed[j].CreatedAt)
	})
	s.msgs = installed
	s.streamID = ""
	s.reindex()
}

// BeginOrAppendStreamChunk grows the single in-flight assistant message by
// the given text, creating it when no stream is active. At most one
// message is ever in the streaming status.
func (s *Store) BeginOrAppendStreamChunk(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streamID != "" {
		if idx, ok := s.byID[s.streamID]; ok {
			s.msgs[idx].Text += text
			return
		}
		s.streamID = ""
	}
	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: s.conversationID,
		Origin:         model.OriginRemoteAssistant,
		Text:           text,
		CreatedAt:      time.Now(),
		Status:         model.StatusStreaming,
	}
	s.streamID = msg.ID
	s.insertTail(msg)
}

// FinalizeStream transitions the in-flight streaming message to sent,
// replacing its text with finalText when provided. When no stream is
// active but finalText is non-empty (a done event with no prior chunks)
// a new sent assistant message is created instead of dropping the content.
func (s *Store) FinalizeStream(finalText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streamID != "" {
		if idx, ok := s.byID[s.streamID]; ok {
			if finalText != "" {
				s.msgs[idx].Text = finalText
			}
			s.msgs[idx].Status = model.StatusSent
		}
		s.streamID = ""
		return
	}
	if finalText == "" {
		return
	}
	s.insertTail(model.Message{
		ID:             uuid.NewString(),
		ConversationID: s.conversationID,
		Origin:         model.OriginRemoteAssistant,
		Text:           finalText,
		CreatedAt:      time.Now(),
		Status:         model.StatusSent,
	})
}

// AbortStream marks the in-flight streaming message, if any, as failed
// and clears the stream owner.
func (s *Store) AbortStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamID == "" {
		return
	}
	if idx, ok := s.byID[s.streamID]; ok {
		s.msgs[idx].Status = model.StatusFailed
	}
	s.streamID = ""
}

// AppendSystemNotice appends a system-origin message to the tail of the
// timeline, used for transient notices (join failures, stream errors).
func (s *Store) AppendSystemNotice(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertTail(model.Message{
		ID:             uuid.NewString(),
		ConversationID: s.conversationID,
		Origin:         model.OriginSystem,
		Text:           text,
		CreatedAt:      time.Now(),
		Status:         model.StatusSent,
	})
}

// Get returns the message with the given id.
func (s *Store) Get(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return s.msgs[idx], true
}

// applyPatch mutates the message at idx under the held lock, honoring
// forward-only status transitions. A timestamp change may move the
// message, so idx must not be reused afterwards.
func (s *Store) applyPatch(idx int, patch Patch) {
	m := &s.msgs[idx]
	if patch.ServerID != "" && patch.ServerID != m.ID {
		delete(s.byID, m.ID)
		m.ID = patch.ServerID
		s.byID[m.ID] = idx
	}
	if patch.Status != "" && !m.Status.Terminal() {
		m.Status = patch.Status
	}
	if !patch.CreatedAt.IsZero() && !patch.CreatedAt.Equal(m.CreatedAt) {
		m.CreatedAt = patch.CreatedAt
		s.reposition(idx)
	}
}

// reposition restores the sort order after the message at idx changed its
// createdAt, typically a server echo rewriting an optimistic local
// timestamp backwards past an already-inserted neighbor. The caller holds
// the lock.
func (s *Store) reposition(idx int) {
	m := s.msgs[idx]
	ordered := (idx == 0 || !s.msgs[idx-1].CreatedAt.After(m.CreatedAt)) &&
		(idx == len(s.msgs)-1 || !m.CreatedAt.After(s.msgs[idx+1].CreatedAt))
	if ordered {
		return
	}
	s.msgs = append(s.msgs[:idx], s.msgs[idx+1:]...)
	s.reindex()
	s.insertSorted(m)
}

// insertTail appends at the end; the caller holds the lock. Used for
// messages that are by definition the newest.
func (s *Store) insertTail(msg model.Message) {
	s.msgs = append(s.msgs, msg)
	idx := len(s.msgs) - 1
	s.byID[msg.ID] = idx
	if msg.ClientMsgID != "" {
		s.byClientID[msg.ClientMsgID] = idx
	}
}

// insertSorted places msg at its chronological position, after any
// existing messages with an equal createdAt so ties keep insertion order.
// The caller holds the lock.
func (s *Store) insertSorted(msg model.Message) {
	pos := len(s.msgs)
	for pos > 0 && s.msgs[pos-1].CreatedAt.After(msg.CreatedAt) {
		pos--
	}
	if pos == len(s.msgs) {
		s.insertTail(msg)
		return
	}
	s.msgs = append(s.msgs, model.Message{})
	copy(s.msgs[pos+1:], s.msgs[pos:])
	s.msgs[pos] = msg
	s.reindex()
}

// reindex rebuilds the id lookup maps after a positional change. The
// caller holds the lock.
func (s *Store) reindex() {
	s.byID = make(map[string]int, len(s.msgs))
	s.byClientID = make(map[string]int, len(s.msgs))
	for i, m := range s.msgs {
		s.byID[m.ID] = i
		if m.ClientMsgID != "" {
			s.byClientID[m.ClientMsgID] = i
		}
	}
}
