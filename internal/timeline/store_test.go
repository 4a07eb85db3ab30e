package timeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mechlink/chatcore/internal/model"
	"mechlink/chatcore/internal/timeline"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func remoteMsg(id string, offset time.Duration) model.Message {
	return model.Message{
		ID:        id,
		Origin:    model.OriginRemotePeer,
		Text:      "msg " + id,
		CreatedAt: base.Add(offset),
		Status:    model.StatusSent,
	}
}

func assertInvariants(t *testing.T, msgs []model.Message) {
	t.Helper()
	seenIDs := make(map[string]struct{})
	seenClientIDs := make(map[string]struct{})
	streaming := 0
	for i, m := range msgs {
		_, dup := seenIDs[m.ID]
		assert.False(t, dup, "duplicate id %s", m.ID)
		seenIDs[m.ID] = struct{}{}
		if m.ClientMsgID != "" {
			_, dup := seenClientIDs[m.ClientMsgID]
			assert.False(t, dup, "duplicate client id %s", m.ClientMsgID)
			seenClientIDs[m.ClientMsgID] = struct{}{}
		}
		if i > 0 {
			assert.False(t, msgs[i-1].CreatedAt.After(m.CreatedAt), "createdAt not non-decreasing at %d", i)
		}
		if m.Status == model.StatusStreaming {
			streaming++
		}
	}
	assert.LessOrEqual(t, streaming, 1, "more than one streaming message")
}

func TestStore_AppendOptimistic(t *testing.T) {
	s := timeline.New("conv1")

	s.AppendOptimistic(model.Message{
		ClientMsgID: "c1",
		Origin:      model.OriginLocalUser,
		Text:        "hello",
		CreatedAt:   base,
	})

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, model.StatusPending, snap[0].Status)
	assert.Equal(t, "c1", snap[0].ID, "provisional id defaults to the client id")
	assert.Equal(t, "conv1", snap[0].ConversationID)

	t.Run("duplicate client id is ignored", func(t *testing.T) {
		s.AppendOptimistic(model.Message{ClientMsgID: "c1", Text: "again", CreatedAt: base})
		assert.Equal(t, 1, s.Len())
	})

	t.Run("missing client id is ignored", func(t *testing.T) {
		s.AppendOptimistic(model.Message{Text: "no correlation key", CreatedAt: base})
		assert.Equal(t, 1, s.Len())
	})
}

func TestStore_ReconcileByClientID(t *testing.T) {
	t.Run("pending to sent with server id", func(t *testing.T) {
		s := timeline.New("conv1")
		s.AppendOptimistic(model.Message{ClientMsgID: "c1", Text: "hi", CreatedAt: base})

		s.ReconcileByClientID("c1", timeline.Patch{ServerID: "srv-9", Status: model.StatusSent})

		snap := s.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, "srv-9", snap[0].ID)
		assert.Equal(t, "c1", snap[0].ClientMsgID, "client id survives the id rewrite")
		assert.Equal(t, model.StatusSent, snap[0].Status)
	})

	t.Run("unknown client id is a no-op", func(t *testing.T) {
		s := timeline.New("conv1")
		s.ReconcileByClientID("ghost", timeline.Patch{Status: model.StatusSent})
		assert.Equal(t, 0, s.Len())
	})

	t.Run("terminal status is never overwritten", func(t *testing.T) {
		s := timeline.New("conv1")
		s.AppendOptimistic(model.Message{ClientMsgID: "c1", Text: "hi", CreatedAt: base})
		s.ReconcileByClientID("c1", timeline.Patch{Status: model.StatusFailed})
		s.ReconcileByClientID("c1", timeline.Patch{Status: model.StatusPending})

		snap := s.Snapshot()
		assert.Equal(t, model.StatusFailed, snap[0].Status)
	})
}

func TestStore_AppendRemote(t *testing.T) {
	t.Run("new message inserts in chronological position", func(t *testing.T) {
		s := timeline.New("conv1")
		s.AppendRemote(remoteMsg("m1", 0))
		s.AppendRemote(remoteMsg("m3", 2*time.Minute))
		s.AppendRemote(remoteMsg("m2", time.Minute))

		snap := s.Snapshot()
		require.Len(t, snap, 3)
		assert.Equal(t, []string{"m1", "m2", "m3"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
		assertInvariants(t, snap)
	})

	t.Run("same id reconciles instead of duplicating", func(t *testing.T) {
		s := timeline.New("conv1")
		s.AppendRemote(remoteMsg("m1", 0))
		s.AppendRemote(remoteMsg("m1", 0))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("broadcast echo of own send reconciles by client id", func(t *testing.T) {
		s := timeline.New("conv1")
		s.AppendOptimistic(model.Message{ClientMsgID: "c1", Origin: model.OriginLocalUser, Text: "hi", CreatedAt: base})

		echo := remoteMsg("srv-1", time.Second)
		echo.ClientMsgID = "c1"
		echo.SenderID = "me"
		s.AppendRemote(echo)

		snap := s.Snapshot()
		require.Len(t, snap, 1, "echo must not duplicate the optimistic entry")
		assert.Equal(t, "srv-1", snap[0].ID)
		assert.Equal(t, model.StatusSent, snap[0].Status)
	})

	t.Run("echo with earlier server time repositions the entry", func(t *testing.T) {
		s := timeline.New("conv1")
		// Local clock runs fast: the optimistic entry lands at +100s, a
		// peer broadcast at +97s, then the server echo dates our message
		// back to +95s.
		s.AppendOptimistic(model.Message{ClientMsgID: "c1", Origin: model.OriginLocalUser, Text: "hi", CreatedAt: base.Add(100 * time.Second)})
		s.AppendRemote(remoteMsg("p1", 97*time.Second))

		echo := remoteMsg("srv-1", 95*time.Second)
		echo.ClientMsgID = "c1"
		s.AppendRemote(echo)

		snap := s.Snapshot()
		require.Len(t, snap, 2)
		assert.Equal(t, []string{"srv-1", "p1"}, []string{snap[0].ID, snap[1].ID})
		assertInvariants(t, snap)

		t.Run("lookup maps survive the move", func(t *testing.T) {
			got, ok := s.Get("srv-1")
			require.True(t, ok)
			assert.Equal(t, "c1", got.ClientMsgID)
		})
	})

	t.Run("equal timestamps keep insertion order", func(t *testing.T) {
		s := timeline.New("conv1")
		s.AppendRemote(remoteMsg("a", 0))
		s.AppendRemote(remoteMsg("b", 0))
		s.AppendRemote(remoteMsg("c", 0))

		snap := s.Snapshot()
		assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
	})
}

func TestStore_MergeOlderPage(t *testing.T) {
	newerPage := []model.Message{remoteMsg("m10", 10*time.Minute), remoteMsg("m11", 11*time.Minute)}
	olderPage := []model.Message{remoteMsg("m2", 2*time.Minute), remoteMsg("m1", time.Minute)}

	t.Run("prepends chronologically", func(t *testing.T) {
		s := timeline.New("conv1")
		s.ReplaceAll(newerPage)
		s.MergeOlderPage(olderPage)

		snap := s.Snapshot()
		require.Len(t, snap, 4)
		assert.Equal(t, "m1", snap[0].ID)
		assert.Equal(t, "m11", snap[3].ID)
		assertInvariants(t, snap)
	})

	t.Run("merge is idempotent", func(t *testing.T) {
		s := timeline.New("conv1")
		s.ReplaceAll(newerPage)
		s.MergeOlderPage(olderPage)
		want := s.Snapshot()

		s.MergeOlderPage(olderPage)
		assert.Equal(t, want, s.Snapshot())
	})

	t.Run("does not disturb loaded messages", func(t *testing.T) {
		s := timeline.New("conv1")
		s.ReplaceAll(newerPage)
		before := s.Snapshot()

		s.MergeOlderPage(olderPage)
		after := s.Snapshot()
		assert.Equal(t, before, after[len(after)-len(before):])
	})
}

func TestStore_ReplaceAll(t *testing.T) {
	s := timeline.New("conv1")
	s.AppendOptimistic(model.Message{ClientMsgID: "stale", Text: "old", CreatedAt: base})

	s.ReplaceAll([]model.Message{remoteMsg("m2", time.Minute), remoteMsg("m1", 0)})

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "m1", snap[0].ID, "installed set is sorted")
	assertInvariants(t, snap)

	t.Run("duplicate client ids collapse to one entry", func(t *testing.T) {
		s := timeline.New("conv1")
		first := remoteMsg("m1", 0)
		first.ClientMsgID = "c1"
		second := remoteMsg("srv-1", time.Second)
		second.ClientMsgID = "c1"

		s.ReplaceAll([]model.Message{first, second})

		require.Equal(t, 1, s.Len())
		assertInvariants(t, s.Snapshot())
	})
}

func TestStore_Streaming(t *testing.T) {
	t.Run("chunks accumulate into one message", func(t *testing.T) {
		s := timeline.New("conv1")
		s.BeginOrAppendStreamChunk("Hel")
		s.BeginOrAppendStreamChunk("lo ")
		s.BeginOrAppendStreamChunk("world")

		snap := s.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, "Hello world", snap[0].Text)
		assert.Equal(t, model.StatusStreaming, snap[0].Status)
		assert.Equal(t, model.OriginRemoteAssistant, snap[0].Origin)
		assertInvariants(t, snap)
	})

	t.Run("finalize uses accumulated text", func(t *testing.T) {
		s := timeline.New("conv1")
		s.BeginOrAppendStreamChunk("partial")
		s.FinalizeStream("")

		snap := s.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, "partial", snap[0].Text)
		assert.Equal(t, model.StatusSent, snap[0].Status)
	})

	t.Run("finalize with final text overrides", func(t *testing.T) {
		s := timeline.New("conv1")
		s.BeginOrAppendStreamChunk("part")
		s.FinalizeStream("full corrected answer")

		snap := s.Snapshot()
		assert.Equal(t, "full corrected answer", snap[0].Text)
	})

	t.Run("done with no prior chunks still creates the message", func(t *testing.T) {
		s := timeline.New("conv1")
		s.FinalizeStream("late but complete")

		snap := s.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, model.StatusSent, snap[0].Status)
		assert.Equal(t, "late but complete", snap[0].Text)
	})

	t.Run("abort marks the streaming message failed", func(t *testing.T) {
		s := timeline.New("conv1")
		s.BeginOrAppendStreamChunk("doomed")
		s.AbortStream()

		snap := s.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, model.StatusFailed, snap[0].Status)

		// A later stream starts fresh.
		s.BeginOrAppendStreamChunk("again")
		assertInvariants(t, s.Snapshot())
	})
}

func TestStore_AppendSystemNotice(t *testing.T) {
	s := timeline.New("conv1")
	s.AppendSystemNotice("Connection lost.")

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, model.OriginSystem, snap[0].Origin)
	assert.NotEmpty(t, snap[0].ID)
}

func TestStore_InvariantsUnderMixedOperations(t *testing.T) {
	s := timeline.New("conv1")
	s.ReplaceAll([]model.Message{remoteMsg("h1", 0), remoteMsg("h2", time.Minute)})
	s.AppendOptimistic(model.Message{ClientMsgID: "c1", Origin: model.OriginLocalUser, Text: "q", CreatedAt: base.Add(time.Hour)})
	s.BeginOrAppendStreamChunk("thinking")
	s.AppendRemote(remoteMsg("m5", 30*time.Minute))
	s.MergeOlderPage([]model.Message{remoteMsg("h0", -time.Minute), remoteMsg("h1", 0)})
	s.ReconcileByClientID("c1", timeline.Patch{ServerID: "srv-c1", Status: model.StatusSent})
	s.FinalizeStream("")

	assertInvariants(t, s.Snapshot())
	assert.Equal(t, 6, s.Len())
}
