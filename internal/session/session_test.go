package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/server/internal/access"
	"docsync/server/internal/ot"
	"docsync/server/internal/store"
)

func newTestRegistry(t *testing.T, content string) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	st.Put(store.Document{ID: "doc-1", Title: "Notes", Content: content, Version: 0})
	return NewRegistry(st, 40*time.Millisecond, zerolog.Nop()), st
}

// drain empties an event channel and returns everything seen so far,
// bucketed by event name.
func drain(ch <-chan Event) map[string][]Event {
	out := make(map[string][]Event)
	for {
		select {
		case ev := <-ch:
			out[ev.Name] = append(out[ev.Name], ev)
		default:
			return out
		}
	}
}

func insertOp(id, author string, pos int, content string) ot.Operation {
	return ot.Operation{ID: id, Kind: ot.KindInsert, Position: pos, Content: content, AuthorID: author}
}

func TestAdmitReturnsDocumentAndPresence(t *testing.T) {
	reg, _ := newTestRegistry(t, "hello")
	ctx := context.Background()

	joined, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierEditor)
	require.NoError(t, err)
	assert.Equal(t, "hello", joined.Document.Content)
	assert.Equal(t, "Notes", joined.Document.Title)
	assert.Equal(t, access.TierEditor, joined.Permission)
	require.Len(t, joined.ActiveUsers, 1)
	assert.Equal(t, 0, joined.ActiveUsers[0].Position, "cursor starts at 0")

	joined2, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "bob", Name: "Bob"}, access.TierViewer)
	require.NoError(t, err)
	assert.Len(t, joined2.ActiveUsers, 2)
}

func TestAdmitUnknownDocument(t *testing.T) {
	reg, _ := newTestRegistry(t, "")
	_, _, err := reg.Admit(context.Background(), "missing", Principal{ID: "alice"}, access.TierEditor)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDebounceCoalescing(t *testing.T) {
	reg, _ := newTestRegistry(t, "")
	ctx := context.Background()

	_, aliceEvents, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierEditor)
	require.NoError(t, err)

	// Ten concurrent inserts against the same (empty) base version.
	for i := 0; i < 10; i++ {
		op := insertOp("", "alice", 0, "x")
		op.EnsureID()
		require.NoError(t, reg.Enqueue("doc-1", op))
	}
	time.Sleep(150 * time.Millisecond)

	got := drain(aliceEvents)
	require.Len(t, got[EventDocumentUpdated], 1, "ten operations in one window coalesce to one update")
	payload := got[EventDocumentUpdated][0].Payload.(DocumentUpdatedPayload)
	assert.Equal(t, int64(10), payload.Version)
	assert.Equal(t, "xxxxxxxxxx", payload.Content)
}

func TestConcurrentInsertScenario(t *testing.T) {
	// Base "hello"; A appends " world" at 5, B concurrently prepends ">> "
	// at 0 against the same base. Arrival order A then B must yield
	// ">> hello world".
	reg, _ := newTestRegistry(t, "hello")
	ctx := context.Background()

	_, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "A", Name: "A"}, access.TierEditor)
	require.NoError(t, err)
	_, bobEvents, err := reg.Admit(ctx, "doc-1", Principal{ID: "B", Name: "B"}, access.TierEditor)
	require.NoError(t, err)

	require.NoError(t, reg.Enqueue("doc-1", insertOp("op-a", "A", 5, " world")))
	require.NoError(t, reg.Enqueue("doc-1", insertOp("op-b", "B", 0, ">> ")))
	reg.Flush("doc-1")

	got := drain(bobEvents)
	require.NotEmpty(t, got[EventDocumentUpdated])
	payload := got[EventDocumentUpdated][len(got[EventDocumentUpdated])-1].Payload.(DocumentUpdatedPayload)
	assert.Equal(t, ">> hello world", payload.Content)
	assert.Equal(t, int64(2), payload.Version)
}

func TestOverlappingDeletesDropLoser(t *testing.T) {
	reg, st := newTestRegistry(t, "abcdefgh")
	ctx := context.Background()
	_, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierEditor)
	require.NoError(t, err)

	del := func(id string, pos, length int) ot.Operation {
		return ot.Operation{ID: id, Kind: ot.KindDelete, Position: pos, Length: length, AuthorID: "alice"}
	}
	require.NoError(t, reg.Enqueue("doc-1", del("d1", 2, 4)))
	require.NoError(t, reg.Enqueue("doc-1", del("d2", 4, 4)))
	reg.Flush("doc-1")

	doc, err := st.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "abgh", doc.Content, "only the first delete lands")
	assert.Equal(t, int64(1), doc.Version)
}

func TestOutOfRangeOperationRejected(t *testing.T) {
	reg, st := newTestRegistry(t, "abc")
	ctx := context.Background()
	_, aliceEvents, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierEditor)
	require.NoError(t, err)

	op := ot.Operation{ID: "d1", Kind: ot.KindDelete, Position: 0, Length: 5, AuthorID: "alice"}
	require.NoError(t, reg.Enqueue("doc-1", op))
	reg.Flush("doc-1")

	doc, err := st.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.Content, "content unchanged")
	assert.Equal(t, int64(0), doc.Version)

	got := drain(aliceEvents)
	require.Len(t, got[EventError], 1, "author is notified")
	assert.Empty(t, got[EventDocumentUpdated])
}

func TestEnqueuePermissionGate(t *testing.T) {
	reg, _ := newTestRegistry(t, "abc")
	ctx := context.Background()
	_, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "viewer", Name: "V"}, access.TierViewer)
	require.NoError(t, err)

	err = reg.Enqueue("doc-1", insertOp("op-1", "viewer", 0, "x"))
	require.ErrorIs(t, err, ErrPermissionDenied)

	err = reg.Enqueue("doc-1", insertOp("op-2", "stranger", 0, "x"))
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestDuplicateOperationIgnored(t *testing.T) {
	reg, st := newTestRegistry(t, "")
	ctx := context.Background()
	_, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierEditor)
	require.NoError(t, err)

	op := insertOp("op-1", "alice", 0, "x")
	require.NoError(t, reg.Enqueue("doc-1", op))
	require.NoError(t, reg.Enqueue("doc-1", op), "redelivery is absorbed, not an error")
	reg.Flush("doc-1")

	doc, err := st.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "x", doc.Content)
	assert.Equal(t, int64(1), doc.Version)
}

func TestPresenceSubsetOfMembers(t *testing.T) {
	reg, _ := newTestRegistry(t, "")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := reg.Admit(ctx, "doc-1", Principal{ID: id, Name: id}, access.TierViewer)
		require.NoError(t, err)
	}
	require.NoError(t, reg.SetCursor("doc-1", "b", 7))
	reg.Dismiss(ctx, "doc-1", "b")

	snap := reg.Snapshot("doc-1")
	require.Len(t, snap, 2)
	for _, c := range snap {
		assert.NotEqual(t, "b", c.ID, "no cursor entry for a departed member")
	}

	err := reg.SetCursor("doc-1", "b", 3)
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestDismissIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, "")
	ctx := context.Background()

	reg.Dismiss(ctx, "doc-1", "nobody")
	reg.Dismiss(ctx, "no-such-doc", "nobody")

	_, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierViewer)
	require.NoError(t, err)
	reg.Dismiss(ctx, "doc-1", "alice")
	reg.Dismiss(ctx, "doc-1", "alice")
}

func TestTeardownFlushesPendingOperations(t *testing.T) {
	reg, st := newTestRegistry(t, "hi")
	ctx := context.Background()
	_, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierEditor)
	require.NoError(t, err)

	// Leave before the debounce window fires: the operation must still
	// land and reach the sink.
	require.NoError(t, reg.Enqueue("doc-1", insertOp("op-1", "alice", 2, "!")))
	reg.Dismiss(ctx, "doc-1", "alice")

	doc, err := st.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "hi!", doc.Content)
	assert.Equal(t, int64(1), doc.Version)

	assert.Empty(t, reg.Snapshot("doc-1"), "session is gone")
}

func TestPersistFailureKeepsMemoryAuthoritative(t *testing.T) {
	reg, st := newTestRegistry(t, "")
	ctx := context.Background()
	_, aliceEvents, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierEditor)
	require.NoError(t, err)

	st.FailSaves = true
	require.NoError(t, reg.Enqueue("doc-1", insertOp("op-1", "alice", 0, "x")))
	reg.Flush("doc-1")

	// Broadcast still happened with the in-memory state.
	got := drain(aliceEvents)
	require.Len(t, got[EventDocumentUpdated], 1)
	assert.Equal(t, "x", got[EventDocumentUpdated][0].Payload.(DocumentUpdatedPayload).Content)

	doc, err := st.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "", doc.Content, "durable state is behind")

	// Next trigger retries the persist along with the new operation.
	st.FailSaves = false
	require.NoError(t, reg.Enqueue("doc-1", insertOp("op-2", "alice", 1, "y")))
	reg.Flush("doc-1")

	doc, err = st.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "xy", doc.Content)
	assert.Equal(t, int64(2), doc.Version)
}

func TestOperationRelayedBeforeReconciliation(t *testing.T) {
	reg, _ := newTestRegistry(t, "")
	ctx := context.Background()
	_, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierEditor)
	require.NoError(t, err)
	_, bobEvents, err := reg.Admit(ctx, "doc-1", Principal{ID: "bob", Name: "Bob"}, access.TierEditor)
	require.NoError(t, err)

	require.NoError(t, reg.Enqueue("doc-1", insertOp("op-1", "alice", 0, "x")))

	// No Flush and no debounce wait: the relay must already be there.
	got := drain(bobEvents)
	require.Len(t, got[EventDocumentOperation], 1)
	relay := got[EventDocumentOperation][0].Payload.(OperationRelayPayload)
	assert.Equal(t, "alice", relay.User.ID)
	assert.Equal(t, "x", relay.Operation.Content)
}

func TestCursorRelay(t *testing.T) {
	reg, _ := newTestRegistry(t, "")
	ctx := context.Background()
	_, _, err := reg.Admit(ctx, "doc-1", Principal{ID: "alice", Name: "Alice"}, access.TierViewer)
	require.NoError(t, err)
	_, bobEvents, err := reg.Admit(ctx, "doc-1", Principal{ID: "bob", Name: "Bob"}, access.TierViewer)
	require.NoError(t, err)

	require.NoError(t, reg.SetCursor("doc-1", "alice", 4))

	got := drain(bobEvents)
	require.Len(t, got[EventCursorUpdate], 1)
	payload := got[EventCursorUpdate][0].Payload.(CursorUpdatePayload)
	assert.Equal(t, "alice", payload.UserID)
	assert.Equal(t, 4, payload.Position)

	snap := reg.Snapshot("doc-1")
	positions := map[string]int{}
	for _, c := range snap {
		positions[c.ID] = c.Position
	}
	assert.Equal(t, 4, positions["alice"])
}
