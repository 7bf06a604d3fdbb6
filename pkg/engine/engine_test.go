package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/notesync/pkg/adapters/memory"
	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/engine"
)

func TestEngine_TypingHelloIssuesOnePersist(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled", core.Block{ID: "b1", Kind: core.BlockText})
	h.signIn("alice")

	typed := ""
	for _, ch := range "Hello" {
		typed += string(ch)
		rec, err := h.eng.UpdateBlock("n1", "b1", typed)
		require.NoError(t, err)
		assert.Equal(t, typed, rec.Blocks[0].Content)

		cached, ok := h.eng.Get("n1")
		require.True(t, ok)
		assert.Equal(t, typed, cached.Blocks[0].Content, "cache must show the keystroke before any write")
		h.sched.Advance(100 * time.Millisecond)
	}
	assert.Empty(t, h.store.updatesFor("n1"))

	h.sched.Advance(window)
	h.flush()

	updates := h.store.updatesFor("n1")
	require.Len(t, updates, 1)
	assert.Nil(t, updates[0].Patch.Title)
	require.Len(t, updates[0].Patch.Blocks, 1)
	assert.Equal(t, "Hello", updates[0].Patch.Blocks[0].Content)

	stored, err := h.mem.Get(context.Background(), "alice", "n1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", stored.Blocks[0].Content)
}

func TestEngine_TypingHelloIntoNewNoteIssuesOnePersist(t *testing.T) {
	h := newHarness(t)
	h.signIn("alice")

	g := newGate(memory.OpInsert, "")
	h.mem.SetHook(g.hook)
	defer g.release()

	notices := h.eng.Subscribe(h.ctx())
	rec, err := h.eng.CreateNote()
	require.NoError(t, err)
	g.waitEntered(t)
	block := rec.Blocks[0].ID

	typed := ""
	for _, ch := range "Hello" {
		typed += string(ch)
		_, err := h.eng.UpdateBlock(rec.ID, block, typed)
		require.NoError(t, err)
		h.sched.Advance(100 * time.Millisecond)
	}
	h.sched.Advance(window)

	g.release()
	n := waitRebind(t, notices, rec.ID)
	h.flush()

	assert.Empty(t, h.store.updatesFor(rec.ID), "nothing is written against the provisional id")
	updates := h.store.updatesFor(n.NoteID)
	require.Len(t, updates, 1)
	assert.Nil(t, updates[0].Patch.Title)
	require.Len(t, updates[0].Patch.Blocks, 1)
	assert.Equal(t, "Hello", updates[0].Patch.Blocks[0].Content)

	stored, err := h.mem.Get(context.Background(), "alice", n.NoteID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", stored.Blocks[0].Content)
}

func TestEngine_PayloadIsUnionOfEditedFields(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled", core.Block{ID: "b1", Kind: core.BlockText})
	h.signIn("alice")

	_, err := h.eng.UpdateNote("n1", core.TitlePatch("Dr"))
	require.NoError(t, err)
	_, err = h.eng.UpdateBlock("n1", "b1", "body")
	require.NoError(t, err)
	_, err = h.eng.UpdateNote("n1", core.TitlePatch("Draft"))
	require.NoError(t, err)

	h.sched.Advance(window)
	h.flush()

	updates := h.store.updatesFor("n1")
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Patch.Title)
	assert.Equal(t, "Draft", *updates[0].Patch.Title)
	assert.Equal(t, "body", updates[0].Patch.Blocks[0].Content)
}

// A single shared debounce timer would let the edit to B cancel A's save.
func TestEngine_EditToOtherNoteDoesNotCancelPendingWrite(t *testing.T) {
	h := newHarness(t)
	h.seed("a", "alice", "A")
	h.seed("b", "alice", "B")
	h.signIn("alice")

	_, err := h.eng.UpdateNote("a", core.TitlePatch("A1"))
	require.NoError(t, err)
	h.sched.Advance(500 * time.Millisecond)
	_, err = h.eng.UpdateNote("b", core.TitlePatch("B1"))
	require.NoError(t, err)

	h.sched.Advance(300 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.store.updatesFor("a")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.store.updatesFor("b"), "b's window has not elapsed")

	h.sched.Advance(500 * time.Millisecond)
	h.flush()

	a := h.store.updatesFor("a")
	b := h.store.updatesFor("b")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "A1", *a[0].Patch.Title)
	assert.Equal(t, "B1", *b[0].Patch.Title)
}

func TestEngine_StaleInvalidationDoesNotRevertInFlightWrite(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	g := newGate(memory.OpUpdate, "n1")
	h.mem.SetHook(g.hook)
	defer g.release()

	_, err := h.eng.UpdateNote("n1", core.TitlePatch("Draft"))
	require.NoError(t, err)
	h.sched.Advance(window)
	g.waitEntered(t)

	notices := h.eng.Subscribe(h.ctx())
	require.NoError(t, h.mem.Publish(h.ctx(), core.Change{
		Kind:     core.ChangeUpdate,
		NoteID:   "n1",
		OwnerID:  "alice",
		Revision: 1,
	}))
	waitNotice(t, notices, engine.NoticeChanged, "n1")
	assert.Equal(t, "Draft", h.title("n1"))

	g.release()
	h.flush()
	require.Eventually(t, func() bool {
		stored, err := h.mem.Get(context.Background(), "alice", "n1")
		return err == nil && stored.Title == "Draft"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return h.title("n1") != "Draft" }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestEngine_InboundRecordReplacesWhenNothingPending(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")
	require.Equal(t, "Untitled", h.title("n1"))

	h.seed("n1", "alice", "Renamed elsewhere")
	require.Eventually(t, func() bool { return h.title("n1") == "Renamed elsewhere" }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_MergesUntouchedFieldsWhileWritePending(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled", core.Block{ID: "b1", Kind: core.BlockText})
	h.signIn("alice")

	_, err := h.eng.UpdateBlock("n1", "b1", "local body")
	require.NoError(t, err)

	h.seed("n1", "alice", "Remote title", core.Block{ID: "b1", Kind: core.BlockText, Content: "remote body"})
	require.Eventually(t, func() bool { return h.title("n1") == "Remote title" }, 2*time.Second, 5*time.Millisecond)

	rec, _ := h.eng.Get("n1")
	assert.Equal(t, "local body", rec.Blocks[0].Content, "pending blocks must not be overwritten")
}

func TestEngine_OlderFetchDoesNotOverwriteNewerOne(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "A")
	h.signIn("alice")

	g := newGate(memory.OpGet, "n1")
	h.store.holdReads(g)
	defer g.release()

	h.seed("n1", "alice", "B")
	g.waitEntered(t)
	h.store.holdReads(nil)

	h.seed("n1", "alice", "C")
	require.Eventually(t, func() bool { return h.title("n1") == "C" }, 2*time.Second, 5*time.Millisecond)

	g.release()
	assert.Never(t, func() bool { return h.title("n1") != "C" }, 150*time.Millisecond, 5*time.Millisecond)
	rec, _ := h.eng.Get("n1")
	assert.Equal(t, int64(3), rec.Revision)
}

func TestEngine_RefreshOlderThanConfirmedWriteIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	g := newGate(memory.OpList, "")
	h.store.holdReads(g)
	defer g.release()

	ctx := h.ctx()
	done := make(chan error, 1)
	go func() { done <- h.eng.Refresh(ctx) }()
	g.waitEntered(t)
	h.store.holdReads(nil)

	_, err := h.eng.UpdateNote("n1", core.TitlePatch("Draft"))
	require.NoError(t, err)
	h.sched.Advance(window)
	h.flush()
	require.Len(t, h.store.updatesFor("n1"), 1)

	g.release()
	require.NoError(t, <-done)
	assert.Equal(t, "Draft", h.title("n1"))
}

func TestEngine_RefreshKeepsNoteConfirmedWhileListInFlight(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "First")
	h.signIn("alice")

	g := newGate(memory.OpList, "")
	h.store.holdReads(g)
	defer g.release()

	ctx := h.ctx()
	done := make(chan error, 1)
	go func() { done <- h.eng.Refresh(ctx) }()
	g.waitEntered(t)
	h.store.holdReads(nil)

	h.seed("n2", "alice", "Second")
	require.Eventually(t, func() bool { return h.title("n2") == "Second" }, 2*time.Second, 5*time.Millisecond)

	g.release()
	require.NoError(t, <-done)
	assert.ElementsMatch(t, []string{"n1", "n2"}, ids(h.eng.List()))
}

func TestEngine_ChangeWithoutNoteIDRefreshesList(t *testing.T) {
	feed := &handFeed{}
	h := newHarness(t, engine.WithFeed(feed))
	h.seed("n1", "alice", "Doomed")
	h.eng.OnSessionChange(&core.Session{Principal: "alice"})
	require.NoError(t, h.eng.WaitReady(h.ctx()))
	require.Eventually(t, feed.subscribed, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"n1"}, ids(h.eng.List()))

	// The memory store has no subscribers here, so these go unannounced.
	h.seed("n9", "alice", "From elsewhere")
	require.NoError(t, h.mem.Delete(context.Background(), "alice", "n1"))

	feed.send(core.Change{Kind: core.ChangeInsert, OwnerID: "alice"})
	require.Eventually(t, func() bool { return h.title("n9") == "From elsewhere" }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := h.eng.Get("n1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"n9"}, ids(h.eng.List()))
}

func TestEngine_SignOutClearsSynchronously(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	_, err := h.eng.UpdateNote("n1", core.TitlePatch("unsaved"))
	require.NoError(t, err)
	h.eng.SetActive("n1")

	h.eng.SignOut()
	assert.Empty(t, h.eng.List())
	assert.Empty(t, h.eng.ActiveID())
	assert.Nil(t, h.eng.CurrentSession())

	h.sched.Advance(2 * window)
	h.flush()
	assert.Empty(t, h.store.updatesFor("n1"), "sign-out discards unfired writes")
	require.Eventually(t, func() bool { return h.mem.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = h.eng.UpdateNote("n1", core.TitlePatch("x"))
	assert.ErrorIs(t, err, core.ErrNoSession)
}

func TestEngine_OnlyOwnNotesAreVisible(t *testing.T) {
	h := newHarness(t)
	h.seed("mine", "alice", "Mine")
	h.seed("theirs", "bob", "Theirs")
	h.signIn("alice")

	assert.Equal(t, []string{"mine"}, ids(h.eng.List()))

	h.seed("theirs2", "bob", "Also theirs")
	assert.Never(t, func() bool {
		_, ok := h.eng.Get("theirs2")
		return ok
	}, 100*time.Millisecond, 5*time.Millisecond)

	h.signIn("bob")
	assert.ElementsMatch(t, []string{"theirs", "theirs2"}, ids(h.eng.List()))
}

func TestEngine_LateWriteAfterSessionSwitchIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.seed("m1", "bob", "Bob's")
	h.signIn("alice")

	g := newGate(memory.OpUpdate, "n1")
	h.mem.SetHook(g.hook)
	defer g.release()

	_, err := h.eng.UpdateNote("n1", core.TitlePatch("Draft"))
	require.NoError(t, err)
	h.sched.Advance(window)
	g.waitEntered(t)

	h.signIn("bob")
	g.release()
	h.flush()

	assert.Equal(t, []string{"m1"}, ids(h.eng.List()))
	assert.Never(t, func() bool {
		_, ok := h.eng.Get("n1")
		return ok
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestEngine_CreateNoteRebindsProvisionalID(t *testing.T) {
	h := newHarness(t)
	h.signIn("alice")

	g := newGate(memory.OpInsert, "")
	h.mem.SetHook(g.hook)
	defer g.release()

	notices := h.eng.Subscribe(h.ctx())
	rec, err := h.eng.CreateNote()
	require.NoError(t, err)
	assert.Equal(t, "Untitled", rec.Title)
	require.Len(t, rec.Blocks, 1)
	assert.Equal(t, core.BlockText, rec.Blocks[0].Kind)
	assert.Equal(t, rec.ID, h.eng.ActiveID())
	assert.Equal(t, rec.ID, h.eng.List()[0].ID)
	g.waitEntered(t)

	_, err = h.eng.UpdateNote(rec.ID, core.TitlePatch("Draft"))
	require.NoError(t, err)
	h.sched.Advance(window)
	assert.Empty(t, h.store.updatesFor(rec.ID), "edits wait for the create")

	g.release()
	n := waitRebind(t, notices, rec.ID)
	assert.NotEqual(t, rec.ID, n.NoteID)
	assert.Equal(t, n.NoteID, h.eng.ActiveID())
	assert.Equal(t, "Draft", h.title(n.NoteID))
	for _, note := range h.eng.List() {
		assert.NotEqual(t, rec.ID, note.ID)
	}
	viaOld, ok := h.eng.Get(rec.ID)
	require.True(t, ok, "the provisional id keeps resolving")
	assert.Equal(t, n.NoteID, viaOld.ID)

	_, err = h.eng.UpdateNote(rec.ID, core.TitlePatch("Draft 2"))
	require.NoError(t, err)
	assert.Equal(t, "Draft 2", h.title(n.NoteID))

	h.flush()
	updates := h.store.updatesFor(n.NoteID)
	require.Len(t, updates, 2, "the held write goes out on rebind, the later edit after it")
	assert.Equal(t, "Draft", *updates[0].Patch.Title)
	assert.Equal(t, "Draft 2", *updates[1].Patch.Title)
}

func TestEngine_NotFoundDropsNoteAndPendingWrite(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	h.mem.SetHook(func(_ context.Context, op memory.Op, _, id string) error {
		if op == memory.OpUpdate {
			return core.NewError("update", id, core.ErrNotFound, nil)
		}
		return nil
	})
	_, err := h.eng.UpdateNote("n1", core.TitlePatch("gone"))
	require.NoError(t, err)
	h.sched.Advance(window)
	h.flush()

	assert.ErrorIs(t, h.nextError(), core.ErrNotFound)
	_, ok := h.eng.Get("n1")
	assert.False(t, ok)
}

func TestEngine_AuthFailureSignsOut(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	h.mem.SetHook(func(_ context.Context, op memory.Op, _, _ string) error {
		if op == memory.OpUpdate {
			return core.ErrAuth
		}
		return nil
	})
	_, err := h.eng.UpdateNote("n1", core.TitlePatch("x"))
	require.NoError(t, err)
	h.sched.Advance(window)
	h.flush()

	assert.ErrorIs(t, h.nextError(), core.ErrAuth)
	require.Eventually(t, func() bool { return h.eng.CurrentSession() == nil }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.eng.List())
}

func TestEngine_TransportFailureKeepsEditAndRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	h.mem.SetHook(func(_ context.Context, op memory.Op, _, _ string) error {
		if op == memory.OpUpdate {
			return errors.New("connection refused")
		}
		return nil
	})
	_, err := h.eng.UpdateNote("n1", core.TitlePatch("Draft"))
	require.NoError(t, err)
	h.sched.Advance(window)
	h.flush()

	assert.ErrorIs(t, h.nextError(), core.ErrTransport)
	assert.Equal(t, "Draft", h.title("n1"), "failed writes are not rolled back")

	h.mem.SetHook(nil)
	require.NoError(t, h.eng.Retry("n1"))
	h.flush()

	stored, err := h.mem.Get(context.Background(), "alice", "n1")
	require.NoError(t, err)
	assert.Equal(t, "Draft", stored.Title)
}

func TestEngine_RetryLeavesOtherNotesInTheirWindow(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.seed("n2", "alice", "Other")
	h.signIn("alice")

	h.mem.SetHook(func(_ context.Context, op memory.Op, _, id string) error {
		if op == memory.OpUpdate && id == "n1" {
			return errors.New("connection refused")
		}
		return nil
	})
	_, err := h.eng.UpdateNote("n1", core.TitlePatch("Draft"))
	require.NoError(t, err)
	h.sched.Advance(window)
	assert.ErrorIs(t, h.nextError(), core.ErrTransport)

	_, err = h.eng.UpdateNote("n2", core.TitlePatch("Other 2"))
	require.NoError(t, err)
	h.mem.SetHook(nil)
	require.NoError(t, h.eng.Retry("n1"))

	require.Eventually(t, func() bool {
		stored, err := h.mem.Get(context.Background(), "alice", "n1")
		return err == nil && stored.Title == "Draft"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.store.updatesFor("n2"), "n2's window has not elapsed")

	h.sched.Advance(window)
	h.flush()
	require.Len(t, h.store.updatesFor("n2"), 1)
}

func TestEngine_ValidationErrorIsReturnedToCaller(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	_, err := h.eng.UpdateNote("n1", core.BlocksPatch([]core.Block{{Kind: core.BlockText}}))
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = h.eng.AppendBlock("n1", core.BlockKind("table"), "")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestEngine_DeleteNote(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.seed("n2", "alice", "Keep")
	h.signIn("alice")
	h.eng.SetActive("n1")

	require.NoError(t, h.eng.DeleteNote("n1"))
	_, ok := h.eng.Get("n1")
	assert.False(t, ok)
	assert.Empty(t, h.eng.ActiveID())

	h.flush()
	_, err := h.mem.Get(context.Background(), "alice", "n1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, h.eng.DeleteNote("n1"), core.ErrNotFound)
}

func TestEngine_InboundDeleteRemovesNote(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	require.NoError(t, h.mem.Delete(context.Background(), "alice", "n1"))
	require.Eventually(t, func() bool {
		_, ok := h.eng.Get("n1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_FullRefreshMode(t *testing.T) {
	h := newHarness(t, engine.WithRefreshMode(engine.RefreshFull))
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	var gets atomic.Int32
	h.mem.SetHook(func(_ context.Context, op memory.Op, _, _ string) error {
		if op == memory.OpGet {
			gets.Add(1)
		}
		return nil
	})
	h.seed("n2", "alice", "Second")
	require.Eventually(t, func() bool { return len(h.eng.List()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, gets.Load())
}

func TestEngine_ActiveNote(t *testing.T) {
	h := newHarness(t)
	h.seed("n1", "alice", "Untitled")

	_, err := h.eng.ActiveNote()
	assert.ErrorIs(t, err, core.ErrNoSession)

	h.signIn("alice")
	h.eng.SetActive("missing")
	assert.Equal(t, "missing", h.eng.ActiveID())
	_, err = h.eng.ActiveNote()
	assert.ErrorIs(t, err, core.ErrNotFound)

	h.eng.SetActive("n1")
	rec, err := h.eng.ActiveNote()
	require.NoError(t, err)
	assert.Equal(t, "n1", rec.ID)
}

func TestEngine_SessionNoticesAndState(t *testing.T) {
	h := newHarness(t)
	notices := h.eng.Subscribe(h.ctx())
	h.seed("n1", "alice", "Untitled")
	h.signIn("alice")

	n := waitNotice(t, notices, engine.NoticeSession, "")
	assert.Equal(t, "alice", n.Principal)

	st := h.eng.State().(engine.EngineState)
	assert.Equal(t, "alice", st.Principal)
	assert.Equal(t, 1, st.Notes)
	assert.Equal(t, engine.RefreshSingle, st.RefreshMode)
	assert.Equal(t, "engine", h.eng.ComponentType())

	h.eng.SignOut()
	n = waitNotice(t, notices, engine.NoticeSession, "")
	assert.Empty(t, n.Principal)
}

func TestEngine_RequiresStore(t *testing.T) {
	_, err := engine.New(nil)
	assert.Error(t, err)
}

func waitNotice(t *testing.T, ch <-chan engine.Notice, kind engine.NoticeKind, noteID string) engine.Notice {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			require.True(t, ok, "notice stream closed")
			if n.Kind == kind && (noteID == "" || n.NoteID == noteID) {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notice", kind)
		}
	}
}

func waitRebind(t *testing.T, ch <-chan engine.Notice, provisional string) engine.Notice {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.Kind == engine.NoticeChanged && n.OldID == provisional {
				return n
			}
		case <-deadline:
			t.Fatal("timed out waiting for the provisional id to be rebound")
		}
	}
}
