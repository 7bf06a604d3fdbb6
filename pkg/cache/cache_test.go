package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/notesync/pkg/core"
)

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func record(id, owner string, rev int64, updated time.Time) core.NoteRecord {
	return core.NoteRecord{ID: id, OwnerID: owner, Title: "Untitled", Revision: rev, UpdatedAt: updated}
}

func TestCache_EmptyWithoutOwner(t *testing.T) {
	c := New()

	_, ok := c.ApplyRemote(record("n1", "alice", 1, time.Now()), nil)
	assert.False(t, ok)
	assert.Zero(t, c.Len())

	_, err := c.UpsertLocal("n1", core.TitlePatch("x"))
	assert.True(t, errors.Is(err, core.ErrNoSession))

	c.SetActive("n1")
	assert.Empty(t, c.ActiveID())
}

func TestCache_RefusesForeignOwner(t *testing.T) {
	c := New()
	c.Reset("alice")

	_, ok := c.ApplyRemote(record("n1", "bob", 1, time.Now()), nil)
	assert.False(t, ok)
	assert.Empty(t, c.List())

	err := c.InsertLocal(record("n2", "bob", 0, time.Now()))
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestCache_UpsertLocalBumpsRevision(t *testing.T) {
	c := New()
	c.now = fixedClock(time.Unix(1000, 0))
	c.Reset("alice")

	_, ok := c.ApplyRemote(record("n1", "alice", 7, time.Unix(10, 0)), nil)
	require.True(t, ok)

	rec, err := c.UpsertLocal("n1", core.TitlePatch("Draft"))
	require.NoError(t, err)
	assert.Equal(t, "Draft", rec.Title)
	assert.Equal(t, int64(8), rec.Revision)

	// The store's own confirmation lands above the optimistic revision.
	_, ok = c.ApplyRemote(record("n1", "alice", 8, time.Unix(20, 0)), nil)
	require.True(t, ok)
	rec, err = c.UpsertLocal("n1", core.TitlePatch("Draft 2"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), rec.Revision)

	_, err = c.UpsertLocal("missing", core.TitlePatch("x"))
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestCache_OrderMostRecentFirst(t *testing.T) {
	c := New()
	c.now = fixedClock(time.Unix(1000, 0))
	c.Reset("alice")

	c.ApplyRemote(record("old", "alice", 1, time.Unix(1, 0)), nil)
	c.ApplyRemote(record("new", "alice", 1, time.Unix(2, 0)), nil)

	ids := func() []string {
		var out []string
		for _, n := range c.List() {
			out = append(out, n.ID)
		}
		return out
	}
	assert.Equal(t, []string{"new", "old"}, ids())

	_, err := c.UpsertLocal("old", core.TitlePatch("touched"))
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, ids())
}

func TestCache_ResolveDecidesStoredValue(t *testing.T) {
	c := New()
	c.Reset("alice")
	c.ApplyRemote(record("n1", "alice", 1, time.Unix(1, 0)), nil)

	var sawLocal bool
	stored, ok := c.ApplyRemote(record("n1", "alice", 2, time.Unix(2, 0)), func(local *core.NoteRecord, in core.NoteRecord) core.NoteRecord {
		sawLocal = local != nil
		in.Title = "kept"
		return in
	})
	require.True(t, ok)
	assert.True(t, sawLocal)
	assert.Equal(t, "kept", stored.Title)
}

func TestCache_ActiveAndRemove(t *testing.T) {
	c := New()
	c.Reset("alice")
	c.ApplyRemote(record("n1", "alice", 1, time.Unix(1, 0)), nil)

	c.SetActive("n1")
	assert.Equal(t, "n1", c.ActiveID())

	c.SetActive("ghost")
	assert.Equal(t, "ghost", c.ActiveID(), "active may reference no record")

	c.SetActive("n1")
	assert.True(t, c.Remove("n1"))
	assert.Empty(t, c.ActiveID())
	assert.False(t, c.Remove("n1"))
}

func TestCache_RebindMovesActive(t *testing.T) {
	c := New()
	c.Reset("alice")
	require.NoError(t, c.InsertLocal(record("tmp", "alice", 0, time.Unix(1, 0))))
	c.SetActive("tmp")

	require.True(t, c.Rebind("tmp", record("srv", "alice", 1, time.Unix(1, 0)), 1))
	assert.Equal(t, "srv", c.ActiveID())
	_, ok := c.Get("tmp")
	assert.False(t, ok)
	_, ok = c.Get("srv")
	assert.True(t, ok)
}

func TestCache_RebindDropsDuplicateFromRefresh(t *testing.T) {
	c := New()
	c.Reset("alice")
	require.NoError(t, c.InsertLocal(record("tmp", "alice", 2, time.Unix(2, 0))))
	c.ApplyRemote(record("srv", "alice", 1, time.Unix(1, 0)), nil)
	require.Equal(t, 2, c.Len())

	require.True(t, c.Rebind("tmp", record("srv", "alice", 2, time.Unix(2, 0)), 1))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(2), c.Revision("srv"))
	assert.Equal(t, int64(1), c.Confirmed("srv"))
}

func TestCache_ResetClearsEverything(t *testing.T) {
	c := New()
	c.Reset("alice")
	c.ApplyRemote(record("n1", "alice", 1, time.Unix(1, 0)), nil)
	c.SetActive("n1")

	c.Reset("")
	assert.Zero(t, c.Len())
	assert.Empty(t, c.ActiveID())
	assert.Empty(t, c.Owner())
}

func TestCache_Retain(t *testing.T) {
	c := New()
	c.Reset("alice")
	c.ApplyRemote(record("a", "alice", 1, time.Unix(1, 0)), nil)
	c.ApplyRemote(record("b", "alice", 1, time.Unix(2, 0)), nil)
	c.SetActive("b")

	removed := c.Retain(c.Mark(), func(id string) bool { return id == "a" })
	assert.Equal(t, []string{"b"}, removed)
	assert.Empty(t, c.ActiveID())
	assert.Equal(t, 1, c.Len())
}

func TestCache_DropsRecordOlderThanConfirmed(t *testing.T) {
	c := New()
	c.Reset("alice")

	newer := record("n1", "alice", 3, time.Unix(3, 0))
	newer.Title = "C"
	_, ok := c.ApplyRemote(newer, nil)
	require.True(t, ok)

	older := record("n1", "alice", 2, time.Unix(2, 0))
	older.Title = "B"
	stored, ok := c.ApplyRemote(older, nil)
	assert.False(t, ok)
	assert.Equal(t, "C", stored.Title)

	rec, _ := c.Get("n1")
	assert.Equal(t, "C", rec.Title)
	assert.Equal(t, int64(3), rec.Revision)
	assert.Equal(t, int64(3), c.Confirmed("n1"))

	// The same revision again is the same server state and still applies.
	_, ok = c.ApplyRemote(newer, nil)
	assert.True(t, ok)
}

func TestCache_RetainSparesNotesConfirmedAfterMark(t *testing.T) {
	c := New()
	c.Reset("alice")
	c.ApplyRemote(record("a", "alice", 1, time.Unix(1, 0)), nil)

	mark := c.Mark()
	c.ApplyRemote(record("b", "alice", 1, time.Unix(2, 0)), nil)

	removed := c.Retain(mark, func(string) bool { return false })
	assert.Equal(t, []string{"a"}, removed)
	_, ok := c.Get("b")
	assert.True(t, ok)
}
