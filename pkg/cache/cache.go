// Package cache is the in-memory record cache the UI renders from.
//
// Every mutation is synchronous and performs no I/O. The cache is scoped to
// one owner: records owned by anyone else are refused, and the cache is empty
// whenever no owner is set.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/aretw0/notesync/pkg/core"
)

// ResolveFunc decides what to store when a remote record arrives. local is
// nil when the cache holds no entry for the record.
type ResolveFunc func(local *core.NoteRecord, inbound core.NoteRecord) core.NoteRecord

// Cache holds the ordered notes of the active owner.
type Cache struct {
	mu       sync.RWMutex
	owner    string
	notes    []core.NoteRecord
	activeID string
	now      func() time.Time

	seen      map[string]int64  // highest revision, optimistic ones included
	confirmed map[string]int64  // highest revision the store returned
	stamps    map[string]uint64 // apply sequence that last touched the note
	seq       uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow sets the clock stamped on local edits.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns an empty cache with no owner.
func New(opts ...Option) *Cache {
	c := &Cache{
		seen:      make(map[string]int64),
		confirmed: make(map[string]int64),
		stamps:    make(map[string]uint64),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reset empties the cache and scopes it to owner. An empty owner means no session.
func (c *Cache) Reset(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = owner
	c.notes = nil
	c.seen = make(map[string]int64)
	c.confirmed = make(map[string]int64)
	c.stamps = make(map[string]uint64)
	c.activeID = ""
}

// Owner returns the principal the cache is scoped to.
func (c *Cache) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// List returns a copy of the notes, most recently updated first.
func (c *Cache) List() []core.NoteRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.NoteRecord, len(c.notes))
	for i, n := range c.notes {
		out[i] = n.Clone()
	}
	return out
}

// Len returns the number of cached notes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.notes)
}

// Get returns a copy of the note with the given id.
func (c *Cache) Get(id string) (core.NoteRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexOf(id); i >= 0 {
		return c.notes[i].Clone(), true
	}
	return core.NoteRecord{}, false
}

// UpsertLocal applies an optimistic edit. The note's revision is bumped above
// any revision the cache has seen for it.
func (c *Cache) UpsertLocal(id string, patch core.Patch) (core.NoteRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner == "" {
		return core.NoteRecord{}, core.NewError("upsert", id, core.ErrNoSession, nil)
	}
	i := c.indexOf(id)
	if i < 0 {
		return core.NoteRecord{}, core.NewError("upsert", id, core.ErrNotFound, nil)
	}

	rec := patch.Apply(c.notes[i])
	rec.Revision = max(c.seen[id], rec.Revision) + 1
	rec.UpdatedAt = c.now()
	c.seen[id] = rec.Revision
	c.notes[i] = rec
	c.sort()
	return rec.Clone(), nil
}

// InsertLocal adds a record created on this client (e.g. a provisional note).
func (c *Cache) InsertLocal(rec core.NoteRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner == "" {
		return core.NewError("insert", rec.ID, core.ErrNoSession, nil)
	}
	if rec.OwnerID != c.owner {
		return core.NewError("insert", rec.ID, core.ErrValidation, nil)
	}
	if i := c.indexOf(rec.ID); i >= 0 {
		c.notes[i] = rec.Clone()
	} else {
		c.notes = append(c.notes, rec.Clone())
	}
	c.seen[rec.ID] = max(c.seen[rec.ID], rec.Revision)
	c.sort()
	return nil
}

// ApplyRemote merges a record received from the network. Records owned by
// anyone but the cache owner are dropped and reported as not applied, as are
// records older than a revision the store already returned for the note.
func (c *Cache) ApplyRemote(inbound core.NoteRecord, resolve ResolveFunc) (core.NoteRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner == "" || inbound.OwnerID != c.owner {
		return core.NoteRecord{}, false
	}

	var local *core.NoteRecord
	i := c.indexOf(inbound.ID)
	if i >= 0 {
		if inbound.Revision < c.confirmed[inbound.ID] {
			return c.notes[i].Clone(), false
		}
		l := c.notes[i].Clone()
		local = &l
	}

	stored := inbound.Clone()
	if resolve != nil {
		stored = resolve(local, inbound.Clone())
	}
	stored.OwnerID = c.owner

	if i >= 0 {
		c.notes[i] = stored
	} else {
		c.notes = append(c.notes, stored)
	}
	c.seen[stored.ID] = max(c.seen[stored.ID], inbound.Revision, stored.Revision)
	c.confirmed[stored.ID] = max(c.confirmed[stored.ID], inbound.Revision)
	c.seq++
	c.stamps[stored.ID] = c.seq
	c.sort()
	return stored.Clone(), true
}

// Rebind replaces the entry stored under oldID with rec, carrying the active
// pointer along. Used when a provisional id is confirmed by the store;
// confirmed is the revision the store returned.
func (c *Cache) Rebind(oldID string, rec core.NoteRecord, confirmed int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner == "" || rec.OwnerID != c.owner {
		return false
	}
	i := c.indexOf(oldID)
	if i < 0 {
		return false
	}
	// A refresh may already have brought in the confirmed record.
	if j := c.indexOf(rec.ID); j >= 0 && j != i {
		c.notes = append(c.notes[:j], c.notes[j+1:]...)
		if j < i {
			i--
		}
	}
	seen := max(c.seen[oldID], c.seen[rec.ID], rec.Revision)
	c.forget(oldID)
	c.seen[rec.ID] = seen
	c.confirmed[rec.ID] = max(c.confirmed[rec.ID], confirmed)
	c.seq++
	c.stamps[rec.ID] = c.seq
	c.notes[i] = rec.Clone()
	if c.activeID == oldID {
		c.activeID = rec.ID
	}
	c.sort()
	return true
}

// Remove drops a note. The active pointer is cleared if it referenced it.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	c.notes = append(c.notes[:i], c.notes[i+1:]...)
	c.forget(id)
	if c.activeID == id {
		c.activeID = ""
	}
	return true
}

// Mark returns the current apply sequence. Pass it to Retain to spare notes
// confirmed after the mark was taken.
func (c *Cache) Mark() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

// Retain removes every note for which keep returns false and returns the
// removed ids. Notes applied or rebound after since are always kept.
func (c *Cache) Retain(since uint64, keep func(id string) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	kept := c.notes[:0]
	for _, n := range c.notes {
		if c.stamps[n.ID] > since || keep(n.ID) {
			kept = append(kept, n)
			continue
		}
		removed = append(removed, n.ID)
		c.forget(n.ID)
		if c.activeID == n.ID {
			c.activeID = ""
		}
	}
	c.notes = kept
	return removed
}

// SetActive selects a note. An empty id clears the selection. The id is not
// required to reference a cached note.
func (c *Cache) SetActive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == "" {
		return
	}
	c.activeID = id
}

// ActiveID returns the selected note id, or "" if none.
func (c *Cache) ActiveID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeID
}

// Confirmed returns the highest revision the store has returned for id.
func (c *Cache) Confirmed(id string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.confirmed[id]
}

// Revision returns the highest revision seen for id.
func (c *Cache) Revision(id string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seen[id]
}

// forget drops the revision bookkeeping of id. Caller holds c.mu.
func (c *Cache) forget(id string) {
	delete(c.seen, id)
	delete(c.confirmed, id)
	delete(c.stamps, id)
}

func (c *Cache) indexOf(id string) int {
	for i := range c.notes {
		if c.notes[i].ID == id {
			return i
		}
	}
	return -1
}

// sort keeps most recently updated first. Caller holds c.mu.
func (c *Cache) sort() {
	sort.SliceStable(c.notes, func(i, j int) bool {
		return c.notes[i].UpdatedAt.After(c.notes[j].UpdatedAt)
	})
}
