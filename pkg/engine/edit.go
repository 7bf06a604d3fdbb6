package engine

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/reconcile"
)

// provisionalNote is a note created locally whose create call has not been
// confirmed. Its writes are held in the coalescer until then.
type provisionalNote struct {
	epoch   uint64
	seed    core.Seed
	failed  bool
	deleted bool
}

// List returns the cached notes, most recently updated first.
func (e *Engine) List() []core.NoteRecord { return e.cache.List() }

// Get returns one cached note. A provisional id returned by CreateNote keeps
// resolving to the note after the store assigned its id.
func (e *Engine) Get(id string) (core.NoteRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Get(e.resolve(id))
}

// UpsertLocal applies an optimistic edit to the cache and schedules its
// durable write. Fields of patch left unset are not touched.
func (e *Engine) UpsertLocal(noteID string, patch core.Patch) (core.NoteRecord, error) {
	if err := patch.Validate(); err != nil {
		return core.NoteRecord{}, err
	}
	e.mu.Lock()
	noteID = e.resolve(noteID)
	rec, err := e.upsertLocked(noteID, patch)
	e.mu.Unlock()
	if err != nil {
		return core.NoteRecord{}, err
	}
	e.notices.publish(Notice{Kind: NoticeChanged, NoteID: noteID})
	return rec, nil
}

// UpdateNote is UpsertLocal.
func (e *Engine) UpdateNote(noteID string, patch core.Patch) (core.NoteRecord, error) {
	return e.UpsertLocal(noteID, patch)
}

// UpdateBlock replaces the content of one block.
func (e *Engine) UpdateBlock(noteID, blockID, content string) (core.NoteRecord, error) {
	e.mu.Lock()
	noteID = e.resolve(noteID)
	rec, ok := e.cache.Get(noteID)
	if !ok {
		e.mu.Unlock()
		return core.NoteRecord{}, e.missing("update_block", noteID)
	}
	i := slices.IndexFunc(rec.Blocks, func(b core.Block) bool { return b.ID == blockID })
	if i < 0 {
		e.mu.Unlock()
		return core.NoteRecord{}, core.NewError("update_block", noteID, core.ErrNotFound, nil)
	}
	blocks := slices.Clone(rec.Blocks)
	blocks[i].Content = content
	rec, err := e.upsertLocked(noteID, core.BlocksPatch(blocks))
	e.mu.Unlock()
	if err != nil {
		return core.NoteRecord{}, err
	}
	e.notices.publish(Notice{Kind: NoticeChanged, NoteID: noteID})
	return rec, nil
}

// AppendBlock adds a block of the given kind at the end of the note.
func (e *Engine) AppendBlock(noteID string, kind core.BlockKind, content string) (core.Block, error) {
	if !kind.Valid() {
		return core.Block{}, core.NewError("append_block", noteID, core.ErrValidation, nil)
	}
	b := core.NewBlock(kind)
	b.Content = content

	e.mu.Lock()
	noteID = e.resolve(noteID)
	rec, ok := e.cache.Get(noteID)
	if !ok {
		e.mu.Unlock()
		return core.Block{}, e.missing("append_block", noteID)
	}
	_, err := e.upsertLocked(noteID, core.BlocksPatch(append(slices.Clone(rec.Blocks), b)))
	e.mu.Unlock()
	if err != nil {
		return core.Block{}, err
	}
	e.notices.publish(Notice{Kind: NoticeChanged, NoteID: noteID})
	return b, nil
}

// upsertLocked updates the cache and the coalescer together. Caller holds e.mu.
func (e *Engine) upsertLocked(noteID string, patch core.Patch) (core.NoteRecord, error) {
	if patch.IsEmpty() {
		if rec, ok := e.cache.Get(noteID); ok {
			return rec, nil
		}
		return core.NoteRecord{}, e.missing("upsert", noteID)
	}
	rec, err := e.cache.UpsertLocal(noteID, patch)
	if err != nil {
		return core.NoteRecord{}, err
	}
	e.writes.Schedule(noteID, patch)
	return rec, nil
}

// resolve maps a provisional id whose create has confirmed to the store's
// id. Caller holds e.mu.
func (e *Engine) resolve(id string) string {
	if next, ok := e.aliases[id]; ok {
		return next
	}
	return id
}

// missing returns the error for an id that is not cached.
func (e *Engine) missing(op, noteID string) error {
	if e.cache.Owner() == "" {
		return core.NewError(op, noteID, core.ErrNoSession, nil)
	}
	return core.NewError(op, noteID, core.ErrNotFound, nil)
}

// CreateNote adds an "Untitled" note with one empty text block, places it
// first and makes it active. The note carries a provisional id until the
// store confirms the create; edits made meanwhile are written afterwards
// against the store's id.
func (e *Engine) CreateNote() (core.NoteRecord, error) {
	e.mu.Lock()
	st := e.session
	if st == nil {
		e.mu.Unlock()
		return core.NoteRecord{}, core.NewError("create", "", core.ErrNoSession, nil)
	}
	now := e.opts.now()
	seed := core.DefaultSeed()
	rec := core.NoteRecord{
		ID:        uuid.NewString(),
		OwnerID:   st.scope.Principal(),
		Title:     seed.Title,
		Blocks:    slices.Clone(seed.Blocks),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.cache.InsertLocal(rec); err != nil {
		e.mu.Unlock()
		return core.NoteRecord{}, err
	}
	e.cache.SetActive(rec.ID)
	e.writes.Hold(rec.ID)
	e.provisional[rec.ID] = &provisionalNote{epoch: st.scope.Epoch, seed: seed}
	e.mu.Unlock()

	e.notices.publish(Notice{Kind: NoticeChanged, NoteID: rec.ID})
	e.create(st.scope.Epoch, rec.ID, seed)
	return rec.Clone(), nil
}

func (e *Engine) create(epoch uint64, provisionalID string, seed core.Seed) {
	e.background(e.ctx, "create", func(ctx context.Context) error {
		s, ok := e.gate.SessionFor(epoch)
		if !ok {
			return nil
		}
		rec, err := e.client.Create(ctx, s, seed)
		e.created(epoch, provisionalID, rec, err)
		return nil
	})
}

// created rebinds a provisional note to the store's record. Fields edited
// since the create was issued keep their local values and are written next.
func (e *Engine) created(epoch uint64, provisionalID string, rec core.NoteRecord, err error) {
	if err != nil {
		e.mu.Lock()
		if p, ok := e.provisional[provisionalID]; ok && e.gate.IsCurrent(epoch) {
			if p.deleted {
				delete(e.provisional, provisionalID)
			} else {
				p.failed = true
			}
		}
		e.mu.Unlock()
		e.fail(epoch, "", err)
		return
	}

	e.mu.Lock()
	p, ok := e.provisional[provisionalID]
	if !ok || !e.gate.IsCurrent(epoch) {
		e.mu.Unlock()
		e.opts.logger.Debug("dropping create confirmation", "note", provisionalID)
		return
	}
	delete(e.provisional, provisionalID)
	if p.deleted {
		e.mu.Unlock()
		e.remove(epoch, rec.ID)
		return
	}

	var local *core.NoteRecord
	if l, ok := e.cache.Get(provisionalID); ok {
		local = &l
	}
	var pending reconcile.Pending
	if w, ok := e.writes.Pending(provisionalID); ok {
		pending = w
	}
	stored := reconcile.Resolve(local, rec, pending).Record
	stored.ID = rec.ID
	stored.OwnerID = rec.OwnerID
	e.cache.Rebind(provisionalID, stored, rec.Revision)
	e.writes.Release(provisionalID, rec.ID)
	e.aliases[provisionalID] = rec.ID
	e.mu.Unlock()

	e.opts.logger.Debug("note created", "provisional", provisionalID, "note", rec.ID)
	e.notices.publish(Notice{Kind: NoticeChanged, NoteID: rec.ID, OldID: provisionalID})
}

// DeleteNote removes a note locally, drops its pending write and deletes it
// from the store in the background.
func (e *Engine) DeleteNote(noteID string) error {
	e.mu.Lock()
	st := e.session
	if st == nil {
		e.mu.Unlock()
		return core.NewError("delete", noteID, core.ErrNoSession, nil)
	}
	noteID = e.resolve(noteID)
	if _, ok := e.cache.Get(noteID); !ok {
		e.mu.Unlock()
		return core.NewError("delete", noteID, core.ErrNotFound, nil)
	}
	e.writes.Cancel(noteID)
	e.cache.Remove(noteID)

	p, provisional := e.provisional[noteID]
	switch {
	case provisional && p.failed:
		delete(e.provisional, noteID)
	case provisional:
		p.deleted = true
	default:
		e.tombstones[noteID] = struct{}{}
	}
	e.mu.Unlock()

	e.notices.publish(Notice{Kind: NoticeRemoved, NoteID: noteID})
	if !provisional {
		e.remove(st.scope.Epoch, noteID)
	}
	return nil
}

func (e *Engine) remove(epoch uint64, noteID string) {
	e.background(e.ctx, "delete", func(ctx context.Context) error {
		s, ok := e.gate.SessionFor(epoch)
		if !ok {
			return nil
		}
		err := e.client.Delete(ctx, s, noteID)

		e.mu.Lock()
		if e.gate.IsCurrent(epoch) {
			delete(e.tombstones, noteID)
		}
		e.mu.Unlock()

		if err != nil && !errors.Is(err, core.ErrNotFound) {
			e.fail(epoch, "", err)
		}
		return nil
	})
}

// Retry re-issues the durable write of a note: a failed create is sent
// again, any other note has its whole cached value scheduled and flushed.
// Writes queued for other notes keep their windows.
func (e *Engine) Retry(noteID string) error {
	e.mu.Lock()
	st := e.session
	if st == nil {
		e.mu.Unlock()
		return core.NewError("retry", noteID, core.ErrNoSession, nil)
	}
	noteID = e.resolve(noteID)
	if p, ok := e.provisional[noteID]; ok {
		if !p.failed {
			e.mu.Unlock()
			return nil
		}
		p.failed = false
		seed := p.seed
		e.mu.Unlock()
		e.create(st.scope.Epoch, noteID, seed)
		return nil
	}
	rec, ok := e.cache.Get(noteID)
	if !ok {
		e.mu.Unlock()
		return core.NewError("retry", noteID, core.ErrNotFound, nil)
	}
	patch := core.BlocksPatch(rec.Blocks)
	patch.Title = &rec.Title
	e.writes.Schedule(noteID, patch)
	e.mu.Unlock()

	e.writes.FlushNote(noteID)
	return nil
}

// SetActive selects a note. An empty id clears the selection; an id the
// cache does not hold is accepted.
func (e *Engine) SetActive(noteID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.SetActive(e.resolve(noteID))
}

// ActiveID returns the selected note id, or "".
func (e *Engine) ActiveID() string { return e.cache.ActiveID() }

// ActiveNote returns the selected note.
func (e *Engine) ActiveNote() (core.NoteRecord, error) {
	id := e.cache.ActiveID()
	if id == "" {
		return core.NoteRecord{}, e.missing("active", "")
	}
	rec, ok := e.cache.Get(id)
	if !ok {
		return core.NoteRecord{}, core.NewError("active", id, core.ErrNotFound, nil)
	}
	return rec, nil
}
