package engine

import (
	"context"
	"errors"

	"github.com/aretw0/notesync/pkg/cache"
	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/reconcile"
)

// persist is the coalescer's flush: the durable write of one note's payload.
func (e *Engine) persist(ctx context.Context, noteID string, payload core.Patch) (core.NoteRecord, error) {
	s := e.gate.Current()
	if s == nil {
		return core.NoteRecord{}, core.NewError("persist", noteID, core.ErrNoSession, nil)
	}
	return e.client.Persist(ctx, s, noteID, payload)
}

// writeDone hands a confirmed write to the reconciler. The local optimistic
// value is kept when the write failed.
func (e *Engine) writeDone(noteID string, _ core.Patch, rec core.NoteRecord, err error) {
	epoch := e.gate.Epoch()
	if err != nil {
		if errors.Is(err, core.ErrNoSession) {
			return
		}
		e.fail(epoch, noteID, err)
		return
	}

	e.mu.Lock()
	applied := false
	if _, ok := e.cache.Get(noteID); ok && e.gate.IsCurrent(epoch) {
		_, applied = e.cache.ApplyRemote(rec, e.resolver(noteID))
	}
	e.mu.Unlock()

	if applied {
		e.notices.publish(Notice{Kind: NoticeChanged, NoteID: noteID})
	} else {
		e.opts.logger.Debug("dropping write confirmation", "note", noteID)
	}
}

// resolver returns the reconcile rule bound to the note's current pending
// write. Caller holds e.mu.
func (e *Engine) resolver(noteID string) cache.ResolveFunc {
	var pending reconcile.Pending
	if p, ok := e.writes.Pending(noteID); ok {
		pending = p
	}
	return func(local *core.NoteRecord, inbound core.NoteRecord) core.NoteRecord {
		d := reconcile.Resolve(local, inbound, pending)
		if d.Outcome == reconcile.Merged {
			e.opts.logger.Debug("kept local fields over inbound record",
				"note", inbound.ID, "fields", d.Protected, "inbound_revision", inbound.Revision)
		}
		return d.Record
	}
}

// apply merges one remote record if epoch is still the active session.
func (e *Engine) apply(epoch uint64, rec core.NoteRecord) bool {
	e.mu.Lock()
	applied := false
	if e.gate.IsCurrent(epoch) && !e.tombstoned(rec.ID) {
		_, applied = e.cache.ApplyRemote(rec, e.resolver(rec.ID))
	}
	e.mu.Unlock()

	if applied {
		e.notices.publish(Notice{Kind: NoticeChanged, NoteID: rec.ID})
	}
	return applied
}

// dropRemote removes a note the store no longer has.
func (e *Engine) dropRemote(epoch uint64, noteID string) {
	e.mu.Lock()
	removed := false
	if e.gate.IsCurrent(epoch) {
		e.writes.Cancel(noteID)
		removed = e.cache.Remove(noteID)
	}
	e.mu.Unlock()

	if removed {
		e.notices.publish(Notice{Kind: NoticeRemoved, NoteID: noteID})
	}
}

// invalidate is the listener's handler: it re-fetches what the change names
// and reconciles the result.
func (e *Engine) invalidate(ctx context.Context, epoch uint64, c core.Change) error {
	s, ok := e.gate.SessionFor(epoch)
	if !ok {
		return nil
	}
	id := c.ID()
	if c.Kind == core.ChangeDelete && id != "" {
		e.dropRemote(epoch, id)
		return nil
	}
	if e.opts.refresh == RefreshFull || id == "" {
		return e.refreshAll(ctx, epoch)
	}

	rec, err := e.client.Fetch(ctx, s, id)
	if errors.Is(err, core.ErrNotFound) {
		e.dropRemote(epoch, id)
		return nil
	}
	if err != nil {
		return err
	}
	e.apply(epoch, rec)
	return nil
}

// refreshAll re-fetches the whole list. Notes the store no longer returns are
// dropped unless they still have local work outstanding or were confirmed
// while the list was in flight.
func (e *Engine) refreshAll(ctx context.Context, epoch uint64) error {
	s, ok := e.gate.SessionFor(epoch)
	if !ok {
		return nil
	}
	mark := e.cache.Mark()
	records, err := e.client.FetchAll(ctx, s)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.gate.IsCurrent(epoch) {
		e.mu.Unlock()
		return nil
	}
	fetched := make(map[string]bool, len(records))
	var changed []string
	for _, rec := range records {
		fetched[rec.ID] = true
		if e.tombstoned(rec.ID) {
			continue
		}
		if _, ok := e.cache.ApplyRemote(rec, e.resolver(rec.ID)); ok {
			changed = append(changed, rec.ID)
		}
	}
	removed := e.cache.Retain(mark, func(id string) bool {
		if fetched[id] || e.provisional[id] != nil {
			return true
		}
		_, pending := e.writes.Pending(id)
		return pending
	})
	e.mu.Unlock()

	for _, id := range changed {
		e.notices.publish(Notice{Kind: NoticeChanged, NoteID: id})
	}
	for _, id := range removed {
		e.notices.publish(Notice{Kind: NoticeRemoved, NoteID: id})
	}
	e.opts.logger.Debug("list refreshed", "notes", len(records), "removed", len(removed))
	return nil
}

// Refresh re-fetches the active session's notes now and waits for the result.
func (e *Engine) Refresh(ctx context.Context) error {
	epoch := e.gate.Epoch()
	if !e.gate.IsCurrent(epoch) {
		return core.NewError("refresh", "", core.ErrNoSession, nil)
	}
	err := e.refreshAll(ctx, epoch)
	if err != nil && errors.Is(err, core.ErrAuth) {
		e.gate.EndIf(epoch)
	}
	return err
}

// tombstoned reports whether a delete for id is still on its way to the
// store. Caller holds e.mu.
func (e *Engine) tombstoned(id string) bool {
	_, ok := e.tombstones[id]
	return ok
}
