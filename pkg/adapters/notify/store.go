// Package notify pairs a store that cannot announce its own writes with a
// Publisher, so other clients of the same data still get invalidations.
package notify

import (
	"context"
	"io"
	"log/slog"

	"github.com/aretw0/notesync/pkg/core"
)

// Store forwards to the wrapped store and publishes a Change after every
// committed write. A failed publish is logged; the write still succeeds.
type Store struct {
	core.Store
	pub    core.Publisher
	logger *slog.Logger
}

// Wrap returns a publishing store. A nil logger discards.
func Wrap(s core.Store, pub core.Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{Store: s, pub: pub, logger: logger}
}

func (s *Store) Insert(ctx context.Context, owner string, seed core.Seed) (core.NoteRecord, error) {
	rec, err := s.Store.Insert(ctx, owner, seed)
	if err != nil {
		return rec, err
	}
	s.publish(ctx, core.Change{Kind: core.ChangeInsert, NoteID: rec.ID, OwnerID: owner, Revision: rec.Revision, Record: &rec})
	return rec, nil
}

func (s *Store) Update(ctx context.Context, owner, id string, patch core.Patch) (core.NoteRecord, error) {
	rec, err := s.Store.Update(ctx, owner, id, patch)
	if err != nil {
		return rec, err
	}
	s.publish(ctx, core.Change{Kind: core.ChangeUpdate, NoteID: rec.ID, OwnerID: owner, Revision: rec.Revision, Record: &rec})
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, owner, id string) error {
	if err := s.Store.Delete(ctx, owner, id); err != nil {
		return err
	}
	s.publish(ctx, core.Change{Kind: core.ChangeDelete, NoteID: id, OwnerID: owner})
	return nil
}

func (s *Store) publish(ctx context.Context, c core.Change) {
	if err := s.pub.Publish(context.WithoutCancel(ctx), c); err != nil {
		s.logger.Warn("change not published", "change", c.String(), "error", err)
	}
}

var _ core.Store = (*Store)(nil)
