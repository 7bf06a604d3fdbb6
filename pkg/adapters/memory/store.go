// Package memory is an in-process record store and push feed. It backs the
// tests and the CLI's ephemeral mode.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/aretw0/notesync/pkg/core"
)

// Op names a store operation passed to a Hook.
type Op string

const (
	OpList   Op = "list"
	OpGet    Op = "get"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Hook runs before every store operation. A non-nil error aborts the
// operation. Hooks may block to simulate latency.
type Hook func(ctx context.Context, op Op, owner, id string) error

// Store keeps notes in memory and announces every committed change to its
// subscribers, in commit order.
type Store struct {
	mu    sync.Mutex
	pubMu sync.Mutex
	notes map[string]core.NoteRecord
	subs  map[int]*subscriber
	next  int
	hook  Hook
	now   func() time.Time
}

type subscriber struct {
	ch  chan core.Change
	ctx context.Context
}

// Option configures a Store.
type Option func(*Store)

// WithHook installs a hook run before every operation.
func WithHook(h Hook) Option {
	return func(s *Store) {
		s.hook = h
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		notes: make(map[string]core.NoteRecord),
		subs:  make(map[int]*subscriber),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHook replaces the hook.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

func (s *Store) runHook(ctx context.Context, op Op, owner, id string) error {
	s.mu.Lock()
	h := s.hook
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, op, owner, id)
}

func (s *Store) List(ctx context.Context, owner string) ([]core.NoteRecord, error) {
	if err := s.runHook(ctx, OpList, owner, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.NoteRecord
	for _, n := range s.notes {
		if n.OwnerID == owner {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) Get(ctx context.Context, owner, id string) (core.NoteRecord, error) {
	if err := s.runHook(ctx, OpGet, owner, id); err != nil {
		return core.NoteRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notes[id]
	if !ok || n.OwnerID != owner {
		return core.NoteRecord{}, core.NewError("get", id, core.ErrNotFound, nil)
	}
	return n.Clone(), nil
}

func (s *Store) Insert(ctx context.Context, owner string, seed core.Seed) (core.NoteRecord, error) {
	if err := s.runHook(ctx, OpInsert, owner, ""); err != nil {
		return core.NoteRecord{}, err
	}
	s.mu.Lock()
	now := s.now()
	rec := core.NoteRecord{
		ID:        ksuid.New().String(),
		OwnerID:   owner,
		Title:     seed.Title,
		Blocks:    slices.Clone(seed.Blocks),
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.notes[rec.ID] = rec
	s.commit(core.ChangeInsert, rec)
	return rec.Clone(), nil
}

func (s *Store) Update(ctx context.Context, owner, id string, patch core.Patch) (core.NoteRecord, error) {
	if err := s.runHook(ctx, OpUpdate, owner, id); err != nil {
		return core.NoteRecord{}, err
	}
	s.mu.Lock()
	n, ok := s.notes[id]
	if !ok || n.OwnerID != owner {
		s.mu.Unlock()
		return core.NoteRecord{}, core.NewError("update", id, core.ErrNotFound, nil)
	}
	n = patch.Apply(n)
	n.Revision++
	n.UpdatedAt = s.now()
	s.notes[id] = n
	s.commit(core.ChangeUpdate, n)
	return n.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, owner, id string) error {
	if err := s.runHook(ctx, OpDelete, owner, id); err != nil {
		return err
	}
	s.mu.Lock()
	n, ok := s.notes[id]
	if !ok || n.OwnerID != owner {
		s.mu.Unlock()
		return core.NewError("delete", id, core.ErrNotFound, nil)
	}
	delete(s.notes, id)
	s.commit(core.ChangeDelete, n)
	return nil
}

// Put writes rec as another writer would, bumping its revision, and announces it.
func (s *Store) Put(rec core.NoteRecord) core.NoteRecord {
	s.mu.Lock()
	kind := core.ChangeInsert
	if prev, ok := s.notes[rec.ID]; ok {
		kind = core.ChangeUpdate
		rec.Revision = max(rec.Revision, prev.Revision+1)
	} else if rec.Revision == 0 {
		rec.Revision = 1
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	s.notes[rec.ID] = rec.Clone()
	s.commit(kind, rec)
	return rec.Clone()
}

// commit publishes a change in commit order. Caller holds s.mu; commit releases it.
func (s *Store) commit(kind core.ChangeKind, rec core.NoteRecord) {
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.pubMu.Lock()
	s.mu.Unlock()
	defer s.pubMu.Unlock()

	c := rec.Clone()
	change := core.Change{Kind: kind, NoteID: rec.ID, OwnerID: rec.OwnerID, Revision: rec.Revision, Record: &c}
	for _, sub := range subs {
		select {
		case sub.ch <- change:
		case <-sub.ctx.Done():
		}
	}
}

// Publish delivers an arbitrary change to every subscriber.
func (s *Store) Publish(ctx context.Context, c core.Change) error {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.pubMu.Lock()
	s.mu.Unlock()
	defer s.pubMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- c:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe delivers every change committed to the store. The feed is scoped
// to the data source, not to owner: consumers filter by principal.
func (s *Store) Subscribe(ctx context.Context, owner string) (<-chan core.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	sub := &subscriber{ch: make(chan core.Change, 64), ctx: ctx}
	s.subs[id] = sub

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		// Wait out an in-progress publish before closing.
		s.pubMu.Lock()
		close(sub.ch)
		s.pubMu.Unlock()
	}()
	return sub.ch, nil
}

// Subscribers returns the number of open subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

var (
	_ core.Store     = (*Store)(nil)
	_ core.Feed      = (*Store)(nil)
	_ core.Publisher = (*Store)(nil)
)
