package core

import "context"

// Store is the remote authoritative record store.
// Every call is scoped by owner: a request for a row the owner does not hold
// must fail with ErrNotFound rather than silently no-op.
// Implementations classify their failures into the kinds in errors.go.
type Store interface {
	// List returns the owner's notes ordered by update time, most recent first.
	List(ctx context.Context, owner string) ([]NoteRecord, error)

	// Get returns a single note.
	Get(ctx context.Context, owner, id string) (NoteRecord, error)

	// Insert creates a note and returns the canonical record with the
	// server-assigned id and revision.
	Insert(ctx context.Context, owner string, seed Seed) (NoteRecord, error)

	// Update writes the patch fields and returns the canonical post-write record.
	Update(ctx context.Context, owner, id string, patch Patch) (NoteRecord, error)

	// Delete removes a note.
	Delete(ctx context.Context, owner, id string) error
}

// Feed is the out-of-band push feed announcing record changes.
type Feed interface {
	// Subscribe opens a subscription scoped to owner. The channel is closed
	// when ctx is cancelled or the subscription breaks.
	Subscribe(ctx context.Context, owner string) (<-chan Change, error)
}

// Publisher fans changes out to a feed. Stores that cannot notify on their
// own are paired with a Publisher.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}
