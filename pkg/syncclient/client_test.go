package syncclient_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aretw0/notesync/pkg/adapters/memory"
	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/syncclient"
)

// leakyStore returns every note regardless of owner, like a misconfigured backend.
type leakyStore struct {
	*memory.Store
	all []core.NoteRecord
}

func (l *leakyStore) List(context.Context, string) ([]core.NoteRecord, error) {
	return l.all, nil
}

func (l *leakyStore) Get(_ context.Context, _ string, id string) (core.NoteRecord, error) {
	for _, n := range l.all {
		if n.ID == id {
			return n, nil
		}
	}
	return core.NoteRecord{}, core.NewError("get", id, core.ErrNotFound, nil)
}

var alice = &core.Session{Principal: "alice"}

func TestClient_FetchAllDropsForeignRecords(t *testing.T) {
	store := &leakyStore{Store: memory.New(), all: []core.NoteRecord{
		{ID: "a", OwnerID: "alice"},
		{ID: "b", OwnerID: "bob"},
	}}
	c := syncclient.New(store)

	notes, err := c.FetchAll(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "a", notes[0].ID)

	_, err = c.Fetch(context.Background(), alice, "b")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestClient_RequiresSession(t *testing.T) {
	c := syncclient.New(memory.New())
	ctx := context.Background()

	_, err := c.FetchAll(ctx, nil)
	assert.ErrorIs(t, err, core.ErrNoSession)
	_, err = c.Persist(ctx, nil, "n1", core.TitlePatch("x"))
	assert.ErrorIs(t, err, core.ErrNoSession)
	assert.ErrorIs(t, c.Delete(ctx, nil, "n1"), core.ErrNoSession)
}

func TestClient_CreatePersistDelete(t *testing.T) {
	c := syncclient.New(memory.New())
	ctx := context.Background()

	rec, err := c.Create(ctx, alice, core.DefaultSeed())
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "alice", rec.OwnerID)
	assert.Equal(t, int64(1), rec.Revision)

	updated, err := c.Persist(ctx, alice, rec.ID, core.TitlePatch("Draft"))
	require.NoError(t, err)
	assert.Equal(t, "Draft", updated.Title)
	assert.Equal(t, int64(2), updated.Revision)
	assert.Equal(t, rec.Blocks, updated.Blocks)

	_, err = c.Persist(ctx, &core.Session{Principal: "bob"}, rec.ID, core.TitlePatch("hijack"))
	assert.ErrorIs(t, err, core.ErrNotFound, "a write that does not own the row must fail")

	require.NoError(t, c.Delete(ctx, alice, rec.ID))
	_, err = c.Fetch(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestClient_ClassifiesFailures(t *testing.T) {
	store := memory.New()
	c := syncclient.New(store)
	ctx := context.Background()
	rec, err := c.Create(ctx, alice, core.DefaultSeed())
	require.NoError(t, err)

	cause := errors.New("dial tcp: connection refused")
	store.SetHook(func(context.Context, memory.Op, string, string) error { return cause })
	_, err = c.Persist(ctx, alice, rec.ID, core.TitlePatch("x"))
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.ErrorIs(t, err, cause)

	store.SetHook(func(context.Context, memory.Op, string, string) error { return core.ErrAuth })
	_, err = c.FetchAll(ctx, alice)
	assert.ErrorIs(t, err, core.ErrAuth)

	store.SetHook(nil)
	_, err = c.Persist(ctx, alice, rec.ID, core.BlocksPatch([]core.Block{{ID: "x", Kind: "table"}}))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestClient_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	c := syncclient.New(memory.New(), syncclient.WithTracerProvider(tp))
	ctx := context.Background()
	_, err := c.FetchAll(ctx, alice)
	require.NoError(t, err)
	_, err = c.Fetch(ctx, alice, "missing")
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "notesync.fetch_all", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "notesync.fetch", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
