package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/notesync/internal/clocktest"
	"github.com/aretw0/notesync/pkg/adapters/memory"
	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/engine"
)

const window = 750 * time.Millisecond

type update struct {
	NoteID string
	Patch  core.Patch
}

// recordingStore remembers every update payload it receives. Reads can be
// parked after they took their snapshot, so a later read overtakes them.
type recordingStore struct {
	*memory.Store
	mu      sync.Mutex
	updates []update
	hold    *gate
}

// holdReads parks reads matching g once they have read the store. nil stops.
func (r *recordingStore) holdReads(g *gate) {
	r.mu.Lock()
	r.hold = g
	r.mu.Unlock()
}

func (r *recordingStore) held(ctx context.Context, op memory.Op, owner, id string) error {
	r.mu.Lock()
	g := r.hold
	r.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.hook(ctx, op, owner, id)
}

func (r *recordingStore) Get(ctx context.Context, owner, id string) (core.NoteRecord, error) {
	rec, err := r.Store.Get(ctx, owner, id)
	if err != nil {
		return rec, err
	}
	return rec, r.held(ctx, memory.OpGet, owner, id)
}

func (r *recordingStore) List(ctx context.Context, owner string) ([]core.NoteRecord, error) {
	records, err := r.Store.List(ctx, owner)
	if err != nil {
		return records, err
	}
	return records, r.held(ctx, memory.OpList, owner, "")
}

func (r *recordingStore) Update(ctx context.Context, owner, id string, patch core.Patch) (core.NoteRecord, error) {
	r.mu.Lock()
	r.updates = append(r.updates, update{NoteID: id, Patch: patch.Clone()})
	r.mu.Unlock()
	return r.Store.Update(ctx, owner, id, patch)
}

func (r *recordingStore) updatesFor(id string) []update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []update
	for _, u := range r.updates {
		if u.NoteID == id {
			out = append(out, u)
		}
	}
	return out
}

// gate blocks one store operation until opened.
type gate struct {
	op      memory.Op
	id      string
	entered chan struct{}
	open    chan struct{}
	once    sync.Once
}

func newGate(op memory.Op, id string) *gate {
	return &gate{op: op, id: id, entered: make(chan struct{}, 16), open: make(chan struct{})}
}

func (g *gate) hook(ctx context.Context, op memory.Op, _, id string) error {
	if op != g.op || (g.id != "" && id != g.id) {
		return nil
	}
	g.entered <- struct{}{}
	select {
	case <-g.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (g *gate) release() { g.once.Do(func() { close(g.open) }) }

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s to reach the store", g.op)
	}
}

// handFeed is a feed the test drives by hand.
type handFeed struct {
	mu sync.Mutex
	ch chan core.Change
}

func (f *handFeed) Subscribe(ctx context.Context, owner string) (<-chan core.Change, error) {
	ch := make(chan core.Change, 16)
	f.mu.Lock()
	f.ch = ch
	f.mu.Unlock()
	return ch, nil
}

func (f *handFeed) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch != nil
}

func (f *handFeed) send(c core.Change) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- c
}

type harness struct {
	t     *testing.T
	mem   *memory.Store
	store *recordingStore
	sched *clocktest.Scheduler
	eng   *engine.Engine
	errs  chan error
}

func newHarness(t *testing.T, opts ...engine.Option) *harness {
	t.Helper()
	mem := memory.New()
	h := &harness{
		t:     t,
		mem:   mem,
		store: &recordingStore{Store: mem},
		sched: clocktest.New(),
		errs:  make(chan error, 32),
	}
	base := []engine.Option{
		engine.WithFeed(mem),
		engine.WithScheduler(h.sched),
		engine.WithCoalesceWindow(window),
		engine.WithDebounce(0),
		engine.WithErrorHandler(func(err error) {
			select {
			case h.errs <- err:
			default:
			}
		}),
	}
	eng, err := engine.New(h.store, append(base, opts...)...)
	require.NoError(t, err)
	h.eng = eng
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

// signIn starts a session and waits for its initial fetch and feed subscription.
func (h *harness) signIn(principal string) {
	h.t.Helper()
	h.eng.OnSessionChange(&core.Session{Principal: principal})
	require.NoError(h.t, h.eng.WaitReady(h.ctx()))
	require.Eventually(h.t, func() bool {
		st := h.eng.State().(engine.EngineState)
		return st.Listener != nil &&
			st.Listener.Status == worker.StatusRunning &&
			st.Listener.Metadata["principal"] == principal &&
			h.mem.Subscribers() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// seed stores a note as another writer would.
func (h *harness) seed(id, owner, title string, blocks ...core.Block) core.NoteRecord {
	if blocks == nil {
		blocks = []core.Block{{ID: id + "-b1", Kind: core.BlockText}}
	}
	return h.mem.Put(core.NoteRecord{ID: id, OwnerID: owner, Title: title, Blocks: blocks})
}

func (h *harness) flush() {
	h.t.Helper()
	require.NoError(h.t, h.eng.Flush(h.ctx()))
}

func (h *harness) title(id string) string {
	rec, ok := h.eng.Get(id)
	if !ok {
		return ""
	}
	return rec.Title
}

func (h *harness) nextError() error {
	h.t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a background error")
		return nil
	}
}

func ids(records []core.NoteRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
