package fs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/notesync/pkg/core"
)

// Subscribe watches the whole store, every owner included; consumers filter
// by principal. The channel closes when ctx is done or the watcher fails.
func (s *Store) Subscribe(ctx context.Context, owner string) (<-chan core.Change, error) {
	events := make(chan core.Change, 64)
	w := newWatchWorker(s, "*/*"+s.ext, events)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

type watchWorker struct {
	*worker.BaseWorker
	store   *Store
	pattern string
	events  chan core.Change
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

func newWatchWorker(store *Store, pattern string, events chan core.Change) *watchWorker {
	return &watchWorker{
		BaseWorker: worker.NewBaseWorker("fs-watcher"),
		store:      store,
		pattern:    pattern,
		events:     events,
	}
}

func (w *watchWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("watcher already started (status: %s)", status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.addTree(watcher); err != nil {
		_ = watcher.Close()
		return err
	}

	w.watcher = watcher
	w.store.setWatchers(1)

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *watchWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *watchWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
			"path":              w.store.Path,
		}
	})
}

// addTree watches the root and every owner directory under it.
func (w *watchWorker) addTree(watcher *fsnotify.Watcher) error {
	if err := watcher.Add(w.store.Path); err != nil {
		return fmt.Errorf("watch %s: %w", w.store.Path, err)
	}
	entries, err := os.ReadDir(w.store.Path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && safeName(e.Name()) {
			if err := watcher.Add(filepath.Join(w.store.Path, e.Name())); err != nil {
				return fmt.Errorf("watch %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func (w *watchWorker) run(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("watcher panic: %v", recovered)
			if w.store.config.Logger.Enabled(ctx, slog.LevelDebug) {
				w.store.config.Logger.Error("watcher panic", "error", err, "stack", string(debug.Stack()))
			} else {
				w.store.config.Logger.Error("watcher panic", "error", err)
			}
		}
	}()
	defer close(w.events)
	defer w.store.setWatchers(-1)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			w.process(ctx, event)

		case wErr, ok := <-w.watcher.Errors:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.store.config.Logger.Error("fsnotify error", "error", wErr)
		}
	}
}

// process maps one filesystem event to a change, if it names a note file.
func (w *watchWorker) process(ctx context.Context, event fsnotify.Event) {
	rel, err := filepath.Rel(w.store.Path, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// A new owner directory starts being watched as soon as it appears.
	if event.Has(fsnotify.Create) && !filepath.IsAbs(rel) && filepath.Dir(rel) == "." {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && safeName(rel) {
			if err := w.watcher.Add(event.Name); err != nil {
				w.store.config.Logger.Warn("cannot watch owner directory", "dir", rel, "error", err)
			}
			return
		}
	}

	if ok, _ := doublestar.Match(w.pattern, rel); !ok {
		return
	}
	owner, name := filepath.Split(rel)
	owner = filepath.Clean(owner)
	id, ok := w.store.noteID(name)
	if !ok {
		return
	}

	var kind core.ChangeKind
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		kind = core.ChangeDelete
	case event.Has(fsnotify.Create):
		kind = core.ChangeInsert
	case event.Has(fsnotify.Write):
		kind = core.ChangeUpdate
	default:
		return
	}
	w.store.config.Logger.Debug("note file changed", "owner", owner, "note", id, "kind", kind)

	select {
	case w.events <- core.Change{Kind: kind, NoteID: id, OwnerID: owner}:
	case <-ctx.Done():
	}
}
