package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aretw0/notesync/pkg/adapters/fs"
	"github.com/aretw0/notesync/pkg/adapters/memory"
	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/engine"
)

// countingStore counts store updates so the run can report how many
// keystrokes each durable write absorbed.
type countingStore struct {
	core.Store
	updates atomic.Int64
}

func (s *countingStore) Update(ctx context.Context, owner, id string, patch core.Patch) (core.NoteRecord, error) {
	s.updates.Add(1)
	return s.Store.Update(ctx, owner, id, patch)
}

func main() {
	count := flag.Int("count", 1000, "Number of notes to generate")
	keys := flag.Int("keys", 200, "Keystrokes to type into one note")
	interval := flag.Duration("interval", 20*time.Millisecond, "Delay between keystrokes")
	window := flag.Duration("window", 750*time.Millisecond, "Coalesce window")
	adapter := flag.String("adapter", "fs", "Store adapter: fs or memory")
	keep := flag.Bool("keep", false, "Keep the benchmark directory after running")
	flag.Parse()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	const owner = "bench"

	var base core.Store
	var feed core.Feed
	switch *adapter {
	case "memory":
		s := memory.New()
		base, feed = s, s
	case "fs":
		dir, err := os.MkdirTemp("", "notesync_bench_")
		if err != nil {
			panic(err)
		}
		defer func() {
			if !*keep {
				os.RemoveAll(dir)
			} else {
				fmt.Printf("Keeping bench dir: %s\n", dir)
			}
		}()
		s, err := fs.NewStore(fs.Config{Path: dir, Logger: logger})
		if err != nil {
			panic(err)
		}
		base, feed = s, s
	default:
		fmt.Fprintf(os.Stderr, "unknown adapter %q\n", *adapter)
		os.Exit(2)
	}

	fmt.Printf("Generating %d notes (%s)...\n", *count, *adapter)
	startGen := time.Now()
	var target core.NoteRecord
	for i := 0; i < *count; i++ {
		seed := core.DefaultSeed()
		seed.Title = fmt.Sprintf("Note %d", i)
		rec, err := base.Insert(ctx, owner, seed)
		if err != nil {
			panic(err)
		}
		target = rec
	}
	fmt.Printf("Generation took: %v\n", time.Since(startGen))

	store := &countingStore{Store: base}
	e, err := engine.New(store,
		engine.WithFeed(feed),
		engine.WithLogger(logger),
		engine.WithCoalesceWindow(*window),
	)
	if err != nil {
		panic(err)
	}

	startLoad := time.Now()
	e.OnSessionChange(&core.Session{Principal: owner})
	if err := e.WaitReady(ctx); err != nil {
		panic(err)
	}
	load := time.Since(startLoad)

	startType := time.Now()
	var title strings.Builder
	for i := 0; i < *keys; i++ {
		title.WriteByte(byte('a' + i%26))
		if _, err := e.UpdateNote(target.ID, core.TitlePatch(title.String())); err != nil {
			panic(err)
		}
		time.Sleep(*interval)
	}
	typing := time.Since(startType)
	if err := e.Close(ctx); err != nil {
		panic(err)
	}

	writes := store.updates.Load()
	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Benchmark Result (%d notes, %d keystrokes):\n", *count, *keys)
	fmt.Printf("  Initial load: %v (Items: %d)\n", load, *count)
	fmt.Printf("  Typing:       %v\n", typing)
	fmt.Printf("  Writes:       %d (%.1f keystrokes per write)\n", writes, float64(*keys)/float64(max(writes, 1)))
	fmt.Printf("--------------------------------------------------\n")
}
