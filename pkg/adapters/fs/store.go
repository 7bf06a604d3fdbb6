// Package fs stores notes as one file per note under a directory per owner,
// and announces changes to those files through fsnotify.
//
// Layout: <path>/<owner>/<note id><ext>.
package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/aretw0/notesync/pkg/core"
)

// Config holds the configuration of a filesystem store.
type Config struct {
	Path      string
	Format    string // file extension without dot: "yaml" (default) or "json"
	MustExist bool
	Logger    *slog.Logger
}

// Store implements core.Store and core.Feed on a directory tree.
type Store struct {
	Path string

	config     Config
	ext        string
	serializer Serializer
	now        func() time.Time

	// mu serializes read-modify-write cycles so revisions stay monotonic.
	mu       sync.Mutex
	watchers int
}

// NewStore opens or creates the store directory.
func NewStore(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, errors.New("fs: path is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ext := "." + strings.TrimPrefix(config.Format, ".")
	if config.Format == "" {
		ext = ".yaml"
	}
	s, ok := DefaultSerializers()[ext]
	if !ok {
		return nil, fmt.Errorf("fs: unsupported format %q", config.Format)
	}

	abs, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil {
		if !os.IsNotExist(err) || config.MustExist {
			return nil, fmt.Errorf("fs: open %s: %w", abs, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("fs: create %s: %w", abs, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("fs: %s is not a directory", abs)
	}

	return &Store{
		Path:       abs,
		config:     config,
		ext:        ext,
		serializer: s,
		now:        time.Now,
	}, nil
}

func (s *Store) List(ctx context.Context, owner string) ([]core.NoteRecord, error) {
	dir, err := s.ownerDir("list", owner)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", owner, err)
	}

	var out []core.NoteRecord
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		id, ok := s.noteID(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		rec, err := s.read(filepath.Join(dir, e.Name()))
		if err != nil {
			s.config.Logger.Warn("skipping unreadable note", "path", e.Name(), "error", err)
			continue
		}
		if rec.ID != id || rec.OwnerID != owner {
			s.config.Logger.Warn("skipping misplaced note", "path", e.Name(), "id", rec.ID, "owner", rec.OwnerID)
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) Get(ctx context.Context, owner, id string) (core.NoteRecord, error) {
	path, err := s.notePath("get", owner, id)
	if err != nil {
		return core.NoteRecord{}, err
	}
	rec, err := s.read(path)
	if err != nil {
		return core.NoteRecord{}, s.classify("get", id, err)
	}
	if rec.OwnerID != owner {
		return core.NoteRecord{}, core.NewError("get", id, core.ErrNotFound, nil)
	}
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, owner string, seed core.Seed) (core.NoteRecord, error) {
	now := s.now().UTC()
	rec := core.NoteRecord{
		ID:        ksuid.New().String(),
		OwnerID:   owner,
		Title:     seed.Title,
		Blocks:    slices.Clone(seed.Blocks),
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	path, err := s.notePath("insert", owner, rec.ID)
	if err != nil {
		return core.NoteRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(path, rec); err != nil {
		return core.NoteRecord{}, err
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, owner, id string, patch core.Patch) (core.NoteRecord, error) {
	path, err := s.notePath("update", owner, id)
	if err != nil {
		return core.NoteRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(path)
	if err != nil {
		return core.NoteRecord{}, s.classify("update", id, err)
	}
	if rec.OwnerID != owner {
		return core.NoteRecord{}, core.NewError("update", id, core.ErrNotFound, nil)
	}
	rec = patch.Apply(rec)
	rec.Revision++
	rec.UpdatedAt = s.now().UTC()
	if err := s.write(path, rec); err != nil {
		return core.NoteRecord{}, err
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, owner, id string) error {
	path, err := s.notePath("delete", owner, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		return s.classify("delete", id, err)
	}
	return nil
}

func (s *Store) read(path string) (core.NoteRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.NoteRecord{}, err
	}
	return s.serializer.Decode(bytes.NewReader(data))
}

func (s *Store) write(path string, rec core.NoteRecord) error {
	data, err := s.serializer.Encode(rec)
	if err != nil {
		return core.NewError("encode", rec.ID, core.ErrValidation, err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) classify(op, id string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return core.NewError(op, id, core.ErrNotFound, err)
	}
	return core.NewError(op, id, core.ErrTransport, err)
}

// ownerDir resolves an owner's directory, refusing names that would escape it.
func (s *Store) ownerDir(op, owner string) (string, error) {
	if !safeName(owner) {
		return "", core.NewError(op, "", core.ErrValidation, fmt.Errorf("bad owner %q", owner))
	}
	return filepath.Join(s.Path, owner), nil
}

func (s *Store) notePath(op, owner, id string) (string, error) {
	dir, err := s.ownerDir(op, owner)
	if err != nil {
		return "", err
	}
	if !safeName(id) {
		return "", core.NewError(op, id, core.ErrNotFound, nil)
	}
	return filepath.Join(dir, id+s.ext), nil
}

// noteID returns the note id of a file name in an owner directory.
func (s *Store) noteID(name string) (string, bool) {
	if strings.HasPrefix(name, TempFilePrefix) || strings.HasPrefix(name, ".") {
		return "", false
	}
	if filepath.Ext(name) != s.ext {
		return "", false
	}
	return strings.TrimSuffix(name, s.ext), true
}

func safeName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`) && !strings.HasPrefix(s, ".")
}

var (
	_ core.Store = (*Store)(nil)
	_ core.Feed  = (*Store)(nil)
)
