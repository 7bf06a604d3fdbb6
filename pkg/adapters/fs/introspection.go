package fs

import (
	"os"

	"github.com/aretw0/introspection"
)

// StoreState exposes internal state for observability.
type StoreState struct {
	Path     string `json:"path"`
	Format   string `json:"format"`
	Owners   int    `json:"owners"`
	Watchers int    `json:"watchers"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	owners := 0
	if entries, err := os.ReadDir(s.Path); err == nil {
		for _, e := range entries {
			if e.IsDir() && safeName(e.Name()) {
				owners++
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreState{
		Path:     s.Path,
		Format:   s.ext[1:],
		Owners:   owners,
		Watchers: s.watchers,
	}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "fs-store"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)

func (s *Store) setWatchers(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers += delta
}
