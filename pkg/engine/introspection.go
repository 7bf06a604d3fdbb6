package engine

import (
	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle/pkg/core/worker"

	"github.com/aretw0/notesync/pkg/coalesce"
)

// EngineState exposes internal state for observability.
type EngineState struct {
	Principal      string                  `json:"principal,omitempty"`
	Epoch          uint64                  `json:"epoch"`
	Notes          int                     `json:"notes"`
	ActiveID       string                  `json:"active_id,omitempty"`
	Provisional    int                     `json:"provisional"`
	Deleting       int                     `json:"deleting"`
	Writes         coalesce.CoalescerState `json:"writes"`
	Listener       *worker.State           `json:"listener,omitempty"`
	RefreshMode    RefreshMode             `json:"refresh_mode"`
	Subscribers    int                     `json:"subscribers"`
	DroppedNotices int64                   `json:"dropped_notices"`
}

// State implements introspection.Introspectable.
func (e *Engine) State() any {
	e.mu.Lock()
	st := EngineState{
		Epoch:          e.gate.Epoch(),
		Notes:          e.cache.Len(),
		ActiveID:       e.cache.ActiveID(),
		Provisional:    len(e.provisional),
		Deleting:       len(e.tombstones),
		RefreshMode:    e.opts.refresh,
		Subscribers:    e.notices.count(),
		DroppedNotices: e.notices.dropped.Load(),
	}
	session := e.session
	e.mu.Unlock()

	st.Writes = e.writes.State().(coalesce.CoalescerState)
	if session != nil {
		st.Principal = session.scope.Principal()
		if l := session.listener.Load(); l != nil {
			ls := l.State()
			st.Listener = &ls
		}
	}
	return st
}

// ComponentType implements introspection.Component.
func (e *Engine) ComponentType() string {
	return "engine"
}

var _ introspection.Introspectable = (*Engine)(nil)
var _ introspection.Component = (*Engine)(nil)
