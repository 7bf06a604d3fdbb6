package coalesce

import "github.com/aretw0/introspection"

// CoalescerState exposes internal state for observability.
type CoalescerState struct {
	Window   string   `json:"window"`
	Queued   []string `json:"queued,omitempty"`
	InFlight []string `json:"in_flight,omitempty"`
	Held     []string `json:"held,omitempty"`
	Flushed  uint64   `json:"flushed"`
}

// State implements introspection.Introspectable.
func (c *Coalescer) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := CoalescerState{Window: c.window.String(), Flushed: c.flushed}
	for id, s := range c.slots {
		if !s.queued.IsEmpty() {
			st.Queued = append(st.Queued, id)
		}
		if s.inFlight != nil {
			st.InFlight = append(st.InFlight, id)
		}
		if s.held {
			st.Held = append(st.Held, id)
		}
	}
	return st
}

// ComponentType implements introspection.Component.
func (c *Coalescer) ComponentType() string {
	return "coalescer"
}

var _ introspection.Introspectable = (*Coalescer)(nil)
var _ introspection.Component = (*Coalescer)(nil)
