// Package reconcile decides whether an inbound snapshot may overwrite the
// locally held, possibly unconfirmed, state of a note.
package reconcile

import (
	"github.com/aretw0/notesync/pkg/core"
)

// Pending reports which fields an outstanding local write is about to
// persist or has in flight.
type Pending interface {
	Touches(f core.Field) bool
}

// Outcome classifies a decision.
type Outcome int

const (
	// Replaced means the inbound record was stored as is.
	Replaced Outcome = iota
	// Merged means some local fields were kept over the inbound ones.
	Merged
)

func (o Outcome) String() string {
	if o == Merged {
		return "merged"
	}
	return "replaced"
}

// Decision is the record to store and why.
type Decision struct {
	Record    core.NoteRecord
	Outcome   Outcome
	Protected []core.Field
}

var fields = []core.Field{core.FieldTitle, core.FieldBlocks}

// Resolve applies the acceptance rule:
//   - with no local entry or no pending write, the inbound record wins outright;
//   - otherwise each field the pending write touches keeps its local value
//     unless the inbound revision is strictly newer than the local optimistic
//     revision. Untouched fields always take the inbound value.
func Resolve(local *core.NoteRecord, inbound core.NoteRecord, pending Pending) Decision {
	if local == nil || pending == nil {
		return Decision{Record: inbound, Outcome: Replaced}
	}

	out := inbound.Clone()
	var protected []core.Field
	stale := inbound.Revision <= local.Revision
	for _, f := range fields {
		if !pending.Touches(f) || !stale {
			continue
		}
		protected = append(protected, f)
		switch f {
		case core.FieldTitle:
			out.Title = local.Title
		case core.FieldBlocks:
			out.Blocks = append([]core.Block{}, local.Blocks...)
		}
	}
	if len(protected) == 0 {
		return Decision{Record: out, Outcome: Replaced}
	}

	out.Revision = local.Revision
	if local.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = local.UpdatedAt
	}
	return Decision{Record: out, Outcome: Merged, Protected: protected}
}
