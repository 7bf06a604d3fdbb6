// Package core holds the domain model and the ports of the sync engine.
package core

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Session identifies the authenticated principal.
// A nil *Session means "no session".
type Session struct {
	Principal string
	Claims    map[string]string
	ExpiresAt time.Time
}

// SamePrincipal reports whether two sessions belong to the same principal.
// Two nil sessions are considered equal.
func SamePrincipal(a, b *Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Principal == b.Principal
}

// BlockKind is the closed set of block types the editor understands.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockHeading1 BlockKind = "heading1"
	BlockHeading2 BlockKind = "heading2"
	BlockHeading3 BlockKind = "heading3"
)

// Valid reports whether k is one of the known kinds.
func (k BlockKind) Valid() bool {
	switch k {
	case BlockText, BlockHeading1, BlockHeading2, BlockHeading3:
		return true
	}
	return false
}

// Block is a unit of content inside a note. Order within a note is significant.
type Block struct {
	ID      string    `json:"id" yaml:"id"`
	Kind    BlockKind `json:"type" yaml:"type"`
	Content string    `json:"content" yaml:"content"`
}

// NewBlock returns an empty block with a fresh id.
func NewBlock(kind BlockKind) Block {
	return Block{ID: uuid.NewString(), Kind: kind}
}

// NoteRecord is a note as held by the cache and the record store.
type NoteRecord struct {
	ID        string    `json:"id" yaml:"id"`
	OwnerID   string    `json:"owner_id" yaml:"owner_id"`
	Title     string    `json:"title" yaml:"title"`
	Blocks    []Block   `json:"blocks" yaml:"blocks"`
	Revision  int64     `json:"revision" yaml:"revision"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of the record.
func (n NoteRecord) Clone() NoteRecord {
	n.Blocks = slices.Clone(n.Blocks)
	return n
}

// Field names a persistable field of a NoteRecord.
type Field string

const (
	FieldTitle  Field = "title"
	FieldBlocks Field = "blocks"
)

// Patch is a partial set of fields. A nil Title or nil Blocks means "not set";
// an empty non-nil Blocks slice clears the blocks.
type Patch struct {
	Title  *string `json:"title,omitempty" yaml:"title,omitempty"`
	Blocks []Block `json:"blocks,omitempty" yaml:"blocks,omitempty"`
}

// TitlePatch builds a patch touching only the title.
func TitlePatch(title string) Patch {
	return Patch{Title: &title}
}

// BlocksPatch builds a patch touching only the blocks.
func BlocksPatch(blocks []Block) Patch {
	if blocks == nil {
		blocks = []Block{}
	}
	return Patch{Blocks: slices.Clone(blocks)}
}

// IsEmpty reports whether the patch touches no field.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Blocks == nil
}

// Has reports whether the patch touches f.
func (p Patch) Has(f Field) bool {
	switch f {
	case FieldTitle:
		return p.Title != nil
	case FieldBlocks:
		return p.Blocks != nil
	}
	return false
}

// Fields lists the fields the patch touches.
func (p Patch) Fields() []Field {
	var out []Field
	if p.Title != nil {
		out = append(out, FieldTitle)
	}
	if p.Blocks != nil {
		out = append(out, FieldBlocks)
	}
	return out
}

// Merge overlays newer on top of p. Fields absent from newer are preserved.
func (p Patch) Merge(newer Patch) Patch {
	out := p.Clone()
	if newer.Title != nil {
		t := *newer.Title
		out.Title = &t
	}
	if newer.Blocks != nil {
		out.Blocks = slices.Clone(newer.Blocks)
		if out.Blocks == nil {
			out.Blocks = []Block{}
		}
	}
	return out
}

// Clone returns a deep copy of the patch.
func (p Patch) Clone() Patch {
	var out Patch
	if p.Title != nil {
		t := *p.Title
		out.Title = &t
	}
	if p.Blocks != nil {
		out.Blocks = append([]Block{}, p.Blocks...)
	}
	return out
}

// Apply returns rec with the patch fields written over it.
func (p Patch) Apply(rec NoteRecord) NoteRecord {
	out := rec.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Blocks != nil {
		out.Blocks = append([]Block{}, p.Blocks...)
	}
	return out
}

// Validate rejects patches the store would refuse.
func (p Patch) Validate() error {
	seen := make(map[string]bool, len(p.Blocks))
	for _, b := range p.Blocks {
		if b.ID == "" {
			return NewError("validate", "", ErrValidation, errBlockNoID)
		}
		if seen[b.ID] {
			return NewError("validate", "", ErrValidation, errBlockDupID)
		}
		seen[b.ID] = true
		if !b.Kind.Valid() {
			return NewError("validate", "", ErrValidation, errBlockKind)
		}
	}
	return nil
}

// Seed holds the initial fields of a note to be created.
type Seed struct {
	Title  string
	Blocks []Block
}

// DefaultSeed is the content of a freshly created note.
func DefaultSeed() Seed {
	return Seed{Title: "Untitled", Blocks: []Block{NewBlock(BlockText)}}
}

// ChangeKind is the type of change announced by the push feed.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is an invalidation event. Record may be nil when the feed only
// carries identity; NoteID may be empty when the feed only signals a delta.
type Change struct {
	Kind     ChangeKind  `json:"kind"`
	NoteID   string      `json:"note_id,omitempty"`
	OwnerID  string      `json:"owner_id,omitempty"`
	Revision int64       `json:"revision,omitempty"`
	Record   *NoteRecord `json:"record,omitempty"`
}

// Owner returns the owner carried by the change, if any.
func (c Change) Owner() string {
	if c.OwnerID != "" {
		return c.OwnerID
	}
	if c.Record != nil {
		return c.Record.OwnerID
	}
	return ""
}

// ID returns the note id carried by the change, if any.
func (c Change) ID() string {
	if c.NoteID != "" {
		return c.NoteID
	}
	if c.Record != nil {
		return c.Record.ID
	}
	return ""
}

// String implements fmt.Stringer.
func (c Change) String() string {
	return string(c.Kind) + " " + c.ID()
}
