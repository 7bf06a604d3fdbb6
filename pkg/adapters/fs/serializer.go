package fs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/notesync/pkg/core"
)

// Serializer reads and writes one note file format.
type Serializer interface {
	Decode(r io.Reader) (core.NoteRecord, error)
	Encode(rec core.NoteRecord) ([]byte, error)
}

// DefaultSerializers maps file extensions to formats.
func DefaultSerializers() map[string]Serializer {
	return map[string]Serializer{
		".yaml": YAMLSerializer{},
		".yml":  YAMLSerializer{},
		".json": JSONSerializer{},
	}
}

// YAMLSerializer stores notes as YAML documents.
type YAMLSerializer struct{}

func (YAMLSerializer) Decode(r io.Reader) (core.NoteRecord, error) {
	var rec core.NoteRecord
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rec); err != nil {
		return core.NoteRecord{}, fmt.Errorf("invalid yaml: %w", err)
	}
	return rec, nil
}

func (YAMLSerializer) Encode(rec core.NoteRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// JSONSerializer stores notes as indented JSON.
type JSONSerializer struct{}

func (JSONSerializer) Decode(r io.Reader) (core.NoteRecord, error) {
	var rec core.NoteRecord
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return core.NoteRecord{}, fmt.Errorf("invalid json: %w", err)
	}
	return rec, nil
}

func (JSONSerializer) Encode(rec core.NoteRecord) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}
