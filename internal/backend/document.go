package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Document is a resource document: a primary data object or array plus an
// included side-table that relationship references resolve against.
type Document struct {
	Data     json.RawMessage `json:"data"`
	Included []Resource      `json:"included,omitempty"`
}

// Identifier references a resource by type and id.
type Identifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Relationship holds a to-one or to-many reference.
type Relationship struct {
	Data json.RawMessage `json:"data"`
}

// Ref returns the single identifier of a to-one relationship.
func (r Relationship) Ref() (Identifier, bool) {
	var id Identifier
	if len(r.Data) == 0 || bytes.Equal(r.Data, []byte("null")) {
		return id, false
	}
	if err := json.Unmarshal(r.Data, &id); err != nil || id.ID == "" {
		return Identifier{}, false
	}
	return id, true
}

// Refs returns the identifiers of a to-many relationship.
func (r Relationship) Refs() []Identifier {
	var ids []Identifier
	if err := json.Unmarshal(r.Data, &ids); err != nil {
		if one, ok := r.Ref(); ok {
			return []Identifier{one}
		}
	}
	return ids
}

// Resource is one typed object in a document.
type Resource struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id"`
	Attributes    json.RawMessage         `json:"attributes,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
}

// Decode unmarshals the resource attributes into v.
func (r Resource) Decode(v any) error {
	if len(r.Attributes) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Attributes, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", r.Type, r.ID, err)
	}
	return nil
}

// Ref returns the to-one relationship name of r.
func (r Resource) Ref(name string) (Identifier, bool) {
	rel, ok := r.Relationships[name]
	if !ok {
		return Identifier{}, false
	}
	return rel.Ref()
}

var errNotSingle = errors.New("backend: document data is not a single resource")

// One decodes the primary data as a single resource.
func (d Document) One() (Resource, error) {
	var r Resource
	trimmed := bytes.TrimSpace(d.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return r, errNotSingle
	}
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return r, fmt.Errorf("decode document data: %w", err)
	}
	return r, nil
}

// Many decodes the primary data as a list. A single object is returned as a
// one-element list.
func (d Document) Many() ([]Resource, error) {
	trimmed := bytes.TrimSpace(d.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '{' {
		r, err := d.One()
		if err != nil {
			return nil, err
		}
		return []Resource{r}, nil
	}
	var rs []Resource
	if err := json.Unmarshal(trimmed, &rs); err != nil {
		return nil, fmt.Errorf("decode document data: %w", err)
	}
	return rs, nil
}

// Resolve finds the included resource for ref.
func (d Document) Resolve(ref Identifier) (Resource, bool) {
	for _, r := range d.Included {
		if r.Type == ref.Type && r.ID == ref.ID {
			return r, true
		}
	}
	return Resource{}, false
}
