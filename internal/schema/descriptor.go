// Package schema owns tool descriptors: strict JSON-Schema validation of
// tool arguments and the TTL+LRU descriptor cache with single-flight fetch
// and disk persistence.
package schema

import (
	"encoding/json"
	"time"
)

// Descriptor is the immutable descriptor of one downstream tool. Instances
// handed out by the cache are clones; callers may hold them freely.
type Descriptor struct {
	// Name is the fully-qualified tool name, <server>.<tool>.
	Name string `json:"name"`

	// Server is the downstream server component of the name.
	Server string `json:"server"`

	// Description is the tool's human-readable description.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for the tool arguments.
	InputSchema json.RawMessage `json:"inputSchema"`

	// FetchedAt records when the descriptor was fetched downstream.
	FetchedAt time.Time `json:"fetchedAt"`
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	cp := *d
	if d.InputSchema != nil {
		cp.InputSchema = make(json.RawMessage, len(d.InputSchema))
		copy(cp.InputSchema, d.InputSchema)
	}
	return &cp
}
