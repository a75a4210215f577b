package fhirmodels

import (
	"encoding/json"
	"time"
)

// Resource is an opaque FHIR resource document. The gateway does not model
// clinical semantics; it only needs the identity fields (resourceType, id),
// meta.lastUpdated, and a handful of join keys that the worklist
// projections read.
type Resource map[string]any

// ID returns the resource id, or "" if absent.
func (r Resource) ID() string {
	return r.stringField("id")
}

// ResourceType returns the resourceType field, or "" if absent.
func (r Resource) ResourceType() string {
	return r.stringField("resourceType")
}

// SetID sets the resource id in place.
func (r Resource) SetID(id string) {
	r["id"] = id
}

// LastUpdated returns meta.lastUpdated if present and parseable.
func (r Resource) LastUpdated() (time.Time, bool) {
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	raw, ok := meta["lastUpdated"].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// RefField resolves a reference-typed field ("subject", "for", "location")
// to its "Type/id" string, or "" if the field is absent or not a reference.
func (r Resource) RefField(field string) string {
	ref, ok := r[field].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := ref["reference"].(string)
	return s
}

// HumanName formats the resource's first name entry ("Given Family").
// Returns "" when the resource has no usable name.
func (r Resource) HumanName() string {
	names, ok := r["name"].([]any)
	if !ok || len(names) == 0 {
		return ""
	}
	first, ok := names[0].(map[string]any)
	if !ok {
		return ""
	}
	var n HumanName
	n.Family, _ = first["family"].(string)
	if given, ok := first["given"].([]any); ok {
		for _, g := range given {
			if s, ok := g.(string); ok {
				n.Given = append(n.Given, s)
			}
		}
	}
	return FormatHumanName(n)
}

// DisplayName returns the resource's "name" field when it is a plain string
// (Location, and the gateway's own panel documents use this shape).
func (r Resource) DisplayName() string {
	return r.stringField("name")
}

// Clone returns a deep copy. Snapshots taken for optimistic rollback must
// not alias the live document.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out Resource
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func (r Resource) stringField(key string) string {
	s, _ := r[key].(string)
	return s
}
