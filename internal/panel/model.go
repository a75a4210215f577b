// Package panel defines the gateway's worklist-definition documents: a
// panel names a set of columns over one resource collection, and a view is
// a saved sort/filter arrangement of a panel. Both are stored upstream as
// plain documents and cached like any other resource; this package gives
// them typed shapes for the HTTP surface and for column editing.
package panel

import (
	"encoding/json"
	"fmt"

	"github.com/careops/worklist/pkg/fhirmodels"
)

// Column value types understood by the dashboard renderer.
const (
	ColumnTypeString  = "string"
	ColumnTypeNumber  = "number"
	ColumnTypeDate    = "date"
	ColumnTypeBoolean = "boolean"
	ColumnTypeSelect  = "select"
)

// ColumnDef describes one panel column. Key is either a well-known worklist
// row field or a user-defined column id resolved through the row's open
// column map.
type ColumnDef struct {
	ID      string   `json:"id"`
	Key     string   `json:"key"`
	Title   string   `json:"title"`
	Type    string   `json:"type"`
	Width   int      `json:"width,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Panel is a named column arrangement over one resource collection.
type Panel struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Collection   string      `json:"collection"` // "patients", "tasks", "appointments"
	Columns      []ColumnDef `json:"columns,omitempty"`
}

// SortRule orders a view by one column.
type SortRule struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// FilterRule restricts a view to rows matching one predicate.
type FilterRule struct {
	Column string `json:"column"`
	Op     string `json:"op"` // "eq", "ne", "contains", "gt", "lt"
	Value  string `json:"value"`
}

// View is a saved sort/filter arrangement of a panel.
type View struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	PanelID      string       `json:"panelId"`
	Name         string       `json:"name"`
	Sort         []SortRule   `json:"sort,omitempty"`
	Filters      []FilterRule `json:"filters,omitempty"`
}

// ToResource converts a typed document to the opaque form the cache and
// the upstream API work with.
func (p Panel) ToResource() fhirmodels.Resource {
	p.ResourceType = "Panel"
	return toResource(p)
}

// ToResource converts a typed view document to its opaque form.
func (v View) ToResource() fhirmodels.Resource {
	v.ResourceType = "View"
	return toResource(v)
}

// PanelFromResource decodes a cached panel document.
func PanelFromResource(r fhirmodels.Resource) (Panel, error) {
	var p Panel
	if err := fromResource(r, &p); err != nil {
		return Panel{}, fmt.Errorf("decode panel: %w", err)
	}
	return p, nil
}

// ViewFromResource decodes a cached view document.
func ViewFromResource(r fhirmodels.Resource) (View, error) {
	var v View
	if err := fromResource(r, &v); err != nil {
		return View{}, fmt.Errorf("decode view: %w", err)
	}
	return v, nil
}

// FindColumn returns the index of the column with the given id, or -1.
func (p Panel) FindColumn(columnID string) int {
	for i, c := range p.Columns {
		if c.ID == columnID {
			return i
		}
	}
	return -1
}

// WithColumnAdded returns a copy of p with col appended.
func (p Panel) WithColumnAdded(col ColumnDef) Panel {
	out := p
	out.Columns = append(append([]ColumnDef{}, p.Columns...), col)
	return out
}

// WithColumnUpdated returns a copy of p with the column matching col.ID
// replaced. An unknown column id is an error; silently appending would turn
// a stale edit into a duplicate column.
func (p Panel) WithColumnUpdated(col ColumnDef) (Panel, error) {
	i := p.FindColumn(col.ID)
	if i < 0 {
		return Panel{}, fmt.Errorf("panel %s has no column %s", p.ID, col.ID)
	}
	out := p
	out.Columns = append([]ColumnDef{}, p.Columns...)
	out.Columns[i] = col
	return out, nil
}

// WithColumnRemoved returns a copy of p without the named column.
func (p Panel) WithColumnRemoved(columnID string) (Panel, error) {
	i := p.FindColumn(columnID)
	if i < 0 {
		return Panel{}, fmt.Errorf("panel %s has no column %s", p.ID, columnID)
	}
	out := p
	out.Columns = append([]ColumnDef{}, p.Columns[:i]...)
	out.Columns = append(out.Columns, p.Columns[i+1:]...)
	return out, nil
}

func toResource(v any) fhirmodels.Resource {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out fhirmodels.Resource
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func fromResource(r fhirmodels.Resource, dst any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
