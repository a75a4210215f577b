// Package cache holds the gateway's normalized in-memory resource cache:
// one keyed table per resource type, pagination cursors, and the ephemeral
// save states of in-flight mutations. The store is the single shared
// mutable state in the process; the sync coordinator and the live-update
// listener are its only writers, and every mutation fires the change
// notification bus exactly once.
package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/worklist/pkg/fhirmodels"
)

// ResourceType identifies one cache table.
type ResourceType string

const (
	TypePatient     ResourceType = "Patient"
	TypeTask        ResourceType = "Task"
	TypeAppointment ResourceType = "Appointment"
	TypeLocation    ResourceType = "Location"

	// Panel and View are the gateway's own worklist-definition documents.
	// They live in the same cache and move through the same mutation path
	// as the FHIR types, but are never fed by the upstream push channel.
	TypePanel ResourceType = "Panel"
	TypeView  ResourceType = "View"
)

// FHIRTypes lists the types loaded from and pushed by the upstream server.
func FHIRTypes() []ResourceType {
	return []ResourceType{TypePatient, TypeTask, TypeAppointment, TypeLocation}
}

// StoredRecord wraps one cached resource with its bookkeeping.
type StoredRecord struct {
	ResourceType ResourceType
	ID           string
	Data         fhirmodels.Resource
	LastUpdated  time.Time
}

// Store is the normalized resource cache. At most one record exists per
// (type, id) pair; writes are last-writer-wins with no version
// reconciliation. All access goes through Store methods.
type Store struct {
	mu       sync.RWMutex
	log      zerolog.Logger
	bus      *Bus
	tables   map[ResourceType]map[string]StoredRecord
	pages    map[ResourceType]PageState
	saves    map[string]SaveState
	revision uint64

	now func() time.Time
}

func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:    log,
		bus:    NewBus(),
		tables: make(map[ResourceType]map[string]StoredRecord),
		pages:  make(map[ResourceType]PageState),
		saves:  make(map[string]SaveState),
		now:    time.Now,
	}
}

// Subscribe registers a change listener on the store's bus.
func (s *Store) Subscribe(fn func()) func() {
	return s.bus.Subscribe(fn)
}

// Bus exposes the notification bus for callers that need to signal state
// changes that live outside the store's tables, such as loading flags.
func (s *Store) Bus() *Bus {
	return s.bus
}

// Revision returns a counter that advances on every mutation. Memoized
// selectors compare it to decide whether their cached projection is stale.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// SetItem inserts or replaces the record for item's id, stamping
// lastUpdated. Items without an id are dropped with a warning; a keyless
// record could never be replaced or removed again.
func (s *Store) SetItem(rt ResourceType, item fhirmodels.Resource) {
	id := item.ID()
	if id == "" {
		s.log.Warn().Str("resource_type", string(rt)).Msg("cache: dropping item without id")
		return
	}

	s.mu.Lock()
	s.putLocked(rt, id, item)
	s.revision++
	s.mu.Unlock()

	s.bus.Notify()
}

// GetItem returns the cached resource or nil when absent. It never errors.
func (s *Store) GetItem(rt ResourceType, id string) fhirmodels.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tables[rt][id]
	if !ok {
		return nil
	}
	return rec.Data
}

// RemoveItem deletes the record if present. It is idempotent and notifies
// either way, so consumers tracking a pending delete always get their
// re-check signal.
func (s *Store) RemoveItem(rt ResourceType, id string) {
	s.mu.Lock()
	delete(s.tables[rt], id)
	s.revision++
	s.mu.Unlock()

	s.bus.Notify()
}

// SetData replaces the whole table for rt with items. Used for the initial
// bulk load. Items without an id are silently skipped. One notification for
// the whole batch.
func (s *Store) SetData(rt ResourceType, items []fhirmodels.Resource) {
	s.mu.Lock()
	s.tables[rt] = make(map[string]StoredRecord, len(items))
	for _, item := range items {
		if id := item.ID(); id != "" {
			s.putLocked(rt, id, item)
		}
	}
	s.revision++
	s.mu.Unlock()

	s.bus.Notify()
}

// UpdateData merges items into the table for rt without clearing it first.
// Used for "load more" pages and push-driven batches. One notification for
// the whole batch.
func (s *Store) UpdateData(rt ResourceType, items []fhirmodels.Resource) {
	s.mu.Lock()
	for _, item := range items {
		if id := item.ID(); id != "" {
			s.putLocked(rt, id, item)
		}
	}
	s.revision++
	s.mu.Unlock()

	s.bus.Notify()
}

// GetData returns a snapshot slice of all cached resources for rt, in
// unspecified order. The documents themselves are shared; callers treat
// them as read-only.
func (s *Store) GetData(rt ResourceType) []fhirmodels.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fhirmodels.Resource, 0, len(s.tables[rt]))
	for _, rec := range s.tables[rt] {
		out = append(out, rec.Data)
	}
	return out
}

// Count returns the number of cached records for rt.
func (s *Store) Count(rt ResourceType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[rt])
}

// ClearData empties one table and its pagination state.
func (s *Store) ClearData(rt ResourceType) {
	s.mu.Lock()
	delete(s.tables, rt)
	delete(s.pages, rt)
	s.revision++
	s.mu.Unlock()

	s.bus.Notify()
}

// ClearAllData empties every table, all pagination state, and all save
// states.
func (s *Store) ClearAllData() {
	s.mu.Lock()
	s.tables = make(map[ResourceType]map[string]StoredRecord)
	s.pages = make(map[ResourceType]PageState)
	s.saves = make(map[string]SaveState)
	s.revision++
	s.mu.Unlock()

	s.bus.Notify()
}

func (s *Store) putLocked(rt ResourceType, id string, item fhirmodels.Resource) {
	table := s.tables[rt]
	if table == nil {
		table = make(map[string]StoredRecord)
		s.tables[rt] = table
	}
	table[id] = StoredRecord{
		ResourceType: rt,
		ID:           id,
		Data:         item,
		LastUpdated:  s.now(),
	}
}
