package worklist

import (
	"sync"

	"github.com/careops/worklist/internal/cache"
)

// Selector memoizes a projection over the cache. The compute function runs
// only when the store revision has advanced past the revision captured at
// the last compute; a notification burst that touches nothing the selector
// reads costs one atomic compare, not a re-join.
type Selector[T any] struct {
	mu       sync.Mutex
	store    *cache.Store
	compute  func(*cache.Store) T
	revision uint64
	valid    bool
	value    T
}

func NewSelector[T any](store *cache.Store, compute func(*cache.Store) T) *Selector[T] {
	return &Selector[T]{store: store, compute: compute}
}

// Get returns the memoized value, recomputing if the store has changed.
func (s *Selector[T]) Get() T {
	rev := s.store.Revision()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid && rev == s.revision {
		return s.value
	}
	s.value = s.compute(s.store)
	s.revision = rev
	s.valid = true
	return s.value
}

// Projections bundles the memoized worklist selectors over one store.
type Projections struct {
	patients     *Selector[[]WorklistPatient]
	tasks        *Selector[[]WorklistTask]
	appointments *Selector[[]WorklistAppointment]
}

func NewProjections(store *cache.Store) *Projections {
	return &Projections{
		patients: NewSelector(store, func(s *cache.Store) []WorklistPatient {
			return MapPatientsToWorklistPatients(
				s.GetData(cache.TypePatient),
				s.GetData(cache.TypeTask),
			)
		}),
		tasks: NewSelector(store, func(s *cache.Store) []WorklistTask {
			return MapTasksToWorklistTasks(
				s.GetData(cache.TypePatient),
				s.GetData(cache.TypeTask),
			)
		}),
		appointments: NewSelector(store, func(s *cache.Store) []WorklistAppointment {
			return MapAppointmentsToWorklistAppointments(
				s.GetData(cache.TypePatient),
				s.GetData(cache.TypeAppointment),
				s.GetData(cache.TypeLocation),
			)
		}),
	}
}

func (p *Projections) Patients() []WorklistPatient         { return p.patients.Get() }
func (p *Projections) Tasks() []WorklistTask               { return p.tasks.Get() }
func (p *Projections) Appointments() []WorklistAppointment { return p.appointments.Get() }
