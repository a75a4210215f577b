package worklist

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/careops/worklist/internal/cache"
	"github.com/careops/worklist/pkg/fhirmodels"
)

func TestSelectorRecomputesOnlyOnRevisionChange(t *testing.T) {
	store := cache.NewStore(zerolog.Nop())

	computes := 0
	sel := NewSelector(store, func(s *cache.Store) int {
		computes++
		return s.Count(cache.TypePatient)
	})

	if got := sel.Get(); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
	sel.Get()
	sel.Get()
	if computes != 1 {
		t.Errorf("expected 1 compute for an unchanged store, got %d", computes)
	}

	store.SetItem(cache.TypePatient, fhirmodels.Resource{"resourceType": "Patient", "id": "p1"})
	if got := sel.Get(); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if computes != 2 {
		t.Errorf("expected recompute after mutation, got %d computes", computes)
	}
}

func TestProjectionsTrackStore(t *testing.T) {
	store := cache.NewStore(zerolog.Nop())
	proj := NewProjections(store)

	if rows := proj.Tasks(); len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}

	store.SetData(cache.TypePatient, []fhirmodels.Resource{patient("1", "Homer", "Simpson")})
	store.SetData(cache.TypeTask, []fhirmodels.Resource{taskFor("t1", "Patient/1", "ready")})

	rows := proj.Tasks()
	if len(rows) != 1 || rows[0].PatientName != "Homer Simpson" {
		t.Errorf("projection did not track store: %+v", rows)
	}

	patients := proj.Patients()
	if len(patients) != 1 || patients[0].TaskCount != 1 {
		t.Errorf("patient projection wrong: %+v", patients)
	}
}
