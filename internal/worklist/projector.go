package worklist

import (
	"fmt"
	"strings"

	"github.com/careops/worklist/pkg/fhirmodels"
)

// ColumnExtensionURL is the extension url prefix under which user-defined
// panel column values are carried on upstream resources. The column id
// follows the "#" fragment.
const ColumnExtensionURL = "https://careops.dev/fhir/StructureDefinition/panel-column"

// MapTasksToWorklistTasks joins each task against the patient its subject
// reference points at. An unmatched reference yields empty name fields
// rather than dropping the row; one missing patient must never block the
// rest of the page.
func MapTasksToWorklistTasks(patients, tasks []fhirmodels.Resource) []WorklistTask {
	byID := indexByID(patients)

	out := make([]WorklistTask, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskRow(task, byID))
	}
	return out
}

// MapPatientsToWorklistPatients returns one row per patient, enriched with
// that patient's tasks. Each nested task carries the minimal patient
// backreference so task detail views render without a second lookup.
func MapPatientsToWorklistPatients(patients, tasks []fhirmodels.Resource) []WorklistPatient {
	byID := indexByID(patients)

	tasksByPatient := make(map[string][]WorklistTask)
	for _, task := range tasks {
		row := taskRow(task, byID)
		if row.PatientID != "" {
			tasksByPatient[row.PatientID] = append(tasksByPatient[row.PatientID], row)
		}
	}

	out := make([]WorklistPatient, 0, len(patients))
	for _, p := range patients {
		rows := tasksByPatient[p.ID()]
		out = append(out, WorklistPatient{
			ID:          p.ID(),
			Name:        p.HumanName(),
			BirthDate:   stringField(p, "birthDate"),
			Gender:      stringField(p, "gender"),
			TaskCount:   len(rows),
			TaskSummary: summarizeTasks(rows),
			Tasks:       rows,
			Columns:     columnValues(p),
		})
	}
	return out
}

// MapAppointmentsToWorklistAppointments is the three-way join of
// appointments against patients and locations.
func MapAppointmentsToWorklistAppointments(patients, appointments, locations []fhirmodels.Resource) []WorklistAppointment {
	patientsByID := indexByID(patients)
	locationsByID := indexByID(locations)

	out := make([]WorklistAppointment, 0, len(appointments))
	for _, appt := range appointments {
		patientID, locationID := appointmentActors(appt)

		row := WorklistAppointment{
			ID:         appt.ID(),
			Status:     stringField(appt, "status"),
			Start:      stringField(appt, "start"),
			End:        stringField(appt, "end"),
			PatientID:  patientID,
			LocationID: locationID,
			Columns:    columnValues(appt),
		}
		if p, ok := patientsByID[patientID]; ok {
			row.PatientName = p.HumanName()
			row.Patient = summarize(p)
		}
		if loc, ok := locationsByID[locationID]; ok {
			row.LocationName = loc.DisplayName()
		}
		out = append(out, row)
	}
	return out
}

func taskRow(task fhirmodels.Resource, patientsByID map[string]fhirmodels.Resource) WorklistTask {
	row := WorklistTask{
		ID:          task.ID(),
		Status:      stringField(task, "status"),
		Priority:    stringField(task, "priority"),
		Description: stringField(task, "description"),
		Columns:     columnValues(task),
	}

	ref := task.RefField("subject")
	if ref == "" {
		ref = task.RefField("for") // FHIR Task carries the patient in "for"
	}
	refType, refID := fhirmodels.ParseReference(ref)
	if refType != "Patient" {
		return row
	}

	row.PatientID = refID
	row.Patient = PatientSummary{ID: refID}
	if p, ok := patientsByID[refID]; ok {
		row.PatientName = p.HumanName()
		row.Patient = summarize(p)
	}
	return row
}

// appointmentActors picks the patient and location out of an appointment's
// participant list.
func appointmentActors(appt fhirmodels.Resource) (patientID, locationID string) {
	participants, ok := appt["participant"].([]any)
	if !ok {
		return "", ""
	}
	for _, raw := range participants {
		p, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		actor, ok := p["actor"].(map[string]any)
		if !ok {
			continue
		}
		ref, _ := actor["reference"].(string)
		switch refType, refID := fhirmodels.ParseReference(ref); refType {
		case "Patient":
			patientID = refID
		case "Location":
			locationID = refID
		}
	}
	return patientID, locationID
}

func summarize(p fhirmodels.Resource) PatientSummary {
	return PatientSummary{
		ID:        p.ID(),
		Name:      p.HumanName(),
		BirthDate: stringField(p, "birthDate"),
		Gender:    stringField(p, "gender"),
	}
}

func summarizeTasks(rows []WorklistTask) string {
	if len(rows) == 0 {
		return ""
	}
	open := 0
	for _, r := range rows {
		switch r.Status {
		case "completed", "cancelled", "rejected", "failed", "entered-in-error":
		default:
			open++
		}
	}
	return fmt.Sprintf("%d task(s), %d open", len(rows), open)
}

// columnValues extracts user-defined panel column values from a resource's
// extensions into the row's open column map.
func columnValues(r fhirmodels.Resource) map[string]any {
	extensions, ok := r["extension"].([]any)
	if !ok {
		return nil
	}

	var out map[string]any
	for _, raw := range extensions {
		ext, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		url, _ := ext["url"].(string)
		if !strings.HasPrefix(url, ColumnExtensionURL+"#") {
			continue
		}
		columnID := strings.TrimPrefix(url, ColumnExtensionURL+"#")
		if columnID == "" {
			continue
		}

		var value any
		for _, key := range []string{"valueString", "valueInteger", "valueDecimal", "valueBoolean", "valueDate"} {
			if v, ok := ext[key]; ok {
				value = v
				break
			}
		}
		if value == nil {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[columnID] = value
	}
	return out
}

func indexByID(items []fhirmodels.Resource) map[string]fhirmodels.Resource {
	byID := make(map[string]fhirmodels.Resource, len(items))
	for _, item := range items {
		if id := item.ID(); id != "" {
			byID[id] = item
		}
	}
	return byID
}

func stringField(r fhirmodels.Resource, key string) string {
	s, _ := r[key].(string)
	return s
}
