// Package worklist projects the normalized resource cache into the
// denormalized row models the dashboard tables render. Projections are pure
// functions of the cache contents; rows are recomputed, never stored.
package worklist

// PatientSummary is the minimal patient projection embedded in task and
// appointment rows, so detail views do not need a second cache lookup.
type PatientSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BirthDate string `json:"birthDate,omitempty"`
	Gender    string `json:"gender,omitempty"`
}

// WorklistTask is one row of a task panel. PatientName is "" when the
// task's subject reference resolves to no cached patient.
type WorklistTask struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority,omitempty"`
	Description string         `json:"description,omitempty"`
	PatientID   string         `json:"patientId"`
	PatientName string         `json:"patientName"`
	Patient     PatientSummary `json:"patient"`
	Columns     map[string]any `json:"columns,omitempty"`
}

// WorklistPatient is one row of a patient panel, carrying the patient's
// tasks both summarized and nested in full.
type WorklistPatient struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	BirthDate   string         `json:"birthDate,omitempty"`
	Gender      string         `json:"gender,omitempty"`
	TaskCount   int            `json:"taskCount"`
	TaskSummary string         `json:"taskSummary"`
	Tasks       []WorklistTask `json:"tasks,omitempty"`
	Columns     map[string]any `json:"columns,omitempty"`
}

// WorklistAppointment is one row of an appointment panel. Name fields are
// "" when the patient or location reference resolves to nothing cached.
type WorklistAppointment struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Start        string         `json:"start,omitempty"`
	End          string         `json:"end,omitempty"`
	PatientID    string         `json:"patientId"`
	PatientName  string         `json:"patientName"`
	Patient      PatientSummary `json:"patient"`
	LocationID   string         `json:"locationId"`
	LocationName string         `json:"locationName"`
	Columns      map[string]any `json:"columns,omitempty"`
}
