// Package fhirmodels holds the FHIR R4 wire types the gateway exchanges
// with the upstream resource API. Resources themselves are handled as
// opaque documents (see Resource); the structs here cover the primitives
// and the Bundle envelope that need real decoding.
package fhirmodels

import (
	"fmt"
	"strings"
	"time"
)

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type Annotation struct {
	AuthorString string     `json:"authorString,omitempty"`
	Time         *time.Time `json:"time,omitempty"`
	Text         string     `json:"text"`
}

// OperationOutcome represents a FHIR OperationOutcome returned on errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// Diagnostics returns the first human-readable message carried by the
// outcome, or "" if it carries none.
func (o *OperationOutcome) Diagnostics() string {
	for _, issue := range o.Issue {
		if issue.Diagnostics != "" {
			return issue.Diagnostics
		}
		if issue.Details != nil && issue.Details.Text != "" {
			return issue.Details.Text
		}
	}
	return ""
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ParseReference splits a "Type/id" reference string. Returns empty strings
// for references it cannot split (contained, absolute URL, empty).
func ParseReference(ref string) (resourceType, id string) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}

// FormatHumanName renders a HumanName as "Given Family". Empty components
// are skipped so a partial name still renders.
func FormatHumanName(n HumanName) string {
	parts := make([]string, 0, len(n.Given)+1)
	parts = append(parts, n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.Join(parts, " ")
}
