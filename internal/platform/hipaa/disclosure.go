package hipaa

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Disclosure purposes outside treatment, payment and operations that must
// appear in a patient's accounting of disclosures.
const (
	PurposePublicHealth    = "public-health"
	PurposeResearch        = "research"
	PurposeLawEnforcement  = "law-enforcement"
	PurposeJudicial        = "judicial"
	PurposeWorkerComp      = "workers-comp"
	PurposeDecedent        = "decedent"
	PurposeOrganDonation   = "organ-donation"
	PurposeHealthOversight = "health-oversight"
	PurposeOther           = "other"
)

// DisclosureAction is the audit action recorded for a disclosure.
const DisclosureAction = "disclose"

// DisclosureWindow is how far back an accounting of disclosures reaches.
const DisclosureWindow = 6 * 365 * 24 * time.Hour

// ErrInvalidDisclosure is returned when a disclosure is missing a required
// field or names an unknown purpose.
var ErrInvalidDisclosure = errors.New("invalid disclosure")

// ValidDisclosurePurposes returns the recognized purpose values.
func ValidDisclosurePurposes() []string {
	return []string{
		PurposePublicHealth,
		PurposeResearch,
		PurposeLawEnforcement,
		PurposeJudicial,
		PurposeWorkerComp,
		PurposeDecedent,
		PurposeOrganDonation,
		PurposeHealthOversight,
		PurposeOther,
	}
}

// IsValidDisclosurePurpose reports whether purpose is recognized.
func IsValidDisclosurePurpose(purpose string) bool {
	for _, p := range ValidDisclosurePurposes() {
		if p == purpose {
			return true
		}
	}
	return false
}

// Disclosure is a release of a patient's PHI to a third party. Disclosures
// are stored as export audit entries so they share the audit log's
// retention and sinks.
type Disclosure struct {
	ID              string    `json:"id,omitempty"`
	PatientID       string    `json:"patientId"`
	DisclosedTo     string    `json:"disclosedTo"`
	DisclosedToType string    `json:"disclosedToType,omitempty"`
	Purpose         string    `json:"purpose"`
	ResourceTypes   []string  `json:"resourceTypes,omitempty"`
	Method          string    `json:"method,omitempty"`
	Description     string    `json:"description,omitempty"`
	DisclosedBy     string    `json:"disclosedBy"`
	IPAddress       string    `json:"ipAddress,omitempty"`
	DateDisclosed   time.Time `json:"dateDisclosed"`
}

func (d Disclosure) validate() error {
	switch {
	case d.PatientID == "":
		return fmt.Errorf("%w: patientId is required", ErrInvalidDisclosure)
	case d.DisclosedTo == "":
		return fmt.Errorf("%w: disclosedTo is required", ErrInvalidDisclosure)
	case d.DisclosedBy == "":
		return fmt.Errorf("%w: disclosedBy is required", ErrInvalidDisclosure)
	case !IsValidDisclosurePurpose(d.Purpose):
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidDisclosure, d.Purpose)
	}
	return nil
}

// RecordDisclosure validates d and logs it. The returned id is the audit
// entry id.
func (a *AuditLogger) RecordDisclosure(ctx context.Context, d Disclosure) (string, error) {
	if err := d.validate(); err != nil {
		return "", err
	}
	resources := make([]any, len(d.ResourceTypes))
	for i, r := range d.ResourceTypes {
		resources[i] = r
	}
	return a.LogEvent(ctx, AuditEvent{
		EventType:    EventExport,
		UserID:       d.DisclosedBy,
		PatientID:    d.PatientID,
		Action:       DisclosureAction,
		Outcome:      OutcomeSuccess,
		ResourceType: "disclosure",
		IPAddress:    d.IPAddress,
		Details: map[string]any{
			"disclosedTo":     d.DisclosedTo,
			"disclosedToType": d.DisclosedToType,
			"purpose":         d.Purpose,
			"resourceTypes":   resources,
			"method":          d.Method,
			"description":     d.Description,
		},
	})
}

// Disclosures returns the accounting of disclosures for a patient between
// from and to, newest first. A zero from reaches back DisclosureWindow from
// to; a zero to means now.
func (a *AuditLogger) Disclosures(patientID string, from, to time.Time) []Disclosure {
	if to.IsZero() {
		to = a.now()
	}
	if from.IsZero() {
		from = to.Add(-DisclosureWindow)
	}
	entries := a.GetAuditLogs(AuditFilter{
		PatientID: patientID,
		EventType: EventExport,
		Action:    DisclosureAction,
		StartDate: from,
		EndDate:   to,
	})
	out := make([]Disclosure, 0, len(entries))
	for _, e := range entries {
		out = append(out, disclosureFromEntry(e))
	}
	return out
}

func disclosureFromEntry(e AuditEntry) Disclosure {
	d := Disclosure{
		ID:              e.ID,
		PatientID:       e.PatientID,
		DisclosedBy:     e.UserID,
		IPAddress:       e.IPAddress,
		DateDisclosed:   e.Timestamp,
		DisclosedTo:     detailString(e.Details, "disclosedTo"),
		DisclosedToType: detailString(e.Details, "disclosedToType"),
		Purpose:         detailString(e.Details, "purpose"),
		Method:          detailString(e.Details, "method"),
		Description:     detailString(e.Details, "description"),
	}
	switch rs := e.Details["resourceTypes"].(type) {
	case []any:
		for _, r := range rs {
			if s, ok := r.(string); ok {
				d.ResourceTypes = append(d.ResourceTypes, s)
			}
		}
	case []string:
		d.ResourceTypes = append(d.ResourceTypes, rs...)
	}
	return d
}

func detailString(details map[string]any, key string) string {
	s, _ := details[key].(string)
	return s
}
