package hipaa

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsValidDisclosurePurpose(t *testing.T) {
	for _, p := range ValidDisclosurePurposes() {
		if !IsValidDisclosurePurpose(p) {
			t.Errorf("expected %q to be valid", p)
		}
	}
	for _, p := range []string{"", "treatment", "marketing", "Research"} {
		if IsValidDisclosurePurpose(p) {
			t.Errorf("expected %q to be invalid", p)
		}
	}
}

func TestRecordDisclosure_Validation(t *testing.T) {
	a := newTestAuditLogger(t, AuditLoggerConfig{}, testLogger())
	valid := Disclosure{
		PatientID:   "p1",
		DisclosedTo: "County Health Dept",
		Purpose:     PurposePublicHealth,
		DisclosedBy: "dr1",
	}

	tests := []struct {
		name   string
		mutate func(*Disclosure)
	}{
		{"missing patient", func(d *Disclosure) { d.PatientID = "" }},
		{"missing recipient", func(d *Disclosure) { d.DisclosedTo = "" }},
		{"missing discloser", func(d *Disclosure) { d.DisclosedBy = "" }},
		{"unknown purpose", func(d *Disclosure) { d.Purpose = "marketing" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			if _, err := a.RecordDisclosure(context.Background(), d); !errors.Is(err, ErrInvalidDisclosure) {
				t.Errorf("expected ErrInvalidDisclosure, got %v", err)
			}
		})
	}
	if s := a.Stats(); s.TotalLogs != 0 {
		t.Errorf("rejected disclosures must not be logged, got %d entries", s.TotalLogs)
	}
}

func TestRecordDisclosure_StoredAsExport(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestAuditLogger(t, AuditLoggerConfig{}, testLogger(), WithAuditClock(clock.Now))

	id, err := a.RecordDisclosure(context.Background(), Disclosure{
		PatientID:     "p1",
		DisclosedTo:   "State Registry",
		Purpose:       PurposeResearch,
		ResourceTypes: []string{"Observation", "Condition"},
		Method:        "api",
		DisclosedBy:   "dr1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, ok := a.GetAuditLog(id)
	if !ok {
		t.Fatal("disclosure entry not found")
	}
	if e.EventType != EventExport || e.Action != DisclosureAction || e.UserID != "dr1" || e.PatientID != "p1" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestDisclosures_Accounting(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestAuditLogger(t, AuditLoggerConfig{}, testLogger(), WithAuditClock(clock.Now))
	ctx := context.Background()

	record := func(patient, purpose string) string {
		t.Helper()
		id, err := a.RecordDisclosure(ctx, Disclosure{
			PatientID:     patient,
			DisclosedTo:   "Recipient",
			Purpose:       purpose,
			ResourceTypes: []string{"Patient"},
			DisclosedBy:   "dr1",
		})
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Hour)
		return id
	}

	old := record("p1", PurposeJudicial)
	clock.Advance(7 * 365 * 24 * time.Hour)
	first := record("p1", PurposePublicHealth)
	record("p2", PurposeResearch)
	last := record("p1", PurposeLawEnforcement)

	// A plain export of the same patient is not a disclosure.
	if _, err := a.LogEvent(ctx, AuditEvent{EventType: EventExport, UserID: "dr1", PatientID: "p1", Action: "export", Outcome: OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}

	got := a.Disclosures("p1", time.Time{}, time.Time{})
	if len(got) != 2 {
		t.Fatalf("expected 2 disclosures inside the window, got %d", len(got))
	}
	if got[0].ID != last || got[1].ID != first {
		t.Error("disclosures are not newest first")
	}
	for _, d := range got {
		if d.ID == old {
			t.Error("disclosure older than the accounting window was returned")
		}
	}
	if got[0].Purpose != PurposeLawEnforcement || got[0].DisclosedTo != "Recipient" {
		t.Errorf("details not restored: %+v", got[0])
	}
	if len(got[0].ResourceTypes) != 1 || got[0].ResourceTypes[0] != "Patient" {
		t.Errorf("resource types not restored: %v", got[0].ResourceTypes)
	}

	all := a.Disclosures("p1", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	if len(all) != 3 {
		t.Errorf("explicit window should include the old disclosure, got %d", len(all))
	}
}
