package hipaa

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newTestMasker(t *testing.T) *Masker {
	t.Helper()
	m, err := NewMasker(MaskerConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewMasker: %v", err)
	}
	return m
}

func TestNewMasker_InvalidMaskChar(t *testing.T) {
	for _, c := range []string{"**", "ab"} {
		_, err := NewMasker(MaskerConfig{MaskChar: c}, testLogger())
		if !errors.Is(err, ErrInvalidMaskChar) {
			t.Errorf("mask char %q: expected ErrInvalidMaskChar, got %v", c, err)
		}
	}
	if _, err := NewMasker(MaskerConfig{MaskChar: "#"}, testLogger()); err != nil {
		t.Errorf("single char should be accepted: %v", err)
	}
}

func TestMaskValue_FormatRules(t *testing.T) {
	m := newTestMasker(t)

	tests := []struct {
		field string
		in    any
		want  string
	}{
		{"ssn", "123-45-6789", "***-**-6789"},
		{"ssn", "123456789", "***-**-6789"},
		{"nationalId", "1234567890", "******7890"},
		{"phone", "555-123-4567", "(***) ***-4567"},
		{"phone", "1-555-123-4567", "1-***-***-4567"},
		{"phone", int64(5551234567), "(***) ***-4567"},
		{"email", "john.doe@example.com", "jo****************om"},
		{"ipAddress", "192.168.1.20", "***.***.***.***"},
		{"dateOfBirth", "1985-03-15", "****-**-** (1985)"},
		{"dateOfBirth", "03/15/1985", "****-**-** (1985)"},
		{"fax", "5551234567", "5551**4567"},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got := m.MaskValue(tt.in, tt.field)
			if got != tt.want {
				t.Errorf("MaskValue(%v, %q) = %v, want %q", tt.in, tt.field, got, tt.want)
			}
		})
	}
}

func TestMaskValue_SSNKeepsSuffix(t *testing.T) {
	m := newTestMasker(t)
	got := m.MaskString("123-45-6789", "ssn")
	if !strings.HasSuffix(got, "6789") {
		t.Errorf("expected suffix 6789, got %q", got)
	}
	if got == "123-45-6789" {
		t.Error("masked value must differ from input")
	}
}

func TestMaskValue_EmailFormatRule(t *testing.T) {
	m := newTestMasker(t)
	m.AddMaskingRule(MaskingRule{Field: "email", Type: MaskFormat})

	tests := map[string]string{
		"john.doe@example.com": "j***e@***.com",
		"ab@example.com":       "***@***.com",
		"user@localhost":       "u***r@***",
	}
	for in, want := range tests {
		if got := m.MaskString(in, "email"); got != want {
			t.Errorf("email %q: got %q, want %q", in, got, want)
		}
	}
}

func TestMaskValue_Partial(t *testing.T) {
	m := newTestMasker(t)

	if got := m.MaskString("MRN123456", "medicalRecordNumber"); got != "MRN***456" {
		t.Errorf("mrn: got %q", got)
	}
	// Too short for the visible window: at least three mask characters.
	if got := m.MaskString("Al", "firstName"); got != "***" {
		t.Errorf("short name: got %q", got)
	}
	if got := m.MaskString("12 Main St", "address"); got != "**********" {
		t.Errorf("address: got %q", got)
	}
	if got := m.MaskString("patient-42", "patientId"); got != "pa******42" {
		t.Errorf("patientId: got %q", got)
	}
}

func TestMaskValue_Full(t *testing.T) {
	m := newTestMasker(t)

	if got := m.MaskString("California", "state"); got != "**********" {
		t.Errorf("state: got %q", got)
	}
	if got := m.MaskString("secret", "unknownField"); got != "******" {
		t.Errorf("unknown field should be fully masked, got %q", got)
	}

	fixed := false
	m.AddMaskingRule(MaskingRule{Field: "notes", Type: MaskFull, PreserveLength: &fixed})
	if got := m.MaskString("long free text", "notes"); got != "***" {
		t.Errorf("fixed-length full mask: got %q", got)
	}
}

func TestMaskValue_NilAndEmpty(t *testing.T) {
	m := newTestMasker(t)
	if got := m.MaskValue(nil, "ssn"); got != nil {
		t.Errorf("nil should pass through, got %v", got)
	}
	if got := m.MaskValue("", "ssn"); got != "" {
		t.Errorf("empty should pass through, got %v", got)
	}
}

func TestMaskValue_Hash(t *testing.T) {
	m := newTestMasker(t)

	a := m.MaskString("device-001", "deviceId")
	b := m.MaskString("device-001", "deviceId")
	c := m.MaskString("device-002", "deviceId")

	if !strings.HasPrefix(a, "HASH_") {
		t.Fatalf("expected HASH_ prefix, got %q", a)
	}
	if a != b {
		t.Errorf("hash should be stable within a process: %q != %q", a, b)
	}
	if a == c {
		t.Errorf("different inputs produced the same hash %q", a)
	}
	// "a" has char code 97.
	if got := rollingHash("a"); got != "HASH_61" {
		t.Errorf("rollingHash(a) = %q, want HASH_61", got)
	}
}

func TestMaskValue_TokenizeIsRandom(t *testing.T) {
	m := newTestMasker(t)
	m.AddMaskingRule(MaskingRule{Field: "memberId", Type: MaskTokenize})

	a := m.MaskString("M-100", "memberId")
	b := m.MaskString("M-100", "memberId")
	if !strings.HasPrefix(a, "TOKEN_") {
		t.Fatalf("expected TOKEN_ prefix, got %q", a)
	}
	if a == b {
		t.Errorf("tokenize must not be deterministic, got %q twice", a)
	}
}

func TestMaskObject_DeepClone(t *testing.T) {
	m := newTestMasker(t)

	in := map[string]any{
		"ssn": "123-45-6789",
		"contact": map[string]any{
			"phone": "5551234567",
		},
		"phone": []any{"5551234567", "15551234567"},
		"relatives": []any{
			map[string]any{"firstName": "Maria"},
		},
	}

	out := m.MaskObject(in)

	if out["ssn"] != "***-**-6789" {
		t.Errorf("ssn: got %v", out["ssn"])
	}
	contact := out["contact"].(map[string]any)
	if contact["phone"] != "(***) ***-4567" {
		t.Errorf("nested phone: got %v", contact["phone"])
	}
	phones := out["phone"].([]any)
	if phones[0] != "(***) ***-4567" || phones[1] != "1-***-***-4567" {
		t.Errorf("phone array: got %v", phones)
	}
	rel := out["relatives"].([]any)[0].(map[string]any)
	if rel["firstName"] != "M***a" {
		t.Errorf("array of objects: got %v", rel["firstName"])
	}

	if in["ssn"] != "123-45-6789" {
		t.Error("input map was mutated")
	}
	if in["contact"].(map[string]any)["phone"] != "5551234567" {
		t.Error("nested input map was mutated")
	}
}

func TestMaskFields_OnlyNamed(t *testing.T) {
	m := newTestMasker(t)

	in := map[string]any{
		"patientId": "patient-42",
		"reason":    "follow-up",
		"nested":    map[string]any{"ssn": "123456789", "code": "A1"},
	}

	out := m.MaskFields(in, "patientId", "ssn")
	if out["reason"] != "follow-up" {
		t.Errorf("unselected field should pass through, got %v", out["reason"])
	}
	if out["patientId"] != "pa******42" {
		t.Errorf("patientId: got %v", out["patientId"])
	}
	nested := out["nested"].(map[string]any)
	if nested["ssn"] != "***-**-6789" || nested["code"] != "A1" {
		t.Errorf("nested: got %v", nested)
	}

	all := m.MaskFields(map[string]any{"city": "Boston", "status": "final"})
	if all["city"] != "Bo**on" || all["status"] != "final" {
		t.Errorf("rule-driven selection: got %v", all)
	}
}

func TestMasker_RulesAndStats(t *testing.T) {
	m := newTestMasker(t)

	if !m.IsPHIField("ssn") {
		t.Error("ssn should be a PHI field")
	}
	if m.IsPHIField("status") {
		t.Error("status should not be a PHI field")
	}

	before := m.Stats().TotalRules
	if before != len(DefaultMaskingRules()) {
		t.Errorf("expected %d rules, got %d", len(DefaultMaskingRules()), before)
	}
	if !m.RemoveMaskingRule("ssn") {
		t.Error("expected ssn rule to be removed")
	}
	if m.RemoveMaskingRule("ssn") {
		t.Error("second removal should report false")
	}

	stats := m.Stats()
	if stats.TotalRules != before-1 {
		t.Errorf("expected %d rules after removal, got %d", before-1, stats.TotalRules)
	}
	if stats.RulesByType["hash"] != 2 {
		t.Errorf("expected 2 hash rules, got %d", stats.RulesByType["hash"])
	}
	for i := 1; i < len(stats.PHIFields); i++ {
		if stats.PHIFields[i-1] > stats.PHIFields[i] {
			t.Fatal("PHI fields are not sorted")
		}
	}

	ok, errs := m.ValidateConfiguration()
	if !ok || len(errs) != 0 {
		t.Errorf("expected valid configuration, got %v", errs)
	}

	empty, err := NewMasker(MaskerConfig{Rules: []MaskingRule{}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := empty.ValidateConfiguration(); ok {
		t.Error("empty rule set should be reported")
	}
}
