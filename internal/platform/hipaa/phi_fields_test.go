package hipaa

import (
	"testing"
)

func TestDefaultMaskingRules_UniqueFields(t *testing.T) {
	seen := make(map[string]bool)
	for _, r := range DefaultMaskingRules() {
		if r.Field == "" {
			t.Error("rule with empty field")
		}
		if seen[r.Field] {
			t.Errorf("duplicate rule for field %q", r.Field)
		}
		seen[r.Field] = true
	}
}

func TestDefaultMaskingRules_CoverSafeHarborCategories(t *testing.T) {
	rules := make(map[string]MaskingRule)
	for _, r := range DefaultMaskingRules() {
		rules[r.Field] = r
	}

	required := []string{
		"ssn", "nationalId", "medicalRecordNumber",
		"phone", "email", "fax",
		"firstName", "lastName", "address", "zipCode",
		"ipAddress", "deviceId",
		"dateOfBirth",
	}
	for _, f := range required {
		if _, ok := rules[f]; !ok {
			t.Errorf("missing masking rule for %q", f)
		}
	}

	if r := rules["ssn"]; r.Type != MaskFormat || r.VisibleChars != 4 {
		t.Errorf("ssn should keep the last four digits, got %+v", r)
	}
	if r := rules["deviceId"]; r.Type != MaskHash {
		t.Errorf("device ids should be hashed, got %+v", r)
	}
}

func TestAuditDetailFields_HaveRules(t *testing.T) {
	m := newTestMasker(t)
	for _, f := range auditDetailFields {
		if !m.IsPHIField(f) {
			t.Errorf("audit detail field %q has no masking rule", f)
		}
	}
}

func TestDefaultMaskingRules_ReturnsFreshSlice(t *testing.T) {
	a := DefaultMaskingRules()
	a[0].VisibleChars = 99
	if DefaultMaskingRules()[0].VisibleChars == 99 {
		t.Error("DefaultMaskingRules should not share state between calls")
	}
}
