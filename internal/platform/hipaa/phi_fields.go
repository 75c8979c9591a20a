package hipaa

// MaskType selects how a masking rule transforms a value.
type MaskType string

const (
	MaskFull     MaskType = "full"
	MaskPartial  MaskType = "partial"
	MaskFormat   MaskType = "format"
	MaskHash     MaskType = "hash"
	MaskTokenize MaskType = "tokenize"
)

// MaskingRule describes how one named field is masked.
type MaskingRule struct {
	// Field is the JSON key the rule applies to (e.g. "ssn").
	Field string   `json:"field" toml:"field"`
	Type  MaskType `json:"type" toml:"type"`
	// PreserveFormat is informational; format masking always keeps the
	// separators of the recognised shape.
	PreserveFormat bool `json:"preserveFormat,omitempty" toml:"preserve_format"`
	// VisibleChars is the number of characters kept at each end for partial
	// masking, and the minimum reveal threshold for format masking.
	VisibleChars int `json:"visibleChars,omitempty" toml:"visible_chars"`
	// PreserveLength controls full masking. nil means true; false yields a
	// fixed "***".
	PreserveLength *bool `json:"preserveLength,omitempty" toml:"preserve_length"`
}

// DefaultMaskingRules returns the masking rules for the identifier categories
// of the HIPAA Safe Harbor de-identification standard (45 CFR 164.514(b)(2))
// that the security subsystem expects to see in request payloads and audit
// details:
//
//   - Direct identifiers (SSN, national id, MRN, account numbers)
//   - Contact information (phone, fax, email)
//   - Names and geographic data smaller than a state
//   - Technical identifiers (IP, URL, device and biometric ids)
//   - Dates more specific than the year
//
// Fields without a rule fall back to full masking in MaskObject.
func DefaultMaskingRules() []MaskingRule {
	return []MaskingRule{
		{Field: "ssn", Type: MaskFormat, PreserveFormat: true, VisibleChars: 4},
		{Field: "nationalId", Type: MaskFormat, PreserveFormat: true, VisibleChars: 4},
		{Field: "medicalRecordNumber", Type: MaskPartial, VisibleChars: 3},
		{Field: "accountNumber", Type: MaskPartial, VisibleChars: 4},
		{Field: "patientId", Type: MaskPartial, VisibleChars: 2},

		{Field: "phone", Type: MaskFormat, PreserveFormat: true, VisibleChars: 4},
		{Field: "email", Type: MaskPartial, VisibleChars: 2},
		{Field: "fax", Type: MaskFormat, PreserveFormat: true, VisibleChars: 4},

		{Field: "firstName", Type: MaskPartial, VisibleChars: 1},
		{Field: "lastName", Type: MaskPartial, VisibleChars: 1},
		{Field: "middleName", Type: MaskPartial, VisibleChars: 1},
		{Field: "address", Type: MaskPartial, VisibleChars: 0},
		{Field: "city", Type: MaskPartial, VisibleChars: 2},
		{Field: "state", Type: MaskFull},
		{Field: "zipCode", Type: MaskPartial, VisibleChars: 2},

		{Field: "ipAddress", Type: MaskFormat, PreserveFormat: true, VisibleChars: 0},
		{Field: "webUrl", Type: MaskPartial, VisibleChars: 0},
		{Field: "deviceId", Type: MaskHash},
		{Field: "biometricId", Type: MaskHash},

		// Dates keep only the year.
		{Field: "dateOfBirth", Type: MaskFormat, PreserveFormat: true, VisibleChars: 4},
		{Field: "admissionDate", Type: MaskFormat, PreserveFormat: true, VisibleChars: 4},
		{Field: "dischargeDate", Type: MaskFormat, PreserveFormat: true, VisibleChars: 4},
	}
}

// auditDetailFields are the keys masked inside audit entry details before
// they reach the process log.
var auditDetailFields = []string{"patientId", "ssn", "nationalId", "phone", "email", "address"}
