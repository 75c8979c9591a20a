package auth

var (
	allActions   = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionSearch}
	crusActions  = []Action{ActionCreate, ActionRead, ActionUpdate, ActionSearch}
	readSearch   = []Action{ActionRead, ActionSearch}
	readOnlyPerm = []Action{ActionRead}
)

func perm(resource string, actions []Action, conds ...Condition) Permission {
	return Permission{
		Resource:   resource,
		Actions:    append([]Action(nil), actions...),
		Conditions: conds,
	}
}

// DefaultRoles returns the built-in role catalogue.
func DefaultRoles() []Role {
	return []Role{
		{
			ID:          "admin",
			Name:        "System Administrator",
			Description: "Full system access for administrative tasks",
			IsActive:    true,
			Permissions: []Permission{perm("*", allActions)},
		},
		{
			ID:          "physician",
			Name:        "Physician",
			Description: "Medical doctor with full patient care access",
			IsActive:    true,
			Permissions: []Permission{
				perm("Patient", crusActions),
				perm("Observation", crusActions),
				perm("DiagnosticReport", crusActions),
				perm("Medication", crusActions),
				perm("Procedure", crusActions),
			},
			Restrictions: []Restriction{{
				Type:        "data_access",
				Rule:        RuleOwnPatientsOnly,
				Description: "Can only access patients under their care",
			}},
		},
		{
			ID:          "nurse",
			Name:        "Nurse",
			Description: "Nursing staff with patient care access",
			IsActive:    true,
			Permissions: []Permission{
				perm("Patient", []Action{ActionRead, ActionUpdate, ActionSearch}),
				perm("Observation", crusActions),
				perm("Medication", readSearch),
			},
			Restrictions: []Restriction{{
				Type:        "data_access",
				Rule:        RuleAssignedPatientsOnly,
				Description: "Can only access assigned patients",
			}},
		},
		{
			ID:          "pharmacist",
			Name:        "Pharmacist",
			Description: "Pharmacy staff with medication management access",
			IsActive:    true,
			Permissions: []Permission{
				perm("Patient", readSearch, Condition{Field: "accessReason", Operator: OpEquals, Value: "medication_dispensing"}),
				perm("Medication", crusActions),
				perm("MedicationDispense", crusActions),
			},
		},
		{
			ID:          "receptionist",
			Name:        "Receptionist",
			Description: "Front desk staff with scheduling and demographic access",
			IsActive:    true,
			Permissions: []Permission{
				perm("Patient", crusActions, Condition{
					Field:    "dataType",
					Operator: OpIn,
					Value:    []any{"demographics", "contact", "insurance"},
				}),
				perm("Appointment", allActions),
			},
			Restrictions: []Restriction{{
				Type:        "field_access",
				Rule:        RuleNoClinicalData,
				Description: "Cannot access clinical data",
			}},
		},
		{
			ID:          "lab_tech",
			Name:        "Laboratory Technician",
			Description: "Lab staff with diagnostic testing access",
			IsActive:    true,
			Permissions: []Permission{
				perm("Patient", readSearch, Condition{Field: "accessReason", Operator: OpEquals, Value: "lab_testing"}),
				perm("DiagnosticReport", crusActions),
				perm("Specimen", crusActions),
			},
		},
		{
			ID:          "auditor",
			Name:        "Compliance Auditor",
			Description: "Read-only access for compliance auditing",
			IsActive:    true,
			Permissions: []Permission{perm("*", readSearch)},
			Restrictions: []Restriction{{
				Type:        "access_mode",
				Rule:        RuleReadOnly,
				Description: "Read-only access to all resources",
			}},
		},
		{
			ID:          "patient",
			Name:        "Patient",
			Description: "Patient access to own health records",
			IsActive:    true,
			Permissions: []Permission{
				perm("Patient", readOnlyPerm, Condition{Field: "patientId", Operator: OpEquals, Value: selfValue}),
				perm("Observation", readOnlyPerm, Condition{Field: "subject.reference", Operator: OpEquals, Value: selfValue}),
				perm("DiagnosticReport", readOnlyPerm, Condition{Field: "subject.reference", Operator: OpEquals, Value: selfValue}),
			},
			Restrictions: []Restriction{{
				Type:        "data_access",
				Rule:        RuleOwnDataOnly,
				Description: "Can only access own health data",
			}},
		},
	}
}
