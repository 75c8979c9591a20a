package auth

import (
	"context"
	"fmt"
	"strings"
)

// Operator compares a context value against a condition value.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
)

func validOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpIn, OpNotIn:
		return true
	}
	return false
}

// selfValue in a condition stands for the requesting user.
const selfValue = "self"

// Condition constrains a permission. Field is looked up in the access data,
// then the environment; dotted fields walk nested data maps.
type Condition struct {
	Field    string   `json:"field" toml:"field"`
	Operator Operator `json:"operator" toml:"operator"`
	Value    any      `json:"value" toml:"value"`
}

func evaluateConditions(conds []Condition, ac AccessContext) bool {
	for _, c := range conds {
		if !evaluateCondition(c, ac) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, ac AccessContext) bool {
	v := contextValue(c.Field, ac)

	switch c.Operator {
	case OpEquals:
		return conditionEquals(v, c.Value, ac.UserID)
	case OpNotEquals:
		return !conditionEquals(v, c.Value, ac.UserID)
	case OpContains:
		s, ok := v.(string)
		want, ok2 := c.Value.(string)
		return ok && ok2 && strings.Contains(s, want)
	case OpIn:
		list, ok := toList(c.Value)
		return ok && listContains(list, v, ac.UserID)
	case OpNotIn:
		list, ok := toList(c.Value)
		return ok && !listContains(list, v, ac.UserID)
	}
	return false
}

func contextValue(field string, ac AccessContext) any {
	if strings.Contains(field, ".") {
		return nestedValue(ac.Data, strings.Split(field, "."))
	}
	if v, ok := ac.Data[field]; ok && !isEmpty(v) {
		return v
	}
	if field == "patientId" && ac.ResourceID != "" {
		return ac.ResourceID
	}
	return ac.Environment[field]
}

func nestedValue(m map[string]any, path []string) any {
	var cur any = m
	for _, p := range path {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[p]
	}
	return cur
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// conditionEquals treats "self" as the requesting user, matching either the
// bare id or a Patient/<id> reference.
func conditionEquals(actual, want any, userID string) bool {
	if s, ok := want.(string); ok && s == selfValue {
		return isSelfReference(actual, userID)
	}
	return valuesEqual(actual, want)
}

func isSelfReference(v any, userID string) bool {
	s, ok := v.(string)
	if !ok || s == "" || userID == "" {
		return false
	}
	return s == userID || s == "Patient/"+userID
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func listContains(list []any, v any, userID string) bool {
	for _, item := range list {
		if conditionEquals(v, item, userID) {
			return true
		}
	}
	return false
}

// Restriction rules.
const (
	RuleOwnPatientsOnly      = "own_patients_only"
	RuleAssignedPatientsOnly = "assigned_patients_only"
	RuleNoClinicalData       = "no_clinical_data"
	RuleReadOnly             = "read_only"
	RuleOwnDataOnly          = "own_data_only"
)

func knownRestriction(rule string) bool {
	switch rule {
	case RuleOwnPatientsOnly, RuleAssignedPatientsOnly, RuleNoClinicalData, RuleReadOnly, RuleOwnDataOnly:
		return true
	}
	return false
}

var clinicalFields = []string{
	"diagnosis", "procedure", "medication", "allergy",
	"condition", "observation", "labresult", "vitalsigns",
}

// evaluateRestriction returns a violation message, or "" when r is satisfied.
func (m *RBACManager) evaluateRestriction(ctx context.Context, r Restriction, ac AccessContext) string {
	switch r.Rule {
	case RuleOwnPatientsOnly, RuleAssignedPatientsOnly:
		return m.checkCareTeam(ctx, r.Rule, ac)

	case RuleNoClinicalData:
		for k := range ac.Data {
			key := strings.ToLower(k)
			for _, f := range clinicalFields {
				if strings.Contains(key, f) {
					return "Access to clinical data not permitted"
				}
			}
		}

	case RuleReadOnly:
		if ac.Action != ActionRead && ac.Action != ActionSearch {
			return "Read-only access permitted"
		}

	case RuleOwnDataOnly:
		if ac.ResourceID != "" && ac.ResourceID == ac.UserID {
			return ""
		}
		if isSelfReference(nestedValue(ac.Data, []string{"subject", "reference"}), ac.UserID) {
			return ""
		}
		if isSelfReference(ac.Data["patientId"], ac.UserID) {
			return ""
		}
		return "Can only access own data"
	}
	return ""
}

// checkCareTeam resolves the target patient and asks the care-team checker.
// Requests that identify no patient, such as searches, pass.
func (m *RBACManager) checkCareTeam(ctx context.Context, rule string, ac AccessContext) string {
	patientID := targetPatient(ac)
	if patientID == "" {
		return ""
	}
	ok, err := m.careTeam.IsAssigned(ctx, ac.UserID, patientID)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", ac.UserID).Str("patient_id", patientID).Msg("care team lookup failed")
		return "Care team lookup failed"
	}
	if ok {
		return ""
	}
	if rule == RuleOwnPatientsOnly {
		return "Patient is not under the user's care"
	}
	return "Patient is not assigned to the user"
}

func targetPatient(ac AccessContext) string {
	if ac.Resource == "Patient" && ac.ResourceID != "" {
		return ac.ResourceID
	}
	if s, ok := ac.Data["patientId"].(string); ok && s != "" {
		return s
	}
	if ref, ok := nestedValue(ac.Data, []string{"subject", "reference"}).(string); ok {
		return strings.TrimPrefix(ref, "Patient/")
	}
	return ""
}
