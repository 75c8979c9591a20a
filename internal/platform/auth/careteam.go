package auth

import (
	"context"
	"sort"
	"sync"
)

// CareTeamChecker reports whether a clinician is assigned to a patient.
type CareTeamChecker interface {
	IsAssigned(ctx context.Context, userID, patientID string) (bool, error)
}

// CareTeamRegistry is an in-memory CareTeamChecker.
type CareTeamRegistry struct {
	mu          sync.RWMutex
	assignments map[string]map[string]struct{}
}

// NewCareTeamRegistry returns an empty registry.
func NewCareTeamRegistry() *CareTeamRegistry {
	return &CareTeamRegistry{assignments: make(map[string]map[string]struct{})}
}

// Assign adds patientID to userID's care list.
func (r *CareTeamRegistry) Assign(userID, patientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.assignments[userID]
	if !ok {
		set = make(map[string]struct{})
		r.assignments[userID] = set
	}
	set[patientID] = struct{}{}
}

// Unassign removes patientID from userID's care list.
func (r *CareTeamRegistry) Unassign(userID, patientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.assignments[userID]
	if !ok {
		return false
	}
	if _, ok := set[patientID]; !ok {
		return false
	}
	delete(set, patientID)
	if len(set) == 0 {
		delete(r.assignments, userID)
	}
	return true
}

// Patients lists the patients assigned to userID.
func (r *CareTeamRegistry) Patients(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.assignments[userID]))
	for p := range r.assignments[userID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsAssigned implements CareTeamChecker.
func (r *CareTeamRegistry) IsAssigned(_ context.Context, userID, patientID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.assignments[userID][patientID]
	return ok, nil
}
