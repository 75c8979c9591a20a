package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/metrics"
)

var (
	// ErrRoleExists is returned by CreateRole for a duplicate id.
	ErrRoleExists = errors.New("role already exists")
	// ErrRoleNotFound is returned when a user references an unknown role.
	ErrRoleNotFound = errors.New("role not found")
	// ErrInvalidRole is returned for roles with malformed permissions or
	// unknown restriction rules.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidUser is returned for users without an id.
	ErrInvalidUser = errors.New("invalid user")
)

// Action is an operation on a resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSearch Action = "search"
)

func validAction(a Action) bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionSearch:
		return true
	}
	return false
}

// Permission grants actions on a resource type. Resource "*" matches any
// resource. All Conditions must hold for the permission to grant access.
type Permission struct {
	Resource   string      `json:"resource" toml:"resource"`
	Actions    []Action    `json:"actions" toml:"actions"`
	Conditions []Condition `json:"conditions,omitempty" toml:"conditions"`
}

// Restriction is a named role-level check that can veto a granted permission.
type Restriction struct {
	Type        string `json:"type" toml:"type"`
	Rule        string `json:"rule" toml:"rule"`
	Description string `json:"description,omitempty" toml:"description"`
}

// Role groups permissions and restrictions.
type Role struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	IsActive     bool           `json:"isActive"`
	Permissions  []Permission   `json:"permissions"`
	Restrictions []Restriction  `json:"restrictions,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// RoleUpdate is a partial role update. nil fields are left unchanged.
type RoleUpdate struct {
	Name         *string
	Description  *string
	IsActive     *bool
	Permissions  []Permission
	Restrictions []Restriction
}

// User is an RBAC principal.
type User struct {
	ID         string         `json:"id"`
	Username   string         `json:"username"`
	Roles      []string       `json:"roles"`
	IsActive   bool           `json:"isActive"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AccessContext describes one access attempt.
type AccessContext struct {
	UserID      string         `json:"userId"`
	Resource    string         `json:"resource"`
	Action      Action         `json:"action"`
	ResourceID  string         `json:"resourceId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Environment map[string]any `json:"environment,omitempty"`
}

// AccessDecision is the outcome of CheckAccess. A denial is a normal result,
// not an error.
type AccessDecision struct {
	Granted             bool          `json:"granted"`
	Reason              string        `json:"reason"`
	MatchedPermissions  []Permission  `json:"matchedPermissions"`
	AppliedRestrictions []Restriction `json:"appliedRestrictions"`
}

// UserPermissions is the flattened view of a user's active roles.
type UserPermissions struct {
	Roles        []string      `json:"roles"`
	Permissions  []Permission  `json:"permissions"`
	Restrictions []Restriction `json:"restrictions"`
}

// RBACStats summarizes stored roles and users.
type RBACStats struct {
	TotalRoles        int `json:"totalRoles"`
	ActiveRoles       int `json:"activeRoles"`
	TotalUsers        int `json:"totalUsers"`
	ActiveUsers       int `json:"activeUsers"`
	TotalPermissions  int `json:"totalPermissions"`
	TotalRestrictions int `json:"totalRestrictions"`
}

const (
	reasonUserInactive  = "User not found or inactive"
	reasonNoPermissions = "No matching permissions found"
	reasonGranted       = "Access granted based on role permissions"
)

// RBACManager stores roles and users and answers access checks.
type RBACManager struct {
	mu       sync.RWMutex
	roles    map[string]Role
	order    []string
	users    map[string]User
	careTeam CareTeamChecker
	now      func() time.Time
	metrics  *metrics.Recorder
	logger   zerolog.Logger
}

// RBACOption configures an RBACManager.
type RBACOption func(*RBACManager)

// WithCareTeam sets the checker behind own_patients_only and
// assigned_patients_only. The default is an empty CareTeamRegistry, which
// denies every identifiable patient.
func WithCareTeam(c CareTeamChecker) RBACOption {
	return func(m *RBACManager) { m.careTeam = c }
}

// WithRBACMetrics records access decisions.
func WithRBACMetrics(r *metrics.Recorder) RBACOption {
	return func(m *RBACManager) { m.metrics = r }
}

// WithoutDefaultRoles starts the manager with an empty role catalogue.
func WithoutDefaultRoles() RBACOption {
	return func(m *RBACManager) {
		m.roles = make(map[string]Role)
		m.order = nil
	}
}

// NewRBACManager creates a manager seeded with DefaultRoles.
func NewRBACManager(logger zerolog.Logger, opts ...RBACOption) *RBACManager {
	m := &RBACManager{
		roles:  make(map[string]Role),
		users:  make(map[string]User),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "rbac").Logger(),
	}

	now := m.now()
	for _, r := range DefaultRoles() {
		r.CreatedAt, r.UpdatedAt = now, now
		m.roles[r.ID] = r
		m.order = append(m.order, r.ID)
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.careTeam == nil {
		m.careTeam = NewCareTeamRegistry()
	}

	m.logger.Info().Int("roles", len(m.roles)).Msg("rbac roles initialized")
	return m
}

// CareTeam returns the configured care-team checker.
func (m *RBACManager) CareTeam() CareTeamChecker {
	return m.careTeam
}

func validateRole(r Role) error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRole)
	}
	for _, p := range r.Permissions {
		if p.Resource == "" {
			return fmt.Errorf("%w: %s: permission without resource", ErrInvalidRole, r.ID)
		}
		for _, a := range p.Actions {
			if !validAction(a) {
				return fmt.Errorf("%w: %s: unknown action %q", ErrInvalidRole, r.ID, a)
			}
		}
		for _, c := range p.Conditions {
			if !validOperator(c.Operator) {
				return fmt.Errorf("%w: %s: unknown operator %q", ErrInvalidRole, r.ID, c.Operator)
			}
		}
	}
	for _, res := range r.Restrictions {
		if !knownRestriction(res.Rule) {
			return fmt.Errorf("%w: %s: unknown restriction %q", ErrInvalidRole, r.ID, res.Rule)
		}
	}
	return nil
}

// CreateRole adds a new role.
func (m *RBACManager) CreateRole(r Role) (Role, error) {
	if err := validateRole(r); err != nil {
		return Role{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[r.ID]; ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleExists, r.ID)
	}
	now := m.now()
	r = cloneRole(r)
	r.CreatedAt, r.UpdatedAt = now, now
	m.roles[r.ID] = r
	m.order = append(m.order, r.ID)

	m.logger.Info().Str("role_id", r.ID).Int("permissions", len(r.Permissions)).Msg("role created")
	return cloneRole(r), nil
}

// UpdateRole applies u to an existing role. It returns false when the role
// does not exist.
func (m *RBACManager) UpdateRole(id string, u RoleUpdate) (Role, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.roles[id]
	if !ok {
		return Role{}, false, nil
	}
	if u.Name != nil {
		r.Name = *u.Name
	}
	if u.Description != nil {
		r.Description = *u.Description
	}
	if u.IsActive != nil {
		r.IsActive = *u.IsActive
	}
	if u.Permissions != nil {
		r.Permissions = clonePermissions(u.Permissions)
	}
	if u.Restrictions != nil {
		r.Restrictions = append([]Restriction(nil), u.Restrictions...)
	}
	if err := validateRole(r); err != nil {
		return Role{}, true, err
	}
	r.UpdatedAt = m.now()
	m.roles[id] = r

	m.logger.Info().Str("role_id", id).Msg("role updated")
	return cloneRole(r), true, nil
}

// DeleteRole removes a role and strips it from every user.
func (m *RBACManager) DeleteRole(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[id]; !ok {
		return false
	}
	delete(m.roles, id)
	for i, rid := range m.order {
		if rid == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}

	for uid, u := range m.users {
		kept := u.Roles[:0:0]
		for _, rid := range u.Roles {
			if rid != id {
				kept = append(kept, rid)
			}
		}
		u.Roles = kept
		m.users[uid] = u
	}

	m.logger.Info().Str("role_id", id).Msg("role deleted")
	return true
}

// GetRole returns a role by id.
func (m *RBACManager) GetRole(id string) (Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, false
	}
	return cloneRole(r), true
}

// ListRoles returns roles in creation order.
func (m *RBACManager) ListRoles(activeOnly bool) []Role {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Role, 0, len(m.order))
	for _, id := range m.order {
		r := m.roles[id]
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, cloneRole(r))
	}
	return out
}

// SetUser creates or replaces a user. Every role id must exist.
func (m *RBACManager) SetUser(u User) (User, error) {
	if u.ID == "" {
		return User{}, fmt.Errorf("%w: id is required", ErrInvalidUser)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rid := range u.Roles {
		if _, ok := m.roles[rid]; !ok {
			return User{}, fmt.Errorf("%w: %s", ErrRoleNotFound, rid)
		}
	}
	u = cloneUser(u)
	m.users[u.ID] = u

	m.logger.Info().Str("user_id", u.ID).Str("username", u.Username).Int("roles", len(u.Roles)).Msg("user set")
	return cloneUser(u), nil
}

// GetUser returns a user by id.
func (m *RBACManager) GetUser(id string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, false
	}
	return cloneUser(u), true
}

// ListUsers returns all users ordered by id.
func (m *RBACManager) ListUsers() []User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveUser deletes a user.
func (m *RBACManager) RemoveUser(id string) bool {
	m.mu.Lock()
	_, ok := m.users[id]
	delete(m.users, id)
	m.mu.Unlock()

	if ok {
		m.logger.Info().Str("user_id", id).Msg("user removed")
	}
	return ok
}

// CheckAccess decides whether ac.UserID may perform ac.Action on
// ac.Resource. Permissions from all active roles are unioned; a single
// violated restriction denies access.
func (m *RBACManager) CheckAccess(ctx context.Context, ac AccessContext) AccessDecision {
	d := m.checkAccess(ctx, ac)
	m.metrics.AccessDecision(d.Granted)
	if d.Granted {
		m.logger.Debug().
			Str("user_id", ac.UserID).
			Str("resource", ac.Resource).
			Str("action", string(ac.Action)).
			Int("permissions", len(d.MatchedPermissions)).
			Int("restrictions", len(d.AppliedRestrictions)).
			Msg("access granted")
	} else {
		m.logger.Debug().
			Str("user_id", ac.UserID).
			Str("resource", ac.Resource).
			Str("action", string(ac.Action)).
			Str("reason", d.Reason).
			Msg("access denied")
	}
	return d
}

func (m *RBACManager) checkAccess(ctx context.Context, ac AccessContext) AccessDecision {
	m.mu.RLock()
	user, ok := m.users[ac.UserID]
	if !ok || !user.IsActive {
		m.mu.RUnlock()
		return AccessDecision{
			Granted:             false,
			Reason:              reasonUserInactive,
			MatchedPermissions:  []Permission{},
			AppliedRestrictions: []Restriction{},
		}
	}

	matched := []Permission{}
	restrictions := []Restriction{}
	granted := false

	for _, rid := range user.Roles {
		role, ok := m.roles[rid]
		if !ok || !role.IsActive {
			continue
		}
		for _, p := range role.Permissions {
			if !matchesPermission(p, ac) {
				continue
			}
			matched = append(matched, clonePermission(p))
			if evaluateConditions(p.Conditions, ac) {
				granted = true
			}
		}
		restrictions = append(restrictions, role.Restrictions...)
	}
	m.mu.RUnlock()

	if !granted {
		return AccessDecision{
			Granted:             false,
			Reason:              reasonNoPermissions,
			MatchedPermissions:  matched,
			AppliedRestrictions: restrictions,
		}
	}

	for _, r := range restrictions {
		if msg := m.evaluateRestriction(ctx, r, ac); msg != "" {
			return AccessDecision{
				Granted:             false,
				Reason:              "Restriction violation: " + msg,
				MatchedPermissions:  matched,
				AppliedRestrictions: restrictions,
			}
		}
	}

	return AccessDecision{
		Granted:             true,
		Reason:              reasonGranted,
		MatchedPermissions:  matched,
		AppliedRestrictions: restrictions,
	}
}

func matchesPermission(p Permission, ac AccessContext) bool {
	if p.Resource != "*" && p.Resource != ac.Resource {
		return false
	}
	for _, a := range p.Actions {
		if a == ac.Action {
			return true
		}
	}
	return false
}

// GetUserPermissions flattens the permissions and restrictions of a user's
// active roles. Unknown users yield empty lists.
func (m *RBACManager) GetUserPermissions(userID string) UserPermissions {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := UserPermissions{Roles: []string{}, Permissions: []Permission{}, Restrictions: []Restriction{}}
	u, ok := m.users[userID]
	if !ok {
		return out
	}
	out.Roles = append(out.Roles, u.Roles...)
	for _, rid := range u.Roles {
		r, ok := m.roles[rid]
		if !ok || !r.IsActive {
			continue
		}
		out.Permissions = append(out.Permissions, clonePermissions(r.Permissions)...)
		out.Restrictions = append(out.Restrictions, r.Restrictions...)
	}
	return out
}

// PermissionStrings renders a user's permissions as "Resource:action"
// strings, the form compliance rules check against.
func (m *RBACManager) PermissionStrings(userID string) []string {
	up := m.GetUserPermissions(userID)
	seen := make(map[string]struct{})
	var out []string
	for _, p := range up.Permissions {
		for _, a := range p.Actions {
			s := p.Resource + ":" + string(a)
			if p.Resource == "*" && len(p.Actions) == 5 {
				s = "*"
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Stats returns role and user counts.
func (m *RBACManager) Stats() RBACStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := RBACStats{TotalRoles: len(m.roles), TotalUsers: len(m.users)}
	for _, r := range m.roles {
		if r.IsActive {
			s.ActiveRoles++
		}
		s.TotalPermissions += len(r.Permissions)
		s.TotalRestrictions += len(r.Restrictions)
	}
	for _, u := range m.users {
		if u.IsActive {
			s.ActiveUsers++
		}
	}
	return s
}

func clonePermission(p Permission) Permission {
	p.Actions = append([]Action(nil), p.Actions...)
	p.Conditions = append([]Condition(nil), p.Conditions...)
	return p
}

func clonePermissions(ps []Permission) []Permission {
	out := make([]Permission, len(ps))
	for i, p := range ps {
		out[i] = clonePermission(p)
	}
	return out
}

func cloneRole(r Role) Role {
	r.Permissions = clonePermissions(r.Permissions)
	r.Restrictions = append([]Restriction(nil), r.Restrictions...)
	if r.Metadata != nil {
		md := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

func cloneUser(u User) User {
	u.Roles = append([]string(nil), u.Roles...)
	if u.Attributes != nil {
		attrs := make(map[string]any, len(u.Attributes))
		for k, v := range u.Attributes {
			attrs[k] = v
		}
		u.Attributes = attrs
	}
	return u
}

// Apply upserts roles and users in one step. Nothing is stored when any role
// is invalid or any user references a role that exists neither in the
// manager nor in roles.
func (m *RBACManager) Apply(roles []Role, users []User) error {
	for _, r := range roles {
		if err := validateRole(r); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	incoming := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		incoming[r.ID] = struct{}{}
	}
	for _, u := range users {
		if u.ID == "" {
			return fmt.Errorf("%w: id is required", ErrInvalidUser)
		}
		for _, rid := range u.Roles {
			_, known := m.roles[rid]
			_, added := incoming[rid]
			if !known && !added {
				return fmt.Errorf("user %s: %w: %s", u.ID, ErrRoleNotFound, rid)
			}
		}
	}

	now := m.now()
	for _, r := range roles {
		r = cloneRole(r)
		if prev, ok := m.roles[r.ID]; ok {
			r.CreatedAt = prev.CreatedAt
		} else {
			r.CreatedAt = now
			m.order = append(m.order, r.ID)
		}
		r.UpdatedAt = now
		m.roles[r.ID] = r
	}
	for _, u := range users {
		m.users[u.ID] = cloneUser(u)
	}

	m.logger.Info().Int("roles", len(roles)).Int("users", len(users)).Msg("rbac policy applied")
	return nil
}
