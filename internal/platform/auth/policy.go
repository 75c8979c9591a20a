package auth

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// PolicyFile is the TOML layout of an RBAC policy:
//
//	[[roles]]
//	id = "billing"
//	name = "Billing Clerk"
//	[[roles.permissions]]
//	resource = "Claim"
//	actions = ["read", "search"]
//
//	[[users]]
//	id = "u-1"
//	username = "jdoe"
//	roles = ["billing"]
//	patients = ["p-1"]
type PolicyFile struct {
	Roles []PolicyRole `toml:"roles"`
	Users []PolicyUser `toml:"users"`
}

type PolicyRole struct {
	ID           string        `toml:"id"`
	Name         string        `toml:"name"`
	Description  string        `toml:"description"`
	Active       *bool         `toml:"active"`
	Permissions  []Permission  `toml:"permissions"`
	Restrictions []Restriction `toml:"restrictions"`
}

type PolicyUser struct {
	ID       string   `toml:"id"`
	Username string   `toml:"username"`
	Roles    []string `toml:"roles"`
	Active   *bool    `toml:"active"`
	Patients []string `toml:"patients"`
}

// LoadPolicyFile decodes a TOML policy file. Unknown keys are rejected.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	var p PolicyFile
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, fmt.Errorf("decoding policy %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decoding policy %s: unknown key %q", path, undecoded[0].String())
	}
	return &p, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// RolesAndUsers converts the file into manager types. Entries default to active.
func (p *PolicyFile) RolesAndUsers() ([]Role, []User) {
	roles := make([]Role, 0, len(p.Roles))
	for _, r := range p.Roles {
		roles = append(roles, Role{
			ID:           r.ID,
			Name:         r.Name,
			Description:  r.Description,
			IsActive:     boolOr(r.Active, true),
			Permissions:  r.Permissions,
			Restrictions: r.Restrictions,
		})
	}
	users := make([]User, 0, len(p.Users))
	for _, u := range p.Users {
		users = append(users, User{
			ID:       u.ID,
			Username: u.Username,
			Roles:    u.Roles,
			IsActive: boolOr(u.Active, true),
		})
	}
	return roles, users
}

// ApplyPolicyFile loads path into m. Care-team assignments are recorded in
// registry when it is non-nil.
func ApplyPolicyFile(m *RBACManager, registry *CareTeamRegistry, path string) error {
	p, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}
	roles, users := p.RolesAndUsers()
	if err := m.Apply(roles, users); err != nil {
		return fmt.Errorf("applying policy %s: %w", path, err)
	}
	if registry != nil {
		for _, u := range p.Users {
			for _, pid := range u.Patients {
				registry.Assign(u.ID, pid)
			}
		}
	}
	return nil
}

const defaultPolicyDebounce = 250 * time.Millisecond

// PolicyWatcher reloads a policy file when it changes on disk. The parent
// directory is watched so editors that replace the file by rename are seen.
type PolicyWatcher struct {
	path     string
	reload   func() error
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
}

// NewPolicyWatcher watches path and calls reload after changes settle.
func NewPolicyWatcher(path string, reload func() error, logger zerolog.Logger) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving policy path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &PolicyWatcher{
		path:     abs,
		reload:   reload,
		debounce: defaultPolicyDebounce,
		watcher:  w,
		logger:   logger.With().Str("component", "policy-watcher").Logger(),
	}, nil
}

// Run processes file events until ctx is cancelled or the watcher closes.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.reload(); err != nil {
				w.logger.Error().Err(err).Str("path", w.path).Msg("policy reload failed, keeping previous policy")
				continue
			}
			w.logger.Info().Str("path", w.path).Msg("policy reloaded")

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("policy watcher error")
		}
	}
}

// Close releases the underlying watcher.
func (w *PolicyWatcher) Close() error {
	return w.watcher.Close()
}
