// Package registry catalogs discovered plugins.
//
// The registry is sourced from a single directory scan at startup, or from
// an explicit reload. Descriptors are immutable once registered; only the
// enabled flag is operator-mutable. Plugins that fail validation are never
// silently dropped: they are held in a failed state with the recorded
// error, visible to operators and distinct from disabled.
package registry

import (
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/manifest"
)

// State is a plugin's validation state.
type State string

const (
	// StateValid means the descriptor parsed and validated
	StateValid State = "valid"
	// StateFailed means parsing or validation failed; Err holds the cause
	StateFailed State = "failed"
)

// Entry is one discovered plugin.
type Entry struct {
	Name string
	// Descriptor is nil when State is StateFailed
	Descriptor *manifest.Descriptor
	// Enabled is the operator toggle; it has no meaning for failed entries
	// but is preserved so a fixed plugin keeps its setting
	Enabled bool
	State   State
	// Err is the recorded validation failure, nil when valid
	Err error
	Dir string
}

// Registry holds every discovered plugin keyed by name. Methods are safe
// for concurrent use; Get, List, and Eligible return entry snapshots, so a
// reload or toggle never mutates state a caller is reading.
type Registry struct {
	hostVersion *semver.Version

	mu      sync.RWMutex
	entries map[string]*Entry
	// order is directory scan order, the ownership order for settings keys
	order []string

	store  *StateStore
	logger *zap.SugaredLogger
}

// New creates an empty registry. hostVersion is checked against each
// plugin's requires constraint. store may be nil for memory-only state.
func New(hostVersion string, store *StateStore, logger *zap.SugaredLogger) (*Registry, error) {
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid host version %q", hostVersion)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		hostVersion: v,
		entries:     make(map[string]*Entry),
		store:       store,
		logger:      logger,
	}, nil
}

// HostVersion returns the host version plugins are validated against.
func (r *Registry) HostVersion() *semver.Version {
	return r.hostVersion
}

// Register adds a validated descriptor. Fails with a duplicate-name error
// when the name already exists from a different directory.
func (r *Registry) Register(desc *manifest.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.entries[desc.Name]; exists {
		return errors.ForPlugin(desc.Name, errors.Mark(
			errors.Newf("already registered from %s", existing.Dir),
			errors.ErrDuplicateName))
	}

	entry := &Entry{
		Name:       desc.Name,
		Descriptor: desc,
		Enabled:    r.persistedEnabled(desc.Name),
		State:      StateValid,
		Dir:        desc.Dir,
	}
	r.entries[desc.Name] = entry
	r.order = append(r.order, desc.Name)
	return nil
}

// RegisterFailed records a plugin whose manifest failed to parse or
// validate. The entry stays visible with its error.
func (r *Registry) RegisterFailed(name, dir string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.entries[name]; exists {
		// A valid entry for the name wins; keep the first failure otherwise
		if existing.State == StateValid {
			return
		}
		existing.Err = errors.Join(existing.Err, cause)
		return
	}

	r.entries[name] = &Entry{
		Name:    name,
		Enabled: r.persistedEnabled(name),
		State:   StateFailed,
		Err:     cause,
		Dir:     dir,
	}
	r.order = append(r.order, name)

	if r.store != nil {
		if err := r.store.RecordFailure(name, cause.Error()); err != nil {
			r.logger.Warnw("Failed to persist plugin failure", "plugin", name, "error", err)
		}
	}
}

// SetEnabled toggles a plugin. Idempotent: disabling an already-disabled
// plugin is a no-op, not an error.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return errors.Newf("unknown plugin: %s", name)
	}
	if entry.Enabled == enabled {
		return nil
	}
	entry.Enabled = enabled

	if r.store != nil {
		if err := r.store.SaveEnabled(name, enabled); err != nil {
			return errors.Wrapf(err, "persist enabled state for %s", name)
		}
	}
	return nil
}

// Get returns a snapshot of the entry for a plugin name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.snapshot(), true
}

// List returns all entries in directory scan order. Every discovered
// plugin appears exactly once, including failed and disabled ones.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].snapshot())
	}
	return out
}

// Eligible returns the enabled, successfully-validated entries in scan
// order. This is the conflict resolver's input set.
func (r *Registry) Eligible() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, name := range r.order {
		entry := r.entries[name]
		if entry.State == StateValid && entry.Enabled {
			out = append(out, entry.snapshot())
		}
	}
	return out
}

// snapshot copies the entry. The Descriptor pointer is shared; descriptors
// are immutable once registered.
func (e *Entry) snapshot() *Entry {
	c := *e
	return &c
}

// persistedEnabled returns the stored enabled flag for a name, defaulting
// to enabled for plugins never seen before.
func (r *Registry) persistedEnabled(name string) bool {
	if r.store == nil {
		return true
	}
	states, err := r.store.EnabledStates()
	if err != nil {
		r.logger.Warnw("Failed to load persisted plugin state", "error", err)
		return true
	}
	if enabled, ok := states[name]; ok {
		return enabled
	}
	return true
}
