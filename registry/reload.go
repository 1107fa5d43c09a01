package registry

import (
	"reflect"
	"sort"

	"github.com/trellis-host/trellis/manifest"
)

// Changeset is the ordered diff a reload produces. Names within each list
// are sorted, so two reloads over the same change yield identical output.
type Changeset struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether the reload found no changes.
func (c Changeset) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// Reload performs a full re-scan of pluginDir, diffs it against the
// current registry, and replaces the registry contents. Enabled state is
// preserved for plugins that persist across the reload, matched by name.
// Descriptors for removed plugins are destroyed.
func (r *Registry) Reload(pluginDir string, layout manifest.HostLayout) (Changeset, error) {
	fresh, err := New(r.hostVersion.String(), r.store, r.logger)
	if err != nil {
		return Changeset{}, err
	}
	if err := fresh.Discover(pluginDir, layout); err != nil {
		return Changeset{}, err
	}

	// The scan above ran against a private registry; only the diff and the
	// swap need the lock, so readers block for the diff alone.
	r.mu.Lock()
	defer r.mu.Unlock()

	var cs Changeset
	for _, name := range fresh.order {
		old, existed := r.entries[name]
		if !existed {
			cs.Added = append(cs.Added, name)
			continue
		}
		// Carry the operator's toggle across the reload
		fresh.entries[name].Enabled = old.Enabled
		if !entriesEquivalent(old, fresh.entries[name]) {
			cs.Modified = append(cs.Modified, name)
		}
	}
	for _, name := range r.order {
		if _, still := fresh.entries[name]; !still {
			cs.Removed = append(cs.Removed, name)
		}
	}

	sort.Strings(cs.Added)
	sort.Strings(cs.Removed)
	sort.Strings(cs.Modified)

	r.entries = fresh.entries
	r.order = fresh.order
	return cs, nil
}

// entriesEquivalent reports whether a plugin is unchanged across a reload.
func entriesEquivalent(a, b *Entry) bool {
	if a.State != b.State {
		return false
	}
	if a.State == StateFailed {
		// Both failed: treat as unchanged regardless of the error text,
		// the plugin is still broken
		return true
	}
	return descriptorsEqual(a.Descriptor, b.Descriptor)
}

func descriptorsEqual(a, b *manifest.Descriptor) bool {
	if a.Name != b.Name ||
		a.Kind != b.Kind ||
		a.Requires != b.Requires ||
		a.ExtendsTarget != b.ExtendsTarget ||
		!a.Version.Equal(b.Version) {
		return false
	}
	return reflect.DeepEqual(a.Groups, b.Groups) &&
		reflect.DeepEqual(a.Settings, b.Settings) &&
		reflect.DeepEqual(a.Databases, b.Databases)
}
