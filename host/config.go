package host

import (
	"sort"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/manifest"
)

// Setting is one resolved configuration entry.
type Setting struct {
	Type  manifest.SettingType
	Value interface{}
	// Owner is the plugin that declared the key, empty for host-owned keys
	Owner string
}

// Store is the global configuration namespace. It has exactly one
// initialization phase, composition time, and is frozen read-only
// afterward; there is no ambient mutable configuration state.
type Store struct {
	values map[string]Setting
	// hostDefaults are host-provided fallback values for keys the host does
	// not own; they rank below a plugin's own declared default
	hostDefaults map[string]interface{}
	frozen       bool
}

// NewStore creates a configuration store. owned seeds host-owned keys with
// their values; defaults provides host global fallback values for keys
// plugins may declare.
func NewStore(owned map[string]interface{}, defaults map[string]interface{}) *Store {
	s := &Store{
		values:       make(map[string]Setting, len(owned)),
		hostDefaults: make(map[string]interface{}, len(defaults)),
	}
	for k, v := range owned {
		s.values[k] = Setting{Type: inferType(v), Value: v}
	}
	for k, v := range defaults {
		s.hostDefaults[k] = v
	}
	return s
}

// Set writes a plugin-owned setting. Fails once the store is frozen.
func (s *Store) Set(owner, key string, typ manifest.SettingType, value interface{}) error {
	if s.frozen {
		return errors.Newf("configuration store is frozen, cannot set %q", key)
	}
	s.values[key] = Setting{Type: typ, Value: value, Owner: owner}
	return nil
}

// Get returns the effective value for a key.
func (s *Store) Get(key string) (interface{}, bool) {
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// Lookup returns the full setting entry for a key.
func (s *Store) Lookup(key string) (Setting, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Owner returns the owner of a key. Empty string with ok=true means the
// host owns it.
func (s *Store) Owner(key string) (string, bool) {
	v, ok := s.values[key]
	return v.Owner, ok
}

// HostDefault returns the host's global fallback value for a key.
func (s *Store) HostDefault(key string) (interface{}, bool) {
	v, ok := s.hostDefaults[key]
	return v, ok
}

// RemoveOwner drops every key a plugin owns. Rollback calls this before
// the store is frozen.
func (s *Store) RemoveOwner(owner string) {
	for k, v := range s.values {
		if v.Owner == owner && owner != "" {
			delete(s.values, k)
		}
	}
}

// OwnedKeys returns the host-owned keys in sorted order.
func (s *Store) OwnedKeys() []string {
	var keys []string
	for k, v := range s.values {
		if v.Owner == "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Freeze ends the initialization phase. All later writes fail.
func (s *Store) Freeze() {
	s.frozen = true
}

// Frozen reports whether the store is read-only.
func (s *Store) Frozen() bool {
	return s.frozen
}

// Clone returns an unfrozen deep copy for building replacement state
// during recomposition.
func (s *Store) Clone() *Store {
	out := &Store{
		values:       make(map[string]Setting, len(s.values)),
		hostDefaults: make(map[string]interface{}, len(s.hostDefaults)),
	}
	for k, v := range s.values {
		out.values[k] = v
	}
	for k, v := range s.hostDefaults {
		out.hostDefaults[k] = v
	}
	return out
}

func inferType(v interface{}) manifest.SettingType {
	switch v.(type) {
	case string:
		return manifest.TypeString
	case bool:
		return manifest.TypeBoolean
	case int, int64, float64:
		return manifest.TypeNumber
	case []interface{}, []string:
		return manifest.TypeArray
	default:
		return manifest.TypeString
	}
}
