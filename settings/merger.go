// Package settings merges plugin-declared configuration schemas into the
// host's global configuration store.
//
// Ownership of a key is resolved before merging ever runs; the merger only
// decides each key's runtime value. Precedence, highest first:
//
//	environment override (TRELLIS_<KEY>) > plugin-declared default > host global default
//
// Values are established once, before the owning plugin's routes mount, so
// route initialization can read them.
package settings

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/host"
	"github.com/trellis-host/trellis/manifest"
)

// EnvPrefix namespaces environment overrides, e.g. the key
// "billing.currency" is overridden by TRELLIS_BILLING_CURRENCY.
const EnvPrefix = "TRELLIS"

// Merger applies one plugin's settings schema to the configuration store.
type Merger struct {
	store *host.Store
	env   *viper.Viper
}

// NewMerger creates a merger writing into store, with environment
// overrides read through viper.
func NewMerger(store *host.Store) *Merger {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Merger{store: store, env: v}
}

// MergePlugin resolves and writes every key the plugin declares, in sorted
// key order. On any failure the plugin's keys are removed again and the
// error aborts only that plugin's mount.
func (m *Merger) MergePlugin(desc *manifest.Descriptor) error {
	for _, key := range desc.SettingKeys() {
		spec := desc.Settings[key]
		value, err := m.resolve(key, spec)
		if err != nil {
			m.store.RemoveOwner(desc.Name)
			return errors.ForPlugin(desc.Name, err)
		}
		if err := m.store.Set(desc.Name, key, spec.Type, value); err != nil {
			m.store.RemoveOwner(desc.Name)
			return errors.ForPlugin(desc.Name, errors.Mark(err, errors.ErrMountFailure))
		}
	}
	return nil
}

// Unmerge removes every key a plugin owns. Used when a later mount
// operation for the same plugin fails.
func (m *Merger) Unmerge(plugin string) {
	m.store.RemoveOwner(plugin)
}

// resolve picks the effective value for one key per the precedence order.
// A key with no override and no default anywhere still resolves, to nil:
// the key's existence and type are established even without a value.
func (m *Merger) resolve(key string, spec manifest.SettingSpec) (interface{}, error) {
	if raw := m.env.GetString(key); raw != "" {
		value, err := parseOverride(spec.Type, raw)
		if err != nil {
			return nil, errors.Mark(
				errors.Wrapf(err, "override for %q is not a valid %s", key, spec.Type),
				errors.ErrSettingsTypeError)
		}
		return value, nil
	}

	if spec.HasDefault {
		return spec.Default, nil
	}

	if hostDefault, ok := m.store.HostDefault(key); ok {
		value, ok := manifest.CoerceValue(spec.Type, hostDefault)
		if !ok {
			return nil, errors.Mark(
				errors.Newf("host default for %q is not a valid %s", key, spec.Type),
				errors.ErrSettingsTypeError)
		}
		return value, nil
	}

	return nil, nil
}

// parseOverride converts an environment override string to the declared
// type. Arrays are comma-separated.
func parseOverride(st manifest.SettingType, raw string) (interface{}, error) {
	switch st {
	case manifest.TypeString:
		return raw, nil
	case manifest.TypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case manifest.TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, err
		}
		return b, nil
	case manifest.TypeArray:
		parts := strings.Split(raw, ",")
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return nil, errors.Newf("unknown setting type %q", st)
}
