// Package manifest parses and validates plugin declaration files.
//
// Each plugin directory carries one manifest, plugin.toml or plugin.yaml,
// declaring the plugin's kind, version, route groups, settings schema, and
// supported database backends. Parsing is pure: the same directory contents
// always yield an identical Descriptor, which makes re-discovery idempotent.
//
// Extension-level plugins additionally undergo a structural check against
// the host layout (ValidateStructure). Discovery runs that check as a
// second phase so an extension may target an app-level plugin found in the
// same scan; Parse runs both phases for callers that already hold the
// complete layout.
package manifest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/trellis-host/trellis/errors"
)

// Manifest file names, probed in order.
const (
	FileTOML = "plugin.toml"
	FileYAML = "plugin.yaml"
)

// KnownDatabases are the backends the host can warn about. Unknown entries
// in a manifest's databases list are a compatibility warning, never an error.
var KnownDatabases = map[string]bool{
	"sqlite":   true,
	"postgres": true,
	"mysql":    true,
}

// rawManifest mirrors the on-disk manifest schema.
type rawManifest struct {
	Name      string                `toml:"name" yaml:"name"`
	Version   string                `toml:"version" yaml:"version"`
	Requires  string                `toml:"requires" yaml:"requires"`
	Databases []string              `toml:"databases" yaml:"databases"`
	App       *rawApp               `toml:"app" yaml:"app"`
	Extension *rawExtension         `toml:"extension" yaml:"extension"`
	Groups    []rawGroup            `toml:"group" yaml:"groups"`
	Settings  map[string]rawSetting `toml:"settings" yaml:"settings"`
}

// rawApp marks an app-level plugin. Its presence, not its contents,
// determines the kind.
type rawApp struct{}

type rawExtension struct {
	Target string `toml:"target" yaml:"target"`
}

type rawGroup struct {
	Name   string `toml:"name" yaml:"name"`
	Prefix string `toml:"prefix" yaml:"prefix"`
	Tag    string `toml:"tag" yaml:"tag"`
}

type rawSetting struct {
	Type    string      `toml:"type" yaml:"type"`
	Default interface{} `toml:"default" yaml:"default"`
}

// Parse reads and fully validates the manifest in dir, including the
// structural check for extension-level plugins, producing a Descriptor or
// a structured validation failure marked with a taxonomy sentinel.
func Parse(dir string, layout HostLayout) (*Descriptor, error) {
	name := filepath.Base(filepath.Clean(dir))

	desc, err := parseManifest(name, dir)
	if err != nil {
		return nil, errors.ForPlugin(name, err)
	}
	if desc.Kind == KindExtensionLevel {
		if err := validateStructure(desc, layout); err != nil {
			return nil, errors.ForPlugin(name, err)
		}
	}
	return desc, nil
}

// ParseManifest reads and validates the manifest in dir without the
// extension structural check.
func ParseManifest(dir string) (*Descriptor, error) {
	name := filepath.Base(filepath.Clean(dir))
	desc, err := parseManifest(name, dir)
	if err != nil {
		return nil, errors.ForPlugin(name, err)
	}
	return desc, nil
}

func parseManifest(name, dir string) (*Descriptor, error) {
	raw, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	return validate(name, dir, raw)
}

func readManifest(dir string) (*rawManifest, error) {
	var raw rawManifest

	tomlPath := filepath.Join(dir, FileTOML)
	if _, err := os.Stat(tomlPath); err == nil {
		if _, err := toml.DecodeFile(tomlPath, &raw); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", FileTOML), errors.ErrMalformedManifest)
		}
		return &raw, nil
	}

	yamlPath := filepath.Join(dir, FileYAML)
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", FileYAML), errors.ErrMalformedManifest)
		}
		return &raw, nil
	}

	return nil, errors.Mark(
		errors.Newf("no %s or %s found", FileTOML, FileYAML),
		errors.ErrMalformedManifest)
}

func validate(name, dir string, raw *rawManifest) (*Descriptor, error) {
	// The directory is the source of truth for the name; a manifest may
	// restate it but never disagree.
	if raw.Name != "" && raw.Name != name {
		return nil, errors.Mark(
			errors.Newf("manifest name %q does not match directory name %q", raw.Name, name),
			errors.ErrMalformedManifest)
	}

	if raw.Version == "" {
		return nil, errors.Mark(errors.New("version is required"), errors.ErrMalformedManifest)
	}
	version, err := semver.NewVersion(raw.Version)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "invalid version %q", raw.Version),
			errors.ErrMalformedManifest)
	}

	if raw.Requires != "" {
		if _, err := semver.NewConstraint(raw.Requires); err != nil {
			return nil, errors.Mark(
				errors.Wrapf(err, "invalid requires constraint %q", raw.Requires),
				errors.ErrMalformedManifest)
		}
	}

	// Kind must be unambiguous: exactly one of [app] or [extension].
	switch {
	case raw.App != nil && raw.Extension != nil:
		return nil, errors.Mark(
			errors.New("manifest declares both [app] and [extension]"),
			errors.ErrInvalidKind)
	case raw.App == nil && raw.Extension == nil:
		return nil, errors.Mark(
			errors.New("manifest declares neither [app] nor [extension]"),
			errors.ErrInvalidKind)
	}

	groups, err := validateGroups(raw.Groups)
	if err != nil {
		return nil, err
	}

	settings, err := validateSettings(raw.Settings)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{
		Name:      name,
		Version:   version,
		Requires:  raw.Requires,
		Groups:    groups,
		Settings:  settings,
		Databases: append([]string(nil), raw.Databases...),
		Dir:       dir,
	}

	if raw.App != nil {
		desc.Kind = KindAppLevel
		if len(groups) == 0 {
			return nil, errors.Mark(
				errors.New("app-level plugin declares no route groups"),
				errors.ErrMalformedManifest)
		}
	} else {
		desc.Kind = KindExtensionLevel
		desc.ExtendsTarget = raw.Extension.Target
		if desc.ExtendsTarget == "" {
			return nil, errors.Mark(
				errors.New("[extension] requires a target namespace"),
				errors.ErrMalformedManifest)
		}
	}

	return desc, nil
}

func validateGroups(raws []rawGroup) ([]Group, error) {
	groups := make([]Group, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	for _, rg := range raws {
		if rg.Name == "" {
			return nil, errors.Mark(errors.New("group without a name"), errors.ErrMalformedManifest)
		}
		if seen[rg.Name] {
			return nil, errors.Mark(
				errors.Newf("group %q declared twice", rg.Name),
				errors.ErrMalformedManifest)
		}
		seen[rg.Name] = true

		if rg.Prefix == "" || !strings.HasPrefix(rg.Prefix, "/") {
			return nil, errors.Mark(
				errors.Newf("group %q has invalid prefix %q", rg.Name, rg.Prefix),
				errors.ErrMalformedManifest)
		}

		tag := rg.Tag
		if tag == "" {
			tag = rg.Name
		}
		groups = append(groups, Group{Name: rg.Name, Prefix: strings.TrimRight(rg.Prefix, "/"), Tag: tag})
	}
	return groups, nil
}

func validateSettings(raws map[string]rawSetting) (map[string]SettingSpec, error) {
	settings := make(map[string]SettingSpec, len(raws))
	for key, rs := range raws {
		if key == "" {
			return nil, errors.Mark(errors.New("settings key must not be empty"), errors.ErrMalformedManifest)
		}
		spec, err := settingSpec(key, rs)
		if err != nil {
			return nil, err
		}
		settings[key] = spec
	}
	return settings, nil
}

func settingSpec(key string, rs rawSetting) (SettingSpec, error) {
	st := SettingType(rs.Type)
	switch st {
	case TypeString, TypeNumber, TypeBoolean, TypeArray:
	default:
		return SettingSpec{}, errors.Mark(
			errors.Newf("setting %q has unknown type %q", key, rs.Type),
			errors.ErrMalformedManifest)
	}

	spec := SettingSpec{Type: st}
	if rs.Default == nil {
		return spec, nil
	}

	def, ok := CoerceValue(st, rs.Default)
	if !ok {
		return SettingSpec{}, errors.Mark(
			errors.Newf("setting %q default %v does not match declared type %q", key, rs.Default, rs.Type),
			errors.ErrMalformedManifest)
	}
	spec.Default = def
	spec.HasDefault = true
	return spec, nil
}

// CoerceValue normalizes a decoded value to the declared setting type.
// TOML and YAML decoders disagree on numeric representations, so numbers
// are normalized to float64.
func CoerceValue(st SettingType, v interface{}) (interface{}, bool) {
	switch st {
	case TypeString:
		s, ok := v.(string)
		return s, ok
	case TypeNumber:
		switch n := v.(type) {
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case float64:
			return n, true
		}
		return nil, false
	case TypeBoolean:
		b, ok := v.(bool)
		return b, ok
	case TypeArray:
		switch a := v.(type) {
		case []interface{}:
			return a, true
		case []string:
			out := make([]interface{}, len(a))
			for i, s := range a {
				out[i] = s
			}
			return out, true
		}
		return nil, false
	}
	return nil, false
}
