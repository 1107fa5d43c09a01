package manifest

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Kind distinguishes the two composition modes. It is a closed variant:
// plugins are polymorphic only over this tag, never over behavior types.
type Kind int

const (
	// KindAppLevel adds a new self-contained route namespace named after the plugin
	KindAppLevel Kind = iota + 1
	// KindExtensionLevel injects route groups into an existing host namespace
	KindExtensionLevel
)

func (k Kind) String() string {
	switch k {
	case KindAppLevel:
		return "app-level"
	case KindExtensionLevel:
		return "extension-level"
	default:
		return "unknown"
	}
}

// SettingType is the declared type of a settings key.
type SettingType string

const (
	TypeString  SettingType = "string"
	TypeNumber  SettingType = "number"
	TypeBoolean SettingType = "boolean"
	TypeArray   SettingType = "array"
)

// SettingSpec declares one settings key.
type SettingSpec struct {
	Type       SettingType
	Default    interface{}
	HasDefault bool
}

// Group is one declared route group.
type Group struct {
	// Name identifies the group (an API version folder for app-level plugins,
	// a per-endpoint file for extension plugins)
	Name string
	// Prefix is the path prefix the group claims, always starting with "/"
	Prefix string
	// Tag labels the group in diagnostics and route metadata
	Tag string
}

// Descriptor is the validated, typed form of one plugin's manifest.
// Immutable after parsing; enabled state lives in the registry.
type Descriptor struct {
	// Name is derived from the plugin directory name
	Name string

	Kind Kind

	Version *semver.Version

	// Requires is an optional semver constraint on the host version
	Requires string

	// ExtendsTarget names the host namespace being extended.
	// Set only when Kind is KindExtensionLevel.
	ExtendsTarget string

	// Groups preserves manifest declaration order
	Groups []Group

	Settings map[string]SettingSpec

	// Databases lists supported backends. Informational only.
	Databases []string

	// Dir is the plugin directory the descriptor was parsed from
	Dir string
}

// SettingKeys returns the declared settings keys in sorted order.
func (d *Descriptor) SettingKeys() []string {
	keys := make([]string, 0, len(d.Settings))
	for k := range d.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Group returns the declared group with the given name.
func (d *Descriptor) Group(name string) (Group, bool) {
	for _, g := range d.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// HostLayout is the read-only view of the host's mounted namespaces that
// parsing validates extension plugins against.
type HostLayout interface {
	// HasNamespace reports whether the named namespace is mounted
	HasNamespace(name string) bool

	// RouteGroups returns the route-group names mounted under a namespace,
	// or nil if the namespace is unknown
	RouteGroups(name string) []string
}
