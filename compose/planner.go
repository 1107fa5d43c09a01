package compose

import (
	"sort"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/host"
	"github.com/trellis-host/trellis/manifest"
	"github.com/trellis-host/trellis/registry"
)

// Plan is the ordered set of per-plugin mount plans for one pass.
type Plan struct {
	Plugins []PluginPlan
}

// BuildPlan computes mount operations for every conflict-free plugin.
//
// Ordering is deterministic given the same input set: app-level plugins by
// ascending name, then extension-level plugins by ascending name, each
// plugin's operations in manifest declaration order. App-level plugins are
// planned first so an extension's target namespace is confirmed mounted
// before the extension is planned, regardless of how the names sort
// against each other.
func BuildPlan(eligible []*registry.Entry, namespaces *host.Namespaces) Plan {
	var apps, exts []*registry.Entry
	for _, entry := range eligible {
		if entry.Descriptor.Kind == manifest.KindAppLevel {
			apps = append(apps, entry)
		} else {
			exts = append(exts, entry)
		}
	}
	byName := func(entries []*registry.Entry) {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	}
	byName(apps)
	byName(exts)

	var plan Plan

	// Namespaces that will exist once the app-level phase has executed
	planned := make(map[string]bool)
	for _, name := range namespaces.List() {
		planned[name] = true
	}

	for _, entry := range apps {
		desc := entry.Descriptor
		pp := PluginPlan{Plugin: desc.Name, Kind: desc.Kind}
		for _, g := range desc.Groups {
			pp.Ops = append(pp.Ops, MountOperation{
				PluginName:      desc.Name,
				TargetNamespace: desc.Name,
				PathPrefix:      g.Prefix,
				Tag:             g.Tag,
				Group:           g.Name,
			})
		}
		planned[desc.Name] = true
		plan.Plugins = append(plan.Plugins, pp)
	}

	for _, entry := range exts {
		desc := entry.Descriptor
		pp := PluginPlan{Plugin: desc.Name, Kind: desc.Kind}
		if !planned[desc.ExtendsTarget] {
			// The target validated at discovery but is not part of this
			// pass; it was skipped or disabled in the meantime.
			pp.Err = errors.ForPlugin(desc.Name, errors.Mark(
				errors.Newf("target namespace %q is not mounted in this pass", desc.ExtendsTarget),
				errors.ErrMountFailure))
			plan.Plugins = append(plan.Plugins, pp)
			continue
		}
		for _, g := range desc.Groups {
			pp.Ops = append(pp.Ops, MountOperation{
				PluginName:      desc.Name,
				TargetNamespace: desc.ExtendsTarget,
				PathPrefix:      g.Prefix,
				Tag:             g.Tag,
				Group:           g.Name,
			})
		}
		plan.Plugins = append(plan.Plugins, pp)
	}

	return plan
}
