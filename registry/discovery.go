package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/manifest"
)

// Discover scans pluginDir once and registers every plugin directory
// found, in sorted order. A plugin that fails to parse or validate is
// registered failed; the scan never aborts because of one bad plugin.
//
// Discovery runs in two phases. Manifests parse first; extension-level
// plugins are then structurally validated against a layout combining the
// host's namespaces with the app-level plugins found in the same scan, so
// an extension may target a sibling plugin regardless of scan order.
func (r *Registry) Discover(pluginDir string, layout manifest.HostLayout) error {
	names, err := scanPluginDirs(pluginDir)
	if err != nil {
		return err
	}

	var pending []*manifest.Descriptor
	for _, name := range names {
		dir := filepath.Join(pluginDir, name)

		desc, err := manifest.ParseManifest(dir)
		if err != nil {
			r.logger.Warnw("Plugin failed validation",
				"plugin", name,
				"dir", dir,
				"error", err,
			)
			r.RegisterFailed(name, dir, err)
			continue
		}

		if err := r.checkHostVersion(desc); err != nil {
			r.logger.Warnw("Plugin incompatible with host version",
				"plugin", name,
				"requires", desc.Requires,
				"host", r.hostVersion.String(),
			)
			r.RegisterFailed(name, dir, err)
			continue
		}

		r.warnUnknownDatabases(desc)
		pending = append(pending, desc)
	}

	composite := newCompositeLayout(layout, pending)

	for _, desc := range pending {
		if err := manifest.ValidateStructure(desc, composite); err != nil {
			r.logger.Warnw("Plugin failed structural validation",
				"plugin", desc.Name,
				"target", desc.ExtendsTarget,
				"error", err,
			)
			r.RegisterFailed(desc.Name, desc.Dir, err)
			continue
		}

		if err := r.Register(desc); err != nil {
			r.RegisterFailed(desc.Name, desc.Dir, err)
			continue
		}

		r.logger.Infow("Plugin discovered",
			"plugin", desc.Name,
			"kind", desc.Kind.String(),
			"version", desc.Version.String(),
		)
	}

	return nil
}

// scanPluginDirs lists candidate plugin directory names in sorted order.
// Hidden and underscore-prefixed directories are skipped.
func scanPluginDirs(pluginDir string) ([]string, error) {
	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read plugin directory %s", pluginDir)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// checkHostVersion validates the plugin's requires constraint against the
// running host version.
func (r *Registry) checkHostVersion(desc *manifest.Descriptor) error {
	if desc.Requires == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(desc.Requires)
	if err != nil {
		// The parser already validated the constraint syntax
		return errors.ForPlugin(desc.Name, errors.Mark(err, errors.ErrMalformedManifest))
	}

	if !constraint.Check(r.hostVersion) {
		return errors.ForPlugin(desc.Name, errors.Mark(
			errors.Newf("requires host %s, but running %s", desc.Requires, r.hostVersion),
			errors.ErrMalformedManifest))
	}
	return nil
}

// warnUnknownDatabases logs compatibility warnings for database backends
// the host does not recognize. Informational only, never a failure.
func (r *Registry) warnUnknownDatabases(desc *manifest.Descriptor) {
	for _, backend := range desc.Databases {
		if !manifest.KnownDatabases[backend] {
			r.logger.Warnw("Plugin declares unknown database backend",
				"plugin", desc.Name,
				"backend", backend,
			)
		}
	}
}

// compositeLayout overlays app-level plugins from the current scan onto
// the host's own namespace layout.
type compositeLayout struct {
	host manifest.HostLayout
	apps map[string][]string
}

func newCompositeLayout(host manifest.HostLayout, descs []*manifest.Descriptor) *compositeLayout {
	apps := make(map[string][]string)
	for _, desc := range descs {
		if desc.Kind != manifest.KindAppLevel {
			continue
		}
		groups := make([]string, 0, len(desc.Groups))
		for _, g := range desc.Groups {
			groups = append(groups, g.Name)
		}
		sort.Strings(groups)
		apps[desc.Name] = groups
	}
	return &compositeLayout{host: host, apps: apps}
}

func (c *compositeLayout) HasNamespace(name string) bool {
	if _, ok := c.apps[name]; ok {
		return true
	}
	return c.host != nil && c.host.HasNamespace(name)
}

func (c *compositeLayout) RouteGroups(name string) []string {
	if groups, ok := c.apps[name]; ok {
		return groups
	}
	if c.host != nil {
		return c.host.RouteGroups(name)
	}
	return nil
}
