package compose_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"

	"github.com/trellis-host/trellis/host"
	"github.com/trellis-host/trellis/manifest"
	"github.com/trellis-host/trellis/registry"
)

// appEntry builds an eligible registry entry for an app-level plugin.
func appEntry(name string, groups ...manifest.Group) *registry.Entry {
	return &registry.Entry{
		Name: name,
		Descriptor: &manifest.Descriptor{
			Name:    name,
			Kind:    manifest.KindAppLevel,
			Version: semver.MustParse("1.0.0"),
			Groups:  groups,
		},
		Enabled: true,
		State:   registry.StateValid,
	}
}

// extEntry builds an eligible registry entry for an extension plugin.
func extEntry(name, target string, groups ...manifest.Group) *registry.Entry {
	return &registry.Entry{
		Name: name,
		Descriptor: &manifest.Descriptor{
			Name:          name,
			Kind:          manifest.KindExtensionLevel,
			Version:       semver.MustParse("1.0.0"),
			ExtendsTarget: target,
			Groups:        groups,
		},
		Enabled: true,
		State:   registry.StateValid,
	}
}

func withSettings(entry *registry.Entry, keys ...string) *registry.Entry {
	specs := make(map[string]manifest.SettingSpec, len(keys))
	for _, k := range keys {
		specs[k] = manifest.SettingSpec{Type: manifest.TypeString, Default: "x", HasDefault: true}
	}
	entry.Descriptor.Settings = specs
	return entry
}

func group(name, prefix string) manifest.Group {
	return manifest.Group{Name: name, Prefix: prefix, Tag: name}
}

func systemNamespaces() *host.Namespaces {
	return host.NewNamespaces(host.Namespace{
		Name: "system",
		Groups: []host.RouteGroupInfo{
			{Name: "health", Prefix: "/healthz", Tag: "health"},
		},
	})
}

// writeAppDir creates an app-level plugin directory under root.
func writeAppDir(t *testing.T, root, name, version string, groups ...string) {
	t.Helper()
	if len(groups) == 0 {
		groups = []string{"v1"}
	}

	content := fmt.Sprintf("version = %q\n[app]\n", version)
	for _, g := range groups {
		content += fmt.Sprintf("[[group]]\nname = %q\nprefix = \"/%s/%s\"\n", g, name, g)
	}
	writeDir(t, root, name, content)
}

// writeExtDir creates an extension plugin directory mirroring the target's
// groups under api/.
func writeExtDir(t *testing.T, root, name, target, prefix string, groups ...string) {
	t.Helper()

	content := fmt.Sprintf("version = \"1.0.0\"\n[extension]\ntarget = %q\n", target)
	for _, g := range groups {
		content += fmt.Sprintf("[[group]]\nname = %q\nprefix = %q\n", g, prefix)
	}
	writeDir(t, root, name, content)

	apiDir := filepath.Join(root, name, "api")
	require.NoError(t, os.MkdirAll(apiDir, 0o755))
	for _, g := range groups {
		require.NoError(t, os.WriteFile(filepath.Join(apiDir, g+".json"), []byte("{}\n"), 0o644))
	}
}

func writeDir(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.toml"), []byte(content), 0o644))
}

func removeDir(t *testing.T, root, name string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(root, name)))
}
