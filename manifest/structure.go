package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trellis-host/trellis/errors"
)

// ValidateStructure checks an extension-level plugin against the host
// namespace it extends. The check is structural, not just declarative: the
// plugin's api/ tree must mirror the target namespace's route-group layout
// 1:1 in both directions, and every mirrored group must carry its own
// prefix/tag declaration. App-level descriptors pass trivially.
func ValidateStructure(desc *Descriptor, layout HostLayout) error {
	if desc.Kind != KindExtensionLevel {
		return nil
	}
	if err := validateStructure(desc, layout); err != nil {
		return errors.ForPlugin(desc.Name, err)
	}
	return nil
}

func validateStructure(desc *Descriptor, layout HostLayout) error {
	if layout == nil || !layout.HasNamespace(desc.ExtendsTarget) {
		return errors.Mark(
			errors.Newf("extends target %q is not a mounted namespace", desc.ExtendsTarget),
			errors.ErrStructuralMismatch)
	}

	hostGroups := layout.RouteGroups(desc.ExtendsTarget)

	onDisk, err := routeGroupEntries(desc.Dir)
	if err != nil {
		return err
	}

	if missing, extra := diffSets(hostGroups, onDisk); len(missing) > 0 || len(extra) > 0 {
		return errors.Mark(
			errors.Newf("api/ tree does not mirror namespace %q: missing %v, extra %v",
				desc.ExtendsTarget, missing, extra),
			errors.ErrStructuralMismatch)
	}

	declared := make([]string, 0, len(desc.Groups))
	for _, g := range desc.Groups {
		declared = append(declared, g.Name)
	}
	if missing, extra := diffSets(hostGroups, declared); len(missing) > 0 || len(extra) > 0 {
		return errors.Mark(
			errors.Newf("declared groups do not mirror namespace %q: missing %v, extra %v",
				desc.ExtendsTarget, missing, extra),
			errors.ErrStructuralMismatch)
	}

	return nil
}

// routeGroupEntries lists the route-group names present under dir/api.
// Directories count by name; files count by name with the extension
// stripped. Dotfiles are ignored.
func routeGroupEntries(dir string) ([]string, error) {
	apiDir := filepath.Join(dir, "api")
	entries, err := os.ReadDir(apiDir)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrap(err, "plugin has no readable api/ directory"),
			errors.ErrStructuralMismatch)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !entry.IsDir() {
			name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// diffSets returns the elements of want absent from got, and vice versa.
func diffSets(want, got []string) (missing, extra []string) {
	wantSet := make(map[string]bool, len(want))
	for _, w := range want {
		wantSet[w] = true
	}
	gotSet := make(map[string]bool, len(got))
	for _, g := range got {
		gotSet[g] = true
	}

	for _, w := range want {
		if !gotSet[w] {
			missing = append(missing, w)
		}
	}
	for _, g := range got {
		if !wantSet[g] {
			extra = append(extra, g)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}
