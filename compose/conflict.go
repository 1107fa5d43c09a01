package compose

import (
	"sort"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/host"
	"github.com/trellis-host/trellis/manifest"
	"github.com/trellis-host/trellis/registry"
)

// ConflictKind distinguishes the two collision surfaces.
type ConflictKind string

const (
	ConflictRoute    ConflictKind = "route"
	ConflictSettings ConflictKind = "settings"
)

// ConflictRecord describes one collision. Conflicts are fatal for the
// colliding plugin(s) but never abort unrelated plugins.
type ConflictRecord struct {
	Plugin string
	Kind   ConflictKind

	// Route conflicts: the contested URL path prefix, plus the namespace the
	// recorded plugin targets. Prefix is empty when the plugin's own
	// namespace collides with an existing one.
	Namespace string
	Prefix    string

	// Settings conflicts: the contested key
	Key string

	// Claimants lists every party claiming the resource; "host" stands in
	// for host built-ins
	Claimants []string
}

// Err renders the record as a taxonomy-marked error.
func (c ConflictRecord) Err() error {
	switch c.Kind {
	case ConflictSettings:
		return errors.ForPlugin(c.Plugin, errors.Mark(
			errors.Newf("settings key %q already owned by %s", c.Key, c.Claimants[0]),
			errors.ErrSettingsOwnershipConflict))
	default:
		if c.Prefix == "" {
			return errors.ForPlugin(c.Plugin, errors.Mark(
				errors.Newf("namespace %q already mounted", c.Namespace),
				errors.ErrRouteConflict))
		}
		return errors.ForPlugin(c.Plugin, errors.Mark(
			errors.Newf("route prefix %s claimed by %v", c.Prefix, c.Claimants),
			errors.ErrRouteConflict))
	}
}

// Resolution is the conflict resolver's output: the conflict-free subset
// eligible for planning, and the per-plugin conflict records.
type Resolution struct {
	// Eligible preserves registry scan order
	Eligible []*registry.Entry
	// Conflicts groups records by plugin name
	Conflicts map[string][]ConflictRecord
}

// routeClaimant is one party claiming a URL path prefix.
type routeClaimant struct {
	plugin    string
	namespace string
}

// Resolve detects route-prefix and settings-key collisions across the
// enabled, validated entries and against the host. Host built-ins are
// pre-seeded as an implicit highest-priority claimant: a plugin claim on a
// built-in route or setting is always a conflict, never a silent override.
//
// Route claims key on the URL path prefix alone. The route tree mounts
// prefixes flat, so the same prefix collides even when the claimants
// target different namespaces.
//
// Route conflicts exclude every claimant. Settings-key ownership follows
// scan order: the first claimant owns the key, later claimants conflict.
func Resolve(entries []*registry.Entry, namespaces *host.Namespaces, store *host.Store) Resolution {
	res := Resolution{Conflicts: make(map[string][]ConflictRecord)}

	routeClaims := make(map[string][]routeClaimant)
	for claim, owner := range namespaces.Claims() {
		if owner == "" {
			owner = "host"
		}
		routeClaims[claim.Prefix] = append(routeClaims[claim.Prefix],
			routeClaimant{plugin: owner, namespace: claim.Namespace})
	}

	settingsOwner := make(map[string]string)
	for _, key := range store.Keys() {
		settingsOwner[key] = "host"
	}

	// Namespace-level shadowing: an app-level plugin whose name equals an
	// already-mounted namespace can never mount.
	for _, entry := range entries {
		desc := entry.Descriptor
		if desc.Kind == manifest.KindAppLevel && namespaces.HasNamespace(desc.Name) {
			res.Conflicts[desc.Name] = append(res.Conflicts[desc.Name], ConflictRecord{
				Plugin:    desc.Name,
				Kind:      ConflictRoute,
				Namespace: desc.Name,
				Claimants: []string{"host", desc.Name},
			})
		}
	}

	// Collect every route claim in scan order.
	for _, entry := range entries {
		for _, claim := range declaredClaims(entry) {
			routeClaims[claim.Prefix] = append(routeClaims[claim.Prefix],
				routeClaimant{plugin: entry.Name, namespace: claim.Namespace})
		}
	}

	// Any prefix with more than one distinct claimant conflicts for every
	// plugin claimant; the host itself is unaffected.
	for prefix, claimants := range routeClaims {
		if len(distinctClaimants(claimants)) < 2 {
			continue
		}
		names := make([]string, 0, len(claimants))
		for _, c := range claimants {
			names = append(names, c.plugin)
		}
		recorded := make(map[string]bool, len(claimants))
		for _, c := range claimants {
			if c.plugin == "host" || recorded[c.plugin] {
				continue
			}
			recorded[c.plugin] = true
			res.Conflicts[c.plugin] = append(res.Conflicts[c.plugin], ConflictRecord{
				Plugin:    c.plugin,
				Kind:      ConflictRoute,
				Namespace: c.namespace,
				Prefix:    prefix,
				Claimants: names,
			})
		}
	}

	// Settings ownership in scan order: first registration owns the key.
	for _, entry := range entries {
		for _, key := range entry.Descriptor.SettingKeys() {
			owner, taken := settingsOwner[key]
			if !taken {
				settingsOwner[key] = entry.Name
				continue
			}
			if owner == entry.Name {
				continue
			}
			res.Conflicts[entry.Name] = append(res.Conflicts[entry.Name], ConflictRecord{
				Plugin:    entry.Name,
				Kind:      ConflictSettings,
				Key:       key,
				Claimants: []string{owner, entry.Name},
			})
		}
	}

	for name := range res.Conflicts {
		records := res.Conflicts[name]
		sort.Slice(records, func(i, j int) bool {
			a, b := records[i], records[j]
			if a.Kind != b.Kind {
				return a.Kind < b.Kind
			}
			if a.Namespace != b.Namespace {
				return a.Namespace < b.Namespace
			}
			if a.Prefix != b.Prefix {
				return a.Prefix < b.Prefix
			}
			return a.Key < b.Key
		})
		res.Conflicts[name] = records
	}

	for _, entry := range entries {
		if len(res.Conflicts[entry.Name]) == 0 {
			res.Eligible = append(res.Eligible, entry)
		}
	}
	return res
}

func distinctClaimants(claimants []routeClaimant) map[string]struct{} {
	distinct := make(map[string]struct{}, len(claimants))
	for _, c := range claimants {
		distinct[c.plugin] = struct{}{}
	}
	return distinct
}

// declaredClaims yields the (namespace, prefix) pairs an entry claims.
func declaredClaims(entry *registry.Entry) []host.RouteClaim {
	desc := entry.Descriptor
	target := desc.Name
	if desc.ExtendsTarget != "" {
		target = desc.ExtendsTarget
	}
	claims := make([]host.RouteClaim, 0, len(desc.Groups))
	for _, g := range desc.Groups {
		claims = append(claims, host.RouteClaim{Namespace: target, Prefix: g.Prefix})
	}
	return claims
}
