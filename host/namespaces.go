// Package host provides the surfaces the composition engine mounts into:
// the namespace registry, the route tree, and the configuration store.
//
// The engine composes against these during startup, single-threaded, before
// the host accepts requests. After composition the route tree is published
// with a single atomic pointer swap and the configuration store is frozen.
package host

import (
	"sort"

	"github.com/trellis-host/trellis/errors"
)

// RouteGroupInfo describes one mounted route group.
type RouteGroupInfo struct {
	Name   string
	Prefix string
	Tag    string
	// Plugin is empty for host built-in groups
	Plugin string
}

// Namespace is one top-level routing scope.
type Namespace struct {
	Name string
	// Builtin namespaces are pre-registered before plugin discovery and can
	// never be shadowed by a plugin
	Builtin bool
	Groups  []RouteGroupInfo
}

// Namespaces is the registry of mounted namespaces. Host built-ins are
// seeded at construction as implicit app-level entries; app-level plugins
// add theirs during mounting.
type Namespaces struct {
	byName map[string]*Namespace
}

// NewNamespaces creates a namespace registry seeded with the host's
// built-in namespaces.
func NewNamespaces(builtins ...Namespace) *Namespaces {
	n := &Namespaces{byName: make(map[string]*Namespace, len(builtins))}
	for _, b := range builtins {
		b.Builtin = true
		ns := b
		n.byName[b.Name] = &ns
	}
	return n
}

// Add registers a new plugin-owned namespace.
func (n *Namespaces) Add(name string) error {
	if _, exists := n.byName[name]; exists {
		return errors.Newf("namespace already mounted: %s", name)
	}
	n.byName[name] = &Namespace{Name: name}
	return nil
}

// Remove drops a plugin-owned namespace. Built-ins cannot be removed.
func (n *Namespaces) Remove(name string) {
	if ns, ok := n.byName[name]; ok && !ns.Builtin {
		delete(n.byName, name)
	}
}

// AddGroup records a route group under an existing namespace.
func (n *Namespaces) AddGroup(namespace string, group RouteGroupInfo) error {
	ns, ok := n.byName[namespace]
	if !ok {
		return errors.Newf("namespace not mounted: %s", namespace)
	}
	ns.Groups = append(ns.Groups, group)
	return nil
}

// RemoveGroupsOf drops every route group a plugin contributed, across all
// namespaces. Used during rollback.
func (n *Namespaces) RemoveGroupsOf(plugin string) {
	for _, ns := range n.byName {
		kept := ns.Groups[:0]
		for _, g := range ns.Groups {
			if g.Plugin != plugin {
				kept = append(kept, g)
			}
		}
		ns.Groups = kept
	}
}

// HasNamespace reports whether the named namespace is mounted.
func (n *Namespaces) HasNamespace(name string) bool {
	_, ok := n.byName[name]
	return ok
}

// IsBuiltin reports whether the named namespace is a host built-in.
func (n *Namespaces) IsBuiltin(name string) bool {
	ns, ok := n.byName[name]
	return ok && ns.Builtin
}

// RouteGroups returns the route-group names under a namespace in sorted
// order, or nil if the namespace is unknown.
func (n *Namespaces) RouteGroups(name string) []string {
	ns, ok := n.byName[name]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(ns.Groups))
	for _, g := range ns.Groups {
		names = append(names, g.Name)
	}
	sort.Strings(names)
	return names
}

// BuiltinGroups returns the route groups seeded for a built-in namespace,
// nil for plugin-owned or unknown namespaces.
func (n *Namespaces) BuiltinGroups(name string) []RouteGroupInfo {
	ns, ok := n.byName[name]
	if !ok || !ns.Builtin {
		return nil
	}
	return append([]RouteGroupInfo(nil), ns.Groups...)
}

// List returns all mounted namespace names in sorted order.
func (n *Namespaces) List() []string {
	names := make([]string, 0, len(n.byName))
	for name := range n.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Claims returns every (namespace, prefix) pair currently mounted, keyed to
// the owning plugin (empty for built-ins). The conflict resolver seeds its
// claim map from this so a plugin can never silently shadow a built-in.
func (n *Namespaces) Claims() map[RouteClaim]string {
	claims := make(map[RouteClaim]string)
	for name, ns := range n.byName {
		for _, g := range ns.Groups {
			claims[RouteClaim{Namespace: name, Prefix: g.Prefix}] = g.Plugin
		}
	}
	return claims
}

// RouteClaim identifies one claimed (namespace, prefix) pair.
type RouteClaim struct {
	Namespace string
	Prefix    string
}
