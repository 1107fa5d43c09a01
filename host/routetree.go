package host

import (
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/trellis-host/trellis/errors"
)

// MountedGroup is one route group live in a RouteTree.
type MountedGroup struct {
	Namespace string
	Name      string
	Prefix    string
	Tag       string
	Plugin    string
	Handler   http.Handler
}

// RouteTree holds the host's route registrations. It is built during a
// single composition pass with no concurrent readers, then published
// through Host.Swap. A prefix registers both an exact pattern and a
// subtree pattern, so /billing and /billing/reports both dispatch.
type RouteTree struct {
	mux      *http.ServeMux
	byPrefix map[string]MountedGroup
}

// NewRouteTree creates an empty route tree.
func NewRouteTree() *RouteTree {
	return &RouteTree{
		mux:      http.NewServeMux(),
		byPrefix: make(map[string]MountedGroup),
	}
}

// MountRouteGroup makes one route group reachable under its prefix.
// The operation is atomic: on any error the group does not appear at all.
func (t *RouteTree) MountRouteGroup(g MountedGroup) error {
	if g.Handler == nil {
		return errors.Mark(
			errors.Newf("no handler entry point for %s%s", g.Namespace, g.Prefix),
			errors.ErrMountFailure)
	}
	if prior, exists := t.byPrefix[g.Prefix]; exists {
		return errors.Mark(
			errors.Newf("prefix %s already mounted by %s", g.Prefix, prior.owner()),
			errors.ErrMountFailure)
	}

	// The duplicate check above keeps ServeMux registration from panicking,
	// so both patterns land or neither does.
	t.mux.Handle(g.Prefix, g.Handler)
	t.mux.Handle(g.Prefix+"/", g.Handler)
	t.byPrefix[g.Prefix] = g
	return nil
}

// UnmountPlugin removes every route group a plugin contributed. ServeMux
// has no unregister, so the mux is rebuilt from the surviving groups; the
// tree is not live while composition runs, so this is safe.
func (t *RouteTree) UnmountPlugin(plugin string) {
	mux := http.NewServeMux()
	for prefix, g := range t.byPrefix {
		if g.Plugin == plugin {
			delete(t.byPrefix, prefix)
			continue
		}
		mux.Handle(g.Prefix, g.Handler)
		mux.Handle(g.Prefix+"/", g.Handler)
	}
	t.mux = mux
}

// Mounted returns the mounted groups sorted by prefix.
func (t *RouteTree) Mounted() []MountedGroup {
	groups := make([]MountedGroup, 0, len(t.byPrefix))
	for _, g := range t.byPrefix {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Prefix < groups[j].Prefix })
	return groups
}

func (t *RouteTree) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mux.ServeHTTP(w, r)
}

func (g MountedGroup) owner() string {
	if g.Plugin == "" {
		return "host"
	}
	return g.Plugin
}

// Host publishes the live route tree. Requests always observe a complete
// tree: Swap replaces the whole tree with a single pointer swap, never a
// partially-mounted state.
type Host struct {
	tree atomic.Pointer[RouteTree]
}

// NewHost creates a host serving the given initial tree.
func NewHost(initial *RouteTree) *Host {
	h := &Host{}
	h.tree.Store(initial)
	return h
}

// Swap atomically replaces the live route tree.
func (h *Host) Swap(tree *RouteTree) {
	h.tree.Store(tree)
}

// Current returns the live route tree.
func (h *Host) Current() *RouteTree {
	return h.tree.Load()
}

func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.tree.Load().ServeHTTP(w, r)
}
