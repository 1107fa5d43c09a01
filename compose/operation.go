// Package compose implements the plugin composition pipeline: conflict
// resolution, mount planning, and mount execution against the host's route
// tree and configuration store.
//
// The pipeline runs single-threaded during host startup, before any
// request is accepted, and publishes its result with one atomic swap.
package compose

import (
	"github.com/trellis-host/trellis/manifest"
)

// MountOperation is one route group being applied. Ephemeral: operations
// exist only during a single mount pass and are never persisted.
type MountOperation struct {
	PluginName      string
	TargetNamespace string
	PathPrefix      string
	Tag             string
	// Group is the declared route-group name the operation comes from
	Group string
}

// PluginPlan is the ordered set of operations for one plugin.
type PluginPlan struct {
	Plugin string
	Kind   manifest.Kind
	Ops    []MountOperation
	// Err marks a plan-time failure, e.g. an extension whose target
	// namespace is not mounted in this pass
	Err error
}
