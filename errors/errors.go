// Package errors provides error handling for trellis.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrRouteConflict) {
//	    // handle conflict
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Join      = crdb.Join
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Composition failure taxonomy. Every error the composition engine raises
// for a specific plugin is marked with exactly one of these sentinels and
// wrapped in a PluginError carrying the plugin name. Classify with
// errors.Is().
var (
	// ErrMalformedManifest indicates required manifest fields are absent or mistyped
	ErrMalformedManifest = New("malformed manifest")

	// ErrInvalidKind indicates the manifest declares both an app-level router
	// list and an extension target, or neither
	ErrInvalidKind = New("invalid plugin kind")

	// ErrStructuralMismatch indicates an extension plugin's directory tree does
	// not mirror the target namespace's route-group layout
	ErrStructuralMismatch = New("structural mismatch")

	// ErrDuplicateName indicates two plugin directories resolve to the same name
	ErrDuplicateName = New("duplicate plugin name")

	// ErrRouteConflict indicates two claimants for one route path prefix
	ErrRouteConflict = New("route conflict")

	// ErrSettingsOwnershipConflict indicates a settings key is already owned
	// by the host or another plugin
	ErrSettingsOwnershipConflict = New("settings ownership conflict")

	// ErrSettingsTypeError indicates an override value does not match the
	// declared schema type
	ErrSettingsTypeError = New("settings type error")

	// ErrMountFailure indicates a mount operation could not be applied
	ErrMountFailure = New("mount failure")
)

// PluginError ties a composition failure to the offending plugin.
// It is the per-plugin boundary required by the propagation policy:
// nothing past this type escapes to unrelated plugins.
type PluginError struct {
	Plugin string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// ForPlugin wraps err with the offending plugin's name.
// Nil errors pass through, so call sites can wrap unconditionally.
func ForPlugin(plugin string, err error) error {
	if err == nil {
		return nil
	}
	return &PluginError{Plugin: plugin, Err: err}
}

// PluginOf extracts the offending plugin name from an error chain.
func PluginOf(err error) (string, bool) {
	var pe *PluginError
	if As(err, &pe) {
		return pe.Plugin, true
	}
	return "", false
}
