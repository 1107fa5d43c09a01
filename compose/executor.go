package compose

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/host"
	"github.com/trellis-host/trellis/manifest"
	"github.com/trellis-host/trellis/registry"
	"github.com/trellis-host/trellis/settings"
)

// HandlerSource supplies the handler entry point for a route group. The
// engine mounts entry points; the request-dispatch contract behind them
// belongs to the host's own routing layer.
type HandlerSource interface {
	// Handler returns the entry point for one mount operation. Returning
	// (nil, nil) skips the route registration, keeping the group
	// layout-only.
	Handler(op MountOperation) (http.Handler, error)
}

// HandlerSourceFunc adapts a function to HandlerSource.
type HandlerSourceFunc func(op MountOperation) (http.Handler, error)

func (f HandlerSourceFunc) Handler(op MountOperation) (http.Handler, error) {
	return f(op)
}

// Executor applies mount operations against the host's route tree and
// configuration store, plugin by plugin. Mounting one plugin is
// best-effort at plugin granularity: when any operation fails, everything
// already applied for that plugin is rolled back and other plugins are
// unaffected.
type Executor struct {
	tree       *host.RouteTree
	namespaces *host.Namespaces
	merger     *settings.Merger
	handlers   HandlerSource
	logger     *zap.SugaredLogger
}

// NewExecutor creates an executor for one composition pass.
func NewExecutor(tree *host.RouteTree, namespaces *host.Namespaces, merger *settings.Merger, handlers HandlerSource, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{
		tree:       tree,
		namespaces: namespaces,
		merger:     merger,
		handlers:   handlers,
		logger:     logger,
	}
}

// ExecutePlugin applies one plugin's plan. Settings merge first, because
// routes may read them during their own initialization; on any failure
// the plugin's routes and settings are rolled back together.
func (e *Executor) ExecutePlugin(desc *manifest.Descriptor, plan PluginPlan) error {
	if plan.Err != nil {
		return plan.Err
	}

	if err := e.merger.MergePlugin(desc); err != nil {
		return err
	}

	createdNamespace := false
	fail := func(err error) error {
		e.rollback(desc.Name, createdNamespace)
		return err
	}

	for _, op := range plan.Ops {
		if !e.namespaces.HasNamespace(op.TargetNamespace) {
			if desc.Kind == manifest.KindAppLevel && op.TargetNamespace == desc.Name {
				if err := e.namespaces.Add(desc.Name); err != nil {
					return fail(errors.ForPlugin(desc.Name, errors.Mark(err, errors.ErrMountFailure)))
				}
				createdNamespace = true
			} else {
				// The namespace disappeared between planning and execution
				return fail(errors.ForPlugin(desc.Name, errors.Mark(
					errors.Newf("target namespace %q vanished before mount", op.TargetNamespace),
					errors.ErrMountFailure)))
			}
		}

		handler, err := e.handlers.Handler(op)
		if err != nil {
			return fail(errors.ForPlugin(desc.Name, errors.Mark(
				errors.Wrapf(err, "resolve entry point for group %q", op.Group),
				errors.ErrMountFailure)))
		}

		if handler != nil {
			if err := e.tree.MountRouteGroup(host.MountedGroup{
				Namespace: op.TargetNamespace,
				Name:      op.Group,
				Prefix:    op.PathPrefix,
				Tag:       op.Tag,
				Plugin:    op.PluginName,
				Handler:   handler,
			}); err != nil {
				return fail(errors.ForPlugin(desc.Name, err))
			}
		}

		if err := e.namespaces.AddGroup(op.TargetNamespace, host.RouteGroupInfo{
			Name:   op.Group,
			Prefix: op.PathPrefix,
			Tag:    op.Tag,
			Plugin: op.PluginName,
		}); err != nil {
			return fail(errors.ForPlugin(desc.Name, errors.Mark(err, errors.ErrMountFailure)))
		}

		e.logger.Debugw("Route group mounted",
			"plugin", op.PluginName,
			"namespace", op.TargetNamespace,
			"prefix", op.PathPrefix,
			"tag", op.Tag,
		)
	}

	return nil
}

// rollback undoes everything one plugin applied in this pass.
func (e *Executor) rollback(plugin string, createdNamespace bool) {
	e.tree.UnmountPlugin(plugin)
	e.namespaces.RemoveGroupsOf(plugin)
	if createdNamespace {
		e.namespaces.Remove(plugin)
	}
	e.merger.Unmerge(plugin)
	e.logger.Warnw("Plugin rolled back", "plugin", plugin)
}

var _ HandlerSource = (HandlerSourceFunc)(nil)

// MountBuiltins registers the host's own built-in route groups into a
// fresh tree, resolving their entry points through the same source. Run
// before plugin execution so built-in routes exist on every pass.
func (e *Executor) MountBuiltins() error {
	for _, ns := range e.namespaces.List() {
		if !e.namespaces.IsBuiltin(ns) {
			continue
		}
		for _, g := range e.namespaces.BuiltinGroups(ns) {
			op := MountOperation{TargetNamespace: ns, PathPrefix: g.Prefix, Tag: g.Tag, Group: g.Name}
			handler, err := e.handlers.Handler(op)
			if err != nil {
				return errors.Wrapf(err, "resolve entry point for builtin %s%s", ns, g.Prefix)
			}
			if handler == nil {
				continue
			}
			if err := e.tree.MountRouteGroup(host.MountedGroup{
				Namespace: ns,
				Name:      g.Name,
				Prefix:    g.Prefix,
				Tag:       g.Tag,
				Handler:   handler,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// registryDescriptor fetches the descriptor behind a plan entry.
func registryDescriptor(reg *registry.Registry, plan PluginPlan) (*manifest.Descriptor, bool) {
	entry, ok := reg.Get(plan.Plugin)
	if !ok || entry.Descriptor == nil {
		return nil, false
	}
	return entry.Descriptor, true
}
