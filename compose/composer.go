package compose

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/host"
	"github.com/trellis-host/trellis/registry"
	"github.com/trellis-host/trellis/settings"
)

// Options configure one composer.
type Options struct {
	// PluginDir is the directory scanned for plugins
	PluginDir string

	// HostVersion is checked against each plugin's requires constraint
	HostVersion string

	// Strict escalates any single plugin failure into a fatal composition
	// error. Default is lenient: best-effort mounting, degrade gracefully.
	Strict bool

	// Builtins are the host's own namespaces, pre-registered before plugin
	// discovery as implicit app-level entries
	Builtins []host.Namespace

	// HostSettings seeds host-owned configuration keys
	HostSettings map[string]interface{}

	// HostDefaults provides host global fallback values for plugin keys
	HostDefaults map[string]interface{}

	// Handlers resolves route-group entry points. Nil gets a stub source
	// that answers every group with its mount metadata.
	Handlers HandlerSource

	// StateStore persists enabled toggles and failure history. Optional.
	StateStore *registry.StateStore

	Logger *zap.SugaredLogger
}

// Composer runs the composition pipeline: discover, resolve conflicts,
// plan, merge settings, execute, report. One Compose call happens at
// startup before the host accepts requests; Recompose builds a complete
// replacement state and swaps it atomically.
type Composer struct {
	opts   Options
	logger *zap.SugaredLogger

	reg *registry.Registry
	hst *host.Host

	// mu serializes composition passes and guards the state below, which is
	// replaced wholesale on each pass
	mu         sync.Mutex
	namespaces *host.Namespaces
	store      *host.Store
}

// New creates a composer. The host serves an empty route tree until the
// first Compose.
func New(opts Options) (*Composer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Handlers == nil {
		opts.Handlers = stubHandlers()
	}

	reg, err := registry.New(opts.HostVersion, opts.StateStore, logger)
	if err != nil {
		return nil, err
	}

	return &Composer{
		opts:   opts,
		logger: logger,
		reg:    reg,
		hst:    host.NewHost(host.NewRouteTree()),
	}, nil
}

// Host returns the request-facing host. Its route tree is swapped
// atomically on every pass.
func (c *Composer) Host() *host.Host {
	return c.hst
}

// Registry returns the plugin registry.
func (c *Composer) Registry() *registry.Registry {
	return c.reg
}

// Settings returns the live configuration store, frozen after the last
// pass.
func (c *Composer) Settings() *host.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// Namespaces returns the live namespace registry.
func (c *Composer) Namespaces() *host.Namespaces {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespaces
}

// Compose performs the initial discovery and mount pass.
func (c *Composer) Compose() (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	namespaces := host.NewNamespaces(c.opts.Builtins...)
	if err := c.reg.Discover(c.opts.PluginDir, namespaces); err != nil {
		return nil, err
	}
	return c.pass(namespaces)
}

// Recompose re-scans the plugin directory and builds a complete
// replacement composition state. No in-flight request ever observes a
// partially-mounted tree: the swap is a single pointer store.
func (c *Composer) Recompose() (*Report, registry.Changeset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	namespaces := host.NewNamespaces(c.opts.Builtins...)
	changeset, err := c.reg.Reload(c.opts.PluginDir, namespaces)
	if err != nil {
		return nil, registry.Changeset{}, err
	}

	report, err := c.pass(namespaces)
	if err != nil {
		return report, changeset, err
	}

	if !changeset.Empty() {
		c.logger.Infow("Plugin set changed",
			"added", changeset.Added,
			"removed", changeset.Removed,
			"modified", changeset.Modified,
		)
	}
	return report, changeset, nil
}

// pass runs conflict resolution, planning, and execution over the current
// registry contents, then publishes the new state. Callers hold c.mu.
func (c *Composer) pass(namespaces *host.Namespaces) (*Report, error) {
	store := host.NewStore(c.opts.HostSettings, c.opts.HostDefaults)
	tree := host.NewRouteTree()
	merger := settings.NewMerger(store)
	executor := NewExecutor(tree, namespaces, merger, c.opts.Handlers, c.logger)

	if err := executor.MountBuiltins(); err != nil {
		return nil, errors.Wrap(err, "mount host builtins")
	}

	resolution := Resolve(c.reg.Eligible(), namespaces, store)
	plan := BuildPlan(resolution.Eligible, namespaces)

	outcomes := make(map[string]PluginResult)
	for _, pp := range plan.Plugins {
		desc, ok := registryDescriptor(c.reg, pp)
		if !ok {
			// Cannot happen for a planned plugin; record rather than panic
			outcomes[pp.Plugin] = PluginResult{
				Name:    pp.Plugin,
				Outcome: OutcomeFailed,
				Reason:  "descriptor missing from registry",
			}
			continue
		}
		if err := executor.ExecutePlugin(desc, pp); err != nil {
			c.recordMountFailure(pp.Plugin, err)
			outcomes[pp.Plugin] = PluginResult{
				Name:    pp.Plugin,
				Outcome: OutcomeFailed,
				Reason:  err.Error(),
			}
			continue
		}
		outcomes[pp.Plugin] = PluginResult{
			Name:    pp.Plugin,
			Outcome: OutcomeMounted,
			Groups:  len(pp.Ops),
		}
	}

	report := c.buildReport(resolution, outcomes)
	report.Log(c.logger)

	if c.opts.Strict {
		for _, res := range report.Results {
			if res.Outcome == OutcomeFailed || res.Outcome == OutcomeSkippedConflict {
				return report, errors.Newf(
					"strict mode: plugin %s did not mount (%s)", res.Name, res.Reason)
			}
		}
	}

	store.Freeze()
	c.namespaces = namespaces
	c.store = store
	c.hst.Swap(tree)

	return report, nil
}

// buildReport lists every discovered plugin exactly once, in registry
// scan order.
func (c *Composer) buildReport(resolution Resolution, outcomes map[string]PluginResult) *Report {
	report := newReport()
	for _, entry := range c.reg.List() {
		switch {
		case entry.State == registry.StateFailed:
			report.add(entry.Name, OutcomeFailed, entry.Err.Error(), 0)
		case !entry.Enabled:
			report.add(entry.Name, OutcomeDisabled, "", 0)
		case len(resolution.Conflicts[entry.Name]) > 0:
			report.add(entry.Name, OutcomeSkippedConflict,
				conflictReason(resolution.Conflicts[entry.Name]), 0)
		default:
			res, ok := outcomes[entry.Name]
			if !ok {
				report.add(entry.Name, OutcomeFailed, "not planned", 0)
				continue
			}
			report.add(res.Name, res.Outcome, res.Reason, res.Groups)
		}
	}
	return report
}

func conflictReason(records []ConflictRecord) string {
	reasons := make([]string, 0, len(records))
	for _, rec := range records {
		reasons = append(reasons, rec.Err().Error())
	}
	return strings.Join(reasons, "; ")
}

func (c *Composer) recordMountFailure(name string, cause error) {
	if c.opts.StateStore == nil {
		return
	}
	if err := c.opts.StateStore.RecordFailure(name, cause.Error()); err != nil {
		c.logger.Warnw("Failed to persist mount failure", "plugin", name, "error", err)
	}
}

// stubHandlers answers every mounted group with its mount metadata. The
// real dispatch contract belongs to the host's routing layer; this keeps
// mounted groups observably reachable without one.
func stubHandlers() HandlerSource {
	return HandlerSourceFunc(func(op MountOperation) (http.Handler, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"plugin":    op.PluginName,
				"namespace": op.TargetNamespace,
				"tag":       op.Tag,
			})
		}), nil
	})
}
