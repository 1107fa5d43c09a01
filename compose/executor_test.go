package compose_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-host/trellis/compose"
	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/host"
	"github.com/trellis-host/trellis/registry"
	"github.com/trellis-host/trellis/settings"
)

func textHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
}

func echoTagSource() compose.HandlerSource {
	return compose.HandlerSourceFunc(func(op compose.MountOperation) (http.Handler, error) {
		return textHandler(op.Tag), nil
	})
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

type execFixture struct {
	tree       *host.RouteTree
	namespaces *host.Namespaces
	store      *host.Store
	executor   *compose.Executor
}

func newExecFixture(t *testing.T, handlers compose.HandlerSource) *execFixture {
	t.Helper()
	f := &execFixture{
		tree:       host.NewRouteTree(),
		namespaces: systemNamespaces(),
		store:      host.NewStore(nil, nil),
	}
	f.executor = compose.NewExecutor(f.tree, f.namespaces, settings.NewMerger(f.store), handlers, nil)
	return f
}

// planFor builds the plan entry for a single plugin.
func planFor(t *testing.T, entry *registry.Entry, namespaces *host.Namespaces) compose.PluginPlan {
	t.Helper()
	plan := compose.BuildPlan([]*registry.Entry{entry}, namespaces)
	require.Len(t, plan.Plugins, 1)
	return plan.Plugins[0]
}

func TestExecutePlugin_MountsAppLevel(t *testing.T) {
	f := newExecFixture(t, echoTagSource())

	entry := withSettings(appEntry("billing",
		group("v1", "/billing/v1"),
		group("v2", "/billing/v2"),
	), "billing.currency")

	pp := planFor(t, entry, f.namespaces)
	require.NoError(t, f.executor.ExecutePlugin(entry.Descriptor, pp))

	// Namespace created and groups recorded
	assert.True(t, f.namespaces.HasNamespace("billing"))
	assert.Equal(t, []string{"v1", "v2"}, f.namespaces.RouteGroups("billing"))

	// Routes live
	_, body := get(t, f.tree, "/billing/v1")
	assert.Equal(t, "v1", body)
	_, body = get(t, f.tree, "/billing/v2/deep")
	assert.Equal(t, "v2", body)

	// Settings merged before mount
	v, ok := f.store.Get("billing.currency")
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestExecutePlugin_MountsExtensionIntoBuiltin(t *testing.T) {
	f := newExecFixture(t, echoTagSource())

	entry := extEntry("auditor", "system", group("audit", "/system/audit"))
	pp := planFor(t, entry, f.namespaces)
	require.NoError(t, f.executor.ExecutePlugin(entry.Descriptor, pp))

	assert.Contains(t, f.namespaces.RouteGroups("system"), "audit")
	_, body := get(t, f.tree, "/system/audit")
	assert.Equal(t, "audit", body)
}

func TestExecutePlugin_PlanErrorShortCircuits(t *testing.T) {
	f := newExecFixture(t, echoTagSource())

	entry := extEntry("orphan", "nowhere", group("v1", "/nowhere/v1"))
	pp := planFor(t, entry, f.namespaces)
	require.Error(t, pp.Err)

	err := f.executor.ExecutePlugin(entry.Descriptor, pp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMountFailure))
	assert.Empty(t, f.tree.Mounted())
}

func TestExecutePlugin_RollbackOnHandlerFailure(t *testing.T) {
	// The second group's entry point fails to resolve
	source := compose.HandlerSourceFunc(func(op compose.MountOperation) (http.Handler, error) {
		if op.Group == "v2" {
			return nil, errors.New("entry point missing")
		}
		return textHandler(op.Tag), nil
	})
	f := newExecFixture(t, source)

	entry := withSettings(appEntry("billing",
		group("v1", "/billing/v1"),
		group("v2", "/billing/v2"),
	), "billing.currency")

	pp := planFor(t, entry, f.namespaces)
	err := f.executor.ExecutePlugin(entry.Descriptor, pp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMountFailure))

	plugin, ok := errors.PluginOf(err)
	require.True(t, ok)
	assert.Equal(t, "billing", plugin)

	// Everything the plugin touched is gone: routes, namespace, settings
	code, _ := get(t, f.tree, "/billing/v1")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, f.namespaces.HasNamespace("billing"))
	_, merged := f.store.Get("billing.currency")
	assert.False(t, merged)
}

func TestExecutePlugin_RollbackLeavesOthersAlone(t *testing.T) {
	f := newExecFixture(t, echoTagSource())

	good := appEntry("good", group("v1", "/good/v1"))
	require.NoError(t, f.executor.ExecutePlugin(good.Descriptor, planFor(t, good, f.namespaces)))

	failing := compose.NewExecutor(f.tree, f.namespaces,
		settings.NewMerger(f.store),
		compose.HandlerSourceFunc(func(op compose.MountOperation) (http.Handler, error) {
			return nil, errors.New("boom")
		}), nil)

	bad := appEntry("bad", group("v1", "/bad/v1"))
	require.Error(t, failing.ExecutePlugin(bad.Descriptor, planFor(t, bad, f.namespaces)))

	// The earlier plugin's state is untouched by the rollback
	_, body := get(t, f.tree, "/good/v1")
	assert.Equal(t, "v1", body)
	assert.True(t, f.namespaces.HasNamespace("good"))
	assert.False(t, f.namespaces.HasNamespace("bad"))
}

func TestExecutePlugin_NilHandlerSkipsRoute(t *testing.T) {
	source := compose.HandlerSourceFunc(func(op compose.MountOperation) (http.Handler, error) {
		return nil, nil
	})
	f := newExecFixture(t, source)

	entry := appEntry("layout-only", group("v1", "/layout-only/v1"))
	pp := planFor(t, entry, f.namespaces)
	require.NoError(t, f.executor.ExecutePlugin(entry.Descriptor, pp))

	// The group exists in the layout but no route was registered
	assert.Equal(t, []string{"v1"}, f.namespaces.RouteGroups("layout-only"))
	assert.Empty(t, f.tree.Mounted())
}

func TestMountBuiltins(t *testing.T) {
	f := newExecFixture(t, echoTagSource())

	require.NoError(t, f.executor.MountBuiltins())

	_, body := get(t, f.tree, "/healthz")
	assert.Equal(t, "health", body)
}
