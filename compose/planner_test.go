package compose_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-host/trellis/compose"
	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/registry"
)

func planNames(plan compose.Plan) []string {
	names := make([]string, 0, len(plan.Plugins))
	for _, pp := range plan.Plugins {
		names = append(names, pp.Plugin)
	}
	return names
}

func TestBuildPlan_AppsBeforeExtensions(t *testing.T) {
	eligible := []*registry.Entry{
		extEntry("aaa-ext", "system", group("audit", "/system/audit")),
		appEntry("zeta", group("v1", "/zeta/v1")),
		appEntry("alpha", group("v1", "/alpha/v1")),
	}

	plan := compose.BuildPlan(eligible, systemNamespaces())

	assert.Equal(t, []string{"alpha", "zeta", "aaa-ext"}, planNames(plan),
		"app-level plugins by name, then extensions by name")
}

func TestBuildPlan_OpsFollowDeclarationOrder(t *testing.T) {
	eligible := []*registry.Entry{
		appEntry("billing",
			group("v2", "/billing/v2"),
			group("v1", "/billing/v1"),
		),
	}

	plan := compose.BuildPlan(eligible, systemNamespaces())

	require.Len(t, plan.Plugins, 1)
	ops := plan.Plugins[0].Ops
	require.Len(t, ops, 2)
	assert.Equal(t, "/billing/v2", ops[0].PathPrefix, "manifest order, not name order")
	assert.Equal(t, "/billing/v1", ops[1].PathPrefix)
	assert.Equal(t, "billing", ops[0].TargetNamespace)
}

func TestBuildPlan_ExtensionTargetsSiblingApp(t *testing.T) {
	// The extension sorts before its target app by name; planning app-level
	// plugins first makes the order irrelevant.
	eligible := []*registry.Entry{
		extEntry("aaa-extra", "zzz-app", group("v1", "/zzz-app/extra")),
		appEntry("zzz-app", group("v1", "/zzz-app/v1")),
	}

	plan := compose.BuildPlan(eligible, systemNamespaces())

	require.Len(t, plan.Plugins, 2)
	ext := plan.Plugins[1]
	assert.Equal(t, "aaa-extra", ext.Plugin)
	assert.NoError(t, ext.Err)
	require.Len(t, ext.Ops, 1)
	assert.Equal(t, "zzz-app", ext.Ops[0].TargetNamespace)
}

func TestBuildPlan_ExtensionTargetsBuiltin(t *testing.T) {
	eligible := []*registry.Entry{
		extEntry("auditor", "system", group("audit", "/system/audit")),
	}

	plan := compose.BuildPlan(eligible, systemNamespaces())

	require.Len(t, plan.Plugins, 1)
	assert.NoError(t, plan.Plugins[0].Err)
}

func TestBuildPlan_ExtensionTargetMissingFromPass(t *testing.T) {
	// The target app exists on disk but is not in the eligible set, e.g.
	// disabled or excluded by a conflict.
	eligible := []*registry.Entry{
		extEntry("billing-extra", "billing", group("v1", "/billing/extra")),
	}

	plan := compose.BuildPlan(eligible, systemNamespaces())

	require.Len(t, plan.Plugins, 1)
	pp := plan.Plugins[0]
	require.Error(t, pp.Err)
	assert.True(t, errors.Is(pp.Err, errors.ErrMountFailure))
	assert.Empty(t, pp.Ops)

	plugin, ok := errors.PluginOf(pp.Err)
	require.True(t, ok)
	assert.Equal(t, "billing-extra", plugin)
}

func TestBuildPlan_Deterministic(t *testing.T) {
	eligible := []*registry.Entry{
		appEntry("b", group("v1", "/b/v1")),
		extEntry("c", "b", group("v1", "/b/c")),
		appEntry("a", group("v1", "/a/v1")),
	}

	first := compose.BuildPlan(eligible, systemNamespaces())
	second := compose.BuildPlan(eligible, systemNamespaces())
	assert.Equal(t, first, second)
}
