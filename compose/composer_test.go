package compose_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-host/trellis/compose"
	"github.com/trellis-host/trellis/host"
	trellistest "github.com/trellis-host/trellis/internal/testing"
	"github.com/trellis-host/trellis/registry"
)

func systemBuiltins() []host.Namespace {
	return []host.Namespace{{
		Name: "system",
		Groups: []host.RouteGroupInfo{
			{Name: "health", Prefix: "/healthz", Tag: "health"},
		},
	}}
}

func newComposer(t *testing.T, pluginDir string, opts compose.Options) *compose.Composer {
	t.Helper()
	opts.PluginDir = pluginDir
	if opts.HostVersion == "" {
		opts.HostVersion = "0.1.0"
	}
	if opts.Builtins == nil {
		opts.Builtins = systemBuiltins()
	}
	if opts.Handlers == nil {
		opts.Handlers = echoTagSource()
	}
	composer, err := compose.New(opts)
	require.NoError(t, err)
	return composer
}

func outcomeOf(t *testing.T, report *compose.Report, name string) compose.PluginResult {
	t.Helper()
	res, ok := report.Result(name)
	require.True(t, ok, "plugin %s missing from report", name)
	return res
}

func TestCompose_EndToEnd(t *testing.T) {
	root := t.TempDir()
	writeAppDir(t, root, "billing", "1.0.0", "invoices")
	writeExtDir(t, root, "billing-extra", "billing", "/billing/extra", "invoices")
	writeDir(t, root, "broken", "version = \"x\"\n[app]\n")

	composer := newComposer(t, root, compose.Options{})
	report, err := composer.Compose()
	require.NoError(t, err, "lenient mode tolerates broken plugins")

	assert.NotEmpty(t, report.PassID)

	// Every discovered plugin appears exactly once, in scan order
	var names []string
	for _, res := range report.Results {
		names = append(names, res.Name)
	}
	assert.Equal(t, []string{"billing", "billing-extra", "broken"}, names)

	assert.Equal(t, compose.OutcomeMounted, outcomeOf(t, report, "billing").Outcome)
	assert.Equal(t, 1, outcomeOf(t, report, "billing").Groups)
	assert.Equal(t, compose.OutcomeMounted, outcomeOf(t, report, "billing-extra").Outcome)

	broken := outcomeOf(t, report, "broken")
	assert.Equal(t, compose.OutcomeFailed, broken.Outcome)
	assert.NotEmpty(t, broken.Reason)

	// Tree is live through the host
	_, body := get(t, composer.Host(), "/billing/invoices")
	assert.Equal(t, "invoices", body)
	_, body = get(t, composer.Host(), "/billing/extra")
	assert.Equal(t, "invoices", body)
	_, body = get(t, composer.Host(), "/healthz")
	assert.Equal(t, "health", body)

	assert.True(t, composer.Settings().Frozen(), "store freezes after the pass")
	assert.Equal(t, 2, report.Mounted())
}

func TestCompose_ConflictingPluginsBothSkipped(t *testing.T) {
	root := t.TempDir()
	writeAppDir(t, root, "bystander", "1.0.0")
	writeExtDir(t, root, "ext-a", "system", "/system/audit", "health")
	writeExtDir(t, root, "ext-b", "system", "/system/audit", "health")

	composer := newComposer(t, root, compose.Options{})
	report, err := composer.Compose()
	require.NoError(t, err)

	assert.Equal(t, compose.OutcomeMounted, outcomeOf(t, report, "bystander").Outcome)

	for _, name := range []string{"ext-a", "ext-b"} {
		res := outcomeOf(t, report, name)
		assert.Equal(t, compose.OutcomeSkippedConflict, res.Outcome, "plugin %s", name)
		assert.Contains(t, res.Reason, "/system/audit")
	}

	// The contested route never mounts
	code, _ := get(t, composer.Host(), "/system/audit")
	assert.Equal(t, http.StatusNotFound, code)

	// The bystander is unaffected
	_, body := get(t, composer.Host(), "/bystander/v1")
	assert.Equal(t, "v1", body)
}

func TestCompose_BuiltinPathClaimIsConflict(t *testing.T) {
	root := t.TempDir()
	writeDir(t, root, "grabby",
		"version = \"1.0.0\"\n[app]\n[[group]]\nname = \"health\"\nprefix = \"/healthz\"\n")

	composer := newComposer(t, root, compose.Options{})
	report, err := composer.Compose()
	require.NoError(t, err)

	res := outcomeOf(t, report, "grabby")
	assert.Equal(t, compose.OutcomeSkippedConflict, res.Outcome)
	assert.Contains(t, res.Reason, "/healthz")

	// The built-in keeps serving
	_, body := get(t, composer.Host(), "/healthz")
	assert.Equal(t, "health", body)
}

func TestCompose_DisabledPlugin(t *testing.T) {
	database := trellistest.CreateTestDB(t)
	store := registry.NewStateStore(database)
	require.NoError(t, store.SaveEnabled("muted", false))

	root := t.TempDir()
	writeAppDir(t, root, "muted", "1.0.0")

	composer := newComposer(t, root, compose.Options{StateStore: store})
	report, err := composer.Compose()
	require.NoError(t, err)

	res := outcomeOf(t, report, "muted")
	assert.Equal(t, compose.OutcomeDisabled, res.Outcome)

	code, _ := get(t, composer.Host(), "/muted/v1")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCompose_StrictModeAborts(t *testing.T) {
	root := t.TempDir()
	writeAppDir(t, root, "fine", "1.0.0")
	writeDir(t, root, "broken", "version = \"x\"\n[app]\n")

	composer := newComposer(t, root, compose.Options{Strict: true})
	report, err := composer.Compose()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	// The report still accounts for every plugin
	require.NotNil(t, report)
	assert.Equal(t, compose.OutcomeFailed, outcomeOf(t, report, "broken").Outcome)
}

func TestCompose_DefaultHandlerSource(t *testing.T) {
	root := t.TempDir()
	writeAppDir(t, root, "billing", "1.0.0")

	direct, err := compose.New(compose.Options{
		PluginDir:   root,
		HostVersion: "0.1.0",
		Builtins:    systemBuiltins(),
	})
	require.NoError(t, err)

	report, err := direct.Compose()
	require.NoError(t, err)
	require.Equal(t, compose.OutcomeMounted, outcomeOf(t, report, "billing").Outcome)

	rec := httptest.NewRecorder()
	direct.Host().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/v1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "billing")
}

func TestRecompose_SwapsCompleteState(t *testing.T) {
	root := t.TempDir()
	writeAppDir(t, root, "billing", "1.0.0")

	composer := newComposer(t, root, compose.Options{})
	_, err := composer.Compose()
	require.NoError(t, err)

	served := composer.Host()
	_, body := get(t, served, "/billing/v1")
	require.Equal(t, "v1", body)

	// A new plugin lands on disk
	writeAppDir(t, root, "metrics", "1.0.0")

	report, changeset, err := composer.Recompose()
	require.NoError(t, err)
	assert.Equal(t, []string{"metrics"}, changeset.Added)
	assert.Equal(t, compose.OutcomeMounted, outcomeOf(t, report, "metrics").Outcome)

	// Both old and new routes serve from the same host handle
	_, body = get(t, served, "/billing/v1")
	assert.Equal(t, "v1", body)
	_, body = get(t, served, "/metrics/v1")
	assert.Equal(t, "v1", body)
}

func TestRecompose_RemovedPluginUnmounts(t *testing.T) {
	root := t.TempDir()
	writeAppDir(t, root, "billing", "1.0.0")
	writeAppDir(t, root, "metrics", "1.0.0")

	composer := newComposer(t, root, compose.Options{})
	_, err := composer.Compose()
	require.NoError(t, err)

	removeDir(t, root, "metrics")

	_, changeset, err := composer.Recompose()
	require.NoError(t, err)
	assert.Equal(t, []string{"metrics"}, changeset.Removed)

	code, _ := get(t, composer.Host(), "/metrics/v1")
	assert.Equal(t, http.StatusNotFound, code)
	_, body := get(t, composer.Host(), "/billing/v1")
	assert.Equal(t, "v1", body)
}

func TestRecompose_ConcurrentRegistryReads(t *testing.T) {
	// Exercised under the race detector: registry reads on the request path
	// must be safe against a reload swapping the entry set.
	root := t.TempDir()
	writeAppDir(t, root, "billing", "1.0.0")

	composer := newComposer(t, root, compose.Options{})
	_, err := composer.Compose()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			for _, entry := range composer.Registry().List() {
				_ = entry.Enabled
				_ = entry.State
			}
			_ = composer.Settings()
		}
	}()

	for i := 0; i < 3; i++ {
		writeAppDir(t, root, "metrics", "1.0.0")
		_, _, err := composer.Recompose()
		require.NoError(t, err)
		removeDir(t, root, "metrics")
		_, _, err = composer.Recompose()
		require.NoError(t, err)
	}
	<-done

	_, body := get(t, composer.Host(), "/billing/v1")
	assert.Equal(t, "v1", body)
}

func TestCompose_HostSettingsSeeded(t *testing.T) {
	root := t.TempDir()
	writeAppDir(t, root, "billing", "1.0.0")

	composer := newComposer(t, root, compose.Options{
		HostSettings: map[string]interface{}{"host.version": "0.1.0"},
	})
	_, err := composer.Compose()
	require.NoError(t, err)

	v, ok := composer.Settings().Get("host.version")
	require.True(t, ok)
	assert.Equal(t, "0.1.0", v)
}
