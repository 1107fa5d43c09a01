package host_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-host/trellis/errors"
	"github.com/trellis-host/trellis/host"
)

func textHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func TestRouteTree_MountAndServe(t *testing.T) {
	tree := host.NewRouteTree()

	err := tree.MountRouteGroup(host.MountedGroup{
		Namespace: "billing",
		Name:      "v1",
		Prefix:    "/billing/v1",
		Tag:       "billing-api",
		Plugin:    "billing",
		Handler:   textHandler("billing-v1"),
	})
	require.NoError(t, err)

	code, body := get(t, tree, "/billing/v1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "billing-v1", body)

	// Subtree pattern dispatches too
	code, body = get(t, tree, "/billing/v1/invoices/42")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "billing-v1", body)

	code, _ = get(t, tree, "/unknown")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRouteTree_DuplicatePrefix(t *testing.T) {
	tree := host.NewRouteTree()

	require.NoError(t, tree.MountRouteGroup(host.MountedGroup{
		Prefix: "/metrics", Plugin: "metrics-a", Handler: textHandler("a"),
	}))

	err := tree.MountRouteGroup(host.MountedGroup{
		Prefix: "/metrics", Plugin: "metrics-b", Handler: textHandler("b"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMountFailure))
	assert.Contains(t, err.Error(), "metrics-a")

	// The first registration survives untouched
	_, body := get(t, tree, "/metrics")
	assert.Equal(t, "a", body)
}

func TestRouteTree_NilHandler(t *testing.T) {
	tree := host.NewRouteTree()

	err := tree.MountRouteGroup(host.MountedGroup{Prefix: "/x", Plugin: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMountFailure))
	assert.Empty(t, tree.Mounted())
}

func TestRouteTree_UnmountPlugin(t *testing.T) {
	tree := host.NewRouteTree()

	require.NoError(t, tree.MountRouteGroup(host.MountedGroup{
		Prefix: "/a/v1", Plugin: "a", Handler: textHandler("a1"),
	}))
	require.NoError(t, tree.MountRouteGroup(host.MountedGroup{
		Prefix: "/a/v2", Plugin: "a", Handler: textHandler("a2"),
	}))
	require.NoError(t, tree.MountRouteGroup(host.MountedGroup{
		Prefix: "/b/v1", Plugin: "b", Handler: textHandler("b1"),
	}))

	tree.UnmountPlugin("a")

	code, _ := get(t, tree, "/a/v1")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, tree, "/a/v2/deep")
	assert.Equal(t, http.StatusNotFound, code)

	// Survivor still routes
	_, body := get(t, tree, "/b/v1")
	assert.Equal(t, "b1", body)

	mounted := tree.Mounted()
	require.Len(t, mounted, 1)
	assert.Equal(t, "/b/v1", mounted[0].Prefix)
}

func TestRouteTree_MountedSorted(t *testing.T) {
	tree := host.NewRouteTree()
	for _, prefix := range []string{"/z", "/a", "/m"} {
		require.NoError(t, tree.MountRouteGroup(host.MountedGroup{
			Prefix: prefix, Plugin: "p", Handler: textHandler(prefix),
		}))
	}

	mounted := tree.Mounted()
	require.Len(t, mounted, 3)
	assert.Equal(t, "/a", mounted[0].Prefix)
	assert.Equal(t, "/m", mounted[1].Prefix)
	assert.Equal(t, "/z", mounted[2].Prefix)
}

func TestHost_SwapIsAtomic(t *testing.T) {
	old := host.NewRouteTree()
	require.NoError(t, old.MountRouteGroup(host.MountedGroup{
		Prefix: "/v1", Plugin: "p", Handler: textHandler("old"),
	}))

	h := host.NewHost(old)
	_, body := get(t, h, "/v1")
	assert.Equal(t, "old", body)

	replacement := host.NewRouteTree()
	require.NoError(t, replacement.MountRouteGroup(host.MountedGroup{
		Prefix: "/v1", Plugin: "p", Handler: textHandler("new"),
	}))

	h.Swap(replacement)
	_, body = get(t, h, "/v1")
	assert.Equal(t, "new", body)
	assert.Same(t, replacement, h.Current())
}
