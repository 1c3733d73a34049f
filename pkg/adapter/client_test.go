package adapter_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/adapter"
)

// fleetServer is a minimal two-dialect server: bearer minting, classic
// listings, modern inventory. Individual tests override paths via hooks.
type fleetServer struct {
	srv      *httptest.Server
	requests atomic.Int32
	hooks    map[string]http.HandlerFunc // "METHOD path-prefix" -> handler
}

func newFleetServer(t *testing.T) *fleetServer {
	t.Helper()
	f := &fleetServer{hooks: map[string]http.HandlerFunc{}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)

		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/auth/token" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":   "bearer-token",
				"expires": time.Now().Add(30 * time.Minute).Format(time.RFC3339),
			})
			return
		}

		for key, h := range f.hooks {
			method, prefix, _ := strings.Cut(key, " ")
			if r.Method == method && strings.HasPrefix(r.URL.Path, prefix) {
				h(w, r)
				return
			}
		}
		f.defaults(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fleetServer) defaults(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/computers-inventory":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalCount": 2,
			"results": []any{
				map[string]any{"id": 1, "general": map[string]any{"name": "mac-lobby"}},
				map[string]any{"id": 2, "general": map[string]any{"name": "mac-lab"}},
			},
		})
	case r.Method == http.MethodGet && r.URL.Path == "/JSSResource/computers":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"computers": []any{
				map[string]any{"id": 1, "name": "mac-lobby"},
				map[string]any{"id": 2, "name": "mac-lab"},
			},
		})
	case r.Method == http.MethodGet && r.URL.Path == "/JSSResource/policies":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"policies": []any{map[string]any{"id": 12, "name": "patch-friday"}},
		})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/JSSResource/policies/id/"):
		_ = json.NewEncoder(w).Encode(map[string]any{
			"policy": map[string]any{"id": 12, "name": "patch-friday", "enabled": true},
		})
	case r.Method == http.MethodPost && r.URL.Path == "/JSSResource/policies/id/0":
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><policy><id>77</id></policy>`))
	default:
		http.NotFound(w, r)
	}
}

func newClient(t *testing.T, f *fleetServer) *adapter.Client {
	t.Helper()
	c, err := adapter.New(adapter.Config{
		BaseURL:           f.srv.URL,
		Username:          "svc",
		Password:          "secret",
		RequestsPerSecond: 1000,
		CacheTTL:          time.Minute,
	})
	require.NoError(t, err)
	return c
}

func TestInvokeUnknownOperation(t *testing.T) {
	c := newClient(t, newFleetServer(t))

	_, err := c.Invoke(t.Context(), "formatDisk", nil)
	var apiErr *adapter.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, adapter.CategoryValidation, apiErr.Category)
}

func TestModernReadNormalised(t *testing.T) {
	c := newClient(t, newFleetServer(t))

	res, err := c.Invoke(t.Context(), "getAllComputers", nil)
	require.NoError(t, err)

	items := res.([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "1", first["id"], "ids are stringified")
	assert.Equal(t, "mac-lobby", first["name"], "name lifted from general")
}

func TestClassicWriteParsesID(t *testing.T) {
	f := newFleetServer(t)
	c := newClient(t, f)

	res, err := c.Invoke(t.Context(), "createPolicy", []any{map[string]any{"name": "new-policy"}})
	require.NoError(t, err)
	out := res.(map[string]any)
	assert.Equal(t, "77", out["id"])
}

func TestDialectFallback(t *testing.T) {
	f := newFleetServer(t)
	// Modern inventory is forbidden; the classic listing must serve instead.
	f.hooks["GET /api/v1/computers-inventory"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}
	c := newClient(t, f)

	res, err := c.Invoke(t.Context(), "getAllComputers", nil)
	require.NoError(t, err)
	items := res.([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "mac-lobby", items[0].(map[string]any)["name"])
}

func TestValidationErrorDoesNotFallBack(t *testing.T) {
	f := newFleetServer(t)
	var classicHits atomic.Int32
	f.hooks["GET /api/v1/computers-inventory"] = func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad filter", http.StatusBadRequest)
	}
	f.hooks["GET /JSSResource/computers"] = func(w http.ResponseWriter, _ *http.Request) {
		classicHits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"computers": []any{}})
	}
	c := newClient(t, f)

	_, err := c.Invoke(t.Context(), "getAllComputers", nil)
	var apiErr *adapter.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, adapter.CategoryValidation, apiErr.Category)
	assert.Zero(t, classicHits.Load(), "validation errors are not dialect problems")
}

func TestAllDialectsFailingCombines(t *testing.T) {
	f := newFleetServer(t)
	f.hooks["GET /api/v1/computers-inventory"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}
	f.hooks["GET /JSSResource/computers"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}
	f.hooks["GET /JSSResource/advancedcomputersearches"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}
	c := newClient(t, f)

	_, err := c.Invoke(t.Context(), "getAllComputers", nil)
	var combined *adapter.CombinedError
	require.ErrorAs(t, err, &combined)
	assert.Len(t, combined.Attempts, 2)
	assert.Contains(t, combined.Error(), "getAllComputers")
}

func TestServerErrorRetriedOnce(t *testing.T) {
	f := newFleetServer(t)
	var hits atomic.Int32
	f.hooks["GET /JSSResource/policies"] = func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"policies": []any{map[string]any{"id": 12, "name": "patch-friday"}},
		})
	}
	c := newClient(t, f)

	res, err := c.Invoke(t.Context(), "listPolicies", nil)
	require.NoError(t, err)
	assert.Len(t, res.([]any), 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	f := newFleetServer(t)
	var hits atomic.Int32
	f.hooks["GET /api/v1/computers-inventory"] = func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}
	c := newClient(t, f)

	_, err := c.Invoke(t.Context(), "getAllComputers", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestReadCacheHit(t *testing.T) {
	f := newFleetServer(t)
	var hits atomic.Int32
	f.hooks["GET /JSSResource/policies/id/"] = func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"policy": map[string]any{"id": 12, "name": "patch-friday"},
		})
	}
	c := newClient(t, f)

	for i := 0; i < 3; i++ {
		_, err := c.Invoke(t.Context(), "getPolicyDetails", []any{"12"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, c.CacheLen())

	// A different argument tuple is a different cache key.
	f.hooks["GET /JSSResource/policies/id/13"] = f.hooks["GET /JSSResource/policies/id/"]
	_, err := c.Invoke(t.Context(), "getPolicyDetails", []any{"13"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestMutationInvalidatesCache(t *testing.T) {
	f := newFleetServer(t)
	var listHits, detailHits atomic.Int32
	f.hooks["GET /JSSResource/policies/id/"] = func(w http.ResponseWriter, _ *http.Request) {
		detailHits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"policy": map[string]any{"id": 12, "name": "patch-friday"},
		})
	}
	f.hooks["GET /JSSResource/policies"] = func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/JSSResource/policies/id/") {
			detailHits.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"policy": map[string]any{"id": 12, "name": "patch-friday"},
			})
			return
		}
		listHits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"policies": []any{map[string]any{"id": 12, "name": "patch-friday"}},
		})
	}
	f.hooks["PUT /JSSResource/policies/id/"] = func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<policy>")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0"?><policy><id>12</id></policy>`))
	}
	c := newClient(t, f)
	ctx := t.Context()

	_, err := c.Invoke(ctx, "listPolicies", nil)
	require.NoError(t, err)
	_, err = c.Invoke(ctx, "getPolicyDetails", []any{"12"})
	require.NoError(t, err)
	_, err = c.Invoke(ctx, "listPolicies", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), listHits.Load(), "warm cache serves the repeat list")

	// updatePolicy invalidates the list and this policy's details.
	_, err = c.Invoke(ctx, "updatePolicy", []any{"12", map[string]any{"enabled": false}})
	require.NoError(t, err)

	_, err = c.Invoke(ctx, "listPolicies", nil)
	require.NoError(t, err)
	_, err = c.Invoke(ctx, "getPolicyDetails", []any{"12"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), listHits.Load())
	assert.Equal(t, int32(2), detailHits.Load())
}

func TestSearchFallsBackToAdvancedSearch(t *testing.T) {
	f := newFleetServer(t)
	// Both direct routes are forbidden for this principal.
	f.hooks["GET /api/v1/computers-inventory"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}
	f.hooks["GET /JSSResource/computers"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}

	var created, criteriaUpdated atomic.Int32
	f.hooks["GET /JSSResource/advancedcomputersearches"] = func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/id/") {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"advanced_computer_search": map[string]any{
					"id": 5, "name": "castellan-adhoc-computers",
					"computers": []any{map[string]any{"id": 2, "name": "mac-lab"}},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"advanced_computer_searches": []any{}})
	}
	f.hooks["POST /JSSResource/advancedcomputersearches/id/0"] = func(w http.ResponseWriter, _ *http.Request) {
		created.Add(1)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><advanced_computer_search><id>5</id></advanced_computer_search>`))
	}
	f.hooks["PUT /JSSResource/advancedcomputersearches/id/5"] = func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<value>")
		criteriaUpdated.Add(1)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0"?><advanced_computer_search><id>5</id></advanced_computer_search>`))
	}
	c := newClient(t, f)

	res, err := c.Invoke(t.Context(), "searchComputers", []any{"lab"})
	require.NoError(t, err)
	items := res.([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "mac-lab", items[0].(map[string]any)["name"])
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(1), criteriaUpdated.Load())

	// The saved-search id is cached; a fresh query (distinct cache key) must
	// reuse it rather than create another.
	_, err = c.Invoke(t.Context(), "searchComputers", []any{"lobby"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(2), criteriaUpdated.Load())
}

func TestMissingCredentialConfig(t *testing.T) {
	_, err := adapter.New(adapter.Config{BaseURL: "https://mdm.example.com"})
	var failure *adapter.AuthFailure
	require.ErrorAs(t, err, &failure)
}
