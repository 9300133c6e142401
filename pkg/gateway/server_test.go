package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/skela-systems/modelgw/pkg/config"
	"github.com/skela-systems/modelgw/pkg/kv"
	"github.com/skela-systems/modelgw/pkg/registry"
	"github.com/skela-systems/modelgw/pkg/usage"
)

type testEnv struct {
	srv *Server
	reg *registry.Store
	kv  *kv.MemoryStore
	rec *usage.Recorder
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewDefaultServerConfig()
	cfg.ModelsCacheDir = filepath.Join(dir, "models-cache")
	if mutate != nil {
		mutate(cfg)
	}
	store := config.NewStore(filepath.Join(dir, "server.toml"), cfg)

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	kvs := kv.NewMemoryStore()
	rec := usage.NewRecorder(reg, kvs, nil, nil, 2*time.Second)

	env := &testEnv{srv: NewServer(store, reg, kvs, rec), reg: reg, kv: kvs, rec: rec}
	if err := reg.UpsertTenant(context.Background(), registry.Tenant{ID: "default", Name: "default"}); err != nil {
		t.Fatalf("seed default tenant: %v", err)
	}
	return env
}

func (e *testEnv) seedModel(t *testing.T, m registry.Model) {
	t.Helper()
	if err := e.reg.UpsertModel(context.Background(), m); err != nil {
		t.Fatalf("seed model %s: %v", m.ID, err)
	}
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.rec.Drain(ctx); err != nil {
		t.Fatalf("drain recorder: %v", err)
	}
}

func chatBody(model string, extra string) string {
	body := `{"model":"` + model + `","messages":[{"role":"user","content":"hi"}]`
	if extra != "" {
		body += "," + extra
	}
	return body + "}"
}

func postChat(env *testEnv, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUnknownServiceHeaderRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := postChat(env, chatBody("gpt-test", ""), map[string]string{"X-Service-Id": "ghost-service"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown service, got %d: %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != "service not registered" {
		t.Fatalf("unexpected error %q", body.Error)
	}
}

func TestMissingServiceHeaderFallsBackToDefaultTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	// No model seeded: reaching the 404 proves tenant resolution succeeded.
	rec := postChat(env, chatBody("gpt-test", ""), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMissingServiceHeaderRejectedWhenRequired(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) {
		c.RequireTenantHeader = true
	})
	rec := postChat(env, chatBody("gpt-test", ""), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRestrictedModelRejectsForeignUnit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedModel(t, registry.Model{
		ID: "m1", Name: "research-model", Enabled: true,
		AllowedUnits: []string{"RND"},
		Endpoints:    []registry.Endpoint{{BaseURL: "http://127.0.0.1:1"}},
	})

	rec := postChat(env, chatBody("research-model", ""),
		map[string]string{"X-User-Department": "SALES/EMEA"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRestrictedModelAllowsMissingDepartment(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, nil)
	env.seedModel(t, registry.Model{
		ID: "m1", Name: "research-model", Enabled: true,
		AllowedUnits: []string{"RND"},
		Endpoints:    []registry.Endpoint{{BaseURL: upstream.URL}},
	})

	// Absent department header passes the soft policy.
	rec := postChat(env, chatBody("research-model", ""), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env.drain(t)
}

func TestModelsListFiltersRestricted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedModel(t, registry.Model{ID: "m1", Name: "open-model", Enabled: true,
		Endpoints: []registry.Endpoint{{BaseURL: "http://127.0.0.1:1"}}})
	env.seedModel(t, registry.Model{ID: "m2", Name: "research-model", Enabled: true,
		AllowedUnits: []string{"RND"},
		Endpoints:    []registry.Endpoint{{BaseURL: "http://127.0.0.1:1"}}})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-User-Department", "SALES/EMEA")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var list modelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "open-model" {
		t.Fatalf("unexpected listing: %+v", list.Data)
	}
}

func TestModelsListFallsBackToCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedModel(t, registry.Model{ID: "m1", Name: "open-model", Enabled: true,
		Endpoints: []registry.Endpoint{{BaseURL: "http://127.0.0.1:1"}}})

	listModels := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := listModels(); rec.Code != http.StatusOK {
		t.Fatalf("warm-up listing failed: %d", rec.Code)
	}

	// Registry gone: the last-known-good listing still answers. The tenant
	// resolver has the default tenant cached from the warm-up call.
	_ = env.reg.Close()
	rec := listModels()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cached listing, got %d: %s", rec.Code, rec.Body.String())
	}
	var list modelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "open-model" {
		t.Fatalf("unexpected cached listing: %+v", list.Data)
	}
}

func TestModelByNameNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/models/nope", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInvalidBodyRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	for body, want := range map[string]string{
		`{"messages":[{"role":"user","content":"hi"}]}`: "model is required",
		`{"model":"m"}`:                  "messages is required",
		`{"model":"m","messages":[]}`:    "messages must be a non-empty array",
		`not json`:                       "invalid json",
		``:                               "request body required",
	} {
		rec := postChat(env, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
		var eb errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if eb.Error != want {
			t.Fatalf("body %q: expected error %q, got %q", body, want, eb.Error)
		}
	}
}

func TestDrainingRejectsNewRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.draining.Store(true)
	rec := postChat(env, chatBody("gpt-test", ""), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}
