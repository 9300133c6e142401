package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTenantByIDOrName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertTenant(ctx, Tenant{ID: "t1", Name: "search-svc"}); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}

	byID, err := s.TenantByIDOrName(ctx, "t1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	byName, err := s.TenantByIDOrName(ctx, "search-svc")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if byID.ID != byName.ID {
		t.Fatalf("id and name lookups disagree: %+v vs %+v", byID, byName)
	}

	if _, err := s.TenantByIDOrName(ctx, "nope"); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestFindModelPrefersTenantScope(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	shared := Model{ID: "m-shared", Name: "gpt-4", TenantID: "", Enabled: true,
		Endpoints: []Endpoint{{BaseURL: "http://shared/v1"}}}
	scoped := Model{ID: "m-scoped", Name: "gpt-4", TenantID: "t1", Enabled: true,
		Endpoints: []Endpoint{{BaseURL: "http://scoped/v1"}}}
	for _, m := range []Model{shared, scoped} {
		if err := s.UpsertModel(ctx, m); err != nil {
			t.Fatalf("UpsertModel: %v", err)
		}
	}

	got, err := s.FindModel(ctx, "gpt-4", "t1")
	if err != nil {
		t.Fatalf("FindModel: %v", err)
	}
	if got.ID != "m-scoped" {
		t.Fatalf("expected tenant-scoped model, got %s", got.ID)
	}

	// Tenant without its own copy falls back to the cross-tenant match.
	got, err = s.FindModel(ctx, "gpt-4", "t2")
	if err != nil {
		t.Fatalf("FindModel fallback: %v", err)
	}
	if got.ID != "m-shared" && got.ID != "m-scoped" {
		t.Fatalf("unexpected fallback model %s", got.ID)
	}
}

func TestFindModelSkipsDisabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertModel(ctx, Model{ID: "m1", Name: "old", Enabled: false}); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}
	if _, err := s.FindModel(ctx, "old", "t1"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound for disabled model, got %v", err)
	}
}

func TestEndpointPoolOrderIsStable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := Model{ID: "m1", Name: "gpt-4", Enabled: true, Endpoints: []Endpoint{
		{BaseURL: "http://primary/v1", APIKey: "k0"},
		{BaseURL: "http://sub-a/v1", ExtraHeaders: map[string]string{"X-Region": "eu"}},
		{BaseURL: "http://sub-b/v1"},
	}}
	if err := s.UpsertModel(ctx, m); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}
	got, err := s.FindModel(ctx, "gpt-4", "")
	if err != nil {
		t.Fatalf("FindModel: %v", err)
	}
	if len(got.Endpoints) != 3 {
		t.Fatalf("expected 3 endpoints, got %d", len(got.Endpoints))
	}
	if got.Endpoints[0].BaseURL != "http://primary/v1" {
		t.Fatalf("primary not first: %s", got.Endpoints[0].BaseURL)
	}
	if got.Endpoints[1].ExtraHeaders["X-Region"] != "eu" {
		t.Fatalf("extra headers lost: %+v", got.Endpoints[1].ExtraHeaders)
	}
}

func TestUnitAllowed(t *testing.T) {
	m := Model{AllowedUnits: []string{"DS"}}
	if !m.UnitAllowed("ds") {
		t.Fatalf("expected case-insensitive unit match")
	}
	if m.UnitAllowed("HQ") {
		t.Fatalf("expected HQ to be rejected")
	}
	open := Model{}
	if !open.UnitAllowed("anything") {
		t.Fatalf("expected unrestricted model to allow any unit")
	}
}

func TestUpsertActivityCreatesThenIncrements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Minute)
	if err := s.UpsertActivity(ctx, "u1", "t1", t0); err != nil {
		t.Fatalf("UpsertActivity: %v", err)
	}
	t1 := time.Now()
	if err := s.UpsertActivity(ctx, "u1", "t1", t1); err != nil {
		t.Fatalf("UpsertActivity: %v", err)
	}
	a, err := s.ActivityFor(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("ActivityFor: %v", err)
	}
	if a.RequestCount != 2 {
		t.Fatalf("expected request count 2, got %d", a.RequestCount)
	}
	if !a.FirstSeen.Before(a.LastActive) {
		t.Fatalf("first seen %v not before last active %v", a.FirstSeen, a.LastActive)
	}
}

func TestInsertUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := UsageRecord{
		ID: "r1", UserID: "u1", ModelID: "m1", TenantID: "t1",
		PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
		LatencyMS: 420, CreatedAt: time.Now(),
	}
	if err := s.InsertUsage(ctx, rec); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}
	n, err := s.UsageCount(ctx)
	if err != nil {
		t.Fatalf("UsageCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 usage record, got %d", n)
	}
}
