// Package registry reads the model/tenant registry owned by the admin
// subsystem and appends usage records. Everything else in the schema is
// consumed read-only here.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrModelNotFound  = errors.New("model not found")
)

// Tenant is a registered internal consumer of the gateway.
type Tenant struct {
	ID   string
	Name string
}

// Endpoint is one physical backend reachable for a model. Built fresh from
// registry rows on every request and never mutated afterwards.
type Endpoint struct {
	BaseURL      string
	APIKey       string
	Model        string
	ExtraHeaders map[string]string
}

// Model is a logical model exposed to callers. Endpoints holds the pool in
// rotation order: the primary endpoint first, then sub-endpoints by position.
type Model struct {
	ID           string
	Name         string
	TenantID     string
	Enabled      bool
	MaxTokens    int
	AllowedUnits []string
	Endpoints    []Endpoint
}

// Restricted reports whether the model carries a business-unit allow-list.
func (m Model) Restricted() bool {
	return len(m.AllowedUnits) > 0
}

func (m Model) UnitAllowed(unit string) bool {
	if !m.Restricted() {
		return true
	}
	for _, u := range m.AllowedUnits {
		if strings.EqualFold(u, unit) {
			return true
		}
	}
	return false
}

type UsageRecord struct {
	ID               string
	UserID           string
	ModelID          string
	TenantID         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMS        int64
	CreatedAt        time.Time
}

type Activity struct {
	UserID       string
	TenantID     string
	FirstSeen    time.Time
	LastActive   time.Time
	RequestCount int64
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure registry: %w", err)
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=3000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS models (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	tenant_id     TEXT NOT NULL DEFAULT '',
	enabled       INTEGER NOT NULL DEFAULT 1,
	max_tokens    INTEGER NOT NULL DEFAULT 0,
	allowed_units TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_models_name ON models(name);
CREATE TABLE IF NOT EXISTS model_endpoints (
	model_id      TEXT NOT NULL,
	position      INTEGER NOT NULL,
	base_url      TEXT NOT NULL,
	api_key       TEXT NOT NULL DEFAULT '',
	backend_model TEXT NOT NULL DEFAULT '',
	extra_headers TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (model_id, position)
);
CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL DEFAULT '',
	model_id          TEXT NOT NULL,
	tenant_id         TEXT,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);
CREATE TABLE IF NOT EXISTS tenant_activity (
	user_id       TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	first_seen    TEXT NOT NULL,
	last_active   TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, tenant_id)
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) TenantByIDOrName(ctx context.Context, key string) (Tenant, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Tenant{}, ErrTenantNotFound
	}
	var t Tenant
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM tenants WHERE id = ? OR name = ? LIMIT 1`, key, key)
	if err := row.Scan(&t.ID, &t.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, ErrTenantNotFound
		}
		return Tenant{}, fmt.Errorf("query tenant: %w", err)
	}
	return t, nil
}

// FindModel resolves a model by name or id. Tenant-scoped models win; a
// cross-tenant match is kept as a compatibility fallback for callers that have
// not adopted tenant scoping yet.
func (s *Store) FindModel(ctx context.Context, nameOrID, tenantID string) (Model, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return Model{}, ErrModelNotFound
	}
	m, err := s.queryModel(ctx,
		`SELECT id, name, tenant_id, enabled, max_tokens, allowed_units
		 FROM models WHERE enabled = 1 AND tenant_id = ? AND (id = ? OR name = ?) LIMIT 1`,
		tenantID, nameOrID, nameOrID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrModelNotFound) {
		return Model{}, err
	}
	return s.queryModel(ctx,
		`SELECT id, name, tenant_id, enabled, max_tokens, allowed_units
		 FROM models WHERE enabled = 1 AND (id = ? OR name = ?) LIMIT 1`,
		nameOrID, nameOrID)
}

// ListModels returns enabled models visible to the tenant: its own plus
// unscoped ones.
func (s *Store) ListModels(ctx context.Context, tenantID string) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, tenant_id, enabled, max_tokens, allowed_units
		 FROM models WHERE enabled = 1 AND (tenant_id = ? OR tenant_id = '') ORDER BY name`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()
	var out []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		eps, err := s.endpointsFor(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Endpoints = eps
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (Model, error) {
	var m Model
	var enabled int
	var units string
	if err := row.Scan(&m.ID, &m.Name, &m.TenantID, &enabled, &m.MaxTokens, &units); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Model{}, ErrModelNotFound
		}
		return Model{}, fmt.Errorf("scan model: %w", err)
	}
	m.Enabled = enabled != 0
	m.AllowedUnits = splitUnits(units)
	return m, nil
}

func (s *Store) queryModel(ctx context.Context, query string, args ...any) (Model, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return Model{}, err
	}
	eps, err := s.endpointsFor(ctx, m.ID)
	if err != nil {
		return Model{}, err
	}
	m.Endpoints = eps
	return m, nil
}

func (s *Store) endpointsFor(ctx context.Context, modelID string) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT base_url, api_key, backend_model, extra_headers
		 FROM model_endpoints WHERE model_id = ? ORDER BY position`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()
	var out []Endpoint
	for rows.Next() {
		var ep Endpoint
		var extra string
		if err := rows.Scan(&ep.BaseURL, &ep.APIKey, &ep.Model, &extra); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		if strings.TrimSpace(extra) != "" {
			if err := json.Unmarshal([]byte(extra), &ep.ExtraHeaders); err != nil {
				// A malformed header blob should not break routing.
				ep.ExtraHeaders = nil
			}
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) InsertUsage(ctx context.Context, rec UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
		 (id, user_id, model_id, tenant_id, prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ModelID, nullable(rec.TenantID),
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.LatencyMS,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// UpsertActivity creates the tenant-activity counter on first sight and bumps
// it afterwards.
func (s *Store) UpsertActivity(ctx context.Context, userID, tenantID string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_activity (user_id, tenant_id, first_seen, last_active, request_count)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(user_id, tenant_id) DO UPDATE SET
		   last_active = excluded.last_active,
		   request_count = tenant_activity.request_count + 1`,
		userID, tenantID, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	return nil
}

func (s *Store) ActivityFor(ctx context.Context, userID, tenantID string) (Activity, error) {
	var a Activity
	var first, last string
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, tenant_id, first_seen, last_active, request_count
		 FROM tenant_activity WHERE user_id = ? AND tenant_id = ?`, userID, tenantID)
	if err := row.Scan(&a.UserID, &a.TenantID, &first, &last, &a.RequestCount); err != nil {
		return Activity{}, err
	}
	a.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
	a.LastActive, _ = time.Parse(time.RFC3339Nano, last)
	return a, nil
}

func (s *Store) UsageCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&n)
	return n, err
}

// UpsertTenant and UpsertModel exist for seeding and tests; the admin surface
// that manages these rows in production lives outside this repository.
func (s *Store) UpsertTenant(ctx context.Context, t Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`, t.ID, t.Name)
	return err
}

func (s *Store) UpsertModel(ctx context.Context, m Model) error {
	enabled := 0
	if m.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO models (id, name, tenant_id, enabled, max_tokens, allowed_units)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, tenant_id = excluded.tenant_id, enabled = excluded.enabled,
		   max_tokens = excluded.max_tokens, allowed_units = excluded.allowed_units`,
		m.ID, m.Name, m.TenantID, enabled, m.MaxTokens, joinUnits(m.AllowedUnits))
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM model_endpoints WHERE model_id = ?`, m.ID); err != nil {
		return err
	}
	for i, ep := range m.Endpoints {
		extra := ""
		if len(ep.ExtraHeaders) > 0 {
			b, err := json.Marshal(ep.ExtraHeaders)
			if err != nil {
				return err
			}
			extra = string(b)
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO model_endpoints (model_id, position, base_url, api_key, backend_model, extra_headers)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, i, ep.BaseURL, ep.APIKey, ep.Model, extra)
		if err != nil {
			return err
		}
	}
	return nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func splitUnits(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinUnits(units []string) string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return strings.Join(out, ",")
}
