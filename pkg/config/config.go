package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "modelgw.toml"

// TLSConfig mirrors the serving block: when enabled the gateway terminates TLS
// itself using autocert for the configured domain.
type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
}

// HeadersConfig names the inbound headers the gateway consumes. All have
// working defaults; deployments only override them when fronted by a proxy
// that rewrites header names.
type HeadersConfig struct {
	Service    string `toml:"service,omitempty"`
	User       string `toml:"user,omitempty"`
	UserName   string `toml:"user_name,omitempty"`
	Department string `toml:"department,omitempty"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`

	// RegistryPath is the SQLite database holding tenants, models, endpoint
	// pools and usage records. Owned by the admin subsystem; the gateway
	// reads it and appends usage.
	RegistryPath string `toml:"registry_path"`

	// KVPath is the shared fast store used for round-robin cursors, realtime
	// metric counters and active-user markers.
	KVPath string `toml:"kv_path"`

	// RequireTenantHeader selects the no-header policy: true rejects requests
	// without a service header, false resolves them to DefaultTenant.
	RequireTenantHeader bool   `toml:"require_tenant_header"`
	DefaultTenant       string `toml:"default_tenant"`

	RelayTimeoutSeconds int `toml:"relay_timeout_seconds,omitempty"`
	KVTimeoutMillis     int `toml:"kv_timeout_millis,omitempty"`
	CursorTTLSeconds    int `toml:"cursor_ttl_seconds,omitempty"`
	MaxBodyBytes        int `toml:"max_body_bytes,omitempty"`

	UsageArchiveDir string `toml:"usage_archive_dir,omitempty"`

	// ModelsCacheDir holds last-known-good model listings so /v1/models can
	// answer while the registry is briefly unreachable.
	ModelsCacheDir string `toml:"models_cache_dir,omitempty"`

	Headers HeadersConfig `toml:"headers"`
	TLS     TLSConfig     `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "modelgw", defaultConfigFileName)
}

func DefaultRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "registry.db"
	}
	return filepath.Join(home, ".local", "share", "modelgw", "registry.db")
}

func DefaultKVPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kv.db"
	}
	return filepath.Join(home, ".local", "share", "modelgw", "kv.db")
}

func DefaultUsageArchiveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage-archive"
	}
	return filepath.Join(home, ".cache", "modelgw", "usage-archive")
}

func DefaultModelsCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models-cache"
	}
	return filepath.Join(home, ".cache", "modelgw", "models")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "modelgw", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:          "127.0.0.1:8080",
		RegistryPath:        DefaultRegistryPath(),
		KVPath:              DefaultKVPath(),
		RequireTenantHeader: false,
		DefaultTenant:       "default",
		RelayTimeoutSeconds: 120,
		KVTimeoutMillis:     500,
		CursorTTLSeconds:    24 * 3600,
		MaxBodyBytes:        8 << 20,
		UsageArchiveDir:     DefaultUsageArchiveDir(),
		ModelsCacheDir:      DefaultModelsCacheDir(),
		Headers: HeadersConfig{
			Service:    "X-Service-Id",
			User:       "X-User-Id",
			UserName:   "X-User-Name",
			Department: "X-User-Department",
		},
		TLS: TLSConfig{
			Enabled:    false,
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultServerConfig()
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return LoadServerConfig(path)
}

func Save(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, cfg)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MarshalTOML renders a config exactly the way Save writes it to disk.
func MarshalTOML(v any) ([]byte, error) {
	return marshalTOML(v)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8080"
	}
	if strings.TrimSpace(c.RegistryPath) == "" {
		c.RegistryPath = DefaultRegistryPath()
	}
	if strings.TrimSpace(c.KVPath) == "" {
		c.KVPath = DefaultKVPath()
	}
	c.DefaultTenant = strings.TrimSpace(c.DefaultTenant)
	if c.RelayTimeoutSeconds <= 0 {
		c.RelayTimeoutSeconds = 120
	}
	if c.KVTimeoutMillis <= 0 {
		c.KVTimeoutMillis = 500
	}
	if c.CursorTTLSeconds <= 0 {
		c.CursorTTLSeconds = 24 * 3600
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
	if strings.TrimSpace(c.ModelsCacheDir) == "" {
		c.ModelsCacheDir = DefaultModelsCacheDir()
	}
	if strings.TrimSpace(c.Headers.Service) == "" {
		c.Headers.Service = "X-Service-Id"
	}
	if strings.TrimSpace(c.Headers.User) == "" {
		c.Headers.User = "X-User-Id"
	}
	if strings.TrimSpace(c.Headers.UserName) == "" {
		c.Headers.UserName = "X-User-Name"
	}
	if strings.TrimSpace(c.Headers.Department) == "" {
		c.Headers.Department = "X-User-Department"
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	if strings.TrimSpace(c.TLS.CacheDir) == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if !c.RequireTenantHeader && c.DefaultTenant == "" {
		return fmt.Errorf("default_tenant must be set when require_tenant_header is false")
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.Domain) == "" {
		return fmt.Errorf("tls.domain is required when tls.enabled is true")
	}
	return nil
}

// Store holds the live server config behind a lock so handlers can take cheap
// point-in-time snapshots while the watcher refreshes it.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewStore(path string, cfg *ServerConfig) *Store {
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// Reload re-reads the config file in place. Used by the fsnotify watcher; a
// broken file on disk keeps the previous config active.
func (s *Store) Reload() error {
	cfg, err := LoadServerConfig(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Store) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.cfg
	if err := mutator(&next); err != nil {
		return err
	}
	next.Normalize()
	if err := next.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &next); err != nil {
		return err
	}
	s.cfg = &next
	return nil
}
