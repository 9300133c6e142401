package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/skela-systems/modelgw/pkg/cache"
	"github.com/skela-systems/modelgw/pkg/config"
	"github.com/skela-systems/modelgw/pkg/kv"
	"github.com/skela-systems/modelgw/pkg/registry"
	"github.com/skela-systems/modelgw/pkg/rotor"
	"github.com/skela-systems/modelgw/pkg/usage"
)

type Server struct {
	store    *config.Store
	registry *registry.Store
	kv       kv.Store
	rotor    *rotor.Allocator
	recorder *usage.Recorder
	resolver *TenantResolver
	client   *http.Client

	httpServer          *http.Server
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(store *config.Store, reg *registry.Store, kvs kv.Store, rec *usage.Recorder) *Server {
	cfg := store.Snapshot()

	s := &Server{
		store:    store,
		registry: reg,
		kv:       kvs,
		recorder: rec,
		resolver: NewTenantResolver(store, reg),
		rotor: rotor.NewAllocator(kvs,
			time.Duration(cfg.CursorTTLSeconds)*time.Second,
			time.Duration(cfg.KVTimeoutMillis)*time.Millisecond),
		client: &http.Client{},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/health", s.handleHealth)
		v1.Get("/models", s.handleModels)
		v1.Get("/models/{name}", s.handleModelByName)
		v1.Post("/chat/completions", s.handleChatCompletions)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)
	go s.watchConfig(ctx)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              cfg.TLS.ListenAddr,
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()

		go func() {
			log.Info("https listening", "addr", httpsSrv.Addr, "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.shutdown(httpsSrv, httpChallenge)
		return firstErr(errCh)
	}

	go func() {
		log.Info("gateway listening", "addr", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	<-ctx.Done()
	s.shutdown(s.httpServer)
	return firstErr(errCh)
}

func (s *Server) shutdown(servers ...*http.Server) {
	s.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.waitForProxyIdle(drainCtx)
	s.recorder.Drain(drainCtx)
	for _, srv := range servers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: gateway idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// watchConfig reloads the runtime config when the file changes on disk and
// drops cached tenant lookups so new header mappings take effect.
func (s *Server) watchConfig(ctx context.Context) {
	path := s.store.Path()
	if path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn("config watcher unavailable", "path", path, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != path || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := s.store.Reload(); err != nil {
				log.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			s.resolver.Invalidate()
			log.Info("config reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()

	tenant, ok := s.resolveTenant(w, r, cfg)
	if !ok {
		return
	}
	ident := identityFromRequest(r, cfg.Headers)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(cfg.MaxBodyBytes)))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
		return
	}
	creq, err := parseChatRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	m, err := s.registry.FindModel(r.Context(), creq.Model, tenant.ID)
	if err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			writeError(w, http.StatusNotFound, "model not found", creq.Model)
			return
		}
		log.Error("model lookup failed", "model", creq.Model, "error", err)
		writeError(w, http.StatusInternalServerError, "model lookup failed", "")
		return
	}

	if !s.unitAllowed(m, ident) {
		writeError(w, http.StatusForbidden, "business unit not permitted",
			fmt.Sprintf("model %s is restricted", m.Name))
		return
	}

	s.executeWithFailover(w, r, m, creq, tenant, ident)
}

// unitAllowed applies the soft access policy on restricted models: a missing
// department header passes with a warning, a mismatched one is rejected.
func (s *Server) unitAllowed(m registry.Model, ident callerIdentity) bool {
	if !m.Restricted() {
		return true
	}
	if ident.Unit == "" {
		log.Warn("restricted model used without department header",
			"model", m.Name, "user", ident.UserID)
		return true
	}
	return m.UnitAllowed(ident.Unit)
}

type modelCard struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelCard `json:"data"`
}

// cachedModel is the slim shape persisted to the models cache. Endpoint
// details (and their credentials) never touch the cache file.
type cachedModel struct {
	Name         string   `json:"name"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	AllowedUnits []string `json:"allowed_units,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	tenant, ok := s.resolveTenant(w, r, cfg)
	if !ok {
		return
	}
	ident := identityFromRequest(r, cfg.Headers)

	var listing []cachedModel
	cachePath := filepath.Join(cfg.ModelsCacheDir, "models-"+tenant.ID+".json")

	models, err := s.registry.ListModels(r.Context(), tenant.ID)
	if err == nil {
		listing = make([]cachedModel, 0, len(models))
		for _, m := range models {
			listing = append(listing, cachedModel{
				Name: m.Name, MaxTokens: m.MaxTokens, AllowedUnits: m.AllowedUnits,
			})
		}
		if err := cache.SaveJSON(cachePath, listing); err != nil {
			log.Debug("models cache write failed", "path", cachePath, "error", err)
		}
	} else {
		log.Warn("model listing failed, trying cache", "tenant", tenant.ID, "error", err)
		if cerr := cache.LoadJSON(cachePath, &listing); cerr != nil {
			writeError(w, http.StatusInternalServerError, "model listing failed", "")
			return
		}
	}

	out := modelList{Object: "list", Data: []modelCard{}}
	for _, m := range listing {
		restricted := len(m.AllowedUnits) > 0
		if restricted && ident.Unit != "" && !unitListed(m.AllowedUnits, ident.Unit) {
			continue
		}
		out.Data = append(out.Data, modelCard{
			ID: m.Name, Object: "model", OwnedBy: tenant.Name,
			DisplayName: m.Name, MaxTokens: m.MaxTokens,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func unitListed(units []string, unit string) bool {
	for _, u := range units {
		if strings.EqualFold(u, unit) {
			return true
		}
	}
	return false
}

func (s *Server) handleModelByName(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	tenant, ok := s.resolveTenant(w, r, cfg)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	m, err := s.registry.FindModel(r.Context(), name, tenant.ID)
	if err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			writeError(w, http.StatusNotFound, "model not found", name)
			return
		}
		log.Error("model lookup failed", "model", name, "error", err)
		writeError(w, http.StatusInternalServerError, "model lookup failed", "")
		return
	}
	writeJSON(w, http.StatusOK, modelCard{
		ID: m.Name, Object: "model", OwnedBy: tenant.Name,
		DisplayName: m.Name, MaxTokens: m.MaxTokens,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.registry.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) resolveTenant(w http.ResponseWriter, r *http.Request, cfg config.ServerConfig) (registry.Tenant, bool) {
	tenant, err := s.resolver.Resolve(r.Context(), r.Header.Get(cfg.Headers.Service))
	if err == nil {
		return tenant, true
	}
	switch {
	case errors.Is(err, ErrServiceNotRegistered):
		writeError(w, http.StatusForbidden, "service not registered",
			"contact admin to register your service")
	case errors.Is(err, ErrServiceHeaderRequired):
		writeError(w, http.StatusForbidden, "service header required", cfg.Headers.Service)
	default:
		log.Error("tenant resolution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "tenant resolution failed", "")
	}
	return registry.Tenant{}, false
}
