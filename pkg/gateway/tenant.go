package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skela-systems/modelgw/pkg/cache"
	"github.com/skela-systems/modelgw/pkg/config"
	"github.com/skela-systems/modelgw/pkg/registry"
)

const tenantCacheTTL = 5 * time.Minute

var (
	// ErrServiceNotRegistered means the caller named a tenant that does not
	// exist. This is a hard reject: an explicit unknown tenant must never
	// fall through to the default.
	ErrServiceNotRegistered = errors.New("service not registered")

	// ErrServiceHeaderRequired is returned when the deployment policy
	// requires the service header and it is absent.
	ErrServiceHeaderRequired = errors.New("service header required")
)

// TenantResolver maps the inbound service header to a registered tenant
// through an explicit read-through cache. Invalidate is the refresh hook the
// config watcher calls.
type TenantResolver struct {
	store    *config.Store
	registry *registry.Store
	cache    *cache.TTLMap[string, registry.Tenant]
}

func NewTenantResolver(store *config.Store, reg *registry.Store) *TenantResolver {
	return &TenantResolver{
		store:    store,
		registry: reg,
		cache:    cache.NewTTLMap[string, registry.Tenant](),
	}
}

func (tr *TenantResolver) Resolve(ctx context.Context, headerValue string) (registry.Tenant, error) {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue != "" {
		return tr.lookup(ctx, "svc:"+headerValue, headerValue, ErrServiceNotRegistered)
	}

	cfg := tr.store.Snapshot()
	if cfg.RequireTenantHeader {
		return registry.Tenant{}, ErrServiceHeaderRequired
	}
	t, err := tr.lookup(ctx, "default:"+cfg.DefaultTenant, cfg.DefaultTenant, nil)
	if err != nil {
		// The configured default tenant is missing from the registry: a
		// deployment fault, not a caller fault.
		return registry.Tenant{}, fmt.Errorf("default tenant %q: %w", cfg.DefaultTenant, err)
	}
	return t, nil
}

func (tr *TenantResolver) lookup(ctx context.Context, cacheKey, tenantKey string, notFound error) (registry.Tenant, error) {
	now := time.Now()
	if t, ok := tr.cache.GetFresh(cacheKey, now); ok {
		return t, nil
	}
	t, err := tr.registry.TenantByIDOrName(ctx, tenantKey)
	if err != nil {
		if notFound != nil && errors.Is(err, registry.ErrTenantNotFound) {
			return registry.Tenant{}, notFound
		}
		return registry.Tenant{}, err
	}
	tr.cache.SetWithTTL(cacheKey, t, now, tenantCacheTTL)
	return t, nil
}

// Invalidate drops all cached tenant lookups.
func (tr *TenantResolver) Invalidate() {
	tr.cache.Clear()
}
