// Package rotor allocates the rotating start index into a model's endpoint
// pool. It only answers where a request starts; failover past that index is
// the relay's job.
package rotor

import (
	"context"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/skela-systems/modelgw/pkg/kv"
)

const cursorKeyPrefix = "rr:model:"

type Allocator struct {
	store   kv.Store
	ttl     time.Duration
	timeout time.Duration
}

func NewAllocator(store kv.Store, ttl, timeout time.Duration) *Allocator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Allocator{store: store, ttl: ttl, timeout: timeout}
}

// Next returns the starting pool index for one request. The counter is
// advisory: any store failure degrades to the primary endpoint instead of
// blocking or erroring the request.
func (a *Allocator) Next(ctx context.Context, modelID string, poolSize int) int {
	if poolSize <= 1 {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	n, err := a.store.Incr(ctx, cursorKeyPrefix+modelID, 1, a.ttl)
	if err != nil {
		log.Warn("round-robin cursor unavailable, using primary endpoint", "model", modelID, "error", err)
		return 0
	}
	return int((n - 1) % int64(poolSize))
}
