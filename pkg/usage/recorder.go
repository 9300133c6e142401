// Package usage persists token accounting off the response path. All writes
// are best-effort: the gateway answers callers first and loses a few records
// on crash rather than ever delaying a response.
package usage

import (
	"context"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/skela-systems/modelgw/pkg/kv"
	"github.com/skela-systems/modelgw/pkg/registry"
)

const activeUserTTL = time.Hour

// Record is one completed request's accounting input.
type Record struct {
	UserID           string
	TenantID         string
	ModelID          string
	ModelName        string
	PromptTokens     int
	CompletionTokens int
	LatencyMS        int64
}

type Recorder struct {
	registry *registry.Store
	kv       kv.Store
	stats    *StatsStore
	archive  *Archive
	timeout  time.Duration
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewRecorder wires the three sinks. stats and archive may be nil.
func NewRecorder(reg *registry.Store, store kv.Store, stats *StatsStore, archive *Archive, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{
		registry: reg,
		kv:       store,
		stats:    stats,
		archive:  archive,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Record schedules the writes and returns immediately. In-flight work is
// tracked so Drain can wait for it at shutdown.
func (r *Recorder) Record(rec Record) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.persist(rec)
	}()
}

func (r *Recorder) persist(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	now := r.now()
	total := rec.PromptTokens + rec.CompletionTokens
	row := registry.UsageRecord{
		ID:               uuid.NewString(),
		UserID:           rec.UserID,
		ModelID:          rec.ModelID,
		TenantID:         rec.TenantID,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      total,
		LatencyMS:        rec.LatencyMS,
		CreatedAt:        now,
	}
	if err := r.registry.InsertUsage(ctx, row); err != nil {
		log.Error("usage record write failed", "model", rec.ModelID, "error", err)
	} else if err := r.registry.UpsertActivity(ctx, rec.UserID, rec.TenantID, now); err != nil {
		log.Error("tenant activity write failed", "tenant", rec.TenantID, "error", err)
	}

	if r.kv != nil {
		if _, err := r.kv.Incr(ctx, "metrics:tokens:model:"+rec.ModelID, int64(total), 0); err != nil {
			log.Warn("realtime token counter write failed", "model", rec.ModelID, "error", err)
		}
		if _, err := r.kv.Incr(ctx, "metrics:requests:model:"+rec.ModelID, 1, 0); err != nil {
			log.Warn("realtime request counter write failed", "model", rec.ModelID, "error", err)
		}
		if rec.UserID != "" {
			if err := r.kv.Set(ctx, "active:user:"+rec.UserID, "1", activeUserTTL); err != nil {
				log.Warn("active user marker write failed", "user", rec.UserID, "error", err)
			}
		}
	}

	if r.stats != nil {
		r.stats.Add(Event{
			Timestamp:        now,
			Model:            rec.ModelName,
			TenantID:         rec.TenantID,
			UserID:           rec.UserID,
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			TotalTokens:      total,
			LatencyMS:        rec.LatencyMS,
		})
	}
	if r.archive != nil {
		if err := r.archive.Append(Event{
			Timestamp:        now,
			Model:            rec.ModelName,
			TenantID:         rec.TenantID,
			UserID:           rec.UserID,
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			TotalTokens:      total,
			LatencyMS:        rec.LatencyMS,
		}); err != nil {
			log.Warn("usage archive append failed", "error", err)
		}
	}
}

// Drain waits for in-flight writes, bounded by ctx. Losing a few records at
// shutdown is acceptable; this just gives them a chance to land.
func (r *Recorder) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
