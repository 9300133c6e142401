package usage

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const statsBucketSize = 5 * time.Minute

// Event is one usage observation fed into the in-memory rollup and archive.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	TenantID         string    `json:"tenant_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
}

type Bucket struct {
	StartAt          time.Time
	Model            string
	TenantID         string
	Requests         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMSSum     int64
}

type Summary struct {
	PeriodSeconds     int64
	Requests          int
	PromptTokens      int
	CompletionTokens  int
	TotalTokens       int
	AvgLatencyMS      float64
	RequestsPerModel  map[string]int
	RequestsPerTenant map[string]int
}

// StatsStore keeps a bounded in-memory rollup of recent usage, bucketed per
// model/tenant in five-minute slots.
type StatsStore struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	maxKeep int
}

func NewStatsStore(maxKeep int) *StatsStore {
	if maxKeep <= 0 {
		maxKeep = 10000
	}
	return &StatsStore{buckets: map[string]*Bucket{}, maxKeep: maxKeep}
}

func (s *StatsStore) Add(ev Event) {
	start := ev.Timestamp.Truncate(statsBucketSize)
	key := strings.Join([]string{start.UTC().Format(time.RFC3339), ev.Model, ev.TenantID}, "|")

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &Bucket{StartAt: start, Model: ev.Model, TenantID: ev.TenantID}
		s.buckets[key] = b
	}
	b.Requests++
	b.PromptTokens += ev.PromptTokens
	b.CompletionTokens += ev.CompletionTokens
	b.TotalTokens += ev.TotalTokens
	b.LatencyMSSum += ev.LatencyMS
	s.evictLocked()
}

func (s *StatsStore) evictLocked() {
	if len(s.buckets) <= s.maxKeep {
		return
	}
	keys := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.buckets[keys[i]].StartAt.Before(s.buckets[keys[j]].StartAt)
	})
	for _, k := range keys[:len(keys)-s.maxKeep] {
		delete(s.buckets, k)
	}
}

func (s *StatsStore) Summary(period time.Duration) Summary {
	cutoff := time.Now().Add(-period)
	out := Summary{
		PeriodSeconds:     int64(period.Seconds()),
		RequestsPerModel:  map[string]int{},
		RequestsPerTenant: map[string]int{},
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latencySum int64
	for _, b := range s.buckets {
		if b.StartAt.Add(statsBucketSize).Before(cutoff) {
			continue
		}
		out.Requests += b.Requests
		out.PromptTokens += b.PromptTokens
		out.CompletionTokens += b.CompletionTokens
		out.TotalTokens += b.TotalTokens
		latencySum += b.LatencyMSSum
		out.RequestsPerModel[b.Model] += b.Requests
		if b.TenantID != "" {
			out.RequestsPerTenant[b.TenantID] += b.Requests
		}
	}
	if out.Requests > 0 {
		out.AvgLatencyMS = float64(latencySum) / float64(out.Requests)
	}
	return out
}
