package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/skela-systems/modelgw/pkg/kv"
	"github.com/skela-systems/modelgw/pkg/registry"
)

func newTestRecorder(t *testing.T) (*Recorder, *registry.Store, kv.Store) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	store := kv.NewMemoryStore()
	rec := NewRecorder(reg, store, NewStatsStore(100), nil, 5*time.Second)
	return rec, reg, store
}

func drain(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestRecordPersistsAllSinks(t *testing.T) {
	r, reg, store := newTestRecorder(t)
	r.Record(Record{
		UserID: "u1", TenantID: "t1", ModelID: "m1", ModelName: "gpt-4",
		PromptTokens: 100, CompletionTokens: 50, LatencyMS: 800,
	})
	drain(t, r)

	ctx := context.Background()
	n, err := reg.UsageCount(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 usage row, got %d err=%v", n, err)
	}
	a, err := reg.ActivityFor(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("ActivityFor: %v", err)
	}
	if a.RequestCount != 1 {
		t.Fatalf("expected activity count 1, got %d", a.RequestCount)
	}

	if _, ok, _ := store.Get(ctx, "active:user:u1"); !ok {
		t.Fatalf("expected active user marker")
	}
	tokens, err := store.Incr(ctx, "metrics:tokens:model:m1", 0, 0)
	if err != nil || tokens != 150 {
		t.Fatalf("expected token counter 150, got %d err=%v", tokens, err)
	}

	sum := r.stats.Summary(time.Hour)
	if sum.Requests != 1 || sum.TotalTokens != 150 {
		t.Fatalf("unexpected stats summary: %+v", sum)
	}
}

func TestRecordSurvivesSinkFailure(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	// Closed registry makes every DB write fail; Record must not panic or
	// surface anything.
	_ = reg.Close()
	r := NewRecorder(reg, kv.NewMemoryStore(), nil, nil, time.Second)
	r.Record(Record{UserID: "u1", ModelID: "m1", PromptTokens: 1})
	drain(t, r)
}

func TestArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenArchive(dir)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	ev := Event{Timestamp: time.Now().UTC(), Model: "gpt-4", TotalTokens: 42}
	if err := a.Append(ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 segment, got %d err=%v", len(entries), err)
	}
	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	scanner := bufio.NewScanner(dec)
	if !scanner.Scan() {
		t.Fatalf("expected one line in segment")
	}
	var got Event
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if got.Model != "gpt-4" || got.TotalTokens != 42 {
		t.Fatalf("unexpected archived event: %+v", got)
	}
}

func TestStatsSummaryAggregates(t *testing.T) {
	s := NewStatsStore(100)
	now := time.Now()
	for i := 0; i < 3; i++ {
		s.Add(Event{Timestamp: now, Model: "gpt-4", TenantID: "t1", TotalTokens: 10, LatencyMS: 100})
	}
	s.Add(Event{Timestamp: now, Model: "claude", TenantID: "t2", TotalTokens: 5, LatencyMS: 200})

	sum := s.Summary(time.Hour)
	if sum.Requests != 4 {
		t.Fatalf("expected 4 requests, got %d", sum.Requests)
	}
	if sum.TotalTokens != 35 {
		t.Fatalf("expected 35 tokens, got %d", sum.TotalTokens)
	}
	if sum.RequestsPerModel["gpt-4"] != 3 {
		t.Fatalf("unexpected per-model counts: %+v", sum.RequestsPerModel)
	}
	if sum.RequestsPerTenant["t2"] != 1 {
		t.Fatalf("unexpected per-tenant counts: %+v", sum.RequestsPerTenant)
	}
}
