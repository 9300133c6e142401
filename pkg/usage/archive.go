package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	archiveSegmentMaxAge   = 6 * time.Hour
	archiveSegmentMaxBytes = int64(32 << 20)
)

// Archive appends usage events to zstd-compressed JSON-lines segment files,
// one segment per rotation window. Segments are append-only and never read by
// the gateway itself; offline reporting consumes them.
type Archive struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	enc      *zstd.Encoder
	openedAt time.Time
	written  int64
	seq      int
	now      func() time.Time
}

func OpenArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archive{dir: dir, now: time.Now}, nil
}

func (a *Archive) Append(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureSegmentLocked(); err != nil {
		return err
	}
	n, err := a.enc.Write(line)
	if err != nil {
		return fmt.Errorf("write usage event: %w", err)
	}
	a.written += int64(n)
	return nil
}

func (a *Archive) ensureSegmentLocked() error {
	now := a.now()
	if a.file != nil {
		if now.Sub(a.openedAt) < archiveSegmentMaxAge && a.written < archiveSegmentMaxBytes {
			return nil
		}
		if err := a.closeSegmentLocked(); err != nil {
			return err
		}
	}
	a.seq++
	name := fmt.Sprintf("usage-%s-%d-%d.jsonl.zst", now.UTC().Format("20060102T150405"), os.Getpid(), a.seq)
	f, err := os.OpenFile(filepath.Join(a.dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("open archive segment: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("init zstd writer: %w", err)
	}
	a.file = f
	a.enc = enc
	a.openedAt = now
	a.written = 0
	return nil
}

func (a *Archive) closeSegmentLocked() error {
	if a.enc != nil {
		if err := a.enc.Close(); err != nil {
			return fmt.Errorf("flush archive segment: %w", err)
		}
		a.enc = nil
	}
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			return fmt.Errorf("close archive segment: %w", err)
		}
		a.file = nil
	}
	return nil
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeSegmentLocked()
}
