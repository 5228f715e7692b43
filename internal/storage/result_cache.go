package storage

import (
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

const (
	entryExt    = ".entry"
	lockStripes = 64
)

// CacheEntry is one cached tool output. Targets are stored sorted so the
// entry can be verified against the request that produced its key.
type CacheEntry struct {
	Key         string        `json:"key"`
	Tool        string        `json:"tool"`
	Targets     []string      `json:"targets"`
	Fingerprint string        `json:"fingerprint"`
	Payload     []byte        `json:"payload"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
}

func (e *CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// ResultCache is a content-addressed store of raw tool output on disk.
// Entries are evicted lazily when a lookup finds them expired or unreadable.
type ResultCache struct {
	dir      string
	ttl      time.Duration
	compress bool
	logger   *logrus.Logger
	metrics  *utils.MetricsCollector
	now      func() time.Time

	locks [lockStripes]sync.RWMutex

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	corruptions atomic.Int64
}

func NewResultCache(dir string, ttl time.Duration, compress bool, metrics *utils.MetricsCollector, logger *logrus.Logger) (*ResultCache, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &ResultCache{
		dir:      dir,
		ttl:      ttl,
		compress: compress,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (c *ResultCache) SetClock(now func() time.Time) {
	c.now = now
}

// Key derives the cache key. Target order and duplicates do not matter.
func Key(tool string, targets []string, fingerprint string) string {
	var buf bytes.Buffer
	buf.WriteString(tool)
	buf.WriteByte(0)
	for _, t := range utils.SortedUnique(targets) {
		buf.WriteString(t)
		buf.WriteByte('\n')
	}
	buf.WriteByte(0)
	buf.WriteString(fingerprint)
	sum := xxh3.Hash128(buf.Bytes()).Bytes()
	return hex.EncodeToString(sum[:])
}

func (c *ResultCache) Get(tool string, targets []string, fingerprint string) (*CacheEntry, bool) {
	key := Key(tool, targets, fingerprint)
	lock := c.lockFor(key)

	lock.RLock()
	entry, err := c.read(key)
	lock.RUnlock()

	switch {
	case errors.Is(err, fs.ErrNotExist):
		c.miss()
		return nil, false
	case err != nil:
		c.logger.Warnf("Cache entry %s for %s unreadable: %v", key, tool, err)
		c.corruptions.Add(1)
		c.event("corruption")
		c.evictIf(key, func(e *CacheEntry, err error) bool { return err != nil && !errors.Is(err, fs.ErrNotExist) })
		c.miss()
		return nil, false
	case entry.Tool != tool || entry.Fingerprint != fingerprint || !sameTargets(entry.Targets, targets):
		c.logger.Warnf("Cache entry %s does not match its request, discarding", key)
		c.corruptions.Add(1)
		c.event("corruption")
		c.evictIf(key, func(e *CacheEntry, err error) bool {
			return err == nil && (e.Tool != tool || e.Fingerprint != fingerprint || !sameTargets(e.Targets, targets))
		})
		c.miss()
		return nil, false
	case entry.expired(c.now()):
		c.logger.Debugf("Cache entry %s for %s expired", key, tool)
		c.evictIf(key, func(e *CacheEntry, err error) bool { return err == nil && e.expired(c.now()) })
		c.miss()
		return nil, false
	}

	c.hits.Add(1)
	c.event("hit")
	return entry, true
}

func (c *ResultCache) Put(tool string, targets []string, fingerprint string, payload []byte) error {
	return c.PutWithTTL(tool, targets, fingerprint, payload, c.ttl)
}

// PutWithTTL stores payload, replacing any previous entry for the same key.
// Concurrent readers see either the old entry or the new one in full.
func (c *ResultCache) PutWithTTL(tool string, targets []string, fingerprint string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := Key(tool, targets, fingerprint)
	entry := &CacheEntry{
		Key:         key,
		Tool:        tool,
		Targets:     utils.SortedUnique(targets),
		Fingerprint: fingerprint,
		Payload:     payload,
		CreatedAt:   c.now(),
		TTL:         ttl,
	}

	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	err := utils.WriteFileAtomic(c.path(key), 0o644, func(w io.Writer) error {
		return c.encode(w, entry)
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", tool, err)
	}
	c.event("put")
	return nil
}

// Prune removes every expired or unreadable entry and returns how many were
// removed.
func (c *ResultCache) Prune() (int, error) {
	removed := 0
	err := c.walk(func(key string) {
		if c.evictIf(key, func(e *CacheEntry, err error) bool {
			if err != nil {
				return !errors.Is(err, fs.ErrNotExist)
			}
			return e.expired(c.now())
		}) {
			removed++
		}
	})
	return removed, err
}

func (c *ResultCache) Clear() error {
	return c.walk(func(key string) {
		lock := c.lockFor(key)
		lock.Lock()
		_ = os.Remove(c.path(key))
		lock.Unlock()
	})
}

func (c *ResultCache) Stats() models.CacheStats {
	return models.CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Corruptions: c.corruptions.Load(),
	}
}

// Usage reports the number of entries on disk and their total size.
func (c *ResultCache) Usage() (int, int64, error) {
	var (
		count int
		size  int64
	)
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entryExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		count++
		size += info.Size()
		return nil
	})
	return count, size, err
}

func (c *ResultCache) evictIf(key string, stale func(*CacheEntry, error) bool) bool {
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	entry, err := c.read(key)
	if !stale(entry, err) {
		return false
	}
	if rmErr := os.Remove(c.path(key)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		c.logger.Warnf("Failed to evict cache entry %s: %v", key, rmErr)
		return false
	}
	c.evictions.Add(1)
	c.event("eviction")
	return true
}

func (c *ResultCache) read(key string) (*CacheEntry, error) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, err
	}
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gzr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCacheCorruption, err)
		}
		data, err = io.ReadAll(gzr)
		_ = gzr.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrCacheCorruption, err)
		}
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCacheCorruption, err)
	}
	if entry.Key != key {
		return nil, fmt.Errorf("%w: key mismatch", models.ErrCacheCorruption)
	}
	return &entry, nil
}

func (c *ResultCache) encode(w io.Writer, entry *CacheEntry) error {
	if !c.compress {
		return json.NewEncoder(w).Encode(entry)
	}
	gzw := gzip.NewWriter(w)
	if err := json.NewEncoder(gzw).Encode(entry); err != nil {
		_ = gzw.Close()
		return err
	}
	return gzw.Close()
}

func (c *ResultCache) walk(fn func(key string)) error {
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entryExt) {
			return nil
		}
		fn(strings.TrimSuffix(d.Name(), entryExt))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("walk cache dir: %w", err)
	}
	return nil
}

func (c *ResultCache) path(key string) string {
	return filepath.Join(c.dir, key[:2], key+entryExt)
}

func (c *ResultCache) lockFor(key string) *sync.RWMutex {
	b, err := hex.DecodeString(key[:2])
	if err != nil || len(b) == 0 {
		return &c.locks[0]
	}
	return &c.locks[int(b[0])%lockStripes]
}

func (c *ResultCache) miss() {
	c.misses.Add(1)
	c.event("miss")
}

func (c *ResultCache) event(name string) {
	c.metrics.IncCounter(utils.MetricCacheEvents, 1, prometheus.Labels{"event": name})
}

func sameTargets(stored, requested []string) bool {
	req := utils.SortedUnique(requested)
	if len(stored) != len(req) {
		return false
	}
	for i := range req {
		if stored[i] != req[i] {
			return false
		}
	}
	return true
}
