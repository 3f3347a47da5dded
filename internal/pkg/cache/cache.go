// Package cache implements a two-tier cache for processing artifacts. The
// memory tier is a byte-budgeted LRU; the optional secondary tier is a disk
// directory or a Redis server.
//
// Keys have the form <sourcePrefix>_<operation>_<optionsHash>, so every entry
// derived from one source can be removed with a prefix match.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/metrics"
)

// ErrMiss is returned by secondary tiers for absent or expired keys.
var ErrMiss = errors.New("cache miss")

// Entry is one cached value.
type Entry struct {
	Key        string    `json:"key"`
	Value      []byte    `json:"-"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
	// ExpiresAt is zero for entries without expiry.
	ExpiresAt time.Time `json:"expires_at"`
	Size      int64     `json:"size"`
}

func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e *Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Tags = slices.Clone(e.Tags)
	return &c
}

// TTL returns the remaining lifetime, or 0 for entries without expiry.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return max(e.ExpiresAt.Sub(now), time.Millisecond)
}

// Secondary is the persistent tier behind the memory LRU.
type Secondary interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	DeleteTag(ctx context.Context, tag string) (int, error)
}

// SourcePrefix hashes a source identity into the key prefix.
func SourcePrefix(sourceID string) string {
	return strconv.FormatUint(xxhash.Sum64String(sourceID), 16)
}

// Key builds a cache key for operation op on the source identified by
// fingerprint. opts is hashed through its JSON encoding.
func Key(fingerprint, op string, opts any) string {
	raw, err := json.Marshal(opts)
	if err != nil {
		raw = []byte(fmt.Sprintf("%#v", opts))
	}
	return fmt.Sprintf("%s_%s_%x", fingerprint, op, xxhash.Sum64(raw))
}

// Stats is a snapshot of cache counters.
type Stats struct {
	MemoryHits    uint64 `json:"memory_hits"`
	SecondaryHits uint64 `json:"secondary_hits"`
	Misses        uint64 `json:"misses"`
	Puts          uint64 `json:"puts"`
	Evictions     uint64 `json:"evictions"`
	Expirations   uint64 `json:"expirations"`
	Entries       int    `json:"entries"`
	Bytes         int64  `json:"bytes"`
	Secondary     string `json:"secondary"`
}

// HitRate returns hits over lookups, 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	hits := s.MemoryHits + s.SecondaryHits
	total := hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Cache combines the memory tier with an optional secondary tier.
type Cache struct {
	memory     *MemoryTier
	secondary  Secondary
	defaultTTL time.Duration
	now        func() time.Time

	memoryHits    atomic.Uint64
	secondaryHits atomic.Uint64
	misses        atomic.Uint64
	puts          atomic.Uint64
}

// New creates a cache. secondary may be nil.
func New(memory *MemoryTier, secondary Secondary, defaultTTL time.Duration) *Cache {
	return &Cache{
		memory:     memory,
		secondary:  secondary,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get looks up key in memory, then in the secondary tier. Secondary hits are
// promoted into memory.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if e, ok := c.memory.Get(key); ok {
		c.memoryHits.Add(1)
		metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
		return e.Value, true
	}

	if c.secondary != nil {
		e, err := c.secondary.Get(ctx, key)
		switch {
		case err == nil:
			c.secondaryHits.Add(1)
			metrics.CacheHitsTotal.WithLabelValues(c.secondary.Name()).Inc()
			e.AccessedAt = c.now()
			c.memory.Put(e)
			return e.Value, true
		case !errors.Is(err, ErrMiss):
			log.Warnf("[Cache] %s lookup of %s failed: %v", c.secondary.Name(), key, err)
		}
	}

	c.misses.Add(1)
	metrics.CacheMissesTotal.Inc()
	return nil, false
}

// Put stores value under key. A ttl of 0 uses the default TTL, a negative
// ttl stores without expiry.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	e := &Entry{
		Key:        key,
		Value:      value,
		Tags:       tags,
		CreatedAt:  now,
		AccessedAt: now,
		Size:       int64(len(value)),
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	c.puts.Add(1)
	inMemory := c.memory.Put(e)
	if !inMemory {
		log.Debugf("[Cache] Entry %s (%s) exceeds the memory budget", key, humanize.IBytes(uint64(e.Size)))
	}
	if c.secondary == nil {
		if !inMemory {
			return fmt.Errorf("entry of %s does not fit the cache", humanize.IBytes(uint64(e.Size)))
		}
		return nil
	}
	if err := c.secondary.Set(ctx, e); err != nil {
		return fmt.Errorf("error writing %s tier: %w", c.secondary.Name(), err)
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.memory.Delete(key)
	if c.secondary != nil {
		if err := c.secondary.Delete(ctx, key); err != nil {
			log.Warnf("[Cache] Error deleting %s from %s tier: %v", key, c.secondary.Name(), err)
		}
	}
}

// Invalidate removes every entry derived from the source with the given
// fingerprint and returns the number of entries removed.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) int {
	prefix := fingerprint + "_"
	removed := c.memory.DeletePrefix(prefix)
	if c.secondary != nil {
		n, err := c.secondary.DeletePrefix(ctx, prefix)
		if err != nil {
			log.Warnf("[Cache] Error invalidating %s in %s tier: %v", fingerprint, c.secondary.Name(), err)
		}
		removed += n
	}
	metrics.CacheEvictionsTotal.WithLabelValues("all", "invalidated").Add(float64(removed))
	return removed
}

// InvalidateTag removes every entry carrying tag.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) int {
	removed := c.memory.DeleteTag(tag)
	if c.secondary != nil {
		n, err := c.secondary.DeleteTag(ctx, tag)
		if err != nil {
			log.Warnf("[Cache] Error invalidating tag %s in %s tier: %v", tag, c.secondary.Name(), err)
		}
		removed += n
	}
	metrics.CacheEvictionsTotal.WithLabelValues("all", "invalidated").Add(float64(removed))
	return removed
}

// Sweep drops expired memory entries.
func (c *Cache) Sweep() int {
	return c.memory.DeleteExpired()
}

func (c *Cache) Stats() Stats {
	entries, bytes := c.memory.Len()
	evictions, expirations := c.memory.counters()
	s := Stats{
		MemoryHits:    c.memoryHits.Load(),
		SecondaryHits: c.secondaryHits.Load(),
		Misses:        c.misses.Load(),
		Puts:          c.puts.Load(),
		Evictions:     evictions,
		Expirations:   expirations,
		Entries:       entries,
		Bytes:         bytes,
		Secondary:     "none",
	}
	if c.secondary != nil {
		s.Secondary = c.secondary.Name()
	}
	return s
}
