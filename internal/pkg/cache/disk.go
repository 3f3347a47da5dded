package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/metrics"
)

const (
	payloadExt = ".bin"
	sidecarExt = ".json"
	tempExt    = ".tmp"
)

var safeKey = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,200}$`)

// DiskTier stores each entry as a payload file plus a JSON sidecar. Entry
// metadata is indexed in memory; the least recently accessed entries are
// removed when the byte budget is exceeded.
type DiskTier struct {
	dir    string
	budget int64
	now    func() time.Time

	mu    sync.Mutex
	index map[string]*Entry
	bytes int64
}

// NewDiskTier opens dir, creating it if needed, and indexes existing
// sidecars. Entries with a missing payload are dropped.
func NewDiskTier(dir string, budget int64) (*DiskTier, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating cache directory: %w", err)
	}
	d := &DiskTier{
		dir:    dir,
		budget: budget,
		now:    time.Now,
		index:  make(map[string]*Entry),
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	log.Infof("[Cache] Disk tier at %s holds %d entries (%s of %s)",
		dir, len(d.index), humanize.IBytes(uint64(d.bytes)), humanize.IBytes(uint64(budget)))
	return d, nil
}

func (d *DiskTier) Name() string { return "disk" }

func (d *DiskTier) load() error {
	// leftovers of writes interrupted by a crash
	if stale, err := filepath.Glob(filepath.Join(d.dir, "*"+tempExt)); err == nil {
		for _, f := range stale {
			os.Remove(f)
		}
	}
	sidecars, err := filepath.Glob(filepath.Join(d.dir, "*"+sidecarExt))
	if err != nil {
		return err
	}
	for _, sc := range sidecars {
		raw, err := os.ReadFile(sc)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.Key == "" {
			log.Warnf("[Cache] Dropping unreadable sidecar %s", sc)
			os.Remove(sc)
			continue
		}
		if _, err := os.Stat(d.payloadPath(e.Key)); err != nil {
			os.Remove(sc)
			continue
		}
		d.index[e.Key] = &e
		d.bytes += e.Size
	}
	return nil
}

// fileBase maps a key onto a file name. Keys built by Key are used as is.
func (d *DiskTier) fileBase(key string) string {
	if safeKey.MatchString(key) {
		return key
	}
	return fmt.Sprintf("h%016x", xxhash.Sum64String(key))
}

func (d *DiskTier) payloadPath(key string) string {
	return filepath.Join(d.dir, d.fileBase(key)+payloadExt)
}

func (d *DiskTier) sidecarPath(key string) string {
	return filepath.Join(d.dir, d.fileBase(key)+sidecarExt)
}

func (d *DiskTier) Get(_ context.Context, key string) (*Entry, error) {
	d.mu.Lock()
	e, ok := d.index[key]
	if !ok {
		d.mu.Unlock()
		return nil, ErrMiss
	}
	now := d.now()
	if e.Expired(now) {
		d.removeLocked(key)
		d.mu.Unlock()
		metrics.CacheEvictionsTotal.WithLabelValues("disk", "expired").Inc()
		return nil, ErrMiss
	}
	e.AccessedAt = now
	out := e.clone()
	d.mu.Unlock()

	value, err := os.ReadFile(d.payloadPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.mu.Lock()
			d.removeLocked(key)
			d.mu.Unlock()
			return nil, ErrMiss
		}
		return nil, err
	}
	out.Value = value
	return out, nil
}

func (d *DiskTier) Set(_ context.Context, e *Entry) error {
	if e.Size > d.budget {
		return fmt.Errorf("entry of %s exceeds the disk budget", humanize.IBytes(uint64(e.Size)))
	}
	meta, err := json.Marshal(e)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(d.payloadPath(e.Key), e.Value); err != nil {
		return err
	}
	if err := writeFileAtomic(d.sidecarPath(e.Key), meta); err != nil {
		os.Remove(d.payloadPath(e.Key))
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.index[e.Key]; ok {
		d.bytes -= old.Size
	}
	stored := e.clone()
	stored.Value = nil
	d.index[e.Key] = stored
	d.bytes += e.Size
	d.evictLocked(e.Key)
	return nil
}

// evictLocked removes least recently accessed entries, never keep, until the
// tier is within budget.
func (d *DiskTier) evictLocked(keep string) {
	if d.bytes <= d.budget {
		return
	}
	entries := make([]*Entry, 0, len(d.index))
	for k, e := range d.index {
		if k != keep {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccessedAt.Before(entries[j].AccessedAt)
	})
	for _, e := range entries {
		if d.bytes <= d.budget {
			break
		}
		d.removeLocked(e.Key)
		metrics.CacheEvictionsTotal.WithLabelValues("disk", "lru").Inc()
	}
}

func (d *DiskTier) removeLocked(key string) {
	if e, ok := d.index[key]; ok {
		d.bytes -= e.Size
		delete(d.index, key)
	}
	os.Remove(d.payloadPath(key))
	os.Remove(d.sidecarPath(key))
}

func (d *DiskTier) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(key)
	return nil
}

func (d *DiskTier) DeletePrefix(_ context.Context, prefix string) (int, error) {
	return d.deleteWhere(func(e *Entry) bool { return strings.HasPrefix(e.Key, prefix) }), nil
}

func (d *DiskTier) DeleteTag(_ context.Context, tag string) (int, error) {
	return d.deleteWhere(func(e *Entry) bool { return e.HasTag(tag) }), nil
}

func (d *DiskTier) deleteWhere(match func(*Entry) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for key, e := range d.index {
		if match(e) {
			d.removeLocked(key)
			removed++
		}
	}
	return removed
}

// Usage returns the number of indexed entries and their total size.
func (d *DiskTier) Usage() (int, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index), d.bytes
}

// writeFileAtomic writes data to a uniquely named sibling and renames it over
// path, so concurrent writers of one key never share a temp file.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+tempExt)
	if err != nil {
		return fmt.Errorf("error creating cache file: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0644)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error writing cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error renaming cache file: %w", err)
	}
	return nil
}
