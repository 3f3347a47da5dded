// Package tempfiles tracks every scratch file and directory the pipeline
// creates so none outlive their purpose.
package tempfiles

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/pixelcore/internal/pkg/mediaerror"
	"github.com/ManuelReschke/pixelcore/internal/pkg/metrics"
)

// ErrBudgetExceeded is returned when an allocation would exceed the byte
// budget even after expired entries were swept.
var ErrBudgetExceeded = mediaerror.New(mediaerror.KindStorageFailed, "", "", errors.New("temp storage budget exceeded"))

// ErrClosed is returned by allocations after Close.
var ErrClosed = errors.New("temp file manager closed")

type Policy string

const (
	PolicyAuto   Policy = "auto"
	PolicyManual Policy = "manual"
)

// Record describes one tracked path.
type Record struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Purpose   string    `json:"purpose"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Policy    Policy    `json:"policy"`
	Dir       bool      `json:"dir"`
	SizeHint  int64     `json:"size_hint"`

	// bytes counted against the budget for this record
	charged int64
}

// Exists reports whether the path is still present on disk.
func (r Record) Exists() bool {
	_, err := os.Lstat(r.Path)
	return err == nil
}

func (r Record) expired(now time.Time) bool {
	return r.Policy == PolicyAuto && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func (r Record) hasAnyTag(tags []string) bool {
	for _, t := range tags {
		if slices.Contains(r.Tags, t) {
			return true
		}
	}
	return false
}

// Options controls a single allocation.
type Options struct {
	Purpose string
	Suffix  string
	Tags    []string
	// TTL of 0 uses the manager default.
	TTL      time.Duration
	SizeHint int64
	Manual   bool
}

type Config struct {
	Root          string
	MaxBytes      int64
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	OrphanGrace   time.Duration
}

// Usage is a snapshot of tracked storage.
type Usage struct {
	Records  int   `json:"records"`
	Files    int   `json:"files"`
	Dirs     int   `json:"dirs"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"max_bytes"`
}

// Manager allocates and cleans up tracked temporary paths under Root.
type Manager struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	records map[string]*Record // by path
	closed  bool

	// running total of charged bytes, including reservations in flight
	reserved int64

	startOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates Root if needed. Call Start to run the background sweep.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "pixelcore")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = 2 * time.Hour
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("error creating temp root: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*Record),
		stopCh:  make(chan struct{}),
	}, nil
}

func (m *Manager) Root() string { return m.cfg.Root }

// Create reserves a unique file path and records it. The file is created
// empty so the name cannot be taken by another writer.
func (m *Manager) Create(opts Options) (*Record, error) {
	return m.allocate(opts, false)
}

// CreateDir creates and records a unique directory.
func (m *Manager) CreateDir(opts Options) (*Record, error) {
	return m.allocate(opts, true)
}

func (m *Manager) allocate(opts Options, dir bool) (*Record, error) {
	if err := m.reserve(opts.SizeHint); err != nil {
		return nil, err
	}

	purpose := sanitize(opts.Purpose)
	id := uuid.NewString()
	path := filepath.Join(m.cfg.Root, fmt.Sprintf("%s_%s%s", purpose, id, opts.Suffix))

	var err error
	if dir {
		err = os.Mkdir(path, 0755)
	} else {
		var f *os.File
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			err = f.Close()
		}
	}
	if err != nil {
		m.refund(opts.SizeHint)
		return nil, mediaerror.New(mediaerror.KindStorageFailed, "", path, err)
	}

	now := m.now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	rec := &Record{
		ID:        id,
		Path:      path,
		Purpose:   purpose,
		Tags:      slices.Clone(opts.Tags),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Policy:    PolicyAuto,
		Dir:       dir,
		SizeHint:  opts.SizeHint,
		charged:   max(opts.SizeHint, 0),
	}
	if opts.Manual {
		rec.Policy = PolicyManual
	}

	m.mu.Lock()
	if m.closed {
		m.reserved -= rec.charged
		m.mu.Unlock()
		os.RemoveAll(path)
		return nil, ErrClosed
	}
	m.records[path] = rec
	n := len(m.records)
	m.mu.Unlock()

	metrics.TempFilesTracked.Set(float64(n))
	log.Debugf("[TempFiles] Allocated %s for %s", path, purpose)
	out := *rec
	return &out, nil
}

// reserve charges hint against the budget. When the running total would
// exceed it, expired records are swept and the actual on-disk sizes
// recounted once before giving up.
func (m *Manager) reserve(hint int64) error {
	hint = max(hint, 0)
	if ok, err := m.charge(hint); ok || err != nil {
		return err
	}
	m.CleanupExpired()
	m.recount()
	if ok, err := m.charge(hint); ok || err != nil {
		return err
	}
	m.mu.Lock()
	used := m.reserved
	m.mu.Unlock()
	log.Warnf("[TempFiles] Budget exceeded: %s used, %s requested, %s allowed",
		humanize.IBytes(uint64(used)), humanize.IBytes(uint64(hint)), humanize.IBytes(uint64(m.cfg.MaxBytes)))
	return fmt.Errorf("%s requested with %s in use: %w",
		humanize.IBytes(uint64(hint)), humanize.IBytes(uint64(used)), ErrBudgetExceeded)
}

func (m *Manager) charge(hint int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if m.cfg.MaxBytes > 0 && m.reserved+hint > m.cfg.MaxBytes {
		return false, nil
	}
	m.reserved += hint
	return true, nil
}

func (m *Manager) refund(n int64) {
	m.mu.Lock()
	m.reserved -= max(n, 0)
	m.mu.Unlock()
}

// recount replaces each record's charge with max(on-disk size, hint), so
// files that grew past their hint are counted.
func (m *Manager) recount() {
	sizes := make(map[string]int64)
	for _, r := range m.Records() {
		sizes[r.Path] = max(pathSize(r), r.SizeHint)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, size := range sizes {
		if r, ok := m.records[path]; ok {
			m.reserved += size - r.charged
			r.charged = size
		}
	}
}

// Acquire allocates a file and returns it with its release func.
func (m *Manager) Acquire(opts Options) (string, func(), error) {
	rec, err := m.Create(opts)
	if err != nil {
		return "", func() {}, err
	}
	return rec.Path, func() { m.Release(rec.Path) }, nil
}

// WithTempFile runs fn with a fresh tracked file and releases it afterwards,
// also when fn panics.
func (m *Manager) WithTempFile(opts Options, fn func(path string) error) error {
	path, release, err := m.Acquire(opts)
	if err != nil {
		return err
	}
	defer release()
	return fn(path)
}

// WithTempDir is WithTempFile for directories.
func (m *Manager) WithTempDir(opts Options, fn func(dir string) error) error {
	rec, err := m.CreateDir(opts)
	if err != nil {
		return err
	}
	defer m.Release(rec.Path)
	return fn(rec.Path)
}

// Track records an existing path below Root, for files produced by other
// writers. Tracking an already tracked path is a no-op.
func (m *Manager) Track(path string, opts Options) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.records[abs]; ok {
		return nil
	}
	charged := max(info.Size(), opts.SizeHint)
	if info.IsDir() {
		charged = max(opts.SizeHint, 0)
	}
	m.reserved += charged
	now := m.now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	m.records[abs] = &Record{
		ID:        uuid.NewString(),
		Path:      abs,
		Purpose:   sanitize(opts.Purpose),
		Tags:      slices.Clone(opts.Tags),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Policy:    PolicyAuto,
		Dir:       info.IsDir(),
		SizeHint:  opts.SizeHint,
		charged:   charged,
	}
	metrics.TempFilesTracked.Set(float64(len(m.records)))
	return nil
}

// Forget stops tracking path without deleting it, for files that were moved
// into permanent storage.
func (m *Manager) Forget(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[path]
	if ok {
		m.reserved -= r.charged
		delete(m.records, path)
	}
	metrics.TempFilesTracked.Set(float64(len(m.records)))
	return ok
}

// Release deletes path and its record. Unknown paths return false.
func (m *Manager) Release(path string) bool {
	return m.removeWhere("release", func(r *Record) bool { return r.Path == path }) > 0
}

// Get returns the record for path.
func (m *Manager) Get(path string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[path]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Records returns a snapshot of all tracked records.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

func (m *Manager) CleanupByPurpose(purpose string) int {
	purpose = sanitize(purpose)
	return m.removeWhere("purpose", func(r *Record) bool { return r.Purpose == purpose })
}

// CleanupByTags removes records carrying any of tags.
func (m *Manager) CleanupByTags(tags ...string) int {
	if len(tags) == 0 {
		return 0
	}
	return m.removeWhere("tags", func(r *Record) bool { return r.hasAnyTag(tags) })
}

func (m *Manager) CleanupExpired() int {
	now := m.now()
	return m.removeWhere("expired", func(r *Record) bool { return r.expired(now) })
}

func (m *Manager) CleanupAll() int {
	return m.removeWhere("all", func(*Record) bool { return true })
}

// removeWhere unregisters matching records under the lock and deletes them
// from disk outside it.
func (m *Manager) removeWhere(reason string, match func(*Record) bool) int {
	m.mu.Lock()
	var victims []*Record
	for path, r := range m.records {
		if match(r) {
			victims = append(victims, r)
			m.reserved -= r.charged
			delete(m.records, path)
		}
	}
	n := len(m.records)
	m.mu.Unlock()

	for _, r := range victims {
		if err := os.RemoveAll(r.Path); err != nil {
			log.Warnf("[TempFiles] Error removing %s: %v", r.Path, err)
		}
	}
	if len(victims) > 0 {
		metrics.TempFilesTracked.Set(float64(n))
		metrics.TempFilesRemovedTotal.WithLabelValues(reason).Add(float64(len(victims)))
		log.Debugf("[TempFiles] Removed %d entries (%s)", len(victims), reason)
	}
	return len(victims)
}

// Usage sums the on-disk size of tracked files, falling back to the size
// hint for files that are still empty.
func (m *Manager) Usage() Usage {
	recs := m.Records()
	u := Usage{Records: len(recs), MaxBytes: m.cfg.MaxBytes}
	for _, r := range recs {
		if r.Dir {
			u.Dirs++
		} else {
			u.Files++
		}
		u.Bytes += max(pathSize(r), r.SizeHint)
	}
	return u
}

// Reserved returns the running total charged against the budget.
func (m *Manager) Reserved() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

func pathSize(r Record) int64 {
	if r.Dir {
		return dirSize(r.Path)
	}
	if info, err := os.Stat(r.Path); err == nil {
		return info.Size()
	}
	return 0
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// Start launches the background sweep when SweepInterval is positive.
func (m *Manager) Start() {
	if m.cfg.SweepInterval <= 0 {
		return
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.sweeper()
	})
}

func (m *Manager) sweeper() {
	defer m.wg.Done()
	log.Infof("[TempFiles] Sweeper running (interval=%s, orphanGrace=%s)", m.cfg.SweepInterval, m.cfg.OrphanGrace)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep removes expired records and untracked entries under Root older
// than the orphan grace period.
func (m *Manager) Sweep() (expired, orphans int) {
	expired = m.CleanupExpired()
	orphans = m.removeOrphans()
	m.recount()
	if expired > 0 || orphans > 0 {
		log.Infof("[TempFiles] Sweep removed %d expired and %d orphaned entries", expired, orphans)
	}
	return expired, orphans
}

func (m *Manager) removeOrphans() int {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		log.Warnf("[TempFiles] Error reading %s: %v", m.cfg.Root, err)
		return 0
	}
	cutoff := m.now().Add(-m.cfg.OrphanGrace)
	removed := 0
	for _, entry := range entries {
		path := filepath.Join(m.cfg.Root, entry.Name())
		m.mu.Lock()
		_, tracked := m.records[path]
		m.mu.Unlock()
		if tracked {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warnf("[TempFiles] Error removing orphan %s: %v", path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.TempFilesRemovedTotal.WithLabelValues("orphan").Add(float64(removed))
	}
	return removed
}

// Close stops the sweep and removes everything tracked. Later allocations
// fail with ErrClosed.
func (m *Manager) Close() int {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	n := m.CleanupAll()
	log.Infof("[TempFiles] Closed, removed %d tracked entries", n)
	return n
}

func sanitize(purpose string) string {
	if purpose == "" {
		return "tmp"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, purpose)
}
