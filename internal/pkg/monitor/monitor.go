// Package monitor records per-operation processing samples, raises threshold
// alerts and reports latency, throughput and storage degradation.
//
// All output is advisory. Nothing in this package blocks or rejects work.
package monitor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/metrics"
)

const (
	DefaultBufferSize     = 10000
	DefaultInterval       = time.Minute
	DefaultStorageHistory = 60
	DefaultBaselineWindow = time.Hour
	DefaultRecentWindow   = 10 * time.Minute

	maxAlerts = 200
)

// Config holds thresholds and windows. Zero thresholds disable the check.
type Config struct {
	BufferSize        int
	Interval          time.Duration
	MaxDuration       time.Duration
	MaxMemoryBytes    int64
	StorageLimitBytes int64
	StorageHistory    int
	BaselineWindow    time.Duration
	RecentWindow      time.Duration
	AutoMitigate      bool
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StorageHistory < 2 {
		c.StorageHistory = DefaultStorageHistory
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = DefaultBaselineWindow
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = DefaultRecentWindow
	}
	return c
}

// Sample is one processed operation.
type Sample struct {
	Operation        string        `json:"operation"`
	InputBytes       int64         `json:"input_bytes"`
	Duration         time.Duration `json:"duration"`
	Success          bool          `json:"success"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	CompressionRatio *float64      `json:"compression_ratio,omitempty"`
	MemoryBytes      int64         `json:"memory_bytes,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

type AlertType string

const (
	AlertProcessingTime AlertType = "processing_time"
	AlertMemory         AlertType = "memory"
	AlertStorage        AlertType = "storage"
	AlertDegradation    AlertType = "degradation"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an advisory threshold breach.
type Alert struct {
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// StorageProbe reports the bytes currently used by managed storage.
type StorageProbe func() (int64, error)

// Mitigator reacts to a high-priority finding. An empty action with a nil
// error means the finding did not apply.
type Mitigator interface {
	Mitigate(f Finding) (action string, err error)
}

type MitigatorFunc func(f Finding) (string, error)

func (fn MitigatorFunc) Mitigate(f Finding) (string, error) { return fn(f) }

// Monitor keeps a bounded ring of samples plus alert and storage history.
type Monitor struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	samples []Sample
	head    int
	count   int
	alerts  []Alert
	storage []storagePoint
	last    *Report

	probe      StorageProbe
	memStats   func() uint64
	mitigators []namedMitigator

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

type namedMitigator struct {
	name string
	m    Mitigator
}

func New(cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:     cfg,
		now:     time.Now,
		samples: make([]Sample, cfg.BufferSize),
		memStats: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
		stopCh: make(chan struct{}),
	}
}

// SetStorageProbe installs the storage usage source used by the analysis loop.
func (m *Monitor) SetStorageProbe(p StorageProbe) {
	m.mu.Lock()
	m.probe = p
	m.mu.Unlock()
}

// RegisterMitigator adds a named mitigation hook. Hooks run in registration order.
func (m *Monitor) RegisterMitigator(name string, mit Mitigator) {
	m.mu.Lock()
	m.mitigators = append(m.mitigators, namedMitigator{name: name, m: mit})
	m.mu.Unlock()
}

// Record appends a sample and checks it against the fixed thresholds.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = m.now()
	}
	// producers rarely measure memory themselves; sample the heap when a
	// memory threshold is configured
	if s.MemoryBytes == 0 && m.cfg.MaxMemoryBytes > 0 && m.memStats != nil {
		s.MemoryBytes = int64(m.memStats())
	}

	m.mu.Lock()
	m.samples[m.head] = s
	m.head = (m.head + 1) % len(m.samples)
	if m.count < len(m.samples) {
		m.count++
	}
	m.mu.Unlock()

	if limit := m.cfg.MaxDuration; limit > 0 && s.Duration > limit {
		sev := SeverityWarning
		if s.Duration > 2*limit {
			sev = SeverityCritical
		}
		m.raise(Alert{
			Type:      AlertProcessingTime,
			Severity:  sev,
			Operation: s.Operation,
			Message:   fmt.Sprintf("%s took %s (limit %s)", s.Operation, s.Duration.Round(time.Millisecond), limit),
			Value:     s.Duration.Seconds(),
			Threshold: limit.Seconds(),
			Timestamp: s.Timestamp,
		})
	}
	if limit := m.cfg.MaxMemoryBytes; limit > 0 && s.MemoryBytes > limit {
		m.raise(m.memoryAlert(s.Operation, uint64(s.MemoryBytes), s.Timestamp))
	}
}

func (m *Monitor) memoryAlert(op string, used uint64, at time.Time) Alert {
	limit := m.cfg.MaxMemoryBytes
	sev := SeverityWarning
	if used > uint64(limit)*3/2 {
		sev = SeverityCritical
	}
	return Alert{
		Type:      AlertMemory,
		Severity:  sev,
		Operation: op,
		Message:   fmt.Sprintf("memory usage %s exceeds %s", humanize.IBytes(used), humanize.IBytes(uint64(limit))),
		Value:     float64(used),
		Threshold: float64(limit),
		Timestamp: at,
	}
}

func (m *Monitor) raise(a Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > maxAlerts {
		m.alerts = append([]Alert(nil), m.alerts[len(m.alerts)-maxAlerts:]...)
	}
	m.mu.Unlock()

	metrics.MonitorAlertsTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	log.Warnf("[Monitor] %s alert (%s): %s", a.Type, a.Severity, a.Message)
}

// Alerts returns alerts raised at or after since, oldest first.
func (m *Monitor) Alerts(since time.Time) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out
}

// snapshot copies samples newer than cutoff in insertion order.
func (m *Monitor) snapshot(cutoff time.Time) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, 0, m.count)
	start := (m.head - m.count + len(m.samples)) % len(m.samples)
	for i := 0; i < m.count; i++ {
		s := m.samples[(start+i)%len(m.samples)]
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Start launches the periodic analysis loop.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.cfg.Interval)
			defer ticker.Stop()
			log.Infof("[Monitor] Started (interval: %s)", m.cfg.Interval)

			for {
				select {
				case <-m.stopCh:
					log.Info("[Monitor] Stopped")
					return
				case <-ticker.C:
					m.Analyze()
				}
			}
		}()
	})
}

// Stop ends the analysis loop and waits for it.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Analyze runs one cycle: probe storage and memory, compute the degradation
// report, raise alerts and apply mitigations for high-priority findings when
// enabled.
func (m *Monitor) Analyze() Report {
	now := m.now()
	m.sampleStorage(now)

	if limit := m.cfg.MaxMemoryBytes; limit > 0 && m.memStats != nil {
		if used := m.memStats(); used > uint64(limit) {
			m.raise(m.memoryAlert("runtime", used, now))
		}
	}

	r := m.buildReport(now)
	for _, f := range r.Findings {
		if f.Priority != PriorityHigh {
			continue
		}
		alertType := AlertDegradation
		if f.Dimension == DimensionStorage {
			alertType = AlertStorage
		}
		m.raise(Alert{Type: alertType, Severity: SeverityCritical, Message: f.Message, Value: f.Value, Timestamp: now})
	}
	if m.cfg.AutoMitigate {
		r.Mitigations = m.mitigate(r.Findings)
	}

	m.mu.Lock()
	m.last = &r
	m.mu.Unlock()
	return r
}

func (m *Monitor) sampleStorage(now time.Time) {
	m.mu.RLock()
	probe := m.probe
	m.mu.RUnlock()
	if probe == nil {
		return
	}
	used, err := probe()
	if err != nil {
		log.Errorf("[Monitor] Storage probe failed: %v", err)
		return
	}
	metrics.StorageUsedBytes.Set(float64(used))

	m.mu.Lock()
	m.storage = append(m.storage, storagePoint{At: now, Bytes: used})
	if len(m.storage) > m.cfg.StorageHistory {
		m.storage = append([]storagePoint(nil), m.storage[len(m.storage)-m.cfg.StorageHistory:]...)
	}
	m.mu.Unlock()
}

func (m *Monitor) mitigate(findings []Finding) []Mitigation {
	m.mu.RLock()
	hooks := append([]namedMitigator(nil), m.mitigators...)
	m.mu.RUnlock()

	var applied []Mitigation
	for _, f := range findings {
		if f.Priority != PriorityHigh {
			continue
		}
		for _, h := range hooks {
			action, err := h.m.Mitigate(f)
			if err != nil {
				log.Errorf("[Monitor] Mitigation %s failed for %s: %v", h.name, f.Dimension, err)
				continue
			}
			if action == "" {
				continue
			}
			log.Infof("[Monitor] Mitigation %s applied: %s", h.name, action)
			applied = append(applied, Mitigation{Name: h.name, Dimension: f.Dimension, Action: action})
		}
	}
	return applied
}

// DegradationReport returns the report of the last analysis cycle, or a
// fresh one computed from current samples if no cycle has run yet.
func (m *Monitor) DegradationReport() Report {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last != nil {
		return *last
	}
	return m.buildReport(m.now())
}
