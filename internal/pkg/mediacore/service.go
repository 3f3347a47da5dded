// Package mediacore wires the processing components into one service: the
// pipeline, the task queue, the tiered cache, the temp file manager and the
// monitor. Construct it once with New and share it.
package mediacore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/pixelcore/internal/pkg/cache"
	"github.com/ManuelReschke/pixelcore/internal/pkg/config"
	"github.com/ManuelReschke/pixelcore/internal/pkg/fallback"
	"github.com/ManuelReschke/pixelcore/internal/pkg/imageprocessor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/jobqueue"
	"github.com/ManuelReschke/pixelcore/internal/pkg/monitor"
	"github.com/ManuelReschke/pixelcore/internal/pkg/pipeline"
	"github.com/ManuelReschke/pixelcore/internal/pkg/storage"
	"github.com/ManuelReschke/pixelcore/internal/pkg/tempfiles"
)

const (
	cacheSweepInterval = time.Minute
	qualityStep        = 5
)

// Service is the entry point of the media core.
type Service struct {
	cfg *config.Config

	temp      *tempfiles.Manager
	cache     *cache.Cache
	redis     *redis.Client
	processor *imageprocessor.Processor
	fallback  *fallback.Handler
	store     storage.Store
	monitor   *monitor.Monitor
	pipeline  *pipeline.Orchestrator
	queue     *jobqueue.Queue
	mirror    *jobqueue.RedisStatusStore

	fingerprint cache.FingerprintMode
	// quality is the default compression quality, lowered by mitigation
	quality    atomic.Int32
	minQuality int

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds every component from cfg. Nothing runs in the background
// until Start is called.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	s := &Service{
		cfg:         cfg,
		fingerprint: cache.FingerprintMode(cfg.Cache.Fingerprint),
		minQuality:  cfg.Processing.MinQuality,
		stopCh:      make(chan struct{}),
	}
	s.quality.Store(int32(cfg.Processing.DefaultQuality))

	var err error
	s.temp, err = tempfiles.NewManager(tempfiles.Config{
		Root:          cfg.Temp.Root,
		MaxBytes:      cfg.Temp.MaxBytes,
		DefaultTTL:    cfg.Temp.DefaultTTL,
		SweepInterval: cfg.Temp.SweepInterval,
		OrphanGrace:   cfg.Temp.OrphanGrace,
	})
	if err != nil {
		return nil, err
	}

	if err := s.setupCache(); err != nil {
		s.temp.Close()
		return nil, err
	}

	bg, err := imageprocessor.ParseHexColor(cfg.Processing.Background)
	if err != nil {
		log.Warnf("[MediaCore] Invalid background %q, using white: %v", cfg.Processing.Background, err)
		bg, _ = imageprocessor.ParseHexColor("#ffffff")
	}
	s.processor = imageprocessor.NewProcessor(imageprocessor.Config{
		Background:        bg,
		ThumbnailWorkers:  cfg.Processing.ThumbnailWorkers,
		CompressThreshold: cfg.Processing.SizeThreshold,
	})
	s.fallback = fallback.NewHandler(s.processor)

	s.store, err = storage.New(ctx, cfg.Storage, cfg.App.Env)
	if err != nil {
		s.close()
		return nil, err
	}

	s.monitor = monitor.New(monitor.Config{
		BufferSize:        cfg.Monitor.BufferSize,
		Interval:          cfg.Monitor.Interval,
		MaxDuration:       cfg.Monitor.MaxDuration,
		MaxMemoryBytes:    cfg.Monitor.MaxMemoryBytes,
		StorageLimitBytes: cfg.Monitor.StorageLimitBytes,
		StorageHistory:    cfg.Monitor.StorageHistory,
		BaselineWindow:    cfg.Monitor.BaselineWindow,
		RecentWindow:      cfg.Monitor.RecentWindow,
		AutoMitigate:      cfg.Monitor.AutoMitigate,
	})
	s.monitor.SetStorageProbe(func() (int64, error) {
		return s.temp.Usage().Bytes, nil
	})
	s.monitor.RegisterMitigator("lower_quality", monitor.MitigatorFunc(s.lowerQuality))

	defaults, err := pipeline.DefaultOptions(cfg.Processing)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("processing defaults: %w", err)
	}
	s.pipeline, err = pipeline.New(pipeline.Config{
		MaxConcurrent: cfg.Processing.MaxConcurrent,
		Timeout:       cfg.Processing.Timeout,
		MaxFileBytes:  cfg.Processing.MaxFileBytes,
		MaxPixels:     cfg.Processing.MaxPixels,
		SizeThreshold: cfg.Processing.SizeThreshold,
		Fingerprint:   s.fingerprint,
		CacheTTL:      cfg.Cache.DefaultTTL,
		Defaults:      defaults,
	}, s.processor, s.fallback, s.temp, s.store, s.cache, s.monitor)
	if err != nil {
		s.close()
		return nil, err
	}

	s.queue = jobqueue.NewQueue(jobqueue.Config{
		Workers:       cfg.Queue.Workers,
		MaxBacklog:    cfg.Queue.MaxBacklog,
		MaxRetries:    cfg.Queue.MaxRetries,
		TaskTimeout:   cfg.Queue.TaskTimeout,
		Retention:     cfg.Queue.Retention,
		SweepInterval: cfg.Queue.SweepInterval,
		PollInterval:  cfg.Queue.PollInterval,
	}, jobqueue.ProcessorFunc(s.processTask))
	if cfg.Queue.StatusMirror {
		if s.redis == nil {
			s.redis = cache.NewRedisClient(cfg.Cache.RedisAddr(), cfg.Cache.Password, cfg.Cache.DB)
		}
		s.mirror = jobqueue.NewRedisStatusStore(s.redis, cfg.Queue.StatusTTL)
		s.queue.SetStatusMirror(s.mirror)
	}

	log.Infof("[MediaCore] Ready (store=%s, cache secondary=%s, workers=%d)",
		s.store.Name(), s.cache.Stats().Secondary, cfg.Queue.Workers)
	return s, nil
}

func (s *Service) setupCache() error {
	var secondary cache.Secondary
	switch s.cfg.Cache.Secondary {
	case "disk":
		disk, err := cache.NewDiskTier(s.cfg.Cache.DiskDir, s.cfg.Cache.DiskBytes)
		if err != nil {
			return fmt.Errorf("disk cache: %w", err)
		}
		secondary = disk
	case "redis":
		s.redis = cache.NewRedisClient(s.cfg.Cache.RedisAddr(), s.cfg.Cache.Password, s.cfg.Cache.DB)
		secondary = cache.NewRedisTier(s.redis)
	}
	s.cache = cache.New(cache.NewMemoryTier(s.cfg.Cache.MemoryBytes), secondary, s.cfg.Cache.DefaultTTL)
	return nil
}

// Start launches the queue workers and the background sweeps.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.temp.Start()
		s.queue.Start()
		if s.cfg.Monitor.Enabled {
			s.monitor.Start()
		}
		s.wg.Add(1)
		go s.cacheSweeper()
	})
}

func (s *Service) cacheSweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.cache.Sweep(); n > 0 {
				log.Debugf("[Cache] Swept %d expired entries", n)
			}
		}
	}
}

// Shutdown stops the queue within ctx, then the background loops, and
// removes every tracked temp file. It returns jobqueue.ErrShutdownTimeout
// when in-flight tasks had to be cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Info("[MediaCore] Shutting down...")
		err = s.queue.Shutdown(ctx)
		s.monitor.Stop()
		close(s.stopCh)
		s.wg.Wait()
		s.close()
	})
	return err
}

func (s *Service) close() {
	if n := s.temp.Close(); n > 0 {
		log.Infof("[TempFiles] Removed %d tracked paths on close", n)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warnf("[MediaCore] Error closing Redis client: %v", err)
		}
	}
}

// ProcessMedia runs the pipeline synchronously. A zero quality uses the
// current default, which mitigation may have lowered.
func (s *Service) ProcessMedia(ctx context.Context, path string, opts pipeline.Options) (*pipeline.Result, error) {
	if opts.Quality == 0 {
		opts.Quality = s.DefaultQuality()
	}
	return s.pipeline.Process(ctx, path, opts)
}

// DefaultQuality returns the compression quality applied to requests that
// do not set one.
func (s *Service) DefaultQuality() int {
	return int(s.quality.Load())
}

// lowerQuality reduces the default quality by one step for high-priority
// findings, never below the configured minimum.
func (s *Service) lowerQuality(f monitor.Finding) (string, error) {
	for {
		cur := s.quality.Load()
		next := max(int(cur)-qualityStep, s.minQuality)
		if next >= int(cur) {
			return "", nil
		}
		if s.quality.CompareAndSwap(cur, int32(next)) {
			return fmt.Sprintf("default quality lowered from %d to %d after %s finding", cur, next, f.Dimension), nil
		}
	}
}

// Temp files

func (s *Service) AllocateTempFile(opts tempfiles.Options) (*tempfiles.Record, error) {
	return s.temp.Create(opts)
}

func (s *Service) AllocateTempDir(opts tempfiles.Options) (*tempfiles.Record, error) {
	return s.temp.CreateDir(opts)
}

func (s *Service) CleanupExpired() int { return s.temp.CleanupExpired() }

func (s *Service) CleanupAll() int { return s.temp.CleanupAll() }

func (s *Service) CleanupByPurpose(purpose string) int { return s.temp.CleanupByPurpose(purpose) }

func (s *Service) CleanupByTags(tags ...string) int { return s.temp.CleanupByTags(tags...) }

func (s *Service) TempUsage() tempfiles.Usage { return s.temp.Usage() }

// Cache

func (s *Service) CacheGet(ctx context.Context, key string) ([]byte, bool) {
	return s.cache.Get(ctx, key)
}

func (s *Service) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	return s.cache.Put(ctx, key, value, ttl, tags...)
}

// CacheInvalidate removes every entry of the source identified by
// sourceID, the fingerprint prefix of its keys.
func (s *Service) CacheInvalidate(ctx context.Context, sourceID string) int {
	return s.cache.Invalidate(ctx, sourceID)
}

// CacheInvalidatePath fingerprints the file at path and removes its entries.
func (s *Service) CacheInvalidatePath(ctx context.Context, path string) (int, error) {
	fp, err := cache.Fingerprint(path, s.fingerprint)
	if err != nil {
		return 0, err
	}
	return s.cache.Invalidate(ctx, fp), nil
}

func (s *Service) CacheInvalidateTag(ctx context.Context, tag string) int {
	return s.cache.InvalidateTag(ctx, tag)
}

func (s *Service) CacheStats() cache.Stats { return s.cache.Stats() }

// Monitor

func (s *Service) RecordMetric(sample monitor.Sample) { s.monitor.Record(sample) }

func (s *Service) Statistics(window time.Duration) monitor.Stats {
	return s.monitor.Statistics(window)
}

func (s *Service) DegradationReport() monitor.Report { return s.monitor.DegradationReport() }

// Alerts returns the alerts raised since the given time; a zero time
// returns the whole history.
func (s *Service) Alerts(since time.Time) []monitor.Alert { return s.monitor.Alerts(since) }
