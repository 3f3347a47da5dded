package pipeline

import (
	"encoding/json"
	"os"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/pixelcore/internal/pkg/cache"
	"github.com/ManuelReschke/pixelcore/internal/pkg/imageprocessor"
)

// Cache tags of the artifacts a run derives from its source.
const (
	tagCompress  = "compress"
	tagThumbnail = "thumbnail"
	tagMetadata  = "metadata"
)

// variant is the cached form of a derived file. Empty Data on a compress
// variant records that re-encoding did not pay off.
type variant struct {
	Format  imageprocessor.Format `json:"format"`
	Quality int                   `json:"quality,omitempty"`
	Width   int                   `json:"width,omitempty"`
	Height  int                   `json:"height,omitempty"`
	Data    []byte                `json:"data,omitempty"`
}

// cacheKey returns "" when the run cannot use the cache.
func (r *run) cacheKey(op string, opts any) string {
	if r.o.cache == nil || r.fingerprint == "" {
		return ""
	}
	return cache.Key(r.fingerprint, op, opts)
}

func (r *run) loadVariant(key string) (variant, bool) {
	if key == "" {
		return variant{}, false
	}
	raw, ok := r.o.cache.Get(r.ctx, key)
	if !ok {
		return variant{}, false
	}
	var v variant
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Warnf("[Pipeline] Run %s: dropping unreadable cache entry %s: %v", r.id, key, err)
		return variant{}, false
	}
	return v, true
}

func (r *run) saveVariant(key, tag string, v variant) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.o.cache.Put(r.ctx, key, raw, r.o.cfg.CacheTTL, tag); err != nil {
		log.Warnf("[Pipeline] Run %s: cache put %s failed: %v", r.id, key, err)
	}
}

func (r *run) writeVariant(v variant, suffix string) (string, error) {
	path, err := r.scratch(suffix)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, v.Data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// storeVariant caches a compress result. Runs that fell back earlier may
// have produced a different stage input and are not cached.
func (r *run) storeVariant(key string, applied bool, path string, quality int) {
	if key == "" || r.fellBack {
		return
	}
	v := variant{Format: r.curFormat, Quality: quality}
	if applied {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		v.Data = data
	}
	r.saveVariant(key, tagCompress, v)
}

func (r *run) cachedThumbnail(key string, size imageprocessor.Size) (imageprocessor.Thumbnail, bool) {
	v, ok := r.loadVariant(key)
	if !ok || len(v.Data) == 0 {
		return imageprocessor.Thumbnail{}, false
	}
	path, err := r.thumbnailPath(size, v.Format)
	if err != nil {
		return imageprocessor.Thumbnail{}, false
	}
	if err := os.WriteFile(path, v.Data, 0644); err != nil {
		return imageprocessor.Thumbnail{}, false
	}
	return imageprocessor.Thumbnail{
		Label:  size.Label(),
		Path:   path,
		Bytes:  int64(len(v.Data)),
		Width:  v.Width,
		Height: v.Height,
		Format: v.Format,
	}, true
}

func (r *run) storeThumbnail(key string, th imageprocessor.Thumbnail) {
	if key == "" || r.fellBack {
		return
	}
	data, err := os.ReadFile(th.Path)
	if err != nil {
		return
	}
	r.saveVariant(key, tagThumbnail, variant{Format: th.Format, Width: th.Width, Height: th.Height, Data: data})
}

// extractMetadata reads the tags of the source once per fingerprint, even
// when several runs for the same upload overlap.
func (r *run) extractMetadata() (*imageprocessor.Metadata, bool, error) {
	opts := imageprocessor.MetadataOptions{StripLocation: r.opts.StripLocation}
	key := r.cacheKey(tagMetadata, metadataKey{StripLocation: opts.StripLocation})
	if key != "" {
		if raw, ok := r.o.cache.Get(r.ctx, key); ok {
			var md imageprocessor.Metadata
			if err := json.Unmarshal(raw, &md); err == nil {
				return &md, true, nil
			}
		}
	}

	flight := key
	if flight == "" {
		flight = "metadata:" + r.source
		if opts.StripLocation {
			flight += ":strip"
		}
	}
	v, err, _ := r.o.flights.Do(flight, func() (any, error) {
		return r.o.transform.Metadata(r.source, opts)
	})
	if err != nil {
		return nil, false, err
	}
	md := v.(*imageprocessor.Metadata)

	if key != "" {
		if raw, err := json.Marshal(md); err == nil {
			if err := r.o.cache.Put(r.ctx, key, raw, r.o.cfg.CacheTTL, tagMetadata); err != nil {
				log.Warnf("[Pipeline] Run %s: cache put %s failed: %v", r.id, key, err)
			}
		}
	}
	// shared between flights; callers get their own copy
	cp := *md
	return &cp, false, nil
}
