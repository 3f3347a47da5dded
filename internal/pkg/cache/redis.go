package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "cache:"
	redisTagPrefix = "cache_tag:"
	redisScanCount = 200
)

// NewRedisClient connects to the cache server. A failed ping is logged but
// not fatal; commands fail until the server becomes reachable.
func NewRedisClient(addr, password string, db int) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to Redis at %s: %v", addr, err)
	} else {
		log.Infof("[Cache] Connected to Redis at %s: %s", addr, pong)
	}
	return client
}

// RedisTier keeps payloads under cache:<key> with the entry TTL. Tag
// membership is tracked in one set per tag.
type RedisTier struct {
	client *redis.Client
}

func NewRedisTier(client *redis.Client) *RedisTier {
	return &RedisTier{client: client}
}

func (r *RedisTier) Name() string { return "redis" }

func (r *RedisTier) Get(ctx context.Context, key string) (*Entry, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, redisKeyPrefix+key)
	ttlCmd := pipe.PTTL(ctx, redisKeyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	value, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	e := &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		AccessedAt: now,
		Size:       int64(len(value)),
	}
	if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e, nil
}

func (r *RedisTier) Set(ctx context.Context, e *Entry) error {
	var ttl time.Duration
	if !e.ExpiresAt.IsZero() {
		ttl = e.TTL(time.Now())
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisKeyPrefix+e.Key, e.Value, ttl)
	for _, tag := range e.Tags {
		pipe.SAdd(ctx, redisTagPrefix+tag, e.Key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error storing %s: %w", e.Key, err)
	}
	return nil
}

func (r *RedisTier) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

// DeletePrefix scans for matching keys; stale tag set members are tolerated
// and removed when their tag is invalidated.
func (r *RedisTier) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", redisScanCount).Iterator()
	batch := make([]string, 0, redisScanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == redisScanCount {
			n, err := r.client.Del(ctx, batch...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

func (r *RedisTier) DeleteTag(ctx context.Context, tag string) (int, error) {
	members, err := r.client.SMembers(ctx, redisTagPrefix+tag).Result()
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, redisKeyPrefix+m)
	}
	removed := 0
	if len(keys) > 0 {
		n, err := r.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, err
		}
		removed = int(n)
	}
	if err := r.client.Del(ctx, redisTagPrefix+tag).Err(); err != nil {
		return removed, err
	}
	return removed, nil
}
