package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/openmusicplayer/spotidown/internal/logger"
)

const keyCatalogPrefix = "spotidown:catalog:"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CachedProvider keeps resolved collections in Redis so repeated lookups of
// the same link skip the catalog API. Cache failures fall through to the
// wrapped provider.
type CachedProvider struct {
	next   Provider
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewCachedProvider connects to redisURL and wraps next.
func NewCachedProvider(next Provider, redisURL string, ttl time.Duration, log *logger.Logger) (*CachedProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if log == nil {
		log = logger.Default().WithComponent("catalog")
	}
	return &CachedProvider{next: next, client: client, ttl: ttl, log: log}, nil
}

// Close closes the Redis connection
func (c *CachedProvider) Close() error {
	return c.client.Close()
}

// Ping reports whether Redis is reachable.
func (c *CachedProvider) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Resolve implements Provider.
func (c *CachedProvider) Resolve(ctx context.Context, link string) (*Collection, error) {
	ref, err := ParseReference(link)
	if err != nil {
		return nil, err
	}
	key := keyCatalogPrefix + ref.String()

	if coll, ok := c.get(ctx, key); ok {
		return coll, nil
	}

	coll, err := c.next.Resolve(ctx, link)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, coll)
	return coll, nil
}

func (c *CachedProvider) get(ctx context.Context, key string) (*Collection, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.log.Debug(ctx, "cache miss", map[string]interface{}{"key": key})
		return nil, false
	}
	if err != nil {
		c.log.WarnErr(ctx, "cache read failed", err, map[string]interface{}{"key": key})
		return nil, false
	}

	var coll Collection
	if err := json.Unmarshal(val, &coll); err != nil {
		c.log.WarnErr(ctx, "cache entry corrupt", err, map[string]interface{}{"key": key})
		return nil, false
	}
	c.log.Debug(ctx, "cache hit", map[string]interface{}{"key": key})
	return &coll, true
}

func (c *CachedProvider) set(ctx context.Context, key string, coll *Collection) {
	data, err := json.Marshal(coll)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WarnErr(ctx, "cache write failed", err, map[string]interface{}{"key": key})
	}
}
