package directory

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-docview/internal/access"
	"github.com/keithlinneman/linnemanlabs-docview/internal/clock"
	"github.com/keithlinneman/linnemanlabs-docview/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-docview/internal/log"
	"github.com/keithlinneman/linnemanlabs-docview/internal/share"
	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

// Store is a byte cache with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// RedisStore is a Store on a go-redis client.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrapf(err, "redis get %s", key)
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return xerrors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

// Ping checks connectivity; wired into readiness.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}

// CacheMetrics is implemented by the metrics package.
type CacheMetrics interface {
	IncDirectoryCache(result string)
}

type CachedOptions struct {
	Logger  log.Logger
	Next    access.Directory
	Store   Store
	TTL     time.Duration
	Clock   clock.Clock
	Metrics CacheMetrics
}

// Cached is a read-through record cache in front of a Directory.
// View-once records and failed lookups are never stored, and an entry
// never outlives the record's own expiry.
type Cached struct {
	next    access.Directory
	store   Store
	ttl     time.Duration
	clock   clock.Clock
	logger  log.Logger
	metrics CacheMetrics
}

func NewCached(opts CachedOptions) *Cached {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	return &Cached{
		next:    opts.Next,
		store:   opts.Store,
		ttl:     opts.TTL,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// tokens are bearer secrets; only their digest is stored
func cacheKey(shareID string) string { return "share:" + cryptoutil.TokenDigest(shareID) }

func (c *Cached) Lookup(ctx context.Context, shareID string) (share.Record, error) {
	key := cacheKey(shareID)

	b, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		// cache trouble degrades to a direct lookup
		c.logger.Warn(ctx, "share cache read failed", "err", err)
		c.observe("error")
	case ok:
		if rec, derr := share.Decode(b); derr == nil {
			c.observe("hit")
			return rec, nil
		}
		c.observe("corrupt")
	default:
		c.observe("miss")
	}

	rec, err := c.next.Lookup(ctx, shareID)
	if err != nil {
		return rec, err
	}
	if ttl := c.entryTTL(rec); ttl > 0 {
		if enc, eerr := share.Encode(rec); eerr == nil {
			if serr := c.store.Set(ctx, key, enc, ttl); serr != nil {
				c.logger.Warn(ctx, "share cache write failed", "err", serr)
			}
		}
	}
	return rec, nil
}

func (c *Cached) entryTTL(rec share.Record) time.Duration {
	if rec.ViewOnce {
		return 0
	}
	ttl := c.ttl
	if rec.Expiry != nil {
		if left := rec.Expiry.Sub(c.clock.Now()); left < ttl {
			ttl = left
		}
	}
	return ttl
}

func (c *Cached) observe(result string) {
	if c.metrics != nil {
		c.metrics.IncDirectoryCache(result)
	}
}
