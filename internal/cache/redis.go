package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/visao-labs/visao/backends"
	"github.com/visao-labs/visao/internal/logging"
)

const (
	defaultRedisNamespace = "visao:results"
	defaultRedisTimeout   = 2 * time.Second
	scanBatch             = 200
)

// setScript stores an entry and records its insertion time in the index
// sorted set. Index members older than the TTL are dropped first, then the
// oldest entries are deleted until at most max_size remain.
//
// KEYS[1] entry, KEYS[2] index
// ARGV[1] payload, ARGV[2] ttl ms, ARGV[3] now ms, ARGV[4] max size,
// ARGV[5] exclusive expiry cutoff
var setScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[5])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], KEYS[1])
local max = tonumber(ARGV[4])
local evicted = 0
while redis.call('ZCARD', KEYS[2]) > max do
  local oldest = redis.call('ZPOPMIN', KEYS[2])
  if #oldest == 0 then break end
  redis.call('DEL', oldest[1])
  evicted = evicted + 1
end
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return evicted
`)

// RedisOptions configures a Redis cache.
type RedisOptions struct {
	Namespace string
	TTL       time.Duration
	// MaxSize bounds the number of entries in the namespace. The oldest
	// insertions are deleted first, as in Memory.
	MaxSize int
	// OpTimeout bounds each Redis round trip.
	OpTimeout time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
	// OnEvict is called for every entry dropped to respect MaxSize.
	OnEvict func(count int)
}

// Redis stores results in Redis with native key expiry, bounded by an
// insertion-ordered index. Any Redis failure degrades to a miss so analysis
// keeps working without the shared tier.
type Redis struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	maxSize   int
	timeout   time.Duration
	now       func() time.Time
	onEvict   func(int)
}

// NewRedis wraps client as a Cache.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	r := &Redis{
		client:    client,
		namespace: opts.Namespace,
		ttl:       opts.TTL,
		maxSize:   opts.MaxSize,
		timeout:   opts.OpTimeout,
		now:       opts.Clock,
		onEvict:   opts.OnEvict,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.namespace == "" {
		r.namespace = defaultRedisNamespace
	}
	if r.timeout <= 0 {
		r.timeout = defaultRedisTimeout
	}
	return r
}

func (r *Redis) key(k Key) string { return r.namespace + ":" + string(k) }

// index names the sorted set of entry keys scored by insertion time. It sits
// outside the namespace:* pattern so scans never see it.
func (r *Redis) index() string { return r.namespace + "#index" }

func (r *Redis) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// Get fetches and decodes the result stored under key.
func (r *Redis) Get(key Key) (*backends.Result, bool) {
	ctx, cancel := r.ctx()
	defer cancel()

	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired or evicted elsewhere; keep the index in step.
			r.client.ZRem(ctx, r.index(), r.key(key))
		} else {
			logging.Logger.Warn("redis cache get failed", "error", err)
		}
		return nil, false
	}
	var res backends.Result
	if err := json.Unmarshal(data, &res); err != nil {
		logging.Logger.Warn("redis cache entry corrupt", "key", string(key), "error", err)
		return nil, false
	}
	return &res, true
}

// Set stores result under key with the configured TTL and evicts the oldest
// entries beyond MaxSize. Storing an existing key refreshes its insertion
// time.
func (r *Redis) Set(key Key, result *backends.Result) {
	if r.ttl <= 0 || r.maxSize <= 0 {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		logging.Logger.Warn("redis cache encode failed", "error", err)
		return
	}
	ctx, cancel := r.ctx()
	defer cancel()
	now := r.now().UnixMilli()
	ttl := r.ttl.Milliseconds()
	keys := []string{r.key(key), r.index()}
	evicted, err := setScript.Run(ctx, r.client, keys,
		data, ttl, now, r.maxSize, "("+strconv.FormatInt(now-ttl, 10)).Int()
	if err != nil {
		logging.Logger.Warn("redis cache set failed", "error", err)
		return
	}
	if evicted > 0 && r.onEvict != nil {
		r.onEvict(evicted)
	}
}

// Clear deletes every key in the namespace and the index.
func (r *Redis) Clear() {
	ctx, cancel := r.ctx()
	defer cancel()
	err := r.scan(ctx, func(keys []string) error {
		return r.client.Del(ctx, keys...).Err()
	})
	if err == nil {
		err = r.client.Del(ctx, r.index()).Err()
	}
	if err != nil {
		logging.Logger.Warn("redis cache clear failed", "error", err)
	}
}

// Stats counts the keys in the namespace.
func (r *Redis) Stats() Stats {
	ctx, cancel := r.ctx()
	defer cancel()
	count := 0
	err := r.scan(ctx, func(keys []string) error {
		count += len(keys)
		return nil
	})
	if err != nil {
		logging.Logger.Warn("redis cache stats failed", "error", err)
	}
	return Stats{
		Count:      count,
		MaxSize:    r.maxSize,
		TTLSeconds: r.ttl.Seconds(),
		Backend:    "redis",
	}
}

func (r *Redis) scan(ctx context.Context, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.namespace+":*", scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
