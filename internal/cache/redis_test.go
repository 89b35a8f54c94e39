package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visao-labs/visao/backends"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, RedisOptions{Namespace: "test", TTL: ttl, MaxSize: 50}), mr
}

func TestRedis_SetAndGet(t *testing.T) {
	c, mr := newTestRedis(t, time.Minute)
	key := Fingerprint([]byte("img"), backends.ModeGenerative)
	want := backends.NewDescriptionResult("A cat on a mat.", "stop")
	want.Backend = "gemini"

	c.Set(key, want)
	require.True(t, mr.Exists("test:"+string(key)))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestRedis_Expiry(t *testing.T) {
	c, mr := newTestRedis(t, time.Minute)
	key := Fingerprint([]byte("img"), backends.ModeVision)
	c.Set(key, labelResult("Dog"))

	mr.FastForward(2 * time.Minute)
	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestRedis_ClearAndStats(t *testing.T) {
	c, mr := newTestRedis(t, time.Minute)
	require.NoError(t, mr.Set("other:key", "untouched"))
	c.Set("a", labelResult("a"))
	c.Set("b", labelResult("b"))

	s := c.Stats()
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, "redis", s.Backend)
	assert.Equal(t, 60.0, s.TTLSeconds)

	c.Clear()
	assert.Equal(t, 0, c.Stats().Count)
	assert.True(t, mr.Exists("other:key"), "clear must stay inside the namespace")
}

func TestRedis_CorruptEntryIsMiss(t *testing.T) {
	c, mr := newTestRedis(t, time.Minute)
	require.NoError(t, mr.Set("test:bad", "{not json"))
	_, ok := c.Get("bad")
	assert.False(t, ok)
}

func TestRedis_UnavailableDegradesToMiss(t *testing.T) {
	c, mr := newTestRedis(t, time.Minute)
	mr.Close()

	c.Set("a", labelResult("a"))
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Count)
}

// tickingClock advances one second per reading so insertion order is strict.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newBoundedRedis(t *testing.T, maxSize int) (*Redis, *miniredis.Miniredis, *int) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	evicted := new(int)
	c := NewRedis(client, RedisOptions{
		Namespace: "test",
		TTL:       time.Hour,
		MaxSize:   maxSize,
		Clock:     tickingClock(),
		OnEvict:   func(n int) { *evicted += n },
	})
	return c, mr, evicted
}

func TestRedis_EvictsOldestBeyondMaxSize(t *testing.T) {
	c, mr, evicted := newBoundedRedis(t, 2)

	c.Set("a", labelResult("a"))
	c.Set("b", labelResult("b"))
	c.Set("c", labelResult("c"))

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	s := c.Stats()
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, 2, s.MaxSize)
	assert.Equal(t, 1, *evicted)
	assert.False(t, mr.Exists("test:a"))

	members, err := mr.ZMembers("test#index")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"test:b", "test:c"}, members)
}

func TestRedis_OverwriteRefreshesInsertionOrder(t *testing.T) {
	c, _, _ := newBoundedRedis(t, 2)

	c.Set("a", labelResult("a"))
	c.Set("b", labelResult("b"))
	c.Set("a", labelResult("a2"))
	c.Set("c", labelResult("c"))

	_, ok := c.Get("b")
	assert.False(t, ok, "b is now the oldest insertion")
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a2", got.Labels.Labels[0].Name)
	assert.Equal(t, 2, c.Stats().Count)
}

func TestRedis_IndexFollowsExpiryAndClear(t *testing.T) {
	c, mr, _ := newBoundedRedis(t, 2)

	c.Set("a", labelResult("a"))
	mr.FastForward(2 * time.Hour)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.False(t, mr.Exists("test#index"), "index expires with its entries")

	c.Set("b", labelResult("b"))
	c.Set("c", labelResult("c"))
	c.Clear()
	assert.Equal(t, 0, c.Stats().Count)
	assert.False(t, mr.Exists("test#index"))
}
