package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/visao-labs/visao/backends"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func labelResult(name string) *backends.Result {
	return backends.NewLabelResult([]backends.Label{{Name: name, Score: 0.9}}, nil)
}

func TestMemory_ImplementsCache(_ *testing.T) {
	var _ Cache = (*Memory)(nil)
	var _ Cache = (*Redis)(nil)
}

func TestFingerprint(t *testing.T) {
	img := []byte{0x89, 'P', 'N', 'G'}
	if Fingerprint(img, backends.ModeVision) != Fingerprint(img, backends.ModeVision) {
		t.Error("fingerprint is not deterministic")
	}
	if Fingerprint(img, backends.ModeVision) == Fingerprint(img, backends.ModeGenerative) {
		t.Error("modes must not share keys")
	}
	if Fingerprint(img, backends.ModeVision) == Fingerprint([]byte{0x89, 'P', 'N', 'H'}, backends.ModeVision) {
		t.Error("different content produced the same key")
	}
}

func TestFingerprint_EmptyInput(t *testing.T) {
	k := Fingerprint(nil, backends.ModeGenerative)
	want := Key("generative:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	if k != want {
		t.Errorf("Fingerprint(nil) = %s, want %s", k, want)
	}
	if Fingerprint([]byte{}, backends.ModeGenerative) != k {
		t.Error("nil and empty slices must share a key")
	}
}

func TestMemory_SetAndGet(t *testing.T) {
	c := NewMemory(10, time.Minute)
	res := labelResult("Cat")

	c.Set("k1", res)
	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got != res {
		t.Error("expected the identical cached result")
	}
}

func TestMemory_Miss(t *testing.T) {
	c := NewMemory(10, time.Minute)
	if _, ok := c.Get("missing"); ok {
		t.Error("expected cache miss")
	}
}

func TestMemory_TTLExpiration(t *testing.T) {
	clock := newFakeClock()
	var evicted []EvictReason
	c := NewMemory(10, time.Hour, WithClock(clock.Now), WithEvictHook(func(_ Key, r EvictReason) {
		evicted = append(evicted, r)
	}))
	c.Set("k1", labelResult("Cat"))

	clock.Advance(time.Hour - time.Nanosecond)
	if _, ok := c.Get("k1"); !ok {
		t.Fatal("expected hit just before TTL")
	}

	clock.Advance(2 * time.Nanosecond)
	if _, ok := c.Get("k1"); ok {
		t.Error("expected miss after TTL")
	}
	if c.Len() != 0 {
		t.Errorf("stale entry not removed, len = %d", c.Len())
	}
	if len(evicted) != 1 || evicted[0] != EvictExpired {
		t.Errorf("evict hook calls = %v", evicted)
	}
}

func TestMemory_ExpiresExactlyAtTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewMemory(10, time.Minute, WithClock(clock.Now))
	c.Set("k1", labelResult("Cat"))
	clock.Advance(time.Minute)
	if _, ok := c.Get("k1"); ok {
		t.Error("entry aged exactly ttl must be stale")
	}
}

func TestMemory_ZeroTTLIsAlwaysStale(t *testing.T) {
	c := NewMemory(10, 0)
	c.Set("k1", labelResult("Cat"))
	if _, ok := c.Get("k1"); ok {
		t.Error("expected miss with zero TTL")
	}
}

func TestMemory_ZeroMaxSizeStoresNothing(t *testing.T) {
	c := NewMemory(0, time.Minute)
	c.Set("k1", labelResult("Cat"))
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}

func TestMemory_EvictsOldestInsertion(t *testing.T) {
	clock := newFakeClock()
	var evicted []Key
	c := NewMemory(2, time.Hour, WithClock(clock.Now), WithEvictHook(func(k Key, r EvictReason) {
		if r == EvictCapacity {
			evicted = append(evicted, k)
		}
	}))
	c.Set("A", labelResult("a"))
	clock.Advance(time.Second)
	c.Set("B", labelResult("b"))
	clock.Advance(time.Second)
	c.Set("C", labelResult("c"))

	if _, ok := c.Get("A"); ok {
		t.Error("expected A to be evicted")
	}
	if _, ok := c.Get("B"); !ok {
		t.Error("expected B to be present")
	}
	if _, ok := c.Get("C"); !ok {
		t.Error("expected C to be present")
	}
	if len(evicted) != 1 || evicted[0] != "A" {
		t.Errorf("evicted = %v, want [A]", evicted)
	}
}

func TestMemory_ReadsDoNotRefreshPosition(t *testing.T) {
	c := NewMemory(2, time.Hour)
	c.Set("A", labelResult("a"))
	c.Set("B", labelResult("b"))

	c.Get("A")
	c.Set("C", labelResult("c"))

	if _, ok := c.Get("A"); ok {
		t.Error("A was inserted first and must be evicted despite the read")
	}
	if _, ok := c.Get("B"); !ok {
		t.Error("expected B to be present")
	}
}

func TestMemory_OverwriteRefreshes(t *testing.T) {
	clock := newFakeClock()
	c := NewMemory(2, time.Hour, WithClock(clock.Now))
	c.Set("A", labelResult("old"))
	c.Set("B", labelResult("b"))
	clock.Advance(30 * time.Minute)
	c.Set("A", labelResult("new"))

	if c.Len() != 2 {
		t.Fatalf("overwrite changed len to %d", c.Len())
	}

	c.Set("C", labelResult("c"))
	if _, ok := c.Get("B"); ok {
		t.Error("B is now the oldest insertion and must be evicted")
	}
	got, ok := c.Get("A")
	if !ok {
		t.Fatal("expected refreshed A to survive")
	}
	if name, _ := got.Summary(); name != "new" {
		t.Errorf("A = %q, want new", name)
	}

	clock.Advance(45 * time.Minute)
	if _, ok := c.Get("A"); !ok {
		t.Error("overwrite must restart the TTL")
	}
}

func TestMemory_SizeBound(t *testing.T) {
	c := NewMemory(5, time.Hour)
	for i := 0; i < 6; i++ {
		c.Set(Key(fmt.Sprintf("k%d", i)), labelResult("x"))
	}
	if c.Len() != 5 {
		t.Errorf("len = %d, want 5", c.Len())
	}
	if _, ok := c.Get("k0"); ok {
		t.Error("expected k0 to be evicted")
	}
}

func TestMemory_Clear(t *testing.T) {
	c := NewMemory(10, time.Minute)
	c.Set("a", labelResult("a"))
	c.Set("b", labelResult("b"))
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("expected len 0 after clear, got %d", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("expected miss after clear")
	}
}

func TestMemory_Stats(t *testing.T) {
	c := NewMemory(50, 30*time.Minute)
	c.Set("a", labelResult("a"))
	s := c.Stats()
	if s.Count != 1 || s.MaxSize != 50 || s.TTLSeconds != 1800 || s.Backend != "memory" {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestMemory_Concurrent(t *testing.T) {
	c := NewMemory(16, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key(fmt.Sprintf("k%d", i%32))
			c.Set(key, labelResult(string(key)))
			c.Get(key)
			c.Stats()
		}(i)
	}
	wg.Wait()
	if n := c.Len(); n > 16 {
		t.Errorf("len = %d exceeds max size", n)
	}
}

func TestStats_JSONShape(t *testing.T) {
	m := NewMemory(50, 30*time.Minute)
	m.Set(Fingerprint([]byte("img"), backends.ModeVision), backends.NewDescriptionResult("x", "STOP"))

	data, err := json.Marshal(m.Stats())
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"total_items": float64(1),
		"max_size":    float64(50),
		"ttl_seconds": float64(1800),
		"backend":     "memory",
	}
	if len(got) != len(want) {
		t.Errorf("stats fields = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}
