package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestAllowWithinBurst(t *testing.T) {
	l := New(10, 5)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("expected allow on request %d within burst", i+1)
		}
	}
}

func TestBlockWhenDepleted(t *testing.T) {
	l := New(10, 2)
	l.Allow()
	l.Allow()
	if l.Allow() {
		t.Fatal("expected rate limit after burst exhausted")
	}
}

func TestRefillOverTime(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	l := newWithClock(2, 1, c.Now)
	l.Allow()
	if l.Allow() {
		t.Fatal("expected deny before refill")
	}
	c.now = c.now.Add(500 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("expected allow after refill")
	}
}

func TestFractionalRateStillAllowsOne(t *testing.T) {
	l := New(0.5, 0)
	if !l.Allow() {
		t.Fatal("expected first request to pass with sub-1 rate")
	}
}

func TestStoreCreatesPerKeyLimiters(t *testing.T) {
	s := NewStore(100, 10, 0)
	for i := 0; i < 10; i++ {
		if !s.Allow("key-a") {
			t.Fatalf("expected allow on key-a request %d", i+1)
		}
	}
	if !s.Allow("key-b") {
		t.Fatal("expected allow on key-b (fresh limiter)")
	}
}

func TestStoreForgetsIdleKeys(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	s := NewStore(1, 1, time.Minute)
	s.now = c.Now
	s.Allow("a")
	s.Allow("b")
	c.now = c.now.Add(2 * time.Minute)
	s.Allow("c")
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after idle sweep", s.Len())
	}
}

func TestMiddleware(t *testing.T) {
	s := NewStore(1, 1, 0)
	h := Middleware(s, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "10.0.0.2:5555"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, other)
	if w.Code != http.StatusNoContent {
		t.Errorf("other client status = %d, want 204", w.Code)
	}
}

func TestMiddleware_RejectionBody(t *testing.T) {
	h := Middleware(NewStore(1, 1, 0), func(*http.Request) string { return "k" })(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/analyze", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q", got)
	}
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v\n%s", err, w.Body.String())
	}
	if body.Error.Type != "rate_limited" || body.Error.Message == "" {
		t.Errorf("body = %+v", body)
	}
}
