package circuitbreaker

import (
	"testing"
	"time"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(failures, successes int) (*CircuitBreaker, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	cb := New("gemini", Config{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		OpenTimeout:      10 * time.Second,
		Now:              c.Now,
	})
	return cb, c
}

func TestInitialStateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, 1)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected Allow=true when closed")
	}
}

func TestDefaults(t *testing.T) {
	cb := New("vision", Config{})
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed below default threshold, got %s", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open at default threshold, got %s", cb.State())
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 1)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected Allow=false when open")
	}
}

func TestTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	cb, c := newTestBreaker(1, 1)
	cb.RecordFailure()
	c.Advance(11 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open after timeout, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected Allow=true when half_open")
	}
}

func TestClosesAfterSuccessesInHalfOpen(t *testing.T) {
	cb, c := newTestBreaker(1, 2)
	cb.RecordFailure()
	c.Advance(11 * time.Second)
	_ = cb.State()
	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open after one of two successes, got %s", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after two successes, got %s", cb.State())
	}
}

func TestReopensOnFailureInHalfOpen(t *testing.T) {
	cb, c := newTestBreaker(1, 1)
	cb.RecordFailure()
	c.Advance(11 * time.Second)
	_ = cb.State()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failure in half_open, got %s", cb.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 1)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("expected still closed (failure count reset), got %s", cb.State())
	}
}

func TestOnStateChange(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	var transitions []string
	cb := New("gemini", Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Second,
		Now:              c.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	cb.RecordFailure()
	c.Advance(2 * time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{"gemini:closed->open", "gemini:open->half_open", "gemini:half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
