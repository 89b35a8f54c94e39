package backends

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type stubBackend struct {
	name    string
	mode    Mode
	analyze func(ctx context.Context, image []byte) (*Result, error)
}

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) Mode() Mode   { return s.mode }
func (s *stubBackend) Analyze(ctx context.Context, image []byte) (*Result, error) {
	return s.analyze(ctx, image)
}

func TestInvoke_StampsBackendName(t *testing.T) {
	b := &stubBackend{name: "stub", mode: ModeVision, analyze: func(context.Context, []byte) (*Result, error) {
		return NewLabelResult([]Label{{Name: "Cat", Score: 0.9}}, nil), nil
	}}
	res, err := Invoke(context.Background(), b, []byte("img"), time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Backend != "stub" || res.Mode != ModeVision {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	b := &stubBackend{name: "slow", mode: ModeGenerative, analyze: func(ctx context.Context, _ []byte) (*Result, error) {
		select {
		case <-time.After(time.Second):
			return NewDescriptionResult("late", "stop"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	start := time.Now()
	_, err := Invoke(context.Background(), b, []byte("img"), 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if err.Kind != KindTimeout {
		t.Errorf("kind = %s, want timeout", err.Kind)
	}
	if err.Backend != "slow" || err.Mode != ModeGenerative {
		t.Errorf("error not stamped: %+v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Invoke took %v, expected to return near the deadline", elapsed)
	}
}

func TestInvoke_IgnoringContextStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	b := &stubBackend{name: "stuck", mode: ModeVision, analyze: func(context.Context, []byte) (*Result, error) {
		<-release
		return nil, nil
	}}
	_, err := Invoke(context.Background(), b, []byte("img"), 10*time.Millisecond)
	if err == nil || err.Kind != KindTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestInvokeWait_FinishedClosesWhenCallReturns(t *testing.T) {
	release := make(chan struct{})
	b := &stubBackend{name: "stuck", mode: ModeVision, analyze: func(context.Context, []byte) (*Result, error) {
		<-release
		return nil, nil
	}}
	start := time.Now()
	_, finished, err := InvokeWait(context.Background(), b, []byte("img"), 20*time.Millisecond)
	if err == nil || err.Kind != KindTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("InvokeWait took %v, expected to return near the deadline", elapsed)
	}
	select {
	case <-finished:
		t.Fatal("finished closed while the backend is still running")
	default:
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("finished not closed after the backend returned")
	}
}

func TestInvokeWait_FinishedClosedOnSuccess(t *testing.T) {
	b := &stubBackend{name: "stub", mode: ModeGenerative, analyze: func(context.Context, []byte) (*Result, error) {
		return NewDescriptionResult("A kite.", "STOP"), nil
	}}
	res, finished, err := InvokeWait(context.Background(), b, []byte("img"), time.Second)
	if err != nil {
		t.Fatalf("InvokeWait: %v", err)
	}
	if res.Description.Text != "A kite." {
		t.Errorf("result = %+v", res)
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("finished not closed after a completed call")
	}
}

func TestInvoke_RecoversPanic(t *testing.T) {
	b := &stubBackend{name: "boom", mode: ModeVision, analyze: func(context.Context, []byte) (*Result, error) {
		panic("nil map")
	}}
	_, err := Invoke(context.Background(), b, []byte("img"), time.Second)
	if err == nil || err.Kind != KindUnknown {
		t.Fatalf("err = %v, want unknown", err)
	}
}

func TestInvoke_RejectsMalformedResult(t *testing.T) {
	b := &stubBackend{name: "bad", mode: ModeVision, analyze: func(context.Context, []byte) (*Result, error) {
		return NewDescriptionResult("wrong branch", "stop"), nil
	}}
	_, err := Invoke(context.Background(), b, []byte("img"), time.Second)
	if err == nil || err.Kind != KindUnknown {
		t.Fatalf("err = %v, want unknown", err)
	}
}

func TestInvoke_NilResult(t *testing.T) {
	b := &stubBackend{name: "empty", mode: ModeVision, analyze: func(context.Context, []byte) (*Result, error) {
		return nil, nil
	}}
	if _, err := Invoke(context.Background(), b, []byte("img"), time.Second); err == nil {
		t.Fatal("expected error for nil result")
	}
}

func TestInvoke_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"typed", Errorf(KindContentRejected, "blocked"), KindContentRejected},
		{"http", HTTPError(429, ""), KindRateLimited},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindUnavailable},
		{"plain", errors.New("weird"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &stubBackend{name: "x", mode: ModeGenerative, analyze: func(context.Context, []byte) (*Result, error) {
				return nil, tt.err
			}}
			_, err := Invoke(context.Background(), b, []byte("img"), time.Second)
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Kind != tt.want {
				t.Errorf("kind = %s, want %s", err.Kind, tt.want)
			}
			if err.Backend != "x" {
				t.Errorf("backend = %q, want x", err.Backend)
			}
		})
	}
}
