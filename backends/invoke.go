package backends

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type reply struct {
	result *Result
	err    error
}

// Invoke runs b.Analyze under a deadline of timeout and normalises the
// outcome. The returned error, when non-nil, always carries the backend name
// and mode. A backend that does not return before the deadline is abandoned;
// its eventual answer is discarded.
func Invoke(ctx context.Context, b Backend, image []byte, timeout time.Duration) (*Result, *Error) {
	res, _, err := InvokeWait(ctx, b, image, timeout)
	return res, err
}

// InvokeWait is Invoke plus a channel closed once b.Analyze has actually
// returned. After a timeout the call may still be running; callers that
// bound concurrent outbound calls wait on the channel before starting more.
func InvokeWait(ctx context.Context, b Backend, image []byte, timeout time.Duration) (*Result, <-chan struct{}, *Error) {
	finished := make(chan struct{})
	res, err := invoke(ctx, b, image, timeout, finished)
	return res, finished, err
}

func invoke(ctx context.Context, b Backend, image []byte, timeout time.Duration, finished chan struct{}) (*Result, *Error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan reply, 1)
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: Errorf(KindUnknown, "backend panicked: %v", r)}
			}
		}()
		res, err := b.Analyze(ctx, image)
		done <- reply{result: res, err: err}
	}()

	var out reply
	select {
	case out = <-done:
	case <-ctx.Done():
		out = reply{err: ctx.Err()}
	}

	if out.err != nil {
		return nil, stamp(classifyWithin(ctx, out.err), b)
	}
	if out.result == nil {
		return nil, stamp(Errorf(KindUnknown, "backend returned no result"), b)
	}
	out.result.Backend = b.Name()
	if out.result.Mode == "" {
		out.result.Mode = b.Mode()
	}
	if err := out.result.Validate(); err != nil {
		return nil, stamp(&Error{Kind: KindUnknown, Message: fmt.Sprintf("malformed result: %v", err), Err: err}, b)
	}
	if out.result.Mode != b.Mode() {
		return nil, stamp(Errorf(KindUnknown, "backend answered for mode %q, expected %q", out.result.Mode, b.Mode()), b)
	}
	return out.result, nil
}

// classifyWithin treats any failure that coincides with an expired deadline
// as a timeout, whatever error the transport surfaced.
func classifyWithin(ctx context.Context, err error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var be *Error
		if !errors.As(err, &be) {
			return &Error{Kind: KindTimeout, Message: "backend did not answer in time", Err: err}
		}
	}
	return Classify(err)
}

func stamp(e *Error, b Backend) *Error {
	out := *e
	if out.Backend == "" {
		out.Backend = b.Name()
	}
	if out.Mode == "" {
		out.Mode = b.Mode()
	}
	return &out
}
