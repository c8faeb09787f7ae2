package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestClassifyByStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorClass
	}{
		{429, ClassRateLimit},
		{401, ClassAuth},
		{403, ClassAuth},
		{402, ClassQuota},
		{500, ClassServer},
		{503, ClassServer},
		{400, ClassInvalid},
		{422, ClassInvalid},
		{0, ClassUnknown},
	}
	for _, tc := range cases {
		err := Classify("anthropic", "m", tc.status, errors.New("boom"))
		var pe *Error
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: not a provider error: %v", tc.status, err)
		}
		if pe.Class != tc.want {
			t.Errorf("status %d classified %s, want %s", tc.status, pe.Class, tc.want)
		}
		if pe.StatusCode != tc.status {
			t.Errorf("status %d recorded as %d", tc.status, pe.StatusCode)
		}
	}
}

func TestClassifyNilAndCancellationPassThrough(t *testing.T) {
	if err := Classify("x", "m", 500, nil); err != nil {
		t.Fatalf("nil error classified: %v", err)
	}
	err := Classify("x", "m", 0, context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation wrapped: %v", err)
	}
	var pe *Error
	if errors.As(err, &pe) {
		t.Fatal("cancellation turned into a provider error")
	}
}

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "net" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return false }

var _ net.Error = fakeNetErr{}

func TestClassifyByErrorShape(t *testing.T) {
	var pe *Error

	if !errors.As(Classify("x", "m", 0, context.DeadlineExceeded), &pe) || pe.Class != ClassTimeout {
		t.Fatalf("deadline classified %v", pe)
	}
	if !errors.As(Classify("x", "m", 0, fakeNetErr{timeout: true}), &pe) || pe.Class != ClassTimeout {
		t.Fatalf("net timeout classified %v", pe)
	}
	if !errors.As(Classify("x", "m", 0, fakeNetErr{}), &pe) || pe.Class != ClassNetwork {
		t.Fatalf("net error classified %v", pe)
	}
}

func TestRetryable(t *testing.T) {
	retryable := map[ErrorClass]bool{
		ClassRateLimit: true,
		ClassTimeout:   true,
		ClassServer:    true,
		ClassNetwork:   true,
		ClassAuth:      false,
		ClassQuota:     false,
		ClassInvalid:   false,
		ClassUnknown:   false,
	}
	for class, want := range retryable {
		err := &Error{Provider: "x", Class: class, Err: errors.New("boom")}
		if Retryable(err) != want {
			t.Errorf("%s retryable = %v, want %v", class, Retryable(err), want)
		}
	}
	if Retryable(errors.New("plain")) {
		t.Fatal("plain error retryable")
	}
}

func TestErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := Classify("anthropic", "m", 500, inner)
	if !errors.Is(err, inner) {
		t.Fatal("wrapped error lost")
	}
}

func TestBackoffStaysWithinJitterBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 0; attempt < 8; attempt++ {
		ceiling := float64(p.BaseDelay) * float64(int(1)<<uint(attempt))
		if max := float64(p.MaxDelay); ceiling > max {
			ceiling = max
		}
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt)
			if d < 0 || float64(d) > ceiling {
				t.Fatalf("attempt %d backoff %v outside [0, %v]", attempt, d, time.Duration(ceiling))
			}
		}
	}
}

func TestDelayPrefersServerRetryAfter(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	err := &Error{Provider: "x", Class: ClassRateLimit, RetryAfter: 250 * time.Millisecond, Err: errors.New("slow down")}
	if d := p.Delay(0, err); d != 250*time.Millisecond {
		t.Fatalf("delay = %v, want the server's retry-after", d)
	}

	// A huge retry-after is capped at MaxDelay.
	err.RetryAfter = time.Hour
	if d := p.Delay(0, err); d != p.MaxDelay {
		t.Fatalf("delay = %v, want %v", d, p.MaxDelay)
	}

	// Without a retry-after the jittered backoff applies.
	for i := 0; i < 50; i++ {
		if d := p.Delay(0, nil); d < 0 || d > p.BaseDelay {
			t.Fatalf("delay without retry-after = %v", d)
		}
	}
}

func TestRetryAfterExtraction(t *testing.T) {
	err := &Error{Provider: "x", Class: ClassRateLimit, RetryAfter: 3 * time.Second, Err: errors.New("slow down")}
	if got := RetryAfter(err); got != 3*time.Second {
		t.Fatalf("RetryAfter = %v", got)
	}
	if got := RetryAfter(errors.New("plain")); got != 0 {
		t.Fatalf("RetryAfter on plain error = %v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("20"); d != 20*time.Second {
		t.Fatalf("seconds form = %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Fatalf("empty = %v", d)
	}
	if d := ParseRetryAfter("soon"); d != 0 {
		t.Fatalf("garbage = %v", d)
	}
	if d := ParseRetryAfter("-5"); d != 0 {
		t.Fatalf("negative = %v", d)
	}
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(future); d <= 0 || d > 31*time.Second {
		t.Fatalf("http date form = %v", d)
	}
}

func TestWaitAbortsOnContextCancel(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := p.Wait(ctx, 3, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("wait did not abort on cancel")
	}
}
