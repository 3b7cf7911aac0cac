package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/regression-io/stratum/contracts"
)

var timeout = []contracts.Violation{{
	Kind:       contracts.ViolationEnsure,
	Expression: "result.failures == ''",
	Message:    "postcondition is false",
}}

// TestDecide_AttemptBound tests that retries: N allows exactly N+1 attempts.
func TestDecide_AttemptBound(t *testing.T) {
	c := NewController()
	for _, retries := range []int{0, 1, 3} {
		limit := contracts.Function{Retries: retries}.MaxAttempts()
		attempts := 0
		for attempt := 1; ; attempt++ {
			attempts = attempt
			_, err := c.Decide("s3", attempt, limit, timeout, contracts.Record{"failures": "timeout"})
			if err != nil {
				var re *contracts.RetriesExhaustedError
				if !errors.As(err, &re) {
					t.Fatalf("retries=%d: expected RetriesExhaustedError, got %v", retries, err)
				}
				if !errors.Is(err, contracts.ErrRetriesExhausted) {
					t.Fatal("should wrap ErrRetriesExhausted")
				}
				if re.Attempts != attempt || len(re.Last) != 1 {
					t.Fatalf("unexpected error %+v", re)
				}
				break
			}
			if attempt > retries+1 {
				t.Fatalf("retries=%d: still retrying after %d attempts", retries, attempt)
			}
		}
		if attempts != retries+1 {
			t.Errorf("retries=%d: got %d attempts, want %d", retries, attempts, retries+1)
		}
	}
}

// TestDecide_MinimalFeedback tests that feedback carries only the failed checks and the rejected output.
func TestDecide_MinimalFeedback(t *testing.T) {
	rejected := contracts.Record{"failures": "timeout"}
	fb, err := NewController().Decide("s3", 1, 2, timeout, rejected)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if fb.StepID != "s3" || fb.Attempt != 1 {
		t.Fatalf("feedback = %+v", fb)
	}
	if len(fb.Failed) != 1 || fb.Failed[0] != "result.failures == ''" {
		t.Fatalf("Failed = %v", fb.Failed)
	}
	rejected["failures"] = "mutated"
	if fb.Rejected["failures"] != "timeout" {
		t.Fatal("feedback should hold its own copy of the rejected output")
	}
	if got := Render(fb); got != "attempt 1 violated: result.failures == ''" {
		t.Fatalf("Render = %q", got)
	}
}

func TestBackoff_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	n, err := Backoff{Attempts: 3}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("unavailable")
		}
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestBackoff_ReturnsLastError(t *testing.T) {
	want := errors.New("down")
	n, err := Backoff{Attempts: 2}.Do(context.Background(), func(context.Context) error { return want })
	if !errors.Is(err, want) || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestBackoff_ContextErrorsNotRetried(t *testing.T) {
	calls := 0
	_, err := Backoff{Attempts: 5}.Do(context.Background(), func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) || calls != 1 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n, err := (Backoff{Attempts: 5}).Do(ctx, func(context.Context) error { return nil }); n != 0 || !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled context: n=%d err=%v", n, err)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	tests := []struct {
		call int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{6, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.call); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.call, got, tt.want)
		}
	}
}
