package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		attempt     int
		minExpected time.Duration
		maxExpected time.Duration
	}{
		{0, 100 * time.Millisecond, 125 * time.Millisecond},  // 100ms + 0-25% jitter
		{1, 200 * time.Millisecond, 250 * time.Millisecond},  // 200ms + 0-25% jitter
		{2, 400 * time.Millisecond, 500 * time.Millisecond},  // 400ms + 0-25% jitter
		{3, 800 * time.Millisecond, 1000 * time.Millisecond}, // 800ms + 0-25% jitter
	}

	for _, tt := range tests {
		backoff := Backoff(base, tt.attempt)
		if backoff < tt.minExpected || backoff > tt.maxExpected {
			t.Errorf("attempt %d: got %v, want between %v and %v", tt.attempt, backoff, tt.minExpected, tt.maxExpected)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	// 5s * 2^10 would be over an hour; cap holds it at 60s
	got := BackoffCapped(5*time.Second, 10, 60*time.Second)
	if got != 60*time.Second {
		t.Errorf("expected 60s cap, got %v", got)
	}
}

func TestDo_Success(t *testing.T) {
	ctx := context.Background()
	opts := Options{
		MaxAttempts:    3,
		BackoffBase:    10 * time.Millisecond,
		RateLimitRetry: 50 * time.Millisecond,
		Classifier:     func(err error) ErrorType { return Retryable },
	}

	calls := 0
	err := Do(ctx, opts, func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	opts := Options{
		MaxAttempts:    3,
		BackoffBase:    1 * time.Millisecond,
		RateLimitRetry: 5 * time.Millisecond,
		Classifier:     func(err error) ErrorType { return Retryable },
	}

	calls := 0
	err := Do(ctx, opts, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AuthNeverRetried(t *testing.T) {
	ctx := context.Background()
	authErr := errors.New("401 unauthorized")
	opts := Options{
		MaxAttempts: 5,
		BackoffBase: 1 * time.Millisecond,
		Classifier:  ClassifyJob,
	}

	calls := 0
	err := Do(ctx, opts, func() error {
		calls++
		return authErr
	})

	if err != authErr {
		t.Errorf("expected auth error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retry for auth), got %d", calls)
	}
}

func TestDo_MaxAttempts(t *testing.T) {
	ctx := context.Background()
	opts := Options{
		MaxAttempts:    3,
		BackoffBase:    1 * time.Millisecond,
		RateLimitRetry: 5 * time.Millisecond,
		Classifier:     func(err error) ErrorType { return Retryable },
	}

	calls := 0
	expectedErr := errors.New("always fails")
	err := Do(ctx, opts, func() error {
		calls++
		return expectedErr
	})

	if err != expectedErr {
		t.Errorf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := Options{
		MaxAttempts: 3,
		BackoffBase: 1 * time.Millisecond,
		Classifier:  func(err error) ErrorType { return Retryable },
	}

	calls := 0
	err := Do(ctx, opts, func() error {
		calls++
		return errors.New("fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected 0 calls after cancellation, got %d", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	ctx := context.Background()
	opts := Options{
		MaxAttempts: 3,
		BackoffBase: 1 * time.Millisecond,
		Classifier:  func(err error) ErrorType { return Retryable },
	}

	calls := 0
	result, err := DoWithResult(ctx, opts, func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %s", result)
	}
}
