package errs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyOfDefaultsToTransient(t *testing.T) {
	plain := errors.New("boom")
	if got := ClassifyOf(plain); got != KindTransient {
		t.Errorf("ClassifyOf(unwrapped) = %v, want KindTransient", got)
	}
}

func TestWrapRoundTrip(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := Wrap(KindTransient, base)

	if !Transient(wrapped) {
		t.Error("wrapped KindTransient error should be Transient")
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to the original via errors.Is")
	}

	permanent := Wrap(KindPermanent, base)
	if Transient(permanent) {
		t.Error("wrapped KindPermanent error should not be Transient")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindTransient, nil) != nil {
		t.Error("Wrap(kind, nil) should return nil")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return Wrap(KindTransient, errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	wantErr := Wrap(KindPermanent, errors.New("unique violation"))
	err := Retry(context.Background(), DefaultRetryConfig, func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Retry() error = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent error)", attempts)
	}
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func() error {
		attempts++
		return Wrap(KindTransient, errors.New("still down"))
	})
	if err == nil {
		t.Fatal("Retry() should return the last error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}, func() error {
		attempts++
		return Wrap(KindTransient, errors.New("down"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
