package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"
)

func TestRetryerSucceedsFirstTry(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryerRetriesRetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 5
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	config.Retryable = func(error) bool { return true }
	retryer := New(config)

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return stderrors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryerStopsOnNonRetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 5
	config.InitialDelay = time.Millisecond
	config.Retryable = func(error) bool { return false }
	retryer := New(config)

	attempts := 0
	wantErr := stderrors.New("permanent")
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return wantErr
	})

	if !stderrors.Is(err, wantErr) {
		t.Errorf("Do() error = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", attempts)
	}
}

func TestRetryerExhaustsMaxAttempts(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Retryable = func(error) bool { return true }
	retryer := New(config)

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return stderrors.New("always fails")
	})

	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryerRespectsContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 50 * time.Millisecond
	config.Retryable = func(error) bool { return true }
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := retryer.Do(ctx, func(context.Context) error {
		attempts++
		return stderrors.New("keeps failing")
	})

	if err == nil {
		t.Fatal("expected an error from canceled context")
	}
	if attempts >= 10 {
		t.Errorf("attempts = %d, expected fewer due to cancellation", attempts)
	}
}

func TestIsTemporary(t *testing.T) {
	if IsTemporary(stderrors.New("plain error")) {
		t.Errorf("plain error should not be temporary")
	}
	if !IsTemporary(temporaryError{}) {
		t.Errorf("expected temporaryError to report Temporary() == true")
	}
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "temporary" }
func (temporaryError) Temporary() bool { return true }
