package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithLinearBackoff(5, time.Millisecond)...)

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoSurfacesErrorAfterExhaustingAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("permanent")
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	}, WithLinearBackoff(3, time.Millisecond)...)

	if err == nil {
		t.Fatalf("expected an error after exhausting attempts")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do() error = %v, want it to wrap %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoRespectsRetryIf(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("unretryable")
	}, WithRetryIf(func(err error) bool { return false }))

	if err == nil {
		t.Fatalf("expected an error for an unretryable failure")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry should be attempted)", calls)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})

	if err == nil {
		t.Fatalf("expected an error for an already-cancelled context")
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}
