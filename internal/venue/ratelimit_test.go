package venue

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)
	ctx := context.Background()

	began := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if time.Since(began) > 100*time.Millisecond {
		t.Error("burst within capacity should not block")
	}
}

func TestTokenBucketBlocksWhenDrained(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 20) // refill every 50ms
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	began := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if waited := time.Since(began); waited < 20*time.Millisecond {
		t.Errorf("drained bucket returned after %v, expected a refill wait", waited)
	}
}

func TestTokenBucketHonorsCancellation(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelled); err == nil {
		t.Error("cancelled wait must return the context error")
	}
}
