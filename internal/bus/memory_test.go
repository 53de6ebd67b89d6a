package bus

import (
	"context"
	"testing"
	"time"
)

func TestGroupDeliversExactlyOnce(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	ctx := context.Background()

	if err := b.EnsureGroup(ctx, "ch", "g", StartBeginning); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, "ch", map[string]string{"n": "x"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	first, err := b.ConsumeGroup(ctx, "ch", "g", "c1", 10, 0)
	if err != nil {
		t.Fatalf("ConsumeGroup: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first read = %d messages, want 3", len(first))
	}

	// The cursor advanced: a second read in the same group sees nothing,
	// regardless of consumer name.
	second, err := b.ConsumeGroup(ctx, "ch", "g", "c2", 10, 0)
	if err != nil {
		t.Fatalf("ConsumeGroup: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second read = %d messages, want 0", len(second))
	}
}

func TestStartNewSkipsHistory(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	ctx := context.Background()

	if _, err := b.Publish(ctx, "ch", map[string]string{"old": "1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.EnsureGroup(ctx, "ch", "fresh", StartNew); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if err := b.EnsureGroup(ctx, "ch", "replay", StartBeginning); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := b.Publish(ctx, "ch", map[string]string{"new": "1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	fresh, _ := b.ConsumeGroup(ctx, "ch", "fresh", "c", 10, 0)
	if len(fresh) != 1 {
		t.Errorf("fresh group saw %d messages, want only the post-creation one", len(fresh))
	}
	replay, _ := b.ConsumeGroup(ctx, "ch", "replay", "c", 10, 0)
	if len(replay) != 2 {
		t.Errorf("replay group saw %d messages, want the full log", len(replay))
	}
}

func TestAckClearsPending(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	ctx := context.Background()

	_ = b.EnsureGroup(ctx, "ch", "g", StartBeginning)
	id, _ := b.Publish(ctx, "ch", map[string]string{"k": "v"})
	msgs, _ := b.ConsumeGroup(ctx, "ch", "g", "c", 10, 0)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if b.PendingCount("ch", "g") != 1 {
		t.Fatalf("pending = %d before ack", b.PendingCount("ch", "g"))
	}
	if err := b.Ack(ctx, "ch", "g", id); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if b.PendingCount("ch", "g") != 0 {
		t.Errorf("pending = %d after ack", b.PendingCount("ch", "g"))
	}
}

func TestEnsureGroupIdempotent(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	ctx := context.Background()

	_ = b.EnsureGroup(ctx, "ch", "g", StartBeginning)
	_, _ = b.Publish(ctx, "ch", map[string]string{"k": "v"})
	msgs, _ := b.ConsumeGroup(ctx, "ch", "g", "c", 10, 0)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}

	// Re-creating the group must not reset its cursor.
	if err := b.EnsureGroup(ctx, "ch", "g", StartBeginning); err != nil {
		t.Fatalf("EnsureGroup again: %v", err)
	}
	again, _ := b.ConsumeGroup(ctx, "ch", "g", "c", 10, 0)
	if len(again) != 0 {
		t.Errorf("cursor reset by re-ensure: saw %d messages", len(again))
	}
}

func TestBlockingConsumeWakesOnPublish(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	ctx := context.Background()
	_ = b.EnsureGroup(ctx, "ch", "g", StartNew)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Publish(ctx, "ch", map[string]string{"k": "v"})
	}()

	began := time.Now()
	msgs, err := b.ConsumeGroup(ctx, "ch", "g", "c", 10, time.Second)
	if err != nil {
		t.Fatalf("ConsumeGroup: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if time.Since(began) >= time.Second {
		t.Error("consumer waited the full block despite an earlier publish")
	}
}

func TestCloseRejectsPublish(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	_ = b.Close()
	if _, err := b.Publish(context.Background(), "ch", map[string]string{"k": "v"}); err == nil {
		t.Error("publish after close should fail")
	}
}

func TestFIFOWithinChannel(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus()
	ctx := context.Background()
	_ = b.EnsureGroup(ctx, "ch", "g", StartBeginning)

	for _, v := range []string{"a", "b", "c"} {
		_, _ = b.Publish(ctx, "ch", map[string]string{"v": v})
	}
	msgs, _ := b.ConsumeGroup(ctx, "ch", "g", "c", 10, 0)
	want := []string{"a", "b", "c"}
	for i, m := range msgs {
		if m.Values["v"] != want[i] {
			t.Errorf("position %d = %q, want %q", i, m.Values["v"], want[i])
		}
	}
}
