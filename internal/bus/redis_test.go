package bus

import (
	"testing"
	"time"
)

func TestRedisBlockTranslation(t *testing.T) {
	t.Parallel()

	// go-redis sends BLOCK for any non-negative duration, and Redis treats
	// BLOCK 0 as wait-forever. A zero-block command drain must come out
	// negative or every agent loop parks on an idle system.commands stream.
	if got := redisBlock(0); got != -1 {
		t.Errorf("redisBlock(0) = %v, want -1", got)
	}
	if got := redisBlock(-time.Second); got != -1 {
		t.Errorf("redisBlock(-1s) = %v, want -1", got)
	}
	if got := redisBlock(200 * time.Millisecond); got != 200*time.Millisecond {
		t.Errorf("redisBlock(200ms) = %v, want it passed through", got)
	}
}
