package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCheckAndIncrementBurstThenCooldown(t *testing.T) {
	l := New(nil)
	frozen := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return frozen }

	// RATE*GRACE consecutive calls in the same instant should all pass with
	// zero cooldown; the next one should not.
	budget := int(RATE * GRACE)
	for i := 0; i < budget; i++ {
		cooldown, err := l.CheckAndIncrement(context.Background(), "1.2.3.4")
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if cooldown != 0 {
			t.Fatalf("call %d: expected zero cooldown within burst budget, got %v", i, cooldown)
		}
	}

	cooldown, err := l.CheckAndIncrement(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cooldown <= 0 {
		t.Fatalf("expected positive cooldown after exhausting burst budget, got %v", cooldown)
	}
}

func TestCheckAndIncrementIndependentSources(t *testing.T) {
	l := New(nil)
	frozen := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return frozen }

	for i := 0; i < int(RATE*GRACE); i++ {
		if _, err := l.CheckAndIncrement(context.Background(), "source-a"); err != nil {
			t.Fatalf("source-a call %d: %v", i, err)
		}
	}

	cooldown, err := l.CheckAndIncrement(context.Background(), "source-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cooldown != 0 {
		t.Fatalf("expected source-b to have its own fresh budget, got cooldown %v", cooldown)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := New(NewRedisStore(client, "room-1"))
	frozen := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return frozen }

	cooldown, err := l.CheckAndIncrement(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cooldown != 0 {
		t.Fatalf("expected zero cooldown on first call, got %v", cooldown)
	}

	// A second limiter instance sharing the same Redis store must see the
	// prior increment, proving state survives a coordinator restart.
	l2 := New(NewRedisStore(client, "room-1"))
	l2.now = func() time.Time { return frozen }
	_, ok, err := l2.store.Get(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected nextAllowedTime to persist across limiter instances")
	}
}
