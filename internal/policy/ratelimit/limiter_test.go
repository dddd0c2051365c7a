package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	// 10 RPS with burst 1 refills one token every 100ms.
	l := New(Config{
		DefaultRPS:   10,
		DefaultBurst: 1,
	})

	ctx := context.Background()

	// First call consumes the initial token immediately.
	start := time.Now()
	if err := l.Wait(ctx, "https://test.com/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Logf("warning: first wait took %v", time.Since(start))
	}

	// Second call has to wait for the refill.
	start = time.Now()
	if err := l.Wait(ctx, "https://test.com/b"); err != nil {
		t.Fatal(err)
	}
	dur := time.Since(start)
	if dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentHosts(t *testing.T) {
	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
	})

	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatal(err)
	}

	// Host B has its own bucket and is not blocked by A.
	start := time.Now()
	if err := l.Wait(ctx, "https://b.com/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("host B blocked unexpectedly")
	}
}

func TestLimiter_UnlimitedByDefault(t *testing.T) {
	l := New(Config{})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx, "https://burst.test/"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unlimited limiter introduced delay: %v", time.Since(start))
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
	})

	ctx := context.Background()
	if err := l.Wait(ctx, "https://slow.test/"); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Wait(cancelled, "https://slow.test/"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
