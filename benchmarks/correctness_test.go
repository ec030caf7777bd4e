package benchmarks

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"querygate/internal/gateway/cache"
	"querygate/internal/gateway/clock"
	"querygate/internal/gateway/ratelimit"
)

func TestTokenBucketSpendAndRefill(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	l := ratelimit.NewUserLimiter(ratelimit.UserConfig{CallsPerMinute: 2, Clock: clk})

	if d := l.TryAcquire("u", 1); !d.Allowed {
		t.Fatal("first call should be admitted")
	}
	if d := l.TryAcquire("u", 1); !d.Allowed {
		t.Fatal("second call should be admitted")
	}
	d := l.TryAcquire("u", 1)
	if d.Allowed {
		t.Fatal("should not overspend the bucket")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("denial should carry a retry hint, got %v", d.RetryAfter)
	}

	clk.Advance(time.Minute) // full refill
	if d := l.TryAcquire("u", 1); !d.Allowed {
		t.Fatal("bucket should refill after a minute")
	}
}

func TestStoreAccountingRoundTrip(t *testing.T) {
	store := cache.NewStore(cache.Config{MinTokens: 1, Logger: zap.NewNop()})
	content := []byte("four score and seven answers ago")

	for _, fp := range []string{"a", "b", "c"} {
		if _, err := store.Store(fp, content, store.Version()); err != nil {
			t.Fatalf("store %q: %v", fp, err)
		}
	}
	m := store.Metrics()
	if m.Entries != 3 {
		t.Fatalf("entries=3, got %d", m.Entries)
	}
	if want := int64(3 * len(content)); m.SizeBytes != want {
		t.Fatalf("size accounting off: want %d, got %d", want, m.SizeBytes)
	}

	if _, err := store.Get("a"); err != nil {
		t.Fatalf("hit expected: %v", err)
	}
	if _, err := store.Get("nope"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("miss sentinel expected, got %v", err)
	}

	if removed := store.Invalidate(""); removed != 3 {
		t.Fatalf("invalidate all: want 3 removed, got %d", removed)
	}
	if store.Len() != 0 {
		t.Fatalf("store should be empty, has %d", store.Len())
	}
}
