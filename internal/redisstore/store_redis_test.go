package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// failingPipelines rejects the next n transactions before they reach redis.
type failingPipelines struct {
	n   int
	err error
}

func (h *failingPipelines) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (h *failingPipelines) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	return nil
}

func (h *failingPipelines) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	if h.n > 0 {
		h.n--
		return ctx, h.err
	}
	return ctx, nil
}

func (h *failingPipelines) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	return nil
}

func newMiniredisStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := newTestStore(3)
	store.client = client
	return store, mr, client
}

func TestPingAgainstRedis(t *testing.T) {
	store, _, _ := newMiniredisStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestIncrWindowCountsAndExpires(t *testing.T) {
	store, mr, _ := newMiniredisStore(t)
	ctx := context.Background()
	const key = "faceverify:ratelimit:203.0.113.7:1"

	for want := int64(1); want <= 2; want++ {
		got, err := store.IncrWindow(ctx, key, time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("expected count %d, got %d", want, got)
		}
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Fatalf("expected ttl of one window, got %s", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if mr.Exists(key) {
		t.Fatal("expected key to expire with its window")
	}
}

func TestIncrWindowRetryDoesNotDoubleCount(t *testing.T) {
	store, mr, client := newMiniredisStore(t)
	client.AddHook(&failingPipelines{n: 1, err: transientTestError{}})
	const key = "faceverify:ratelimit:user-1:7"

	count, err := store.IncrWindow(context.Background(), key, 30*time.Second)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1 after retry, got %d", count)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected key to carry a ttl, got %s", ttl)
	}
}

func TestHIncrAppliesAllFields(t *testing.T) {
	store, mr, _ := newMiniredisStore(t)
	ctx := context.Background()
	const key = "faceverify:stats"

	for i := 0; i < 2; i++ {
		err := store.HIncr(ctx, key,
			map[string]int64{"total": 1, "matches": 1},
			map[string]float64{"similarity_sum": 0.25},
		)
		if err != nil {
			t.Fatalf("hincr: %v", err)
		}
	}

	values, err := store.HGetAll(ctx, key)
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if values["total"] != "2" || values["matches"] != "2" || values["similarity_sum"] != "0.5" {
		t.Fatalf("unexpected hash: %v", values)
	}
	if mr.HGet(key, "total") != "2" {
		t.Fatalf("unexpected stored total: %s", mr.HGet(key, "total"))
	}
}

func TestHIncrFailureLeavesHashUntouched(t *testing.T) {
	store, mr, client := newMiniredisStore(t)
	boom := errors.New("connection reset")
	client.AddHook(&failingPipelines{n: 1, err: boom})
	const key = "faceverify:stats"

	err := store.HIncr(context.Background(), key,
		map[string]int64{"total": 1, "failures": 1},
		map[string]float64{"latency_ms_sum": 12},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("expected no partial counters")
	}
}
