package seq

import (
	"context"
	"errors"
	"sync"
	"testing"

	errs "TeamChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// fakeScripter emulates the counter scripts against an in-memory map.
// The allocator's hot script passes one arg (ttl); the seed script
// passes two (floor, ttl).
type fakeScripter struct {
	mu       sync.Mutex
	counters map[string]int64
	down     bool
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{counters: make(map[string]int64)}
}

func (f *fakeScripter) run(ctx context.Context, keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return redis.NewCmdResult(nil, errors.New("connection refused"))
	}
	key := keys[0]
	switch len(args) {
	case 1: // next: INCR only when warm
		cur, ok := f.counters[key]
		if !ok {
			return redis.NewCmdResult(int64(-1), nil)
		}
		f.counters[key] = cur + 1
		return redis.NewCmdResult(cur+1, nil)
	case 2: // seed: SETNX floor, then INCR
		if _, ok := f.counters[key]; !ok {
			var floor int64
			switch v := args[0].(type) {
			case int:
				floor = int64(v)
			case int64:
				floor = v
			}
			f.counters[key] = floor
		}
		f.counters[key]++
		return redis.NewCmdResult(f.counters[key], nil)
	default:
		return redis.NewCmdResult(nil, errors.New("unexpected args"))
	}
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	out := make([]bool, len(hashes))
	for i := range out {
		out[i] = true
	}
	return redis.NewBoolSliceResult(out, nil)
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func (f *fakeScripter) evict(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counters, key)
}

type fakeFloor struct {
	floors map[string]int64
	err    error
}

func (d *fakeFloor) SeqFloor(_ context.Context, convID string) (int64, error) {
	if d.err != nil {
		return 0, d.err
	}
	return d.floors[convID], nil
}

func TestNextStartsAtOne(t *testing.T) {
	a := &Allocator{Rdb: newFakeScripter(), DAO: &fakeFloor{floors: map[string]int64{}}}
	for want := int64(1); want <= 3; want++ {
		got, err := a.Next(context.Background(), "conv1")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("seq = %d, want %d", got, want)
		}
	}
}

func TestNextResumesFromDurableFloor(t *testing.T) {
	a := &Allocator{Rdb: newFakeScripter(), DAO: &fakeFloor{floors: map[string]int64{"conv1": 41}}}
	got, err := a.Next(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 42 {
		t.Fatalf("seq = %d, want 42", got)
	}
}

func TestNextSurvivesCounterEviction(t *testing.T) {
	rdb := newFakeScripter()
	floors := map[string]int64{}
	a := &Allocator{Rdb: rdb, DAO: &fakeFloor{floors: floors}}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := a.Next(ctx, "conv1"); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	// Cache loss; the durable floor has kept up via the write txn.
	floors["conv1"] = 3
	rdb.evict("im:seq:conv1")

	got, err := a.Next(ctx, "conv1")
	if err != nil {
		t.Fatalf("Next after eviction: %v", err)
	}
	if got != 4 {
		t.Fatalf("seq = %d, want 4", got)
	}
}

func TestNextFailsClosedWhenRedisDown(t *testing.T) {
	rdb := newFakeScripter()
	rdb.down = true
	a := &Allocator{Rdb: rdb, DAO: &fakeFloor{floors: map[string]int64{}}}

	_, err := a.Next(context.Background(), "conv1")
	if err == nil {
		t.Fatal("want error when redis is down")
	}
	if errs.Code(err) != errs.ErrSeqUnavailable.Code {
		t.Fatalf("code = %d, want %d", errs.Code(err), errs.ErrSeqUnavailable.Code)
	}
}

func TestNextFailsClosedWhenFloorLookupFails(t *testing.T) {
	a := &Allocator{Rdb: newFakeScripter(), DAO: &fakeFloor{err: errors.New("mongo down")}}
	_, err := a.Next(context.Background(), "coldconv")
	if err == nil {
		t.Fatal("want error when floor lookup fails")
	}
	if errs.Code(err) != errs.ErrSeqUnavailable.Code {
		t.Fatalf("code = %d, want %d", errs.Code(err), errs.ErrSeqUnavailable.Code)
	}
}

func TestNextRejectsEmptyConversation(t *testing.T) {
	a := &Allocator{Rdb: newFakeScripter(), DAO: &fakeFloor{floors: map[string]int64{}}}
	if _, err := a.Next(context.Background(), ""); errs.Code(err) != errs.ErrArgs.Code {
		t.Fatalf("want args error, got %v", err)
	}
}

func TestNextConcurrentUniqueAndDense(t *testing.T) {
	a := &Allocator{Rdb: newFakeScripter(), DAO: &fakeFloor{floors: map[string]int64{}}}
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	results := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.Next(ctx, "conv1")
			if err != nil {
				t.Errorf("Next: %v", err)
				return
			}
			results <- got
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, n)
	var max int64
	for v := range results {
		if seen[v] {
			t.Fatalf("duplicate seq %d", v)
		}
		seen[v] = true
		if v > max {
			max = v
		}
	}
	if len(seen) != n || max != n {
		t.Fatalf("got %d unique up to %d, want %d dense", len(seen), max, n)
	}
}
