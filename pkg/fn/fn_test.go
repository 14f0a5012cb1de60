package fn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// --- Result ---

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("expected ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatalf("unexpected unwrap: %v %v", v, err)
	}

	e := Err[int](errors.New("boom"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("expected err")
	}
	if _, err := e.Unwrap(); err == nil || err.Error() != "boom" {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestResultZeroValueIsOk(t *testing.T) {
	var r Result[string]
	if !r.IsOk() || r.Error() != nil {
		t.Fatal("zero Result should be ok")
	}
	if Err[int](nil).IsErr() {
		t.Fatal("Err(nil) should be ok")
	}
}

func TestFromPair(t *testing.T) {
	if !FromPair(1, nil).IsOk() {
		t.Fatal("FromPair nil error should be ok")
	}
	r := FromPair(1, errors.New("x"))
	if r.IsOk() || r.Error() == nil || r.Error().Error() != "x" {
		t.Fatalf("FromPair with error should fail: %v", r.Error())
	}
}

// --- Slices ---

func TestMap(t *testing.T) {
	out := Map([]int{1, 2, 3}, func(v int) int { return v * 2 })
	if len(out) != 3 || out[2] != 6 {
		t.Fatalf("Map failed: %v", out)
	}
}

func TestFilter(t *testing.T) {
	out := Filter([]int{1, 2, 3, 4}, func(v int) bool { return v%2 == 0 })
	if len(out) != 2 || out[0] != 2 || out[1] != 4 {
		t.Fatalf("Filter failed: %v", out)
	}
	if Filter([]int{1}, func(int) bool { return false }) != nil {
		t.Fatal("Filter with no match should be nil")
	}
}

func TestGroupBy(t *testing.T) {
	out := GroupBy([]string{"ant", "bee", "asp"}, func(s string) byte { return s[0] })
	if len(out['a']) != 2 || out['a'][1] != "asp" || len(out['b']) != 1 {
		t.Fatalf("GroupBy failed: %v", out)
	}
}

func TestCount(t *testing.T) {
	if n := Count([]int{1, 2, 3, 4, 5}, func(v int) bool { return v > 2 }); n != 3 {
		t.Fatalf("Count = %d, want 3", n)
	}
	if n := Count[int](nil, func(int) bool { return true }); n != 0 {
		t.Fatalf("Count on nil = %d", n)
	}
}

func TestUniq(t *testing.T) {
	out := Uniq([]string{"b", "a", "b", "c", "a"})
	if len(out) != 3 || out[0] != "b" || out[1] != "a" || out[2] != "c" {
		t.Fatalf("Uniq failed: %v", out)
	}
	if out := Uniq[string](nil); out == nil || len(out) != 0 {
		t.Fatalf("Uniq on nil should be empty and non-nil: %#v", out)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"storage": 1, "device": 3, "function": 0})
	if len(keys) != 3 || keys[0] != "device" || keys[1] != "function" || keys[2] != "storage" {
		t.Fatalf("SortedKeys failed: %v", keys)
	}
}

// --- Parallel ---

func TestParMap(t *testing.T) {
	out := ParMap([]int{1, 2, 3, 4}, 2, func(v int) int { return v * 2 })
	for i, v := range out {
		if v != (i+1)*2 {
			t.Fatalf("ParMap order broken at %d", i)
		}
	}
}

func TestParMapEmpty(t *testing.T) {
	out := ParMap([]int{}, 2, func(v int) int { return v })
	if len(out) != 0 {
		t.Fatal("ParMap empty should return empty")
	}
}

func TestParMapUnbounded(t *testing.T) {
	out := ParMap([]int{1, 2, 3}, 0, func(v int) int { return v + 1 })
	if out[0] != 2 || out[2] != 4 {
		t.Fatal("ParMap unbounded failed")
	}
}

func TestFanOut(t *testing.T) {
	out := FanOut(func() int { return 1 }, func() int { return 2 })
	if out[0] != 1 || out[1] != 2 {
		t.Fatal("FanOut failed")
	}
}

func TestFanOutSettlesIndependently(t *testing.T) {
	release := make(chan struct{})
	var fastDone atomic.Bool
	go func() {
		// the slow branch waits until the fast branch has finished
		for !fastDone.Load() {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()
	out := FanOut(
		func() string { <-release; return "slow" },
		func() string { fastDone.Store(true); return "fast" },
	)
	if out[0] != "slow" || out[1] != "fast" {
		t.Fatalf("unexpected results %v", out)
	}
}

func TestTraced(t *testing.T) {
	r := Traced(context.Background(), "ok-span", func(context.Context) Result[int] { return Ok(2) })
	if v, _ := r.Unwrap(); v != 2 {
		t.Fatal("Traced should pass the value through")
	}
	e := Traced(context.Background(), "err-span", func(context.Context) Result[int] { return Err[int](errors.New("x")) })
	if e.IsOk() {
		t.Fatal("Traced error should propagate")
	}
}

// --- Retry ---

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, Jitter: false}, func(_ context.Context) Result[int] {
		attempts++
		if attempts < 3 {
			return Err[int](errors.New("not yet"))
		}
		return Ok(42)
	})
	if v, _ := r.Unwrap(); v != 42 || attempts != 3 {
		t.Fatal("Retry should succeed on 3rd attempt")
	}
}

func TestRetryExhausted(t *testing.T) {
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, Jitter: false}, func(_ context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if r.IsOk() {
		t.Fatal("Retry should fail after exhausting attempts")
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}
	r := Retry(context.Background(), opts, func(_ context.Context) Result[int] {
		attempts++
		return Err[int](permanent)
	})
	if r.IsOk() || attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	r := Retry(ctx, RetryOpts{MaxAttempts: 100, InitialWait: 10 * time.Millisecond, Jitter: false}, func(ctx context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if r.IsOk() {
		t.Fatal("Retry should fail on context cancel")
	}
}
