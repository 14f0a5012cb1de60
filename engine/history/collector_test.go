package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/pkg/resilience"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]int
	fails map[string]int
}

func (o *recordingObserver) ObserveFetch(kind string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[string]int{}
		o.fails = map[string]int{}
	}
	o.calls[kind]++
	if err != nil {
		o.fails[kind]++
	}
}

func TestCollectBuildsLookupsPerKind(t *testing.T) {
	c := NewCollector(map[domain.Kind]Provider{
		domain.KindDevice:   Static{Entries: []domain.Entry{{"device_id": "d1"}, {"deviceId": "d1"}}},
		domain.KindFunction: Static{Entries: []domain.Entry{{"function_id": "f1", "status": "success"}}},
	}, WithLogger(quietLogger()))

	snap := c.Collect(context.Background(), nil)
	if len(snap.Bucket(domain.KindDevice, "d1")) != 2 {
		t.Fatalf("device bucket wrong: %v", snap.Lookups)
	}
	if len(snap.Bucket(domain.KindFunction, "f1")) != 1 {
		t.Fatalf("function bucket wrong: %v", snap.Lookups)
	}
	if snap.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", snap.Generation)
	}
	if next := c.Collect(context.Background(), nil); next.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", next.Generation)
	}
}

func TestCollectFetchFailureYieldsEmptyLookup(t *testing.T) {
	obs := &recordingObserver{}
	c := NewCollector(map[domain.Kind]Provider{
		domain.KindDevice: Static{Entries: []domain.Entry{{"device_id": "d1"}}},
		domain.KindIntegration: ProviderFunc(func(context.Context, string) ([]domain.Entry, error) {
			return nil, errors.New("integration service unavailable")
		}),
	}, WithLogger(quietLogger()), WithObserver(obs))

	snap := c.Collect(context.Background(), nil)
	if len(snap.Bucket(domain.KindDevice, "d1")) != 1 {
		t.Fatal("a failing kind must not affect other kinds")
	}
	lookup, ok := snap.Lookups[domain.KindIntegration]
	if !ok || len(lookup) != 0 {
		t.Fatalf("failed kind should have an empty lookup, got %v", lookup)
	}
	if obs.fails["integration"] != 1 || obs.calls["device"] != 1 {
		t.Fatalf("unexpected observations: calls=%v fails=%v", obs.calls, obs.fails)
	}
}

func TestCollectSlowKindDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	var deviceDone atomic.Bool
	c := NewCollector(map[domain.Kind]Provider{
		domain.KindDevice: ProviderFunc(func(context.Context, string) ([]domain.Entry, error) {
			deviceDone.Store(true)
			return []domain.Entry{{"device_id": "d1"}}, nil
		}),
		domain.KindIntegration: ProviderFunc(func(context.Context, string) ([]domain.Entry, error) {
			<-release
			return []domain.Entry{{"integration_id": "i1"}}, nil
		}),
	}, WithLogger(quietLogger()))

	done := make(chan Snapshot, 1)
	go func() { done <- c.Collect(context.Background(), nil) }()

	deadline := time.After(2 * time.Second)
	for !deviceDone.Load() {
		select {
		case <-deadline:
			t.Fatal("device fetch blocked behind integration fetch")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	snap := <-done
	if len(snap.Bucket(domain.KindIntegration, "i1")) != 1 || len(snap.Bucket(domain.KindDevice, "d1")) != 1 {
		t.Fatalf("unexpected snapshot %v", snap.Lookups)
	}
}

func TestCollectScopedFetchesPerEntity(t *testing.T) {
	var mu sync.Mutex
	var requested []string
	c := NewCollector(map[domain.Kind]Provider{
		domain.KindDevice: ProviderFunc(func(_ context.Context, id string) ([]domain.Entry, error) {
			mu.Lock()
			requested = append(requested, id)
			mu.Unlock()
			if id == "broken" {
				return nil, errors.New("boom")
			}
			return []domain.Entry{{"device_id": id}}, nil
		}),
		domain.KindLabel: ProviderFunc(func(context.Context, string) ([]domain.Entry, error) {
			t.Error("label provider should be skipped for an empty scope")
			return nil, nil
		}),
	}, WithLogger(quietLogger()))

	snap := c.Collect(context.Background(), Scope{
		domain.KindDevice: {"d1", "d2", "d1", "broken", ""},
		domain.KindLabel:  {},
	})
	sort.Strings(requested)
	if len(requested) != 3 || requested[0] != "broken" || requested[1] != "d1" || requested[2] != "d2" {
		t.Fatalf("unexpected requests %v", requested)
	}
	if len(snap.Bucket(domain.KindDevice, "d1")) != 1 || len(snap.Bucket(domain.KindDevice, "d2")) != 1 {
		t.Fatalf("unexpected buckets %v", snap.Lookups)
	}
}

func TestCollectBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	c := NewCollector(map[domain.Kind]Provider{
		domain.KindFunction: ProviderFunc(func(context.Context, string) ([]domain.Entry, error) {
			calls.Add(1)
			return nil, errors.New("down")
		}),
	}, WithLogger(quietLogger()), WithBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour}))

	for i := 0; i < 4; i++ {
		c.Collect(context.Background(), nil)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("breaker should stop calls after 2 failures, provider called %d times", got)
	}
}

func TestCollectCancelledPassesDoNotTripBreaker(t *testing.T) {
	obs := &recordingObserver{}
	c := NewCollector(map[domain.Kind]Provider{
		domain.KindDevice: ProviderFunc(func(ctx context.Context, _ string) ([]domain.Entry, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return []domain.Entry{{"device_id": "d1"}}, nil
		}),
	}, WithLogger(quietLogger()), WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 2*resilience.DefaultBreakerOpts.FailThreshold; i++ {
		if snap := c.Collect(ctx, nil); len(snap.Bucket(domain.KindDevice, "d1")) != 0 {
			t.Fatal("cancelled pass should yield an empty bucket")
		}
	}
	snap := c.Collect(context.Background(), nil)
	if len(snap.Bucket(domain.KindDevice, "d1")) != 1 {
		t.Fatalf("healthy provider blocked after cancelled passes: %v", snap.Lookups)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.calls["device"] != 1 || obs.fails["device"] != 0 {
		t.Fatalf("aborted fetches must not be observed, got calls=%d fails=%d", obs.calls["device"], obs.fails["device"])
	}
}

func TestCollectCustomIDFields(t *testing.T) {
	c := NewCollector(map[domain.Kind]Provider{
		domain.KindDevice: Static{Entries: []domain.Entry{{"serial": "s1"}}},
	}, WithLogger(quietLogger()), WithIDFields(domain.KindDevice, "serial"))
	snap := c.Collect(context.Background(), nil)
	if len(snap.Bucket(domain.KindDevice, "s1")) != 1 {
		t.Fatalf("custom id field not used: %v", snap.Lookups)
	}
}

func TestCollectStampsClock(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector(nil, WithClock(func() time.Time { return at }))
	snap := c.Collect(context.Background(), nil)
	if !snap.TakenAt.Equal(at) {
		t.Fatalf("expected %v, got %v", at, snap.TakenAt)
	}
	if len(c.Kinds()) != 0 {
		t.Fatalf("expected no kinds, got %v", c.Kinds())
	}
}
