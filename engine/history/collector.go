package history

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/pkg/fn"
	"github.com/WessleyAI/flowpulse/pkg/resilience"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"
)

// Scope narrows a collection pass to specific entities per kind. Kinds not
// present in the scope are fetched in full; a kind mapped to an empty list
// is skipped.
type Scope map[domain.Kind][]string

// FetchObserver receives the outcome of every provider call.
type FetchObserver interface {
	ObserveFetch(kind string, elapsed time.Duration, err error)
}

// Collector fans out to one Provider per kind and assembles a Snapshot.
// A failing provider contributes an empty lookup for that pass; the
// failure is logged and never returned.
type Collector struct {
	providers   map[domain.Kind]Provider
	kinds       []domain.Kind
	idFields    map[domain.Kind][]string
	breakers    map[domain.Kind]*resilience.Breaker
	breakerOpts resilience.BreakerOpts
	flight      singleflight.Group
	gen         atomic.Uint64
	logger      *slog.Logger
	observer    FetchObserver
	now         func() time.Time
	workers     int
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger used for fetch failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithObserver registers a fetch observer, typically the metrics collector.
func WithObserver(o FetchObserver) Option {
	return func(c *Collector) { c.observer = o }
}

// WithBreaker overrides the per-kind circuit breaker settings.
func WithBreaker(opts resilience.BreakerOpts) Option {
	return func(c *Collector) { c.breakerOpts = opts }
}

// WithIDFields overrides the id field candidates for one kind.
func WithIDFields(kind domain.Kind, fields ...string) Option {
	return func(c *Collector) { c.idFields[kind] = fields }
}

// WithClock sets the clock stamped on snapshots.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithEntityWorkers bounds concurrent per-entity fetches within one kind.
func WithEntityWorkers(n int) Option {
	return func(c *Collector) { c.workers = n }
}

// NewCollector creates a Collector over the given providers.
func NewCollector(providers map[domain.Kind]Provider, opts ...Option) *Collector {
	c := &Collector{
		providers:   make(map[domain.Kind]Provider, len(providers)),
		idFields:    make(map[domain.Kind][]string),
		breakers:    make(map[domain.Kind]*resilience.Breaker),
		breakerOpts: resilience.DefaultBreakerOpts,
		logger:      slog.Default(),
		now:         time.Now,
		workers:     4,
	}
	for _, o := range opts {
		o(c)
	}
	for _, kind := range domain.Kinds {
		p, ok := providers[kind]
		if !ok || p == nil {
			continue
		}
		c.providers[kind] = p
		c.kinds = append(c.kinds, kind)
		if _, ok := c.idFields[kind]; !ok {
			c.idFields[kind] = IDFields(kind)
		}
		bo := c.breakerOpts
		bo.Name = string(kind)
		logger, next := c.logger, c.breakerOpts.OnStateChange
		bo.OnStateChange = func(name string, from, to resilience.State) {
			logger.Warn("history breaker state change", "kind", name, "from", from.String(), "to", to.String())
			if next != nil {
				next(name, from, to)
			}
		}
		c.breakers[kind] = resilience.NewBreaker(bo)
	}
	return c
}

// Kinds returns the kinds this collector has providers for.
func (c *Collector) Kinds() []domain.Kind {
	return append([]domain.Kind(nil), c.kinds...)
}

// Collect fetches every kind concurrently and returns a fresh Snapshot.
// Kinds settle independently; a slow kind delays only the pass, never
// another kind's fetch.
func (c *Collector) Collect(ctx context.Context, scope Scope) Snapshot {
	ctx, span := otel.Tracer("engine/history").Start(ctx, "history.collect")
	defer span.End()

	fetches := make([]func() []domain.Entry, len(c.kinds))
	for i, kind := range c.kinds {
		ids, scoped := scope[kind]
		fetches[i] = func() []domain.Entry {
			return c.collectKind(ctx, kind, ids, scoped)
		}
	}
	results := fn.FanOut(fetches...)

	lookups := make(Lookups, len(c.kinds))
	for i, kind := range c.kinds {
		lookups[kind] = BuildLookup(results[i], c.idFields[kind]...)
	}
	return Snapshot{
		Lookups:    lookups,
		Generation: c.gen.Add(1),
		TakenAt:    c.now(),
	}
}

func (c *Collector) collectKind(ctx context.Context, kind domain.Kind, ids []string, scoped bool) []domain.Entry {
	if !scoped {
		return c.fetch(ctx, kind, "")
	}
	ids = fn.Uniq(fn.Filter(ids, func(id string) bool { return id != "" }))
	if len(ids) == 0 {
		return nil
	}
	parts := fn.ParMap(ids, c.workers, func(id string) []domain.Entry {
		return c.fetch(ctx, kind, id)
	})
	var out []domain.Entry
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// fetch calls the kind's provider once per concurrent (kind, entity) pair.
func (c *Collector) fetch(ctx context.Context, kind domain.Kind, entityID string) []domain.Entry {
	provider := c.providers[kind]
	v, _, _ := c.flight.Do(string(kind)+"/"+entityID, func() (any, error) {
		start := time.Now()
		r := resilience.CallResult(c.breakers[kind], ctx, func(ctx context.Context) fn.Result[[]domain.Entry] {
			return fn.Traced(ctx, "history.fetch."+string(kind), func(ctx context.Context) fn.Result[[]domain.Entry] {
				return fn.FromPair(provider.Fetch(ctx, entityID))
			})
		})
		entries, err := r.Unwrap()
		if err != nil && ctx.Err() != nil {
			c.logger.Debug("history fetch aborted", "kind", kind, "entity_id", entityID, "err", err)
			return []domain.Entry(nil), nil
		}
		if c.observer != nil {
			c.observer.ObserveFetch(string(kind), time.Since(start), err)
		}
		if err != nil {
			c.logger.Warn("history fetch failed", "kind", kind, "entity_id", entityID, "err", err)
			return []domain.Entry(nil), nil
		}
		return entries, nil
	})
	entries, _ := v.([]domain.Entry)
	return entries
}
