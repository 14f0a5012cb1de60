// Package monitor runs one flow: the refetch scheduler drives history
// collection, each snapshot is applied to the graph store, and store
// changes are fanned out over NATS.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/flowpulse/engine/flow"
	"github.com/WessleyAI/flowpulse/engine/history"
	"github.com/WessleyAI/flowpulse/engine/refetch"
	"github.com/WessleyAI/flowpulse/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// PresenceSubject carries dashboard presence signals.
	PresenceSubject = "dashboard.presence"
	// DefaultPulseInterval is how often short activity windows are re-evaluated.
	DefaultPulseInterval = time.Second
)

// ErrNoPersistence is returned by Save when no persistence is configured.
var ErrNoPersistence = errors.New("monitor: no persistence configured")

// Refetch triggers.
const (
	TriggerStartup   = "startup"
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// ChangedSubject is where changes of flowID are published.
func ChangedSubject(flowID string) string {
	return "flow." + flowID + ".changed"
}

// GetSubject answers requests for the current document of flowID.
func GetSubject(flowID string) string {
	return "flow." + flowID + ".get"
}

// ChangeEvent is the NATS payload for one store change.
type ChangeEvent struct {
	FlowID  string          `json:"flow_id"`
	Kind    flow.ChangeKind `json:"kind"`
	NodeIDs []string        `json:"node_ids,omitempty"`
	EdgeIDs []string        `json:"edge_ids,omitempty"`
	At      time.Time       `json:"at"`
}

// PresenceMessage is a presence signal as sent by the dashboard.
type PresenceMessage struct {
	Type string `json:"type"`
}

// GetRequest asks for the current flow document.
type GetRequest struct{}

// Recorder receives monitor metrics.
type Recorder interface {
	IncRefetch(trigger string)
	ObserveRecompute(target string, changed bool)
	SetScheduler(state string, interval time.Duration, states ...string)
	SetGraphSize(nodes, edges int)
}

// Monitor wires the scheduler, collector and store for a single flow.
type Monitor struct {
	store     *flow.Store
	collector *history.Collector
	sched     *refetch.Scheduler
	persist   flow.Persistence
	nc        *nats.Conn
	recorder  Recorder
	logger    *slog.Logger
	pulse     time.Duration

	refreshMu sync.Mutex

	mu        sync.Mutex
	started   bool
	stopped   bool
	subs      []*nats.Subscription
	unlisten  func()
	stopPulse chan struct{}
	pulseDone chan struct{}
}

type options struct {
	persist   flow.Persistence
	nc        *nats.Conn
	recorder  Recorder
	logger    *slog.Logger
	pulse     time.Duration
	schedOpts []refetch.Option
}

// Option configures a Monitor.
type Option func(*options)

// WithPersistence loads the flow on Start and enables Save.
func WithPersistence(p flow.Persistence) Option {
	return func(o *options) { o.persist = p }
}

// WithNATS enables change publishing, presence intake and the get handler.
func WithNATS(nc *nats.Conn) Option {
	return func(o *options) { o.nc = nc }
}

// WithRecorder reports refetch and recompute metrics to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPulseInterval sets how often Pulse runs. Zero disables the loop.
func WithPulseInterval(d time.Duration) Option {
	return func(o *options) { o.pulse = d }
}

// WithSchedulerOptions passes options through to refetch.New.
func WithSchedulerOptions(opts ...refetch.Option) Option {
	return func(o *options) { o.schedOpts = append(o.schedOpts, opts...) }
}

// New builds a stopped monitor. cfg is validated by the scheduler.
func New(store *flow.Store, collector *history.Collector, cfg refetch.Config, opts ...Option) (*Monitor, error) {
	o := options{logger: slog.Default(), pulse: DefaultPulseInterval}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Monitor{
		store:     store,
		collector: collector,
		persist:   o.persist,
		nc:        o.nc,
		recorder:  o.recorder,
		logger:    o.logger.With("flow_id", store.ID()),
		pulse:     o.pulse,
	}

	schedOpts := append([]refetch.Option{refetch.WithLogger(m.logger)}, o.schedOpts...)
	if m.recorder != nil {
		schedOpts = append(schedOpts, refetch.WithTransitionHook(func(_, to refetch.State) {
			m.recordScheduler(to)
		}))
	}
	sched, err := refetch.New(func(ctx context.Context) {
		m.Refresh(ctx, TriggerScheduled)
	}, cfg, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	m.sched = sched
	return m, nil
}

// Store returns the monitored graph store.
func (m *Monitor) Store() *flow.Store { return m.store }

// Scheduler returns the refetch scheduler.
func (m *Monitor) Scheduler() *refetch.Scheduler { return m.sched }

// Start restores the persisted flow, runs a first refresh, attaches NATS
// and starts the scheduler and pulse loop. A missing flow starts empty.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("monitor: already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return err
	}

	unlisten := m.store.Subscribe(m.onChange)
	subs, err := m.attachNATS()
	if err != nil {
		unlisten()
		return err
	}

	m.Refresh(ctx, TriggerStartup)
	m.sched.Start(ctx)
	if m.recorder != nil {
		m.recordScheduler(m.sched.State())
	}

	m.mu.Lock()
	m.unlisten = unlisten
	m.subs = subs
	if m.pulse > 0 {
		m.stopPulse = make(chan struct{})
		m.pulseDone = make(chan struct{})
		go m.pulseLoop(m.pulse, m.stopPulse, m.pulseDone)
	}
	m.mu.Unlock()

	m.logger.Info("monitor started", "nodes", len(m.store.Nodes()), "edges", len(m.store.Edges()))
	return nil
}

// Stop halts the scheduler and pulse loop and detaches from NATS. It is
// safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	subs, unlisten := m.subs, m.unlisten
	stopPulse, pulseDone := m.stopPulse, m.pulseDone
	m.subs, m.unlisten = nil, nil
	m.mu.Unlock()

	m.sched.Stop()
	if stopPulse != nil {
		close(stopPulse)
		<-pulseDone
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("unsubscribe failed", "subject", sub.Subject, "err", err)
		}
	}
	if unlisten != nil {
		unlisten()
	}
	m.logger.Info("monitor stopped")
}

// Refresh collects history for every bound entity and applies it to the
// store. It reports whether any projection changed. Concurrent calls run
// one at a time so snapshots are applied in generation order. A pass whose
// ctx is cancelled before it completes is discarded.
func (m *Monitor) Refresh(ctx context.Context, trigger string) bool {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if m.recorder != nil {
		m.recorder.IncRefetch(trigger)
	}
	start := time.Now()
	snap := m.collector.Collect(ctx, m.scope())
	if err := ctx.Err(); err != nil {
		m.logger.Debug("refresh aborted", "trigger", trigger, "generation", snap.Generation, "err", err)
		return false
	}
	changed := m.store.Apply(snap)
	if m.recorder != nil {
		m.recorder.ObserveRecompute("refresh", changed)
	}
	m.logger.Debug("refresh applied",
		"trigger", trigger,
		"generation", snap.Generation,
		"changed", changed,
		"duration", time.Since(start),
	)
	return changed
}

// Pulse re-evaluates projections against the current snapshot so the
// short activity window can expire between fetches.
func (m *Monitor) Pulse() bool {
	changed := m.store.Tick()
	if m.recorder != nil {
		m.recorder.ObserveRecompute("pulse", changed)
	}
	return changed
}

// Notify forwards a presence signal to the scheduler. Connectivity can
// change the refetch interval without a state change, so the scheduler
// gauges are refreshed afterwards.
func (m *Monitor) Notify(sig refetch.Signal) {
	m.sched.Notify(sig)
	if m.recorder != nil {
		m.recordScheduler(m.sched.State())
	}
}

// Save writes the current flow document through the persistence layer.
func (m *Monitor) Save(ctx context.Context) error {
	if m.persist == nil {
		return ErrNoPersistence
	}
	doc := m.store.Flow()
	if err := m.persist.Save(ctx, m.store.ID(), doc); err != nil {
		return fmt.Errorf("save flow %s: %w", m.store.ID(), err)
	}
	m.logger.Info("flow saved", "nodes", len(doc.Nodes), "edges", len(doc.Edges))
	return nil
}

func (m *Monitor) load(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	doc, err := m.persist.Load(ctx, m.store.ID())
	if errors.Is(err, flow.ErrFlowNotFound) {
		m.logger.Info("no persisted flow, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load flow %s: %w", m.store.ID(), err)
	}
	if err := m.store.Restore(doc); err != nil {
		return fmt.Errorf("restore flow %s: %w", m.store.ID(), err)
	}
	return nil
}

// scope limits collection to entities bound in the graph. Kinds without
// history are never fetched; a kind with no bound nodes is skipped.
func (m *Monitor) scope() history.Scope {
	scope := history.Scope{}
	for _, kind := range m.collector.Kinds() {
		if !kind.HasHistory() {
			scope[kind] = nil
			continue
		}
		scope[kind] = m.store.ExistingEntityIDs(kind)
	}
	return scope
}

func (m *Monitor) attachNATS() ([]*nats.Subscription, error) {
	if m.nc == nil {
		return nil, nil
	}
	presence, err := natsutil.Subscribe(m.nc, PresenceSubject, func(_ context.Context, msg PresenceMessage) {
		sig, err := refetch.ParseSignal(msg.Type)
		if err != nil {
			m.logger.Warn("dropping presence signal", "err", err)
			return
		}
		m.Notify(sig)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", PresenceSubject, err)
	}
	get, err := natsutil.Handle(m.nc, GetSubject(m.store.ID()), func(_ context.Context, _ GetRequest) (flow.Document, error) {
		return m.store.Flow(), nil
	})
	if err != nil {
		_ = presence.Unsubscribe()
		return nil, fmt.Errorf("handle %s: %w", GetSubject(m.store.ID()), err)
	}
	return []*nats.Subscription{presence, get}, nil
}

func (m *Monitor) onChange(c flow.Change) {
	if m.recorder != nil {
		m.recorder.SetGraphSize(len(m.store.Nodes()), len(m.store.Edges()))
	}
	if m.nc == nil {
		return
	}
	ev := ChangeEvent{
		FlowID:  m.store.ID(),
		Kind:    c.Kind,
		NodeIDs: c.NodeIDs,
		EdgeIDs: c.EdgeIDs,
		At:      time.Now().UTC(),
	}
	if err := natsutil.Publish(context.Background(), m.nc, ChangedSubject(m.store.ID()), ev); err != nil {
		m.logger.Warn("publish change failed", "kind", c.Kind, "err", err)
	}
}

func (m *Monitor) pulseLoop(every time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Pulse()
		}
	}
}

func (m *Monitor) recordScheduler(state refetch.State) {
	m.recorder.SetScheduler(state.String(), m.sched.Interval(),
		refetch.Active.String(), refetch.Background.String(), refetch.Idle.String())
}
