// Package refetch schedules history refetches at a cadence that follows
// dashboard visibility, user interaction and connectivity.
package refetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler invokes a callback on an interval chosen by its current state.
// At most one refetch timer is pending at any time.
type Scheduler struct {
	cfg      Config
	callback func(context.Context)
	clock    Clock
	hook     func(from, to State)
	logger   *slog.Logger

	mu              sync.Mutex
	state           State
	visible         bool
	online          bool
	lastInteraction time.Time
	interval        time.Duration
	timer           Timer
	timerGen        uint64
	check           Timer
	started         bool
	stopped         bool
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTransitionHook is called after every state change, outside the
// scheduler lock.
func WithTransitionHook(f func(from, to State)) Option {
	return func(s *Scheduler) { s.hook = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New validates cfg and returns a stopped scheduler. The dashboard is
// assumed visible and online until told otherwise.
func New(callback func(context.Context), cfg Config, opts ...Option) (*Scheduler, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:      cfg,
		callback: callback,
		clock:    realClock{},
		logger:   slog.Default(),
		visible:  true,
		online:   true,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start arms the timers. The scheduler stops when ctx is done or Stop is
// called; the context passed to the callback is cancelled at that point.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.lastInteraction = s.clock.Now()
	s.state = s.desiredState()
	s.rearm()
	s.check = s.clock.AfterFunc(s.cfg.CheckInterval, s.checkTick)
	runCtx := s.ctx
	s.mu.Unlock()

	s.logger.Info("refetch scheduler started", "state", s.State().String(), "interval", s.Interval())
	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
}

// Stop clears both timers and cancels the callback context. It is safe
// to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopTimer()
	if s.check != nil {
		s.check.Stop()
		s.check = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
	s.mu.Unlock()
	s.logger.Info("refetch scheduler stopped")
}

// Done is closed once the scheduler has stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Run feeds signals into the scheduler until ctx is done, the channel is
// closed or the scheduler stops.
func (s *Scheduler) Run(ctx context.Context, signals <-chan Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			s.Notify(sig)
		}
	}
}

// Notify applies a presence signal. Visibility and connectivity changes
// take effect immediately; interactions only refresh the inactivity clock
// and are evaluated by the periodic check. A reconnect refetch runs on its
// own goroutine, so Notify never waits for a collection pass.
func (s *Scheduler) Notify(sig Signal) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	reconnected := false
	switch sig {
	case SignalVisible:
		s.visible = true
		s.lastInteraction = now
	case SignalHidden:
		s.visible = false
	case SignalOnline:
		reconnected = !s.online
		s.online = true
	case SignalOffline:
		s.online = false
	case SignalInteraction:
		s.lastInteraction = now
		s.mu.Unlock()
		return
	default:
		s.mu.Unlock()
		s.logger.Warn("ignoring unknown refetch signal", "signal", string(sig))
		return
	}
	if !s.started {
		s.mu.Unlock()
		return
	}
	from, to, changed := s.evaluate()
	fire := reconnected && s.cfg.RefetchOnReconnect
	ctx := s.ctx
	s.mu.Unlock()

	if changed {
		s.transitioned(from, to)
	}
	if fire {
		s.logger.Debug("refetching after reconnect")
		go s.callback(ctx)
	}
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interval returns the interval of the armed refetch timer, or zero when
// none is armed.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Info is a point-in-time view of the scheduler.
type Info struct {
	State           string        `json:"state"`
	Interval        time.Duration `json:"interval_ns"`
	Visible         bool          `json:"visible"`
	Online          bool          `json:"online"`
	LastInteraction time.Time     `json:"last_interaction"`
	Running         bool          `json:"running"`
}

// Info returns the scheduler's current inputs and outputs.
func (s *Scheduler) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		State:           s.state.String(),
		Interval:        s.interval,
		Visible:         s.visible,
		Online:          s.online,
		LastInteraction: s.lastInteraction,
		Running:         s.started && !s.stopped,
	}
}

func (s *Scheduler) desiredState() State {
	switch {
	case !s.visible:
		return Idle
	case s.clock.Now().Sub(s.lastInteraction) >= s.cfg.InactivityThreshold:
		return Background
	default:
		return Active
	}
}

func (s *Scheduler) desiredInterval() time.Duration {
	if !s.online && s.cfg.PauseWhenOffline {
		return 0
	}
	switch s.state {
	case Active:
		return s.cfg.ActiveInterval
	case Background:
		return s.cfg.BackgroundInterval
	default:
		if s.cfg.DisableRefetchOnHidden {
			return 0
		}
		return s.cfg.IdleInterval
	}
}

// evaluate recomputes state and re-arms the timer when the interval
// changed. Must hold s.mu.
func (s *Scheduler) evaluate() (from, to State, changed bool) {
	from = s.state
	s.state = s.desiredState()
	if s.desiredInterval() != s.interval {
		s.rearm()
	}
	return from, s.state, from != s.state
}

// rearm replaces any pending timer with one for the desired interval.
// Must hold s.mu.
func (s *Scheduler) rearm() {
	s.stopTimer()
	d := s.desiredInterval()
	if d <= 0 {
		return
	}
	gen := s.timerGen
	s.interval = d
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })
}

// stopTimer clears the pending timer and invalidates its generation.
// Must hold s.mu.
func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	s.interval = 0
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.callback(ctx)

	s.mu.Lock()
	if !s.stopped && gen == s.timerGen {
		s.rearm()
	}
	s.mu.Unlock()
}

func (s *Scheduler) checkTick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	from, to, changed := s.evaluate()
	s.check = s.clock.AfterFunc(s.cfg.CheckInterval, s.checkTick)
	s.mu.Unlock()
	if changed {
		s.transitioned(from, to)
	}
}

func (s *Scheduler) transitioned(from, to State) {
	s.logger.Info("refetch state changed", "from", from.String(), "to", to.String())
	if s.hook != nil {
		s.hook(from, to)
	}
}
