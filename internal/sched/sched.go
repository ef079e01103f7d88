// Package sched drives sync cycles: a periodic ticker, non-blocking
// manual triggers, and the Idle/Running/Cooldown state machine.
//
// Triggering is fire-and-forget. A trigger that arrives while a cycle
// is running coalesces into exactly one pending follow-up, never an
// unbounded queue. A failed cycle puts the scheduler into cooldown,
// during which only manual triggers run.
package sched

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tododesk/syncd/internal/engine"
)

// State is the scheduler's externally visible condition.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateCooldown State = "cooldown"
)

// EventType distinguishes cycle outcomes delivered to subscribers.
type EventType string

const (
	EventCycleCompleted EventType = "cycle_completed"
	EventCycleFailed    EventType = "cycle_failed"
)

// Event is delivered to subscribers after every cycle.
type Event struct {
	Type   EventType
	Result *engine.CycleResult

	// Err is set for EventCycleFailed: the cycle-level failure that
	// aborted the run.
	Err error
}

// Runner executes one sync cycle. Satisfied by *engine.Engine.
type Runner interface {
	RunCycle(ctx context.Context) (*engine.CycleResult, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	// Engine runs the cycles. Required.
	Engine Runner

	// Interval between periodic cycles. Defaults to 5m.
	Interval time.Duration

	// Cooldown after a failed cycle, during which periodic triggers are
	// suppressed. Defaults to 1m.
	Cooldown time.Duration

	// Logger defaults to a stderr logger.
	Logger *log.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduler owns the sync loop goroutine.
type Scheduler struct {
	run      Runner
	interval time.Duration
	cooldown time.Duration
	logger   *log.Logger
	now      func() time.Time

	// trigger carries manual-or-not. Buffer of one is the coalescing:
	// while a cycle runs, at most one follow-up can be queued.
	trigger chan bool

	mu            sync.Mutex
	state         State
	cooldownUntil time.Time
	lastSynced    time.Time
	subs          []chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start to begin the loop.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sched] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:      cfg.Engine,
		interval: cfg.Interval,
		cooldown: cfg.Cooldown,
		logger:   cfg.Logger,
		now:      cfg.Now,
		trigger:  make(chan bool, 1),
		state:    StateIdle,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sync loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop cancels any running cycle and waits for the loop to exit.
// Unconfirmed work stays in the journal for the next startup.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// TriggerSync requests a cycle now. It never blocks: if a cycle is
// already running, one follow-up is queued; additional calls fold into
// that same follow-up. Manual triggers bypass cooldown.
func (s *Scheduler) TriggerSync() {
	select {
	case s.trigger <- true:
	default:
	}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCooldown && !s.now().Before(s.cooldownUntil) {
		return StateIdle
	}
	return s.state
}

// LastSynced returns when the last successful cycle finished, zero if
// none has.
func (s *Scheduler) LastSynced() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSynced
}

// Subscribe returns a channel of cycle events. The channel is closed on
// Stop. Slow subscribers drop events rather than block the loop.
func (s *Scheduler) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(false)
		case manual := <-s.trigger:
			s.runOnce(manual)
		}
	}
}

// runOnce executes one cycle unless suppressed by cooldown. Periodic
// triggers respect cooldown; manual ones bypass it.
func (s *Scheduler) runOnce(manual bool) {
	s.mu.Lock()
	if !manual && s.state == StateCooldown && s.now().Before(s.cooldownUntil) {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.mu.Unlock()

	result, err := s.run.RunCycle(s.ctx)

	s.mu.Lock()
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Printf("sync cycle failed: %v", err)
		}
		s.state = StateCooldown
		s.cooldownUntil = s.now().Add(s.cooldown)
	} else {
		s.state = StateIdle
		s.lastSynced = s.now()
	}
	subs := make([]chan Event, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	ev := Event{Type: EventCycleCompleted, Result: result}
	if err != nil {
		ev = Event{Type: EventCycleFailed, Result: result, Err: err}
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
