// Package lifecycle decides when a voice session has ended.
//
// A Controller is a single actor: participant events, timer fires and
// termination requests are all serialized through Run, so a timer can never
// fire concurrently with a rejoin.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
	"github.com/ashureev/mds-moderator/internal/events"
)

var (
	// ErrTerminated is returned for events handled after the session ended.
	ErrTerminated = errors.New("session terminated")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("controller already running")
)

// EmptyPolicy selects what happens when the last participant leaves.
type EmptyPolicy string

const (
	// PolicyGrace waits IdleGrace for a rejoin before ending the session.
	PolicyGrace EmptyPolicy = "grace"
	// PolicyImmediate ends the session as soon as the room is empty.
	PolicyImmediate EmptyPolicy = "immediate"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (EmptyPolicy, error) {
	switch p := EmptyPolicy(s); p {
	case PolicyGrace, PolicyImmediate:
		return p, nil
	default:
		return "", fmt.Errorf("unknown empty room policy %q", s)
	}
}

// Config holds lifecycle policies.
type Config struct {
	EmptyPolicy EmptyPolicy
	IdleGrace   time.Duration
	// NoShowTimeout ends a session nobody joined. Zero disables it.
	NoShowTimeout time.Duration
}

// Observer is notified of every state transition from the actor goroutine.
type Observer func(from, to domain.State)

// Option configures a Controller.
type Option func(*Controller)

// WithTimers replaces the timer factory.
func WithTimers(t Timers) Option {
	return func(c *Controller) { c.timers = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithObserver registers a state observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

type request struct {
	event     events.Event
	terminate EndReason
	reply     chan result
}

type result struct {
	effects []Effect
	err     error
}

type timerFired struct {
	kind timerKind
	gen  uint64
}

// Controller tracks participants and emits one SessionEnd.
type Controller struct {
	cfg      Config
	timers   Timers
	logger   *slog.Logger
	observer Observer

	inbox  chan request
	fires  chan timerFired
	ended  chan SessionEnd
	done   chan struct{}
	runner atomic.Bool

	state atomic.Int32
	count atomic.Int64

	// Owned by the actor goroutine.
	gen          uint64
	pending      *pendingTimer
	participants map[string]domain.Participant
}

// New creates a controller in AwaitingFirstJoin.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.EmptyPolicy == "" {
		cfg.EmptyPolicy = PolicyGrace
	}
	c := &Controller{
		cfg:          cfg,
		timers:       realTimers{},
		inbox:        make(chan request),
		fires:        make(chan timerFired),
		ended:        make(chan SessionEnd, 1),
		done:         make(chan struct{}),
		participants: make(map[string]domain.Participant),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.state.Store(int32(domain.StateAwaitingFirstJoin))
	return c
}

// State returns a snapshot of the lifecycle state.
func (c *Controller) State() domain.State {
	return domain.State(c.state.Load())
}

// Count returns a snapshot of the participant count.
func (c *Controller) Count() int {
	return int(c.count.Load())
}

// Ended delivers the SessionEnd once the session terminates.
func (c *Controller) Ended() <-chan SessionEnd {
	return c.ended
}

// Done is closed when the actor has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Run processes events until the session terminates or ctx is cancelled.
// Cancellation terminates the session with ReasonCancelled.
func (c *Controller) Run(ctx context.Context) error {
	if !c.runner.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	if c.cfg.NoShowTimeout > 0 {
		c.arm(timerNoShow, c.cfg.NoShowTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			c.terminate(ReasonCancelled)
			return ctx.Err()
		case req := <-c.inbox:
			res := c.process(req)
			req.reply <- res
		case fire := <-c.fires:
			c.fire(fire)
		}
		if c.State() == domain.StateTerminated {
			return nil
		}
	}
}

// Handle feeds one participant event to the actor and returns the effects
// the runner must apply before processing the next event. Events of other
// kinds are accepted and produce no effects.
func (c *Controller) Handle(ctx context.Context, ev events.Event) ([]Effect, error) {
	res, err := c.send(ctx, request{event: ev})
	if err != nil {
		return nil, err
	}
	return res.effects, res.err
}

// Terminate ends the session explicitly. It is a no-op once terminated.
func (c *Controller) Terminate(ctx context.Context, reason EndReason) error {
	if reason == "" {
		reason = ReasonTerminated
	}
	_, err := c.send(ctx, request{terminate: reason})
	if errors.Is(err, ErrTerminated) {
		return nil
	}
	return err
}

func (c *Controller) send(ctx context.Context, req request) (result, error) {
	req.reply = make(chan result, 1)
	select {
	case c.inbox <- req:
	case <-c.done:
		return result{}, ErrTerminated
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	// An accepted request has been applied; its effects must reach the caller.
	return <-req.reply, nil
}

func (c *Controller) process(req request) result {
	if c.State() == domain.StateTerminated {
		return result{err: ErrTerminated}
	}
	if req.terminate != "" {
		c.terminate(req.terminate)
		return result{}
	}
	switch ev := req.event.(type) {
	case events.ParticipantJoined:
		return result{effects: c.joined(ev)}
	case events.ParticipantLeft:
		return result{effects: c.left(ev)}
	default:
		return result{}
	}
}

func (c *Controller) joined(ev events.ParticipantJoined) []Effect {
	c.count.Add(1)
	c.cancelPending()

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	p := domain.Participant{ID: ev.ID, Name: ev.Name, JoinedAt: at}
	c.participants[ev.ID] = p

	if c.State() != domain.StateActive {
		c.transition(domain.StateActive)
	}
	c.logger.Info("Participant joined", "participant_id", ev.ID, "name", ev.Name, "count", c.Count())

	return []Effect{
		RegisterIdentity{ID: ev.ID, Name: p.DisplayName()},
		Greet{Name: p.DisplayName()},
	}
}

func (c *Controller) left(ev events.ParticipantLeft) []Effect {
	if c.Count() == 0 {
		c.logger.Warn("Ignoring leave with no participants present", "participant_id", ev.ID)
		return nil
	}
	remaining := c.count.Add(-1)

	name := ev.Name
	if name == "" {
		if p, ok := c.participants[ev.ID]; ok {
			name = p.DisplayName()
		} else {
			name = ev.ID
		}
	}
	c.logger.Info("Participant left", "participant_id", ev.ID, "reason", ev.Reason, "count", remaining)
	effects := []Effect{Farewell{Name: name}}

	if remaining > 0 {
		return effects
	}
	switch c.cfg.EmptyPolicy {
	case PolicyImmediate:
		c.terminate(ReasonEmpty)
	default:
		c.transition(domain.StateDraining)
		c.arm(timerIdle, c.cfg.IdleGrace)
	}
	return effects
}

func (c *Controller) fire(f timerFired) {
	if c.pending == nil || c.pending.gen != f.gen {
		c.logger.Debug("Ignoring stale timer", "timer", f.kind)
		return
	}
	c.pending = nil

	switch f.kind {
	case timerIdle:
		if c.State() == domain.StateDraining && c.Count() == 0 {
			c.terminate(ReasonIdle)
		}
	case timerNoShow:
		if c.State() == domain.StateAwaitingFirstJoin {
			c.terminate(ReasonNoShow)
		}
	}
}

// arm replaces any pending timer with a new one of the given kind.
func (c *Controller) arm(kind timerKind, d time.Duration) {
	c.cancelPending()
	c.gen++
	gen := c.gen
	t := c.timers.AfterFunc(d, func() {
		select {
		case c.fires <- timerFired{kind: kind, gen: gen}:
		case <-c.done:
		}
	})
	c.pending = &pendingTimer{kind: kind, gen: gen, timer: t}
	c.logger.Debug("Timer armed", "timer", kind, "after", d)
}

// cancelPending bumps the generation so an in-flight fire is discarded even
// if Stop was too late to prevent it.
func (c *Controller) cancelPending() {
	if c.pending == nil {
		return
	}
	c.pending.timer.Stop()
	c.logger.Debug("Timer cancelled", "timer", c.pending.kind)
	c.pending = nil
	c.gen++
}

func (c *Controller) terminate(reason EndReason) {
	if c.State() == domain.StateTerminated {
		return
	}
	c.cancelPending()
	c.transition(domain.StateTerminated)
	end := SessionEnd{Reason: reason, At: time.Now(), Participants: c.Count()}
	c.logger.Info("Session ended", "reason", reason)
	c.ended <- end
}

func (c *Controller) transition(to domain.State) {
	from := c.State()
	c.state.Store(int32(to))
	if c.observer != nil {
		c.observer(from, to)
	}
}
