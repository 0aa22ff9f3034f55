// Package session runs one voice session inside a worker: it reads the room
// event feed, drives the lifecycle controller and the turn aggregator, and
// persists the transcript on the way out.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ashureev/mds-moderator/internal/aggregator"
	"github.com/ashureev/mds-moderator/internal/domain"
	"github.com/ashureev/mds-moderator/internal/events"
	"github.com/ashureev/mds-moderator/internal/lifecycle"
)

// Feed yields room events. Next returns io.EOF when the room closes.
type Feed interface {
	Next(ctx context.Context) (events.Event, error)
	Close() error
}

// Speaker sends text to the voice pipeline for speech synthesis.
type Speaker interface {
	Say(ctx context.Context, text string) error
}

// Sink persists the conversation log incrementally.
type Sink interface {
	aggregator.Flusher
	Close() error
}

// Config holds runner settings.
type Config struct {
	BotName        string
	GreetingFormat string
	FarewellFormat string
	// SayTimeout bounds each speech request.
	SayTimeout time.Duration
	// FinalFlushTimeout bounds the flush performed at session end.
	FinalFlushTimeout time.Duration
}

func (c *Config) defaults() {
	if c.BotName == "" {
		c.BotName = "Chatbot"
	}
	if c.GreetingFormat == "" {
		c.GreetingFormat = "Hallo %s!"
	}
	if c.FarewellFormat == "" {
		c.FarewellFormat = "Auf wiedersehen %s!"
	}
	if c.SayTimeout <= 0 {
		c.SayTimeout = 5 * time.Second
	}
	if c.FinalFlushTimeout <= 0 {
		c.FinalFlushTimeout = 30 * time.Second
	}
}

// Runner wires one session's pipeline together.
type Runner struct {
	cfg        Config
	sc         domain.SessionContext
	log        *domain.ConversationLog
	controller *lifecycle.Controller
	agg        *aggregator.Aggregator
	sink       Sink
	feed       Feed
	speaker    Speaker
	logger     *slog.Logger
}

// NewRunner creates a runner. speaker may be nil.
func NewRunner(cfg Config, sc domain.SessionContext, controller *lifecycle.Controller, sink Sink, feed Feed, speaker Speaker, logger *slog.Logger) *Runner {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sc.ID)
	log := domain.NewConversationLog()
	return &Runner{
		cfg:        cfg,
		sc:         sc,
		log:        log,
		controller: controller,
		agg:        aggregator.New(aggregator.Config{AssistantName: cfg.BotName}, log, sink, logger),
		sink:       sink,
		feed:       feed,
		speaker:    speaker,
		logger:     logger,
	}
}

// Log returns the session's conversation log.
func (r *Runner) Log() *domain.ConversationLog {
	return r.log
}

// Run processes the feed until the session ends, then flushes the
// transcript once more and releases the sink and feed.
func (r *Runner) Run(ctx context.Context) (lifecycle.SessionEnd, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := r.controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("Lifecycle controller stopped", "error", err)
		}
	}()

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	evCh := make(chan events.Event)
	errCh := make(chan error, 1)
	go r.read(readCtx, evCh, errCh)

	r.logger.Info("Session started", "started_at", r.sc.StartedAt)

	for {
		select {
		case end := <-r.controller.Ended():
			stopReading()
			return end, r.shutdown()
		case ev := <-evCh:
			if err := ev.Accept(&dispatcher{ctx: ctx, r: r}); err != nil {
				if errors.Is(err, lifecycle.ErrTerminated) {
					continue
				}
				r.logger.Warn("Event handling failed", "event", ev.Kind(), "error", err)
			}
		case err := <-errCh:
			errCh = nil
			if errors.Is(err, io.EOF) {
				r.logger.Info("Event feed closed")
			} else {
				r.logger.Error("Event feed failed", "error", err)
			}
			if err := r.controller.Terminate(ctx, lifecycle.ReasonTerminated); err != nil {
				r.logger.Warn("Terminate after feed loss failed", "error", err)
			}
		}
	}
}

func (r *Runner) read(ctx context.Context, evCh chan<- events.Event, errCh chan<- error) {
	for {
		ev, err := r.feed.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				errCh <- err
			}
			return
		}
		select {
		case evCh <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FinalFlushTimeout)
	defer cancel()

	r.agg.Finish()

	var errs []error
	if n, err := r.sink.FlushNew(ctx, r.log); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	} else {
		r.logger.Info("Transcript flushed", "written", n, "entries", r.log.Len())
	}
	if err := r.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	if err := r.feed.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close feed: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Runner) apply(ctx context.Context, effects []lifecycle.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case lifecycle.RegisterIdentity:
			r.agg.AddMapping(e.ID, e.Name)
		case lifecycle.Greet:
			text := fmt.Sprintf(r.cfg.GreetingFormat, e.Name)
			r.agg.RecordAssistant(ctx, text)
			r.say(ctx, text)
		case lifecycle.Farewell:
			r.say(ctx, fmt.Sprintf(r.cfg.FarewellFormat, e.Name))
		}
	}
}

func (r *Runner) say(ctx context.Context, text string) {
	if r.speaker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SayTimeout)
	defer cancel()
	if err := r.speaker.Say(ctx, text); err != nil {
		r.logger.Warn("Speech request failed", "error", err)
	}
}

// dispatcher routes each event kind to its stage.
type dispatcher struct {
	ctx context.Context
	r   *Runner
}

func (d *dispatcher) ParticipantJoined(ev events.ParticipantJoined) error {
	return d.participant(ev)
}

func (d *dispatcher) ParticipantLeft(ev events.ParticipantLeft) error {
	return d.participant(ev)
}

func (d *dispatcher) SpeechStarted(ev events.SpeechStarted) error {
	d.r.agg.Handle(d.ctx, ev)
	return nil
}

func (d *dispatcher) SpeechStopped(ev events.SpeechStopped) error {
	d.r.agg.Handle(d.ctx, ev)
	return nil
}

func (d *dispatcher) TranscriptFragment(ev events.TranscriptFragment) error {
	d.r.agg.Handle(d.ctx, ev)
	return nil
}

func (d *dispatcher) participant(ev events.Event) error {
	effects, err := d.r.controller.Handle(d.ctx, ev)
	if err != nil {
		return err
	}
	d.r.apply(d.ctx, effects)
	return nil
}
