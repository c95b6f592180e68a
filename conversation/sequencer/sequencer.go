package sequencer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ai-group-chat-demo/engine/ai"
	"ai-group-chat-demo/engine/conversation/store"
	"ai-group-chat-demo/engine/conversation/typing"
	"ai-group-chat-demo/engine/internal/models"
	apperrors "ai-group-chat-demo/engine/pkg/errors"
	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/metrics"
	"ai-group-chat-demo/engine/pkg/resilience"
)

// Generator is the request/response boundary to the generation service
type Generator interface {
	Generate(ctx context.Context, req ai.TurnRequest) (*ai.TurnResponse, error)
}

// RunnerConfig configures the turn runner
type RunnerConfig struct {
	// HistoryWindow is how many recent messages go into a normal request;
	// HistoryWindowReduced applies under cost-reduced mode
	HistoryWindow        int
	HistoryWindowReduced int
	// Mode is the conversation mode flag forwarded upstream
	Mode string
	// Notify receives user-facing delivery notices (toast callback)
	Notify func(kind, text string)
}

// DefaultRunnerConfig returns a default runner configuration
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		HistoryWindow:        16,
		HistoryWindowReduced: 10,
	}
}

// turn is one queued request/playback cycle
type turn struct {
	trigger     models.TurnTrigger
	sourceID    string
	sourceText  string
	silentTurns int
	burstCount  int
}

// Runner owns the at-most-one-turn-in-flight invariant. A user message that
// arrives while a run is active is recorded as pending and bumps the
// interruption epoch; the active run aborts between events and hands control
// to the queued user turn in its completion phase.
//
// Interruption uses a monotonically increasing epoch rather than a shared
// boolean: each async step captures the epoch at start and re-checks it after
// every wait before committing.
type Runner struct {
	store   *store.Store
	sim     *typing.Simulator
	gen     Generator
	breaker *resilience.CapacityBreaker
	log     *logger.Logger
	cfg     RunnerConfig

	mu      sync.Mutex
	running bool
	pending *turn
	epoch   atomic.Int64

	completions chan models.TurnResult
}

// NewRunner creates a new turn runner
func NewRunner(st *store.Store, sim *typing.Simulator, gen Generator, breaker *resilience.CapacityBreaker, cfg RunnerConfig, log *logger.Logger) *Runner {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 16
	}
	if cfg.HistoryWindowReduced <= 0 {
		cfg.HistoryWindowReduced = 10
	}
	return &Runner{
		store:       st,
		sim:         sim,
		gen:         gen,
		breaker:     breaker,
		log:         log,
		cfg:         cfg,
		completions: make(chan models.TurnResult, 16),
	}
}

// Completions exposes finished turn results for the continuation scheduler
func (r *Runner) Completions() <-chan models.TurnResult {
	return r.completions
}

// Busy reports whether a sequencer run is active
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Submit appends an optimistic user message and dispatches a user turn.
// If a run is active the message is queued as pending and the active run is
// interrupted at its next suspension point.
func (r *Runner) Submit(ctx context.Context, content string) models.Message {
	msg := models.Message{
		ID:             "local-" + uuid.NewString(),
		Speaker:        models.UserSpeaker,
		Content:        content,
		CreatedAt:      time.Now(),
		DeliveryStatus: models.DeliverySending,
	}
	r.store.Append(msg)
	r.dispatchUser(ctx, msg.ID, content)
	return msg
}

// Retry re-enters the send path for a failed user message without
// duplicating it.
func (r *Runner) Retry(ctx context.Context, messageID string) bool {
	msg, ok := r.store.Get(messageID)
	if !ok || !msg.IsUser() {
		return false
	}
	r.store.UpdateDelivery(messageID, models.DeliverySending, "")
	r.dispatchUser(ctx, messageID, msg.Content)
	return true
}

func (r *Runner) dispatchUser(ctx context.Context, sourceID, sourceText string) {
	t := &turn{trigger: models.TriggerUser, sourceID: sourceID, sourceText: sourceText}

	r.mu.Lock()
	if r.running {
		// Hand-off: the active run aborts at its next check and dispatches
		// this turn from its completion phase.
		r.pending = t
		r.epoch.Add(1)
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.runTurn(ctx, *t)
}

// StartAutonomous begins an autonomous or idle turn if no run is active.
// Autonomous turns never queue; they are simply skipped when busy.
func (r *Runner) StartAutonomous(ctx context.Context, trigger models.TurnTrigger, sourceID string, silentTurns, burstCount int) bool {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return false
	}
	r.running = true
	r.mu.Unlock()

	sourceText := ""
	if msg, ok := r.store.Get(sourceID); ok {
		sourceText = msg.Content
	}
	go r.runTurn(ctx, turn{
		trigger:     trigger,
		sourceID:    sourceID,
		sourceText:  sourceText,
		silentTurns: silentTurns,
		burstCount:  burstCount,
	})
	return true
}

// Interrupt aborts the active run (if any) at its next suspension point
// without queueing a follow-up turn.
func (r *Runner) Interrupt() {
	r.epoch.Add(1)
}

func (r *Runner) runTurn(ctx context.Context, t turn) {
	myEpoch := r.epoch.Load()
	userInitiated := t.trigger == models.TriggerUser

	tracer := otel.Tracer("engine/sequencer")
	ctx, span := tracer.Start(ctx, "turn")
	span.SetAttributes(attribute.String("trigger", string(t.trigger)))
	defer span.End()

	resp, err := r.gen.Generate(ctx, r.buildRequest(t))
	if err != nil {
		r.handleTurnError(t, err)
		r.finish(ctx, models.TurnResult{
			Trigger:        t.trigger,
			SourceUserID:   t.sourceID,
			SourceUserText: t.sourceText,
			Err:            err,
		})
		return
	}

	interrupted := !r.play(ctx, myEpoch, resp.Events)

	if userInitiated && t.sourceID != "" {
		r.store.UpdateDelivery(t.sourceID, models.DeliverySent, "")
	}
	r.breaker.RecordSuccess(userInitiated)
	metrics.TurnsTotal.WithLabelValues(string(t.trigger), outcome(interrupted)).Inc()

	r.finish(ctx, models.TurnResult{
		Trigger:        t.trigger,
		SourceUserID:   t.sourceID,
		SourceUserText: t.sourceText,
		ShouldContinue: resp.ShouldContinue,
		Interrupted:    interrupted,
	})
}

// play applies events strictly in list order. It returns false if the run
// was interrupted; no partial event is half-committed.
func (r *Runner) play(ctx context.Context, epoch int64, events []models.ChatEvent) bool {
	for _, ev := range events {
		if !r.alive(ctx, epoch) {
			return false
		}
		if !r.wait(ctx, epoch, time.Duration(ev.DelayMs)*time.Millisecond) {
			return false
		}

		switch ev.Kind {
		case models.EventMessage:
			speed := 1.0
			if ch, ok := r.store.Character(ev.Character); ok && ch.TypingSpeed > 0 {
				speed = ch.TypingSpeed
			}
			r.sim.SetTyping(ev.Character, true)
			if !r.wait(ctx, epoch, r.sim.TypingDuration(ev.Content, speed)) {
				r.sim.SetTyping(ev.Character, false)
				return false
			}
			r.store.Append(models.Message{
				ID:        "msg-" + uuid.NewString(),
				Speaker:   ev.Character,
				Content:   ev.Content,
				CreatedAt: time.Now(),
				ReplyToID: ev.TargetID,
			})
			r.sim.SetTyping(ev.Character, false)

		case models.EventReaction:
			r.store.Append(models.Message{
				ID:        "msg-" + uuid.NewString(),
				Speaker:   ev.Character,
				Reaction:  ev.Content,
				CreatedAt: time.Now(),
				ReplyToID: ev.TargetID,
			})

		case models.EventStatusUpdate:
			r.sim.SetStatus(ev.Character, ev.Content)

		case models.EventNicknameUpdate:
			r.store.SetNickname(ev.Content)

		case models.EventTypingGhost:
			r.sim.SetTyping(ev.Character, true)
			if !r.wait(ctx, epoch, r.sim.GhostDuration()) {
				r.sim.SetTyping(ev.Character, false)
				return false
			}
			r.sim.SetTyping(ev.Character, false)
		}

		metrics.EventsPlayedTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	return true
}

// handleTurnError applies the error taxonomy: capacity signals feed the
// breaker, transport and upstream failures mark the source message failed and
// surface a system notice, validation failures surface a notice only.
func (r *Runner) handleTurnError(t turn, err error) {
	userInitiated := t.trigger == models.TriggerUser
	kind := apperrors.KindOf(err)
	metrics.TurnsTotal.WithLabelValues(string(t.trigger), "error").Inc()

	switch kind {
	case apperrors.KindCapacity:
		r.breaker.RecordFailure(userInitiated, apperrors.RetryAfterOf(err))
		if userInitiated && t.sourceID != "" {
			r.store.UpdateDelivery(t.sourceID, models.DeliveryFailed, "capacity")
		}

	case apperrors.KindValidation:
		r.appendSystemNotice("The conversation service returned something unreadable. Give it another try.")

	default:
		if userInitiated && t.sourceID != "" {
			r.store.UpdateDelivery(t.sourceID, models.DeliveryFailed, err.Error())
			if r.cfg.Notify != nil {
				r.cfg.Notify("delivery_failed", "Your message could not be delivered.")
			}
		}
		r.appendSystemNotice("The characters are unreachable right now.")
	}

	r.log.LogError(err, "turn failed",
		"trigger", string(t.trigger),
		"kind", string(kind),
	)
}

func (r *Runner) appendSystemNotice(text string) {
	r.store.Append(models.Message{
		ID:        "sys-" + uuid.NewString(),
		Speaker:   models.SystemSpeaker,
		Content:   text,
		CreatedAt: time.Now(),
	})
}

// finish runs the completion phase: clear typing, hand off a pending user
// turn if one queued, otherwise report the result to the scheduler.
func (r *Runner) finish(ctx context.Context, result models.TurnResult) {
	r.sim.ClearTyping()

	r.mu.Lock()
	next := r.pending
	r.pending = nil
	if next == nil {
		r.running = false
	}
	r.mu.Unlock()

	select {
	case r.completions <- result:
	default:
		r.log.Warn("completion channel full, dropping turn result")
	}

	if next != nil {
		go r.runTurn(ctx, *next)
	}
}

// alive checks the interruption epoch and context between committed steps
func (r *Runner) alive(ctx context.Context, epoch int64) bool {
	return ctx.Err() == nil && r.epoch.Load() == epoch
}

// wait pauses for d, honouring cancellation, then re-checks the epoch
func (r *Runner) wait(ctx context.Context, epoch int64, d time.Duration) bool {
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
	return r.alive(ctx, epoch)
}

func outcome(interrupted bool) string {
	if interrupted {
		return "interrupted"
	}
	return "ok"
}
