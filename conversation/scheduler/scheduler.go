package scheduler

import (
	"context"
	"sync"
	"time"

	"ai-group-chat-demo/engine/conversation/store"
	"ai-group-chat-demo/engine/conversation/typing"
	"ai-group-chat-demo/engine/internal/models"
	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/resilience"
)

// TurnStarter is the sequencer capability the scheduler drives
type TurnStarter interface {
	StartAutonomous(ctx context.Context, trigger models.TurnTrigger, sourceID string, silentTurns, burstCount int) bool
	Busy() bool
}

// Presence abstracts tab visibility and connectivity. Autonomous turns are
// only scheduled while the conversation is foregrounded and online.
type Presence interface {
	Visible() bool
	Online() bool
}

type alwaysPresent struct{}

func (alwaysPresent) Visible() bool { return true }
func (alwaysPresent) Online() bool  { return true }

// AlwaysPresent returns a Presence that is permanently visible and online
func AlwaysPresent() Presence { return alwaysPresent{} }

// Config configures the continuation scheduler
type Config struct {
	// Mode is the conversation mode; focused and entourage modes allow only
	// a single chained turn per user message
	Mode string
	// BurstLimit caps chained autonomous turns per user message;
	// BurstLimitFocused applies under focused/entourage modes
	BurstLimit        int
	BurstLimitFocused int
	// SilentTurnCeiling is the hard cap on consecutive autonomous turns
	SilentTurnCeiling int
	// ChainPacing is the short delay before a chained turn fires
	ChainPacing time.Duration
	// IdleDelay is the base delay before an idle autonomous turn;
	// IdleDelayStep is added per prior idle attempt
	IdleDelay     time.Duration
	IdleDelayStep time.Duration
	// ResumeThreshold is how stale the timeline must be before the
	// resume-after-absence check considers firing
	ResumeThreshold time.Duration
	// ResumeDelay is the short delay before the resume turn fires
	ResumeDelay time.Duration
}

// DefaultConfig returns a default scheduler configuration
func DefaultConfig() Config {
	return Config{
		BurstLimit:        2,
		BurstLimitFocused: 1,
		SilentTurnCeiling: 10,
		ChainPacing:       time.Second,
		IdleDelay:         15 * time.Second,
		IdleDelayStep:     8 * time.Second,
		ResumeThreshold:   3 * time.Minute,
		ResumeDelay:       2 * time.Second,
	}
}

// Scheduler decides what happens after each turn: chain another autonomous
// turn, schedule a delayed idle turn, or stop. It consumes the sequencer's
// completion channel rather than holding a back-reference into it.
type Scheduler struct {
	starter     TurnStarter
	breaker     *resilience.CapacityBreaker
	store       *store.Store
	sim         *typing.Simulator
	matcher     IntentMatcher
	presence    Presence
	completions <-chan models.TurnResult
	log         *logger.Logger
	cfg         Config

	mu            sync.Mutex
	currentSource string
	burstCount    int
	silentTurns   int
	openFloorUsed bool
	idleUsed      bool
	idleAttempts  int
	idleTimer     *time.Timer
	resumeTimer   *time.Timer
	resumeChecked bool
}

// New creates a continuation scheduler
func New(starter TurnStarter, breaker *resilience.CapacityBreaker, st *store.Store, sim *typing.Simulator, completions <-chan models.TurnResult, matcher IntentMatcher, presence Presence, cfg Config, log *logger.Logger) *Scheduler {
	if matcher == nil {
		matcher = NewRegexIntentMatcher()
	}
	if presence == nil {
		presence = alwaysPresent{}
	}
	if cfg.BurstLimit <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		starter:     starter,
		breaker:     breaker,
		store:       st,
		sim:         sim,
		matcher:     matcher,
		presence:    presence,
		completions: completions,
		log:         log,
		cfg:         cfg,
	}
}

// Run consumes turn completions until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.cancelTimers()
			return
		case res := <-s.completions:
			s.onTurnComplete(ctx, res)
		}
	}
}

// OnUserMessage resets the per-round counters and cancels any pending
// autonomous timers. Must be called for every enqueued user message.
func (s *Scheduler) OnUserMessage(sourceID string) {
	s.mu.Lock()
	s.currentSource = sourceID
	s.burstCount = 0
	s.silentTurns = 0
	s.openFloorUsed = false
	s.idleUsed = false
	s.idleAttempts = 0
	s.stopTimerLocked(&s.idleTimer)
	s.stopTimerLocked(&s.resumeTimer)
	s.mu.Unlock()
}

func (s *Scheduler) burstLimit() int {
	switch s.cfg.Mode {
	case "focused", "entourage":
		return s.cfg.BurstLimitFocused
	default:
		return s.cfg.BurstLimit
	}
}

func (s *Scheduler) onTurnComplete(ctx context.Context, res models.TurnResult) {
	if res.Err != nil || res.Interrupted {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if res.Trigger.IsAutonomous() {
		s.silentTurns++
	}

	// Hard ceilings apply regardless of anything else.
	if s.silentTurns >= s.cfg.SilentTurnCeiling {
		s.log.Info("silent-turn ceiling reached, stopping autonomous chain")
		return
	}

	reduced := s.breaker.Reduced()
	limit := s.burstLimit()

	canChain := res.ShouldContinue &&
		!reduced &&
		s.breaker.BackoffElapsed() &&
		res.Trigger != models.TriggerAutonomousIdle &&
		s.burstCount < limit

	if canChain {
		s.burstCount++
		s.chainLocked(ctx, res.SourceUserID, s.cfg.ChainPacing)
		return
	}

	// Open-floor resumption: one extra turn when the user explicitly handed
	// the floor over, even if the service said stop.
	if !res.Trigger.IsAutonomous() && !reduced && !s.openFloorUsed &&
		s.burstCount == 0 && s.matcher.OpenFloor(res.SourceUserText) {
		s.openFloorUsed = true
		s.burstCount++
		s.chainLocked(ctx, res.SourceUserID, s.cfg.ChainPacing)
		return
	}

	s.scheduleIdleLocked(ctx, res.SourceUserID)
}

// chainLocked fires one autonomous turn after a pacing delay, unless a new
// user message supersedes the source in the meantime.
func (s *Scheduler) chainLocked(ctx context.Context, sourceID string, delay time.Duration) {
	silent := s.silentTurns
	burst := s.burstCount
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		superseded := s.currentSource != "" && s.currentSource != sourceID
		s.mu.Unlock()
		if superseded || ctx.Err() != nil {
			return
		}
		if !s.starter.StartAutonomous(ctx, models.TriggerAutonomous, sourceID, silent, burst) {
			s.log.Debug("chained turn skipped, sequencer busy")
		}
	})
}

// scheduleIdleLocked arms at most one delayed idle turn per user message,
// growing the delay with each prior idle attempt this session. idleUsed is
// reset on every user message; only the current source can schedule, so one
// flag covers the whole session.
func (s *Scheduler) scheduleIdleLocked(ctx context.Context, sourceID string) {
	if sourceID == "" || s.breaker.Reduced() || s.idleUsed {
		return
	}
	if !s.presence.Visible() || !s.presence.Online() {
		return
	}

	s.idleUsed = true
	delay := s.cfg.IdleDelay + time.Duration(s.idleAttempts)*s.cfg.IdleDelayStep
	s.idleAttempts++
	silent := s.silentTurns

	s.stopTimerLocked(&s.idleTimer)
	s.idleTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		superseded := s.currentSource != "" && s.currentSource != sourceID
		s.mu.Unlock()
		if superseded || ctx.Err() != nil {
			return
		}
		if s.starter.Busy() || s.breaker.Reduced() {
			return
		}
		if !s.presence.Visible() || !s.presence.Online() {
			return
		}
		s.starter.StartAutonomous(ctx, models.TriggerAutonomousIdle, sourceID, silent, 0)
	})
}

// CheckResumeAfterAbsence fires one autonomous turn on session load when the
// timeline went stale mid open-floor. Runs at most once per session.
func (s *Scheduler) CheckResumeAfterAbsence(ctx context.Context) {
	s.mu.Lock()
	if s.resumeChecked {
		s.mu.Unlock()
		return
	}
	s.resumeChecked = true
	s.mu.Unlock()

	last, ok := s.store.Last()
	if !ok || time.Since(last.CreatedAt) < s.cfg.ResumeThreshold {
		return
	}
	lastUser, ok := s.store.LastUser()
	if !ok || !s.matcher.OpenFloor(lastUser.Content) {
		return
	}

	s.mu.Lock()
	s.stopTimerLocked(&s.resumeTimer)
	s.resumeTimer = time.AfterFunc(s.cfg.ResumeDelay, func() {
		s.mu.Lock()
		superseded := s.currentSource != "" && s.currentSource != lastUser.ID
		s.mu.Unlock()
		if superseded || ctx.Err() != nil || s.starter.Busy() {
			return
		}
		s.starter.StartAutonomous(ctx, models.TriggerAutonomous, lastUser.ID, 0, 0)
	})
	s.mu.Unlock()
}

func (s *Scheduler) cancelTimers() {
	s.mu.Lock()
	s.stopTimerLocked(&s.idleTimer)
	s.stopTimerLocked(&s.resumeTimer)
	s.mu.Unlock()
}

func (s *Scheduler) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
