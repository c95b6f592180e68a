package di

import (
	"gorm.io/gorm"

	"ai-group-chat-demo/engine/ai"
	"ai-group-chat-demo/engine/conversation/reconcile"
	"ai-group-chat-demo/engine/conversation/repository"
	"ai-group-chat-demo/engine/conversation/scheduler"
	"ai-group-chat-demo/engine/conversation/sequencer"
	"ai-group-chat-demo/engine/conversation/service"
	"ai-group-chat-demo/engine/conversation/store"
	"ai-group-chat-demo/engine/conversation/typing"
	"ai-group-chat-demo/engine/internal/models"
	"ai-group-chat-demo/engine/pkg/config"
	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/resilience"
)

// Container holds all the dependencies for one conversation session.
// Everything is wired with direct references at construction time; no
// component reaches for globals or patches references after the fact.
type Container struct {
	Logger    *logger.Logger
	Store     *store.Store
	Simulator *typing.Simulator
	Breaker   *resilience.CapacityBreaker
	Client    *ai.Client
	Runner    *sequencer.Runner
	Scheduler *scheduler.Scheduler
	History   repository.HistoryStore
	Rec       *reconcile.Reconciler
	Session   *service.SessionService
}

// Options configures the container
type Options struct {
	SessionID string
	UserName  string
	Roster    []models.Character
	Mode      string
	// Presence gates idle turns and reconciliation; nil means always on
	Presence scheduler.Presence
	// Matcher overrides the open-floor classifier; nil uses the regex set
	Matcher scheduler.IntentMatcher
	// Generator overrides the generation client, mainly for tests
	Generator sequencer.Generator
}

// New creates a fully wired session container. db may be nil, in which case
// history persistence and reconciliation fetches are disabled.
func New(cfg *config.Config, db *gorm.DB, opts Options) (*Container, error) {
	log := logger.New(logger.Config{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.Format == "json",
	})

	st := store.New()
	st.SetUserName(opts.UserName)
	st.SetRoster(opts.Roster)

	sim := typing.NewSimulator(typing.SimulatorConfig{
		Floor:         cfg.Engine.TypingFloor,
		PerRune:       cfg.Engine.TypingPerRune,
		Ceiling:       cfg.Engine.TypingCeiling,
		GhostDuration: cfg.Engine.GhostTypingDuration,
	})

	// The session facade is constructed last but receives notifications from
	// components built before it; the closures below resolve at call time.
	var session *service.SessionService

	breaker := resilience.NewCapacityBreaker(resilience.CapacityBreakerConfig{
		BackoffMin: cfg.Engine.CapacityBackoffMin,
		OnModeChange: func(reduced bool, mode resilience.CostMode) {
			if session == nil {
				return
			}
			if reduced {
				session.Notify("cost_mode", "Low-cost mode is on; the group will quiet down a little.")
			} else {
				session.Notify("cost_mode", "Back to full conversation mode.")
			}
		},
	}, log.WithComponent("breaker"))

	gen := opts.Generator
	var client *ai.Client
	if gen == nil {
		clientCfg := ai.DefaultClientConfig(cfg.Generation.URL)
		clientCfg.RetryBase = cfg.Engine.RetryBase
		clientCfg.RetryStep = cfg.Engine.RetryStep
		clientCfg.RequestsPerSec = cfg.Generation.RequestsPerSec
		clientCfg.Burst = cfg.Generation.Burst
		clientCfg.Sanitize = ai.SanitizeConfig{
			MaxDelayMs:      int(cfg.Engine.MaxEventDelay.Milliseconds()),
			EventContentCap: cfg.Engine.EventContentCap,
			TurnContentCap:  cfg.Engine.TurnContentCap,
		}
		client = ai.NewClient(clientCfg, log.WithComponent("ai"))
		gen = client
	}

	runner := sequencer.NewRunner(st, sim, gen, breaker, sequencer.RunnerConfig{
		HistoryWindow:        cfg.Engine.HistoryWindow,
		HistoryWindowReduced: cfg.Engine.HistoryWindowReduced,
		Mode:                 opts.Mode,
		Notify: func(kind, text string) {
			if session != nil {
				session.Notify(kind, text)
			}
		},
	}, log.WithComponent("sequencer"))

	presence := opts.Presence
	if presence == nil {
		presence = scheduler.AlwaysPresent()
	}

	sched := scheduler.New(runner, breaker, st, sim, runner.Completions(), opts.Matcher, presence, scheduler.Config{
		Mode:              opts.Mode,
		BurstLimit:        cfg.Engine.BurstLimit,
		BurstLimitFocused: cfg.Engine.BurstLimitFocused,
		SilentTurnCeiling: cfg.Engine.SilentTurnCeiling,
		ChainPacing:       cfg.Engine.ChainPacing,
		IdleDelay:         cfg.Engine.IdleDelay,
		IdleDelayStep:     cfg.Engine.IdleDelayStep,
		ResumeThreshold:   cfg.Engine.ResumeThreshold,
		ResumeDelay:       2 * cfg.Engine.ChainPacing,
	}, log.WithComponent("scheduler"))

	var history repository.HistoryStore
	if db != nil {
		if err := repository.Migrate(db); err != nil {
			return nil, err
		}
		history = repository.NewGormHistoryStore(db, opts.SessionID)
	}

	rec := reconcile.New(history, st, runner.Busy, presence, reconcile.Config{
		Interval: cfg.Engine.ReconcileInterval,
		PageSize: cfg.Engine.PageSize,
		Policy: reconcile.MergePolicy{
			OptimisticSurvival: cfg.Engine.OptimisticSurvival,
			TailProximity:      cfg.Engine.TailProximity,
			DupProximity:       cfg.Engine.DupProximity,
		},
	}, log.WithComponent("reconciler"))

	session = service.NewSessionService(st, sim, runner, sched, rec, breaker, history, cfg.Engine.GreetingMax, log.WithComponent("session"))

	return &Container{
		Logger:    log,
		Store:     st,
		Simulator: sim,
		Breaker:   breaker,
		Client:    client,
		Runner:    runner,
		Scheduler: sched,
		History:   history,
		Rec:       rec,
		Session:   session,
	}, nil
}
