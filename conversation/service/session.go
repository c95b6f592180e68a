package service

import (
	"context"
	"sync"
	"time"

	"ai-group-chat-demo/engine/conversation/reconcile"
	"ai-group-chat-demo/engine/conversation/repository"
	"ai-group-chat-demo/engine/conversation/scheduler"
	"ai-group-chat-demo/engine/conversation/sequencer"
	"ai-group-chat-demo/engine/conversation/store"
	"ai-group-chat-demo/engine/conversation/typing"
	"ai-group-chat-demo/engine/internal/models"
	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/resilience"
)

// Notification is a user-facing toast: capacity-mode transitions and
// delivery failures.
type Notification struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// SessionService is the engine's public surface: it ties the store,
// sequencer, scheduler, breaker and reconciler into one conversation session.
type SessionService struct {
	Store   *store.Store
	Sim     *typing.Simulator
	Runner  *sequencer.Runner
	Sched   *scheduler.Scheduler
	Rec     *reconcile.Reconciler
	Breaker *resilience.CapacityBreaker

	history    repository.HistoryStore
	log        *logger.Logger
	greetMax   int
	notifyFn   func(Notification)
	notifyOnce sync.Mutex

	mu        sync.Mutex
	persisted map[string]bool
	cancel    context.CancelFunc
}

// NewSessionService assembles a session from already-constructed components
func NewSessionService(st *store.Store, sim *typing.Simulator, runner *sequencer.Runner, sched *scheduler.Scheduler, rec *reconcile.Reconciler, breaker *resilience.CapacityBreaker, history repository.HistoryStore, greetMax int, log *logger.Logger) *SessionService {
	return &SessionService{
		Store:     st,
		Sim:       sim,
		Runner:    runner,
		Sched:     sched,
		Rec:       rec,
		Breaker:   breaker,
		history:   history,
		log:       log,
		greetMax:  greetMax,
		persisted: make(map[string]bool),
	}
}

// OnNotification registers the toast callback
func (s *SessionService) OnNotification(fn func(Notification)) {
	s.notifyOnce.Lock()
	s.notifyFn = fn
	s.notifyOnce.Unlock()
}

// Notify emits a toast to the registered callback
func (s *SessionService) Notify(kind, text string) {
	s.notifyOnce.Lock()
	fn := s.notifyFn
	s.notifyOnce.Unlock()
	if fn != nil {
		fn(Notification{Kind: kind, Text: text})
	}
}

// Start boots the session: scheduler and reconciler loops, the history
// persister, then the greeting cascade or resume-after-absence check.
func (s *SessionService) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.Sched.Run(ctx)
	go s.Rec.Run(ctx)
	s.startPersister(ctx)

	// Give the bootstrap reconcile pass a moment to land before deciding
	// between a fresh-session greeting and a stale-session resume.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		if s.Store.Len() == 0 {
			s.Sched.StageGreeting(ctx, s.greetMax)
		} else {
			s.Sched.CheckResumeAfterAbsence(ctx)
		}
	}()
}

// SendMessage enqueues a user message and dispatches (or queues) a user turn
func (s *SessionService) SendMessage(ctx context.Context, content string) models.Message {
	msg := s.Runner.Submit(ctx, content)
	s.Sched.OnUserMessage(msg.ID)
	return msg
}

// RetryMessage re-enters the send path for a failed user message
func (s *SessionService) RetryMessage(ctx context.Context, messageID string) bool {
	ok := s.Runner.Retry(ctx, messageID)
	if ok {
		s.Sched.OnUserMessage(messageID)
	}
	return ok
}

// SetLowCostMode toggles manual cost-reduced mode
func (s *SessionService) SetLowCostMode(enabled bool) {
	s.Breaker.SetManual(enabled)
}

// LoadOlderMessages pages backward through persisted history
func (s *SessionService) LoadOlderMessages(ctx context.Context) (bool, error) {
	return s.Rec.LoadOlder(ctx)
}

// Focus signals visibility regain; the reconciler runs immediately
func (s *SessionService) Focus() {
	s.Rec.Kick()
}

// ClearTimeline wipes local and persisted history
func (s *SessionService) ClearTimeline(ctx context.Context) error {
	s.Runner.Interrupt()
	s.Store.Clear()
	s.Sim.Reset()
	s.mu.Lock()
	s.persisted = make(map[string]bool)
	s.mu.Unlock()
	if s.history == nil {
		return nil
	}
	return s.history.DeleteAll(ctx)
}

// Close tears the session down
func (s *SessionService) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// startPersister forwards newly committed messages to the history store.
// User messages are persisted once delivered; character messages right away;
// synthetic system notices never.
func (s *SessionService) startPersister(ctx context.Context) {
	if s.history == nil {
		return
	}

	wake := make(chan struct{}, 1)
	s.Store.Subscribe(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				s.persistNew(ctx)
			}
		}
	}()
}

func (s *SessionService) persistNew(ctx context.Context) {
	snapshot := s.Store.Snapshot()

	var batch []models.Message
	s.mu.Lock()
	for _, m := range snapshot {
		if s.persisted[m.ID] || m.Speaker == models.SystemSpeaker {
			continue
		}
		if m.IsUser() && m.DeliveryStatus != models.DeliverySent {
			continue
		}
		s.persisted[m.ID] = true
		batch = append(batch, m)
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.history.Insert(ctx, batch); err != nil {
		s.log.Warn("history insert failed", "count", len(batch), "error", err.Error())
		s.mu.Lock()
		for _, m := range batch {
			delete(s.persisted, m.ID)
		}
		s.mu.Unlock()
	}
}
