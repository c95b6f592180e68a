package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-group-chat-demo/engine/ai"
	"ai-group-chat-demo/engine/conversation/reconcile"
	"ai-group-chat-demo/engine/conversation/repository"
	"ai-group-chat-demo/engine/conversation/scheduler"
	"ai-group-chat-demo/engine/conversation/sequencer"
	"ai-group-chat-demo/engine/conversation/store"
	"ai-group-chat-demo/engine/conversation/typing"
	"ai-group-chat-demo/engine/internal/models"
	apperrors "ai-group-chat-demo/engine/pkg/errors"
	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/resilience"
)

// recordingHistory captures inserts and deletions in memory
type recordingHistory struct {
	mu       sync.Mutex
	inserted []models.Message
	cleared  bool
}

func (h *recordingHistory) FetchPage(context.Context, *repository.Cursor, int) (repository.Page, error) {
	return repository.Page{}, nil
}

func (h *recordingHistory) Insert(_ context.Context, msgs []models.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inserted = append(h.inserted, msgs...)
	return nil
}

func (h *recordingHistory) DeleteAll(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared = true
	return nil
}

func (h *recordingHistory) insertedIDs() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]bool, len(h.inserted))
	for _, m := range h.inserted {
		out[m.ID] = true
	}
	return out
}

type stubGen struct {
	err error
}

func (g *stubGen) Generate(context.Context, ai.TurnRequest) (*ai.TurnResponse, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &ai.TurnResponse{Events: []models.ChatEvent{}}, nil
}

func newSession(t *testing.T, gen sequencer.Generator, history repository.HistoryStore) *SessionService {
	t.Helper()
	log := logger.NewNop()
	st := store.New()
	st.SetUserName("you")
	sim := typing.NewSimulator(typing.SimulatorConfig{
		Floor:         time.Millisecond,
		PerRune:       time.Microsecond,
		Ceiling:       2 * time.Millisecond,
		GhostDuration: time.Millisecond,
	})
	breaker := resilience.NewCapacityBreaker(resilience.DefaultCapacityBreakerConfig(), log)
	runner := sequencer.NewRunner(st, sim, gen, breaker, sequencer.DefaultRunnerConfig(), log)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.IdleDelay = time.Hour // keep autonomy out of these tests
	sched := scheduler.New(runner, breaker, st, sim, runner.Completions(), nil, nil, schedCfg, log)

	rec := reconcile.New(history, st, runner.Busy, nil, reconcile.DefaultConfig(), log)
	return NewSessionService(st, sim, runner, sched, rec, breaker, history, 3, log)
}

func TestSendMessagePersistsOnceDelivered(t *testing.T) {
	history := &recordingHistory{}
	svc := newSession(t, &stubGen{}, history)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	sent := svc.SendMessage(ctx, "hello everyone")

	require.Eventually(t, func() bool {
		return history.insertedIDs()[sent.ID]
	}, 2*time.Second, time.Millisecond)

	got, _ := svc.Store.Get(sent.ID)
	assert.Equal(t, models.DeliverySent, got.DeliveryStatus)
}

func TestFailedMessageNotPersisted(t *testing.T) {
	history := &recordingHistory{}
	svc := newSession(t, &stubGen{err: apperrors.NewNetworkError("NETWORK_FAILURE", "down")}, history)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	sent := svc.SendMessage(ctx, "lost message")

	require.Eventually(t, func() bool {
		got, ok := svc.Store.Get(sent.ID)
		return ok && got.DeliveryStatus == models.DeliveryFailed
	}, 2*time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	ids := history.insertedIDs()
	assert.False(t, ids[sent.ID])
	// the synthetic unreachable notice is never persisted either
	for _, m := range svc.Store.Snapshot() {
		if m.Speaker == models.SystemSpeaker {
			assert.False(t, ids[m.ID])
		}
	}
}

func TestClearTimelineWipesEverything(t *testing.T) {
	history := &recordingHistory{}
	svc := newSession(t, &stubGen{}, history)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	sent := svc.SendMessage(ctx, "soon gone")
	require.Eventually(t, func() bool {
		return history.insertedIDs()[sent.ID]
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, svc.ClearTimeline(ctx))
	assert.Equal(t, 0, svc.Store.Len())
	history.mu.Lock()
	cleared := history.cleared
	history.mu.Unlock()
	assert.True(t, cleared)
}

func TestRetryMessageRejectsUnknown(t *testing.T) {
	svc := newSession(t, &stubGen{}, nil)
	assert.False(t, svc.RetryMessage(context.Background(), "missing"))
}

func TestLowCostModeTogglesBreaker(t *testing.T) {
	svc := newSession(t, &stubGen{}, nil)

	svc.SetLowCostMode(true)
	assert.Equal(t, resilience.ModeManualReduced, svc.Breaker.Mode())
	svc.SetLowCostMode(false)
	assert.Equal(t, resilience.ModeNormal, svc.Breaker.Mode())
}

func TestNotifyReachesRegisteredCallback(t *testing.T) {
	svc := newSession(t, &stubGen{}, nil)

	var got []Notification
	var mu sync.Mutex
	svc.OnNotification(func(n Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	svc.Notify("cost_mode", "low-cost mode is on")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "cost_mode", got[0].Kind)
}
