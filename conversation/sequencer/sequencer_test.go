package sequencer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-group-chat-demo/engine/ai"
	"ai-group-chat-demo/engine/conversation/store"
	"ai-group-chat-demo/engine/conversation/typing"
	"ai-group-chat-demo/engine/internal/models"
	apperrors "ai-group-chat-demo/engine/pkg/errors"
	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/resilience"
)

type genResult struct {
	resp *ai.TurnResponse
	err  error
}

// scriptedGen returns queued results in order; an optional gate blocks each
// call until the test releases it.
type scriptedGen struct {
	mu    sync.Mutex
	reqs  []ai.TurnRequest
	queue []genResult
	gate  chan struct{}
}

func (g *scriptedGen) Generate(ctx context.Context, req ai.TurnRequest) (*ai.TurnResponse, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if len(g.queue) == 0 {
		return &ai.TurnResponse{Events: []models.ChatEvent{}}, nil
	}
	next := g.queue[0]
	g.queue = g.queue[1:]
	return next.resp, next.err
}

func (g *scriptedGen) requests() []ai.TurnRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ai.TurnRequest, len(g.reqs))
	copy(out, g.reqs)
	return out
}

type testFixture struct {
	store   *store.Store
	sim     *typing.Simulator
	breaker *resilience.CapacityBreaker
	runner  *Runner
	notices []string
	mu      sync.Mutex
}

func newFixture(gen Generator) *testFixture {
	f := &testFixture{
		store: store.New(),
		sim: typing.NewSimulator(typing.SimulatorConfig{
			Floor:         time.Millisecond,
			PerRune:       time.Microsecond,
			Ceiling:       2 * time.Millisecond,
			GhostDuration: time.Millisecond,
		}),
	}
	f.store.SetUserName("you")
	f.store.SetRoster([]models.Character{
		{ID: "nova", Name: "Nova", TypingSpeed: 1},
		{ID: "atlas", Name: "Atlas", TypingSpeed: 1},
	})
	f.breaker = resilience.NewCapacityBreaker(resilience.DefaultCapacityBreakerConfig(), logger.NewNop())
	f.runner = NewRunner(f.store, f.sim, gen, f.breaker, RunnerConfig{
		HistoryWindow:        16,
		HistoryWindowReduced: 10,
		Notify: func(kind, text string) {
			f.mu.Lock()
			f.notices = append(f.notices, kind)
			f.mu.Unlock()
		},
	}, logger.NewNop())
	return f
}

func waitResult(t *testing.T, ch <-chan models.TurnResult) models.TurnResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for turn result")
		return models.TurnResult{}
	}
}

func TestRunCommitsEventsInOrder(t *testing.T) {
	gen := &scriptedGen{queue: []genResult{{resp: &ai.TurnResponse{
		Events: []models.ChatEvent{
			{Kind: models.EventMessage, Character: "nova", Content: "hey!"},
			{Kind: models.EventReaction, Character: "atlas", Content: "😂", TargetID: "m0"},
			{Kind: models.EventStatusUpdate, Character: "nova", Content: "making tea"},
			{Kind: models.EventNicknameUpdate, Content: "captain"},
		},
		ShouldContinue: true,
	}}}}
	f := newFixture(gen)

	sent := f.runner.Submit(context.Background(), "hello everyone")
	res := waitResult(t, f.runner.Completions())

	assert.Equal(t, models.TriggerUser, res.Trigger)
	assert.True(t, res.ShouldContinue)
	assert.False(t, res.Interrupted)

	snap := f.store.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, models.UserSpeaker, snap[0].Speaker)
	assert.Equal(t, "hey!", snap[1].Content)
	assert.Equal(t, "😂", snap[2].Reaction)

	got, _ := f.store.Get(sent.ID)
	assert.Equal(t, models.DeliverySent, got.DeliveryStatus)
	assert.Equal(t, "making tea", f.sim.Status("nova"))
	assert.Equal(t, "captain", f.store.Nickname())
	assert.Empty(t, f.sim.TypingIDs())
	assert.False(t, f.runner.Busy())
}

func TestUserMessageInterruptsActiveRun(t *testing.T) {
	gen := &scriptedGen{queue: []genResult{
		{resp: &ai.TurnResponse{Events: []models.ChatEvent{
			{Kind: models.EventMessage, Character: "nova", Content: "part one"},
			{Kind: models.EventMessage, Character: "nova", Content: "part two", DelayMs: 150},
			{Kind: models.EventMessage, Character: "nova", Content: "part three", DelayMs: 150},
		}}},
		{resp: &ai.TurnResponse{Events: []models.ChatEvent{}}},
	}}
	f := newFixture(gen)

	f.runner.Submit(context.Background(), "first")
	require.Eventually(t, func() bool {
		return f.store.Len() == 2 // optimistic user message plus part one
	}, 2*time.Second, time.Millisecond)

	f.runner.Submit(context.Background(), "second")

	first := waitResult(t, f.runner.Completions())
	assert.True(t, first.Interrupted)

	second := waitResult(t, f.runner.Completions())
	assert.False(t, second.Interrupted)

	// parts two and three never committed
	snap := f.store.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "first", snap[0].Content)
	assert.Equal(t, "part one", snap[1].Content)
	assert.Equal(t, "second", snap[2].Content)

	reqs := gen.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, string(models.TriggerUser), reqs[1].SourceKind)
}

func TestStartAutonomousSkippedWhileBusy(t *testing.T) {
	gen := &scriptedGen{gate: make(chan struct{}, 2)}
	f := newFixture(gen)

	f.runner.Submit(context.Background(), "hold the floor")
	require.Eventually(t, f.runner.Busy, 2*time.Second, time.Millisecond)

	assert.False(t, f.runner.StartAutonomous(context.Background(), models.TriggerAutonomous, "", 0, 1))

	gen.gate <- struct{}{}
	waitResult(t, f.runner.Completions())
	require.Eventually(t, func() bool { return !f.runner.Busy() }, 2*time.Second, time.Millisecond)

	gen.gate <- struct{}{}
	assert.True(t, f.runner.StartAutonomous(context.Background(), models.TriggerAutonomous, "", 0, 1))
	waitResult(t, f.runner.Completions())
}

func TestCapacityErrorMarksSourceFailed(t *testing.T) {
	gen := &scriptedGen{queue: []genResult{
		{err: apperrors.NewCapacityError("CAPACITY_429", "throttled", 2*time.Minute)},
	}}
	f := newFixture(gen)

	sent := f.runner.Submit(context.Background(), "hello?")
	res := waitResult(t, f.runner.Completions())
	require.Error(t, res.Err)

	got, _ := f.store.Get(sent.ID)
	assert.Equal(t, models.DeliveryFailed, got.DeliveryStatus)
	assert.Equal(t, "capacity", got.DeliveryError)

	// no system notice for capacity failures; the mode toast covers it
	assert.Equal(t, 1, f.store.Len())
	assert.False(t, f.breaker.BackoffElapsed())
}

func TestValidationErrorSurfacesNoticeOnly(t *testing.T) {
	gen := &scriptedGen{queue: []genResult{
		{err: apperrors.NewValidationError("MISSING_EVENTS", "no events")},
	}}
	f := newFixture(gen)

	f.runner.Submit(context.Background(), "hello?")
	waitResult(t, f.runner.Completions())

	snap := f.store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, models.SystemSpeaker, snap[1].Speaker)
}

func TestNetworkErrorMarksFailedAndNotifies(t *testing.T) {
	gen := &scriptedGen{queue: []genResult{
		{err: apperrors.NewNetworkError("NETWORK_FAILURE", "connection refused")},
	}}
	f := newFixture(gen)

	sent := f.runner.Submit(context.Background(), "hello?")
	waitResult(t, f.runner.Completions())

	got, _ := f.store.Get(sent.ID)
	assert.Equal(t, models.DeliveryFailed, got.DeliveryStatus)

	f.mu.Lock()
	notices := append([]string(nil), f.notices...)
	f.mu.Unlock()
	assert.Contains(t, notices, "delivery_failed")

	snap := f.store.Snapshot()
	assert.Equal(t, models.SystemSpeaker, snap[len(snap)-1].Speaker)
}

func TestRetryReusesFailedMessage(t *testing.T) {
	gen := &scriptedGen{queue: []genResult{
		{err: apperrors.NewNetworkError("NETWORK_FAILURE", "connection refused")},
		{resp: &ai.TurnResponse{Events: []models.ChatEvent{}}},
	}}
	f := newFixture(gen)

	sent := f.runner.Submit(context.Background(), "try me")
	waitResult(t, f.runner.Completions())

	require.True(t, f.runner.Retry(context.Background(), sent.ID))
	waitResult(t, f.runner.Completions())

	got, _ := f.store.Get(sent.ID)
	assert.Equal(t, models.DeliverySent, got.DeliveryStatus)

	// still exactly one user message
	users := 0
	for _, m := range f.store.Snapshot() {
		if m.IsUser() {
			users++
		}
	}
	assert.Equal(t, 1, users)
}

func TestRetryRejectsUnknownAndCharacterMessages(t *testing.T) {
	f := newFixture(&scriptedGen{})
	f.store.Append(models.Message{ID: "c1", Speaker: "nova", Content: "hi", CreatedAt: time.Now()})

	assert.False(t, f.runner.Retry(context.Background(), "missing"))
	assert.False(t, f.runner.Retry(context.Background(), "c1"))
}

func TestBuildRequestFirstMessage(t *testing.T) {
	f := newFixture(&scriptedGen{})
	f.store.Append(models.Message{ID: "u1", Speaker: models.UserSpeaker, Content: "hi", CreatedAt: time.Now()})

	req := f.runner.buildRequest(turn{trigger: models.TriggerUser, sourceID: "u1"})
	assert.True(t, req.IsFirstMessage)
	assert.Equal(t, []string{"nova", "atlas"}, req.RosterIDs)
	assert.Equal(t, "you", req.UserName)
	assert.False(t, req.CostReduced)

	f.store.Append(models.Message{ID: "c1", Speaker: "nova", Content: "hey", CreatedAt: time.Now()})
	req = f.runner.buildRequest(turn{trigger: models.TriggerUser, sourceID: "u2"})
	assert.False(t, req.IsFirstMessage)
}

func TestBuildRequestShrinksWindowWhenReduced(t *testing.T) {
	f := newFixture(&scriptedGen{})
	for i := 0; i < 20; i++ {
		f.store.Append(models.Message{ID: string(rune('a' + i)), Speaker: "nova", Content: "x", CreatedAt: time.Now()})
	}

	req := f.runner.buildRequest(turn{trigger: models.TriggerAutonomous})
	assert.Len(t, req.RecentMessages, 16)

	f.breaker.SetManual(true)
	req = f.runner.buildRequest(turn{trigger: models.TriggerAutonomous})
	assert.Len(t, req.RecentMessages, 10)
	assert.True(t, req.CostReduced)
}
