package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-group-chat-demo/engine/conversation/repository"
	"ai-group-chat-demo/engine/conversation/store"
	"ai-group-chat-demo/engine/internal/models"
	"ai-group-chat-demo/engine/pkg/logger"
)

// fakeHistory serves canned pages keyed on the cursor state
type fakeHistory struct {
	mu      sync.Mutex
	latest  repository.Page
	older   repository.Page
	err     error
	fetches int
}

func (f *fakeHistory) FetchPage(_ context.Context, before *repository.Cursor, _ int) (repository.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return repository.Page{}, f.err
	}
	if before != nil {
		return f.older, nil
	}
	return f.latest, nil
}

func (f *fakeHistory) Insert(context.Context, []models.Message) error { return nil }
func (f *fakeHistory) DeleteAll(context.Context) error                { return nil }

func (f *fakeHistory) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func reconcilerFixture(history repository.HistoryStore) (*Reconciler, *store.Store) {
	st := store.New()
	rec := New(history, st, nil, nil, DefaultConfig(), logger.NewNop())
	return rec, st
}

func TestReconcileReplacesDivergedStore(t *testing.T) {
	serverMsg := models.Message{ID: "srv-1", Speaker: "nova", Content: "from history", CreatedAt: time.Now()}
	rec, st := reconcilerFixture(&fakeHistory{latest: repository.Page{Items: []models.Message{serverMsg}}})

	rec.Reconcile(context.Background())

	snap := st.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "srv-1", snap[0].ID)
}

func TestReconcileAdoptsServerIDs(t *testing.T) {
	now := time.Now()
	serverMsg := models.Message{ID: "srv-1", Speaker: models.UserSpeaker, Content: "hello", CreatedAt: now}
	rec, st := reconcilerFixture(&fakeHistory{latest: repository.Page{Items: []models.Message{serverMsg}}})

	optimistic := models.Message{
		ID:             "local-abc",
		Speaker:        models.UserSpeaker,
		Content:        "hello",
		CreatedAt:      now,
		DeliveryStatus: models.DeliverySending,
	}
	st.Append(optimistic)

	rec.Reconcile(context.Background())

	snap := st.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "srv-1", snap[0].ID)
	assert.Equal(t, models.DeliverySending, snap[0].DeliveryStatus)
}

func TestReconcileSkipsOnFetchError(t *testing.T) {
	rec, st := reconcilerFixture(&fakeHistory{err: errors.New("db down")})
	st.Append(models.Message{ID: "local-1", Speaker: models.UserSpeaker, Content: "kept", CreatedAt: time.Now()})

	rec.Reconcile(context.Background())

	assert.Equal(t, 1, st.Len())
}

func TestReconcileNilHistoryIsNoop(t *testing.T) {
	rec, st := reconcilerFixture(nil)
	st.Append(models.Message{ID: "local-1", Speaker: models.UserSpeaker, Content: "kept", CreatedAt: time.Now()})

	rec.Reconcile(context.Background())
	assert.Equal(t, 1, st.Len())
}

func TestLoadOlderPrependsWithoutDuplicates(t *testing.T) {
	now := time.Now()
	history := &fakeHistory{
		older: repository.Page{
			Items: []models.Message{
				{ID: "srv-1", Speaker: "nova", Content: "ancient", CreatedAt: now.Add(-time.Hour)},
				{ID: "srv-2", Speaker: "nova", Content: "old", CreatedAt: now.Add(-30 * time.Minute)},
			},
			HasMore: true,
		},
	}
	rec, st := reconcilerFixture(history)
	st.Append(models.Message{ID: "srv-2", Speaker: "nova", Content: "old", CreatedAt: now.Add(-30 * time.Minute)})
	st.Append(models.Message{ID: "srv-3", Speaker: "nova", Content: "recent", CreatedAt: now})

	hasMore, err := rec.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, hasMore)

	snap := st.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "srv-1", snap[0].ID)
	assert.Equal(t, "srv-2", snap[1].ID)
	assert.Equal(t, "srv-3", snap[2].ID)
}

func TestKickCoalesces(t *testing.T) {
	rec, _ := reconcilerFixture(&fakeHistory{})
	// repeated kicks while nothing is draining must not block
	for i := 0; i < 5; i++ {
		rec.Kick()
	}
}

func TestKickDefersWhileTurnInFlight(t *testing.T) {
	history := &fakeHistory{}
	cfg := DefaultConfig()
	cfg.Interval = time.Hour

	var mu sync.Mutex
	inFlight := true
	busy := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight
	}

	rec := New(history, store.New(), busy, nil, cfg, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	require.Eventually(t, func() bool {
		return history.fetchCount() == 1 // bootstrap pass
	}, time.Second, time.Millisecond)

	// a client focusing mid-playback must not trigger a pass
	rec.Kick()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, history.fetchCount())

	mu.Lock()
	inFlight = false
	mu.Unlock()

	rec.Kick()
	require.Eventually(t, func() bool {
		return history.fetchCount() == 2
	}, time.Second, time.Millisecond)
}

func TestRunHonorsKick(t *testing.T) {
	history := &fakeHistory{}
	cfg := DefaultConfig()
	cfg.Interval = time.Hour // ticker stays silent during the test
	st := store.New()
	rec := New(history, st, nil, nil, cfg, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	require.Eventually(t, func() bool {
		return history.fetchCount() == 1 // bootstrap pass
	}, time.Second, time.Millisecond)

	rec.Kick()
	require.Eventually(t, func() bool {
		return history.fetchCount() == 2
	}, time.Second, time.Millisecond)
}
