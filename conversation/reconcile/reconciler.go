package reconcile

import (
	"context"
	"time"

	"ai-group-chat-demo/engine/conversation/repository"
	"ai-group-chat-demo/engine/conversation/store"
	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/metrics"
)

// Presence abstracts tab visibility and connectivity for the idle gate
type Presence interface {
	Visible() bool
	Online() bool
}

type alwaysPresent struct{}

func (alwaysPresent) Visible() bool { return true }
func (alwaysPresent) Online() bool  { return true }

// Config configures the reconciler
type Config struct {
	// Interval is the periodic reconciliation cadence
	Interval time.Duration
	// PageSize bounds each history fetch
	PageSize int
	// Policy holds the merge windows
	Policy MergePolicy
}

// DefaultConfig returns a default reconciler configuration
func DefaultConfig() Config {
	return Config{
		Interval: 12 * time.Second,
		PageSize: 50,
		Policy:   DefaultMergePolicy(),
	}
}

// Reconciler keeps the in-memory store consistent with persisted history.
// It runs once on bootstrap, then periodically while idle, and on a kick
// (tab focus regained). Kicked passes defer while a turn is in flight, the
// same as periodic ones. Fetch failures are logged and skipped; local state
// stays usable.
type Reconciler struct {
	history  repository.HistoryStore
	store    *store.Store
	busy     func() bool
	presence Presence
	log      *logger.Logger
	cfg      Config
	kick     chan struct{}
}

// New creates a reconciler. busy reports whether a turn is in flight or a
// send is debounced; reconciliation defers while it returns true.
func New(history repository.HistoryStore, st *store.Store, busy func() bool, presence Presence, cfg Config, log *logger.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	if presence == nil {
		presence = alwaysPresent{}
	}
	if busy == nil {
		busy = func() bool { return false }
	}
	return &Reconciler{
		history:  history,
		store:    st,
		busy:     busy,
		presence: presence,
		log:      log,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests an immediate reconciliation pass (e.g. on visibility regain)
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run performs the bootstrap pass then loops until the context is cancelled
func (r *Reconciler) Run(ctx context.Context) {
	r.Reconcile(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.deferred() {
				metrics.ReconcilePassesTotal.WithLabelValues("deferred").Inc()
				continue
			}
			r.Reconcile(ctx)
		case <-r.kick:
			// A kick races the sequencer like any other pass: a Replace built
			// from a stale snapshot would wipe messages committed meanwhile.
			if r.deferred() {
				metrics.ReconcilePassesTotal.WithLabelValues("deferred").Inc()
				continue
			}
			r.Reconcile(ctx)
		}
	}
}

// deferred reports whether a periodic or kicked pass must be skipped: a turn
// is in flight, or the conversation is hidden or offline.
func (r *Reconciler) deferred() bool {
	return r.busy() || !r.presence.Visible() || !r.presence.Online()
}

// Reconcile fetches the latest persisted page and merges it into the store.
// The store is only replaced when the merged result actually differs.
func (r *Reconciler) Reconcile(ctx context.Context) {
	if r.history == nil {
		return
	}

	page, err := r.history.FetchPage(ctx, nil, r.cfg.PageSize)
	if err != nil {
		r.log.Warn("history fetch failed, skipping pass", "error", err.Error())
		metrics.ReconcilePassesTotal.WithLabelValues("error").Inc()
		return
	}

	local := r.store.Snapshot()
	merged := Merge(local, page.Items, time.Now(), r.cfg.Policy)

	if Equal(local, merged) {
		metrics.ReconcilePassesTotal.WithLabelValues("unchanged").Inc()
		return
	}
	r.store.Replace(merged)
	metrics.ReconcilePassesTotal.WithLabelValues("changed").Inc()
}

// LoadOlder pages backward from the oldest loaded message and prepends
// non-duplicate results. Returns whether more history remains.
func (r *Reconciler) LoadOlder(ctx context.Context) (bool, error) {
	if r.history == nil {
		return false, nil
	}

	var before *repository.Cursor
	if createdAt, id, ok := r.store.OldestCreatedAt(); ok {
		before = &repository.Cursor{CreatedAt: createdAt, ID: id}
	}

	page, err := r.history.FetchPage(ctx, before, r.cfg.PageSize)
	if err != nil {
		return false, err
	}
	added := r.store.Prepend(page.Items)
	r.log.Debug("older history loaded", "fetched", len(page.Items), "added", added)
	return page.HasMore, nil
}
