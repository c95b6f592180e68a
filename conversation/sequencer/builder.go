package sequencer

import (
	"ai-group-chat-demo/engine/ai"
	"ai-group-chat-demo/engine/internal/models"
)

// buildRequest assembles the outbound turn request from a store snapshot:
// a bounded history window (shrunk under cost-reduced mode), the roster,
// the user's identity, and the trigger bookkeeping flags.
func (r *Runner) buildRequest(t turn) ai.TurnRequest {
	limit := r.cfg.HistoryWindow
	reduced := r.breaker.Reduced()
	if reduced {
		limit = r.cfg.HistoryWindowReduced
	}

	recent := r.store.RecentForRequest(limit)

	roster := r.store.Roster()
	rosterIDs := make([]string, 0, len(roster))
	for _, ch := range roster {
		rosterIDs = append(rosterIDs, ch.ID)
	}

	return ai.TurnRequest{
		RecentMessages: recent,
		RosterIDs:      rosterIDs,
		UserName:       r.store.UserName(),
		UserNickname:   r.store.Nickname(),
		IsFirstMessage: isFirstMessage(recent, t.sourceID),
		SilentTurns:    t.silentTurns,
		BurstCount:     t.burstCount,
		Mode:           r.cfg.Mode,
		CostReduced:    reduced,
		SourceKind:     string(t.trigger),
	}
}

// isFirstMessage reports whether the source user message is the only
// conversation content so far.
func isFirstMessage(recent []models.Message, sourceID string) bool {
	for _, m := range recent {
		if m.ID != sourceID {
			return false
		}
	}
	return len(recent) > 0
}
