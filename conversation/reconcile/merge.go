package reconcile

import (
	"time"

	"ai-group-chat-demo/engine/internal/models"
)

// MergePolicy holds the tunable reconciliation windows. The proximity and
// survival values are empirically chosen policy, not correctness bounds.
type MergePolicy struct {
	// OptimisticSurvival bounds how long an unconfirmed local message can
	// outlive reconciliation passes
	OptimisticSurvival time.Duration
	// TailProximity is how close to the newest server timestamp an unmatched
	// local message must be to survive as optimistic tail
	TailProximity time.Duration
	// DupProximity is the window within which adjacent same-signature
	// character messages collapse to one
	DupProximity time.Duration
}

// DefaultMergePolicy returns the default reconciliation windows
func DefaultMergePolicy() MergePolicy {
	return MergePolicy{
		OptimisticSurvival: 15 * time.Minute,
		TailProximity:      5 * time.Second,
		DupProximity:       15 * time.Second,
	}
}

// Merge folds an authoritative server page into the local message list
// without losing optimistic state or duplicating messages. Both inputs are
// chronological; the result is the reconciled server messages followed by the
// surviving optimistic tail, with adjacent near-duplicates collapsed.
//
// Matching is two-phase: by id first, then by content signature, each local
// message consumed at most once (earliest match first).
func Merge(local, server []models.Message, now time.Time, policy MergePolicy) []models.Message {
	localByID := make(map[string]int, len(local))
	for i, m := range local {
		localByID[m.ID] = i
	}

	// signature -> local indexes, earliest first
	bySig := make(map[string][]int, len(local))
	for i, m := range local {
		sig := m.Signature()
		bySig[sig] = append(bySig[sig], i)
	}

	consumed := make([]bool, len(local))
	out := make([]models.Message, 0, len(server)+len(local))

	for _, srv := range server {
		if idx, ok := localByID[srv.ID]; ok && !consumed[idx] {
			consumed[idx] = true
			out = append(out, overlay(srv, local[idx]))
			continue
		}
		if idx, ok := takeBySignature(bySig, consumed, srv.Signature()); ok {
			// Adopt the server id in place of the synthetic local one.
			out = append(out, overlay(srv, local[idx]))
			continue
		}
		out = append(out, srv)
	}

	var newestServer time.Time
	if len(server) > 0 {
		newestServer = server[len(server)-1].CreatedAt
	}

	// Optimistic tail: unmatched local messages survive only while fresh and
	// close to (or ahead of) the server's head.
	for i, m := range local {
		if consumed[i] {
			continue
		}
		if now.Sub(m.CreatedAt) > policy.OptimisticSurvival {
			continue
		}
		if len(server) > 0 && m.CreatedAt.Before(newestServer.Add(-policy.TailProximity)) {
			continue
		}
		out = append(out, m)
	}

	return collapseNearDuplicates(out, policy.DupProximity)
}

// overlay copies server fields over a matched local message while preserving
// local-only metadata the server response omitted.
func overlay(srv, local models.Message) models.Message {
	merged := srv
	if merged.Reaction == "" {
		merged.Reaction = local.Reaction
	}
	if merged.ReplyToID == "" {
		merged.ReplyToID = local.ReplyToID
	}
	merged.DeliveryStatus = local.DeliveryStatus
	merged.DeliveryError = local.DeliveryError
	return merged
}

// takeBySignature consumes the earliest unconsumed local index matching sig
func takeBySignature(bySig map[string][]int, consumed []bool, sig string) (int, bool) {
	for _, idx := range bySig[sig] {
		if !consumed[idx] {
			consumed[idx] = true
			return idx, true
		}
	}
	return 0, false
}

// collapseNearDuplicates drops one of two consecutive non-user messages that
// share a signature within the proximity window: the one without reply-quote
// metadata when exactly one carries it, otherwise the earlier one.
func collapseNearDuplicates(msgs []models.Message, proximity time.Duration) []models.Message {
	if len(msgs) < 2 {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if !prev.IsUser() && !m.IsUser() &&
				prev.Signature() == m.Signature() &&
				absDuration(m.CreatedAt.Sub(prev.CreatedAt)) <= proximity {
				if prev.ReplyToID != "" && m.ReplyToID == "" {
					continue // keep the quoted one already in out
				}
				out = out[:len(out)-1] // keep the later (or quoted) one
			}
		}
		out = append(out, m)
	}
	return out
}

// Equal reports whether two message lists are indistinguishable for the UI,
// so the store replace (and render churn) can be skipped.
func Equal(a, b []models.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].Content != b[i].Content ||
			a[i].Reaction != b[i].Reaction ||
			a[i].ReplyToID != b[i].ReplyToID ||
			a[i].DeliveryStatus != b[i].DeliveryStatus ||
			!a[i].CreatedAt.Equal(b[i].CreatedAt) {
			return false
		}
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
