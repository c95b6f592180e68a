package store

import (
	"sync"
	"time"

	"ai-group-chat-demo/engine/internal/models"
)

// Store is the single source of truth for messages, the participant roster
// and the user's nickname within one session. It is an explicit constructed
// object so multiple sessions and tests run in isolation.
//
// All mutating operations are narrow and idempotent: appending an id that is
// already present is a no-op, so a reconciliation tick racing a sequencer
// playback cannot corrupt the timeline.
type Store struct {
	mu       sync.RWMutex
	messages []models.Message
	byID     map[string]int
	roster   []models.Character
	userName string
	nickname string
	subs     []func()
}

// New creates an empty store
func New() *Store {
	return &Store{byID: make(map[string]int)}
}

// Subscribe registers a change callback invoked after every committed
// mutation. Callbacks must be fast; the store holds no lock while calling.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}

// Append adds a message if its id is not already present. Returns true when
// the message was actually added.
func (s *Store) Append(msg models.Message) bool {
	s.mu.Lock()
	if _, exists := s.byID[msg.ID]; exists {
		s.mu.Unlock()
		return false
	}
	s.byID[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	s.notify()
	return true
}

// UpdateDelivery sets the delivery state of a user-authored message
func (s *Store) UpdateDelivery(id string, status models.DeliveryStatus, deliveryErr string) bool {
	s.mu.Lock()
	idx, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.messages[idx].DeliveryStatus = status
	s.messages[idx].DeliveryError = deliveryErr
	s.mu.Unlock()

	s.notify()
	return true
}

// Get returns a message by id
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return s.messages[idx], true
}

// Snapshot returns a copy of the full message list
func (s *Store) Snapshot() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the newest message, if any
func (s *Store) Last() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return models.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// LastUser returns the newest user-authored message, if any
func (s *Store) LastUser() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].IsUser() {
			return s.messages[i], true
		}
	}
	return models.Message{}, false
}

// Replace swaps the entire message list for a reconciled one. Used only by
// the reconciler, which has already diff-checked the result.
func (s *Store) Replace(msgs []models.Message) {
	s.mu.Lock()
	s.messages = make([]models.Message, len(msgs))
	copy(s.messages, msgs)
	s.reindexLocked()
	s.mu.Unlock()

	s.notify()
}

// Prepend inserts older history pages before the current timeline, skipping
// ids already present.
func (s *Store) Prepend(older []models.Message) int {
	s.mu.Lock()
	fresh := older[:0:0]
	for _, m := range older {
		if _, exists := s.byID[m.ID]; !exists {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		s.mu.Unlock()
		return 0
	}
	s.messages = append(fresh, s.messages...)
	s.reindexLocked()
	s.mu.Unlock()

	s.notify()
	return len(fresh)
}

// Clear removes all messages (explicit clear-timeline action)
func (s *Store) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.byID = make(map[string]int)
	s.mu.Unlock()

	s.notify()
}

// SetRoster sets the active character roster
func (s *Store) SetRoster(roster []models.Character) {
	s.mu.Lock()
	s.roster = make([]models.Character, len(roster))
	copy(s.roster, roster)
	s.mu.Unlock()

	s.notify()
}

// Roster returns a copy of the active roster
func (s *Store) Roster() []models.Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Character, len(s.roster))
	copy(out, s.roster)
	return out
}

// Character looks up a roster member by id
func (s *Store) Character(id string) (models.Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.roster {
		if c.ID == id {
			return c, true
		}
	}
	return models.Character{}, false
}

// SetUserName sets the user's display name
func (s *Store) SetUserName(name string) {
	s.mu.Lock()
	s.userName = name
	s.mu.Unlock()
}

// UserName returns the user's display name
func (s *Store) UserName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userName
}

// SetNickname updates the user's nickname. Empty input is ignored.
func (s *Store) SetNickname(nick string) {
	if nick == "" {
		return
	}
	s.mu.Lock()
	s.nickname = nick
	s.mu.Unlock()

	s.notify()
}

// Nickname returns the user's current nickname
func (s *Store) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickname
}

// RecentForRequest selects the newest limit messages for an outbound turn
// request, excluding user messages stuck in a failed delivery state so they
// are never resent implicitly.
func (s *Store) RecentForRequest(limit int) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, 0, limit)
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		if m.IsUser() && m.DeliveryStatus == models.DeliveryFailed {
			continue
		}
		out = append(out, m)
	}
	// restore chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// OldestCreatedAt returns the timestamp and id of the oldest message, used to
// build the backward-pagination cursor.
func (s *Store) OldestCreatedAt() (time.Time, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return time.Time{}, "", false
	}
	return s.messages[0].CreatedAt, s.messages[0].ID, true
}

func (s *Store) reindexLocked() {
	s.byID = make(map[string]int, len(s.messages))
	for i, m := range s.messages {
		s.byID[m.ID] = i
	}
}
