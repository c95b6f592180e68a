package typing

import (
	"sync"
	"time"
	"unicode/utf8"
)

// SimulatorConfig holds the pacing knobs for synthetic typing
type SimulatorConfig struct {
	// Floor is the minimum synthetic typing duration
	Floor time.Duration
	// PerRune is the typing cost per rune of content
	PerRune time.Duration
	// Ceiling caps the synthetic typing duration
	Ceiling time.Duration
	// GhostDuration is how long a typing flourish with no message shows
	GhostDuration time.Duration
}

// DefaultSimulatorConfig returns a default simulator configuration
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Floor:         900 * time.Millisecond,
		PerRune:       35 * time.Millisecond,
		Ceiling:       6500 * time.Millisecond,
		GhostDuration: 2500 * time.Millisecond,
	}
}

// Simulator derives transient typing and activity-status presentation state
// from playback progress. It is independent of persistence; nothing here
// survives a session.
type Simulator struct {
	mu       sync.RWMutex
	cfg      SimulatorConfig
	typing   map[string]bool
	statuses map[string]string
	subs     []func()
}

// NewSimulator creates a new typing/status simulator
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Floor <= 0 {
		cfg = DefaultSimulatorConfig()
	}
	return &Simulator{
		cfg:      cfg,
		typing:   make(map[string]bool),
		statuses: make(map[string]string),
	}
}

// Subscribe registers a change callback for the UI boundary
func (s *Simulator) Subscribe(fn func()) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Simulator) notify() {
	s.mu.RLock()
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}

// SetTyping flips the typing flag for a character
func (s *Simulator) SetTyping(characterID string, isTyping bool) {
	s.mu.Lock()
	if isTyping {
		s.typing[characterID] = true
	} else {
		delete(s.typing, characterID)
	}
	s.mu.Unlock()

	s.notify()
}

// TypingIDs returns the ids of all characters currently shown as typing
func (s *Simulator) TypingIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.typing))
	for id := range s.typing {
		out = append(out, id)
	}
	return out
}

// IsTyping reports whether a character is currently shown as typing
func (s *Simulator) IsTyping(characterID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[characterID]
}

// ClearTyping removes every typing indicator. Called when a sequencer run
// finishes, successfully or not.
func (s *Simulator) ClearTyping() {
	s.mu.Lock()
	changed := len(s.typing) > 0
	s.typing = make(map[string]bool)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// SetStatus sets a character's ephemeral status text; empty clears it
func (s *Simulator) SetStatus(characterID, status string) {
	s.mu.Lock()
	if status == "" {
		delete(s.statuses, characterID)
	} else {
		s.statuses[characterID] = status
	}
	s.mu.Unlock()

	s.notify()
}

// Status returns a character's current status text
func (s *Simulator) Status(characterID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[characterID]
}

// Statuses returns a copy of the full status map
func (s *Simulator) Statuses() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

// Reset drops all transient state
func (s *Simulator) Reset() {
	s.mu.Lock()
	s.typing = make(map[string]bool)
	s.statuses = make(map[string]string)
	s.mu.Unlock()

	s.notify()
}

// TypingDuration computes the synthetic typing time for a message: per-rune
// cost scaled by the character's speed multiplier, clamped between floor and
// ceiling. A multiplier above 1 types faster.
func (s *Simulator) TypingDuration(content string, speedMultiplier float64) time.Duration {
	if speedMultiplier <= 0 {
		speedMultiplier = 1
	}
	d := time.Duration(utf8.RuneCountInString(content)) * s.cfg.PerRune
	d = time.Duration(float64(d) / speedMultiplier)
	if d < s.cfg.Floor {
		d = s.cfg.Floor
	}
	if d > s.cfg.Ceiling {
		d = s.cfg.Ceiling
	}
	return d
}

// GhostDuration returns how long a typing_ghost flourish stays visible
func (s *Simulator) GhostDuration() time.Duration {
	return s.cfg.GhostDuration
}
