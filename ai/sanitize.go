package ai

import (
	"ai-group-chat-demo/engine/internal/models"
)

const defaultReaction = "👍"

// SanitizeConfig bounds model-controlled event fields before playback
type SanitizeConfig struct {
	// MaxDelayMs clamps per-event delays
	MaxDelayMs int
	// EventContentCap truncates a single event's content
	EventContentCap int
	// TurnContentCap bounds total content across a turn; trailing events past
	// the cap are dropped
	TurnContentCap int
}

// DefaultSanitizeConfig returns the default sanitization bounds
func DefaultSanitizeConfig() SanitizeConfig {
	return SanitizeConfig{
		MaxDelayMs:      7000,
		EventContentCap: 2000,
		TurnContentCap:  8000,
	}
}

// SanitizeEvents applies the event-level sanitization rules: clamp delays into
// [0, MaxDelayMs], truncate content, drop message events with empty content,
// default empty reactions, and drop trailing events once the turn cap is hit.
func SanitizeEvents(events []models.ChatEvent, cfg SanitizeConfig) []models.ChatEvent {
	out := make([]models.ChatEvent, 0, len(events))
	total := 0
	for _, ev := range events {
		if ev.DelayMs < 0 {
			ev.DelayMs = 0
		}
		if ev.DelayMs > cfg.MaxDelayMs {
			ev.DelayMs = cfg.MaxDelayMs
		}
		if len(ev.Content) > cfg.EventContentCap {
			ev.Content = truncateUTF8(ev.Content, cfg.EventContentCap)
		}

		switch ev.Kind {
		case models.EventMessage:
			if models.NormalizeContent(ev.Content) == "" {
				continue
			}
		case models.EventReaction:
			if ev.Content == "" {
				ev.Content = defaultReaction
			}
		case models.EventStatusUpdate, models.EventNicknameUpdate, models.EventTypingGhost:
			// no content requirements
		default:
			continue
		}

		if total+len(ev.Content) > cfg.TurnContentCap {
			break
		}
		total += len(ev.Content)
		out = append(out, ev)
	}
	return out
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && s[max]&0xC0 == 0x80 {
		max--
	}
	return s[:max]
}
