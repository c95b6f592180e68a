package models

// EventKind tags one instruction in a screenplay response.
type EventKind string

const (
	EventMessage        EventKind = "message"
	EventReaction       EventKind = "reaction"
	EventStatusUpdate   EventKind = "status_update"
	EventNicknameUpdate EventKind = "nickname_update"
	EventTypingGhost    EventKind = "typing_ghost"
)

// ChatEvent is one timed instruction from the generation service. DelayMs is
// milliseconds to wait after the previous event; it is model-controlled input
// and is clamped during sanitization before playback.
type ChatEvent struct {
	Kind      EventKind `json:"type"`
	Character string    `json:"character,omitempty"`
	Content   string    `json:"content,omitempty"`
	DelayMs   int       `json:"delay"`
	TargetID  string    `json:"targetId,omitempty"`
}
