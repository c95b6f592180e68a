package models

// Character is an immutable conversation participant supplied with the roster.
type Character struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Color       string   `json:"color,omitempty"`
	TypingSpeed float64  `json:"typingSpeed,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}
