package models

import (
	"strings"
	"time"
)

// UserSpeaker is the reserved speaker value for messages authored by the user.
const UserSpeaker = "user"

// SystemSpeaker is the reserved speaker value for synthetic engine notices.
const SystemSpeaker = "system"

// DeliveryStatus tracks the send state of a user-authored message.
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message is a single unit of conversation. Ids are stable once assigned;
// the reconciler may swap a synthetic local id for the server-assigned one,
// which counts as assignment, not mutation.
type Message struct {
	ID             string         `json:"id"`
	Speaker        string         `json:"speaker"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	Reaction       string         `json:"reaction,omitempty"`
	ReplyToID      string         `json:"replyToId,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus,omitempty"`
	DeliveryError  string         `json:"deliveryError,omitempty"`
}

// IsUser reports whether the message was authored by the user.
func (m Message) IsUser() bool {
	return m.Speaker == UserSpeaker
}

// Signature is the fallback identity used when local and server ids differ:
// speaker plus reaction plus whitespace-normalized content.
func (m Message) Signature() string {
	return m.Speaker + "\x00" + m.Reaction + "\x00" + NormalizeContent(m.Content)
}

// NormalizeContent collapses runs of whitespace to single spaces and trims.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
