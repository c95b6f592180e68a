package ai

import (
	"ai-group-chat-demo/engine/internal/models"
)

// TurnRequest is the outbound payload for one generation turn
type TurnRequest struct {
	RecentMessages []models.Message `json:"recentMessages"`
	RosterIDs      []string         `json:"rosterIds"`
	UserName       string           `json:"userName"`
	UserNickname   string           `json:"userNickname,omitempty"`
	IsFirstMessage bool             `json:"isFirstMessage"`
	SilentTurns    int              `json:"silentTurns"`
	BurstCount     int              `json:"burstCount"`
	Mode           string           `json:"mode,omitempty"`
	CostReduced    bool             `json:"costReduced"`
	SourceKind     string           `json:"sourceKind"`
}

// TurnResponse is the screenplay returned for one turn
type TurnResponse struct {
	Events         []models.ChatEvent `json:"events"`
	ShouldContinue bool               `json:"should_continue"`
}
