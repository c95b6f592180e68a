package models

// TurnTrigger identifies what motivated a turn request.
type TurnTrigger string

const (
	TriggerUser           TurnTrigger = "user"
	TriggerAutonomous     TurnTrigger = "autonomous"
	TriggerAutonomousIdle TurnTrigger = "autonomous_idle"
)

// IsAutonomous reports whether the trigger did not come from direct user input.
func (t TurnTrigger) IsAutonomous() bool {
	return t == TriggerAutonomous || t == TriggerAutonomousIdle
}

// TurnResult summarizes one completed request/playback cycle for the
// continuation scheduler.
type TurnResult struct {
	Trigger        TurnTrigger
	SourceUserID   string
	SourceUserText string
	ShouldContinue bool
	Interrupted    bool
	Err            error
}
