// Package models defines dialog state management structures.
package models

import "encoding/json"

// DialogState is a finite labeled position in a multi-turn sub-flow.
// Exactly one state exists per user at any time.
type DialogState string

const (
	StateIdle              DialogState = "idle"
	StateGoalClarification DialogState = "goal_clarification"

	StateGoalEditTitle       DialogState = "goal_edit_title"
	StateGoalEditDescription DialogState = "goal_edit_description"
	StateGoalEditDeadline    DialogState = "goal_edit_deadline"
	StateGoalEditCategory    DialogState = "goal_edit_category"
	StateGoalEditPriority    DialogState = "goal_edit_priority"

	StateEventEditTitle    DialogState = "event_edit_title"
	StateEventEditDate     DialogState = "event_edit_date"
	StateEventEditTime     DialogState = "event_edit_time"
	StateEventEditDuration DialogState = "event_edit_duration"
	StateEventEditNotes    DialogState = "event_edit_notes"

	StateStepEditTitle DialogState = "step_edit_title"
	StateStepEditDate  DialogState = "step_edit_date"
	StateStepEditTime  DialogState = "step_edit_time"

	StateSchedulePrefsDays DialogState = "schedule_prefs_days"
	StateSchedulePrefsTime DialogState = "schedule_prefs_time"
)

// IsValidDialogState checks membership in the state enum.
func IsValidDialogState(s DialogState) bool {
	switch s {
	case StateIdle, StateGoalClarification,
		StateGoalEditTitle, StateGoalEditDescription, StateGoalEditDeadline,
		StateGoalEditCategory, StateGoalEditPriority,
		StateEventEditTitle, StateEventEditDate, StateEventEditTime,
		StateEventEditDuration, StateEventEditNotes,
		StateStepEditTitle, StateStepEditDate, StateStepEditTime,
		StateSchedulePrefsDays, StateSchedulePrefsTime:
		return true
	default:
		return false
	}
}

// IsEdit reports whether the state is a single-field edit sub-flow entered
// through an edit:<entity>:<field>:<id> callback.
func (s DialogState) IsEdit() bool {
	switch s {
	case StateGoalEditTitle, StateGoalEditDescription, StateGoalEditDeadline,
		StateGoalEditCategory, StateGoalEditPriority,
		StateEventEditTitle, StateEventEditDate, StateEventEditTime,
		StateEventEditDuration, StateEventEditNotes,
		StateStepEditTitle, StateStepEditDate, StateStepEditTime:
		return true
	default:
		return false
	}
}

// GoalDraft accumulates goal.create fields across clarification turns.
type GoalDraft struct {
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	TargetDate     string `json:"target_date,omitempty"` // YYYY-MM-DD
	Category       string `json:"category,omitempty"`
	Priority       string `json:"priority,omitempty"`
	UserLevel      string `json:"user_level,omitempty"`
	TimeCommitment string `json:"time_commitment,omitempty"`
}

// StateContext is the opaque bag attached to a dialog state. It is stored
// JSON-encoded inside SessionState.Context.
type StateContext struct {
	Draft *GoalDraft `json:"draft,omitempty"`

	// Edit sub-flow target.
	EditEntity string `json:"edit_entity,omitempty"`
	EditField  string `json:"edit_field,omitempty"`
	EditID     int64  `json:"edit_id,omitempty"`

	// Schedule preference elicitation.
	GoalID        int64 `json:"goal_id,omitempty"`
	SelectedDays  []int `json:"selected_days,omitempty"` // 0=Mon .. 6=Sun
	PreferredTime string `json:"preferred_time,omitempty"` // HH:MM
}

// EncodeStateContext serializes the bag for persistence. An empty bag
// encodes to the empty string.
func EncodeStateContext(sc *StateContext) string {
	if sc == nil {
		return ""
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeStateContext parses a persisted bag; empty or corrupt input yields a
// fresh bag so a broken row cannot wedge the dialog.
func DecodeStateContext(raw string) *StateContext {
	sc := &StateContext{}
	if raw == "" {
		return sc
	}
	if err := json.Unmarshal([]byte(raw), sc); err != nil {
		return &StateContext{}
	}
	return sc
}
