// Package models defines the core data structures for the assistant core.
//
// It includes user profiles, goals, steps, calendar events, conversation
// messages and session state, which are shared across modules.
package models

import (
	"fmt"
	"time"
)

// GoalStatus enumerates the lifecycle states of a goal.
type GoalStatus string

const (
	GoalStatusActive    GoalStatus = "active"
	GoalStatusPaused    GoalStatus = "paused"
	GoalStatusCompleted GoalStatus = "completed"
)

// IsValidGoalStatus checks if the given goal status is supported.
func IsValidGoalStatus(s GoalStatus) bool {
	switch s {
	case GoalStatusActive, GoalStatusPaused, GoalStatusCompleted:
		return true
	default:
		return false
	}
}

// StepStatus enumerates the lifecycle states of a step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
)

// IsValidStepStatus checks if the given step status is supported.
func IsValidStepStatus(s StepStatus) bool {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted:
		return true
	default:
		return false
	}
}

// Priority enumerates goal priorities.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsValidPriority checks if the given priority is supported.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// EventType distinguishes user-created events from auto-scheduled goal steps.
type EventType string

const (
	EventTypeUser     EventType = "user"
	EventTypeGoalStep EventType = "goal_step"
)

// Validation constants for input validation.
const (
	// MinGoalTitleLength is the minimum allowed goal title length.
	MinGoalTitleLength = 3
	// MaxGoalTitleLength is the maximum allowed goal title length.
	MaxGoalTitleLength = 200
	// MaxGoalDescriptionLength is the maximum allowed goal description length.
	MaxGoalDescriptionLength = 1000
	// DefaultEventDurationMinutes is used when an event carries no duration.
	DefaultEventDurationMinutes = 60
	// DefaultReminderMinutesBefore is the default event reminder lead time.
	DefaultReminderMinutesBefore = 15
	// DefaultTimezone is assigned to profiles created on first contact.
	DefaultTimezone = "Europe/Moscow"
	// ConversationRetention bounds the per-user stored message window.
	ConversationRetention = 50
)

// DateLayout and TimeLayout are the wire formats for calendar fields.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// UserProfile holds per-user settings. Exactly one profile exists per user;
// it is created on first inbound message and never deleted by the core.
type UserProfile struct {
	UserID                 string    `json:"user_id"`
	ChatID                 string    `json:"chat_id"`
	Timezone               string    `json:"timezone"`
	NotifyEnabled          bool      `json:"notify_enabled"`
	NotifyEventReminders   bool      `json:"notify_event_reminders"`
	NotifyDeadlineWarnings bool      `json:"notify_deadline_warnings"`
	NotifyStepReminders    bool      `json:"notify_step_reminders"`
	NotifyMotivation       bool      `json:"notify_motivation"`
	CreatedAt              time.Time `json:"created_at"`
}

// Location resolves the profile timezone, falling back to the default zone
// when the stored value is invalid.
func (p *UserProfile) Location() *time.Location {
	if loc, err := time.LoadLocation(p.Timezone); err == nil {
		return loc
	}
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks profile invariants.
func (p *UserProfile) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, p.Timezone)
	}
	return nil
}

// Goal represents a user goal with derived progress.
type Goal struct {
	ID              int64      `json:"id"`
	UserID          string     `json:"user_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          GoalStatus `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	TargetDate      *time.Time `json:"target_date,omitempty"` // date-only, UTC midnight
	Category        string     `json:"category,omitempty"`
	Priority        Priority   `json:"priority"`
	IsScheduled     bool       `json:"is_scheduled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks goal field constraints.
func (g *Goal) Validate() error {
	if g.UserID == "" {
		return ErrEmptyUserID
	}
	if len([]rune(g.Title)) < MinGoalTitleLength {
		return ErrGoalTitleTooShort
	}
	if len([]rune(g.Title)) > MaxGoalTitleLength {
		return ErrGoalTitleTooLong
	}
	if len([]rune(g.Description)) > MaxGoalDescriptionLength {
		return ErrGoalDescriptionTooLong
	}
	if g.Status != "" && !IsValidGoalStatus(g.Status) {
		return ErrInvalidGoalStatus
	}
	if g.Priority != "" && !IsValidPriority(g.Priority) {
		return ErrInvalidPriority
	}
	return nil
}

// ComputeProgress derives the progress percentage from a step list:
// 100 * completed / total, rounded, and 0 for an empty list.
func ComputeProgress(steps []Step) int {
	if len(steps) == 0 {
		return 0
	}
	completed := 0
	for _, s := range steps {
		if s.Status == StepStatusCompleted {
			completed++
		}
	}
	return int(float64(completed)/float64(len(steps))*100 + 0.5)
}

// Step is one ordered unit of work inside a goal. Order values form a
// permutation of 1..N within the goal.
type Step struct {
	ID              int64      `json:"id"`
	GoalID          int64      `json:"goal_id"`
	Title           string     `json:"title"`
	Order           int        `json:"order"`
	Status          StepStatus `json:"status"`
	EstimatedHours  float64    `json:"estimated_hours,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	PlannedDate     *time.Time `json:"planned_date,omitempty"` // date-only, UTC midnight
	PlannedTime     string     `json:"planned_time,omitempty"` // HH:MM, empty = unset
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	LinkedEventID   *int64     `json:"linked_event_id,omitempty"`
}

// Scheduled reports whether the step has been placed on the calendar.
func (s *Step) Scheduled() bool {
	return s.PlannedDate != nil
}

// Validate checks step field constraints.
func (s *Step) Validate() error {
	if s.Title == "" {
		return ErrEmptyStepTitle
	}
	if s.Order < 1 {
		return ErrInvalidStepOrder
	}
	if s.Status != "" && !IsValidStepStatus(s.Status) {
		return ErrInvalidStepStatus
	}
	if s.EstimatedHours < 0 {
		return ErrInvalidEstimatedHours
	}
	if s.PlannedTime != "" {
		if _, err := time.Parse(TimeLayout, s.PlannedTime); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s.PlannedTime)
		}
	}
	return nil
}

// Event is a calendar entry. Events of type goal_step carry both linked ids
// and mirror a step's planned slot.
type Event struct {
	ID                    int64     `json:"id"`
	UserID                string    `json:"user_id"`
	Title                 string    `json:"title"`
	Date                  time.Time `json:"date"`           // date-only, UTC midnight
	Time                  string    `json:"time,omitempty"` // HH:MM, empty = all-day
	DurationMinutes       int       `json:"duration_minutes"`
	Repeat                string    `json:"repeat,omitempty"`
	Notes                 string    `json:"notes,omitempty"`
	EventType             EventType `json:"event_type"`
	LinkedStepID          *int64    `json:"linked_step_id,omitempty"`
	LinkedGoalID          *int64    `json:"linked_goal_id,omitempty"`
	ReminderMinutesBefore int       `json:"reminder_minutes_before"`
	ReminderEnabled       bool      `json:"reminder_enabled"`
	CreatedAt             time.Time `json:"created_at"`
}

// Validate checks event field constraints, including the goal_step linking
// invariant.
func (e *Event) Validate() error {
	if e.UserID == "" {
		return ErrEmptyUserID
	}
	if e.Title == "" {
		return ErrEmptyEventTitle
	}
	if e.Date.IsZero() {
		return ErrEmptyEventDate
	}
	if e.Time != "" {
		if _, err := time.Parse(TimeLayout, e.Time); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimeFormat, e.Time)
		}
	}
	if e.EventType == EventTypeGoalStep && (e.LinkedStepID == nil || e.LinkedGoalID == nil) {
		return ErrUnlinkedGoalStepEvent
	}
	return nil
}

// StartsAt returns the event start in the given location. All-day events
// start at local midnight.
func (e *Event) StartsAt(loc *time.Location) time.Time {
	hour, minute := 0, 0
	if e.Time != "" {
		if t, err := time.Parse(TimeLayout, e.Time); err == nil {
			hour, minute = t.Hour(), t.Minute()
		}
	}
	return time.Date(e.Date.Year(), e.Date.Month(), e.Date.Day(), hour, minute, 0, 0, loc)
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ConversationMessage is one stored turn of the dialog. Retention is a
// sliding window of ConversationRetention messages per user.
type ConversationMessage struct {
	ID        int64       `json:"id"`
	UserID    string      `json:"user_id"`
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	Intent    string      `json:"intent,omitempty"` // assistant turns only
	Timestamp time.Time   `json:"timestamp"`
}

// SessionState is the persisted dialog position of a user. Exactly one row
// exists per user; transitions happen only through the dialog machine.
type SessionState struct {
	UserID    string    `json:"user_id"`
	State     DialogState `json:"state"`
	Context   string    `json:"context,omitempty"` // JSON-encoded StateContext
	UpdatedAt time.Time `json:"updated_at"`
}

// DateOnly truncates t to a date-only value at UTC midnight.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD wire value.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateFormat, s)
	}
	return t, nil
}

// ParseClock parses an HH:MM wire value, stripping trailing seconds.
func ParseClock(s string) (string, error) {
	if len(s) > len(TimeLayout) {
		s = s[:len(TimeLayout)]
	}
	if _, err := time.Parse(TimeLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return s, nil
}
