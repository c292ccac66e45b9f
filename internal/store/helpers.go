package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/initio/assistant/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil for empty strings so nullable columns stay NULL.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroDate formats a date pointer for a nullable TEXT date column.
func nilIfZeroDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(models.DateLayout)
}

// nilIfZeroID formats an id pointer for a nullable integer column.
func nilIfZeroID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// parseNullDate converts a nullable TEXT date column back into a pointer.
func parseNullDate(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(models.DateLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("corrupt date column %q: %w", s.String, err)
	}
	return &t, nil
}

func scanUser(sc rowScanner) (models.UserProfile, error) {
	var u models.UserProfile
	err := sc.Scan(
		&u.UserID, &u.ChatID, &u.Timezone,
		&u.NotifyEnabled, &u.NotifyEventReminders, &u.NotifyDeadlineWarnings,
		&u.NotifyStepReminders, &u.NotifyMotivation, &u.CreatedAt,
	)
	if err != nil {
		return u, err
	}
	return u, nil
}

func scanGoal(sc rowScanner) (models.Goal, error) {
	var g models.Goal
	var targetDate sql.NullString
	err := sc.Scan(
		&g.ID, &g.UserID, &g.Title, &g.Description, &g.Status,
		&g.ProgressPercent, &targetDate, &g.Category, &g.Priority,
		&g.IsScheduled, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return g, err
	}
	if g.TargetDate, err = parseNullDate(targetDate); err != nil {
		return g, err
	}
	return g, nil
}

func scanStep(sc rowScanner) (models.Step, error) {
	var s models.Step
	var estimatedHours sql.NullFloat64
	var completedAt sql.NullTime
	var plannedDate, plannedTime sql.NullString
	var durationMinutes sql.NullInt64
	var linkedEventID sql.NullInt64
	err := sc.Scan(
		&s.ID, &s.GoalID, &s.Title, &s.Order, &s.Status,
		&estimatedHours, &completedAt, &plannedDate, &plannedTime,
		&durationMinutes, &linkedEventID,
	)
	if err != nil {
		return s, err
	}
	s.EstimatedHours = estimatedHours.Float64
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if s.PlannedDate, err = parseNullDate(plannedDate); err != nil {
		return s, err
	}
	s.PlannedTime = plannedTime.String
	s.DurationMinutes = int(durationMinutes.Int64)
	if linkedEventID.Valid {
		id := linkedEventID.Int64
		s.LinkedEventID = &id
	}
	return s, nil
}

func scanEvent(sc rowScanner) (models.Event, error) {
	var e models.Event
	var eventDate string
	var eventTime sql.NullString
	var linkedStepID, linkedGoalID sql.NullInt64
	err := sc.Scan(
		&e.ID, &e.UserID, &e.Title, &eventDate, &eventTime,
		&e.DurationMinutes, &e.Repeat, &e.Notes, &e.EventType,
		&linkedStepID, &linkedGoalID, &e.ReminderMinutesBefore,
		&e.ReminderEnabled, &e.CreatedAt,
	)
	if err != nil {
		return e, err
	}
	date, err := time.Parse(models.DateLayout, eventDate)
	if err != nil {
		return e, fmt.Errorf("corrupt event date %q: %w", eventDate, err)
	}
	e.Date = date
	e.Time = eventTime.String
	if linkedStepID.Valid {
		id := linkedStepID.Int64
		e.LinkedStepID = &id
	}
	if linkedGoalID.Valid {
		id := linkedGoalID.Int64
		e.LinkedGoalID = &id
	}
	return e, nil
}

func scanMessage(sc rowScanner) (models.ConversationMessage, error) {
	var m models.ConversationMessage
	err := sc.Scan(&m.ID, &m.UserID, &m.Role, &m.Text, &m.Intent, &m.Timestamp)
	return m, err
}

// progressFromCounts derives the stored progress percentage and the goal
// status implied by the step counts. Zero-step goals keep progress 0 and
// never complete; reverting the last completed step reopens the goal while
// paused goals stay paused.
func progressFromCounts(total, completed int, current models.GoalStatus) (int, models.GoalStatus) {
	progress := 0
	if total > 0 {
		progress = int(float64(completed)/float64(total)*100 + 0.5)
	}
	switch {
	case total > 0 && completed == total:
		return progress, models.GoalStatusCompleted
	case current == models.GoalStatusPaused:
		return progress, models.GoalStatusPaused
	default:
		return progress, models.GoalStatusActive
	}
}
