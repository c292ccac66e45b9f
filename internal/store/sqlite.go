// Package store provides storage backends for the assistant core.
//
// This file implements the SQLite-backed store used for local deployments
// and as the default when no Postgres DSN is configured.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/initio/assistant/internal/models"
	sqlite3 "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a file-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store based on provided options.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	slog.Debug("Opening SQLite database", "path", dsn)
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		slog.Error("Failed to open SQLite database", "error", err, "path", dsn)
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)
	return &SQLiteStore{db: db}, nil
}

// mapSQLiteError translates driver errors into the store taxonomy.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %v", models.ErrStoreConstraint, err)
		}
	}
	return err
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping() error { return s.db.Ping() }

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

const sqliteUserCols = `user_id, chat_id, timezone, notify_enabled, notify_event_reminders,
	notify_deadline_warnings, notify_step_reminders, notify_motivation, created_at`

// GetUser returns the profile for a user, or nil when none exists.
func (s *SQLiteStore) GetUser(userID string) (*models.UserProfile, error) {
	row := s.db.QueryRow(`SELECT `+sqliteUserCols+` FROM users WHERE user_id = ?`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return &u, nil
}

// SaveUser inserts or updates a profile.
func (s *SQLiteStore) SaveUser(p models.UserProfile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO users (`+sqliteUserCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			timezone = excluded.timezone,
			notify_enabled = excluded.notify_enabled,
			notify_event_reminders = excluded.notify_event_reminders,
			notify_deadline_warnings = excluded.notify_deadline_warnings,
			notify_step_reminders = excluded.notify_step_reminders,
			notify_motivation = excluded.notify_motivation`,
		p.UserID, p.ChatID, p.Timezone, p.NotifyEnabled, p.NotifyEventReminders,
		p.NotifyDeadlineWarnings, p.NotifyStepReminders, p.NotifyMotivation, p.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveUser failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("failed to save user %s: %w", p.UserID, mapSQLiteError(err))
	}
	return nil
}

// ListUsers returns all profiles.
func (s *SQLiteStore) ListUsers() ([]models.UserProfile, error) {
	rows, err := s.db.Query(`SELECT ` + sqliteUserCols + ` FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	var users []models.UserProfile
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const sqliteGoalCols = `id, user_id, title, description, status, progress_percent,
	target_date, category, priority, is_scheduled, created_at, updated_at`

// CreateGoal inserts a goal and fills in its id.
func (s *SQLiteStore) CreateGoal(g *models.Goal) error {
	if g.Status == "" {
		g.Status = models.GoalStatusActive
	}
	if g.Priority == "" {
		g.Priority = models.PriorityMedium
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	res, err := s.db.Exec(`INSERT INTO goals
		(user_id, title, description, status, progress_percent, target_date, category, priority, is_scheduled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.UserID, g.Title, g.Description, g.Status, g.ProgressPercent,
		nilIfZeroDate(g.TargetDate), g.Category, g.Priority, g.IsScheduled, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateGoal failed", "error", err, "userID", g.UserID)
		return fmt.Errorf("failed to insert goal: %w", mapSQLiteError(err))
	}
	g.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read goal id: %w", err)
	}
	slog.Debug("SQLiteStore CreateGoal succeeded", "goalID", g.ID, "userID", g.UserID)
	return nil
}

// GetGoal returns a goal owned by the user.
func (s *SQLiteStore) GetGoal(userID string, goalID int64) (*models.Goal, error) {
	row := s.db.QueryRow(`SELECT `+sqliteGoalCols+` FROM goals WHERE id = ? AND user_id = ?`, goalID, userID)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get goal %d: %w", goalID, err)
	}
	return &g, nil
}

// ListGoals returns the user's goals, optionally filtered by status, ordered
// active, paused, completed, then by target date with nulls last, then id.
func (s *SQLiteStore) ListGoals(userID string, status models.GoalStatus) ([]models.Goal, error) {
	query := `SELECT ` + sqliteGoalCols + ` FROM goals WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY
		CASE status WHEN 'active' THEN 0 WHEN 'paused' THEN 1 WHEN 'completed' THEN 2 ELSE 3 END,
		CASE WHEN target_date IS NULL THEN 1 ELSE 0 END, target_date, id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	defer rows.Close()
	var goals []models.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goal row: %w", err)
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// UpdateGoal persists mutable goal fields.
func (s *SQLiteStore) UpdateGoal(g *models.Goal) error {
	g.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`UPDATE goals SET title = ?, description = ?, status = ?,
		progress_percent = ?, target_date = ?, category = ?, priority = ?, is_scheduled = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		g.Title, g.Description, g.Status, g.ProgressPercent, nilIfZeroDate(g.TargetDate),
		g.Category, g.Priority, g.IsScheduled, g.UpdatedAt, g.ID, g.UserID)
	if err != nil {
		return fmt.Errorf("failed to update goal %d: %w", g.ID, mapSQLiteError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteGoalCascade removes the goal, its steps and their linked events in
// one transaction.
func (s *SQLiteStore) DeleteGoalCascade(userID string, goalID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owned int64
	err = tx.QueryRow(`SELECT id FROM goals WHERE id = ? AND user_id = ?`, goalID, userID).Scan(&owned)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check goal ownership: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE user_id = ? AND linked_goal_id = ?`, userID, goalID); err != nil {
		return fmt.Errorf("failed to delete linked events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE goal_id = ?`, goalID); err != nil {
		return fmt.Errorf("failed to delete steps: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM goals WHERE id = ?`, goalID); err != nil {
		return fmt.Errorf("failed to delete goal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit goal delete: %w", err)
	}
	slog.Info("SQLiteStore DeleteGoalCascade succeeded", "goalID", goalID, "userID", userID)
	return nil
}

const sqliteStepCols = `id, goal_id, title, step_order, status, estimated_hours,
	completed_at, planned_date, planned_time, duration_minutes, linked_event_id`

// CreateStep inserts a step and fills in its id.
func (s *SQLiteStore) CreateStep(st *models.Step) error {
	if st.Status == "" {
		st.Status = models.StepStatusPending
	}
	res, err := s.db.Exec(`INSERT INTO steps
		(goal_id, title, step_order, status, estimated_hours, completed_at, planned_date, planned_time, duration_minutes, linked_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.GoalID, st.Title, st.Order, st.Status, st.EstimatedHours, st.CompletedAt,
		nilIfZeroDate(st.PlannedDate), nilIfEmpty(st.PlannedTime), st.DurationMinutes, nilIfZeroID(st.LinkedEventID))
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", mapSQLiteError(err))
	}
	st.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read step id: %w", err)
	}
	return nil
}

// GetStep returns a step whose parent goal is owned by the user.
func (s *SQLiteStore) GetStep(userID string, stepID int64) (*models.Step, error) {
	row := s.db.QueryRow(`SELECT s.id, s.goal_id, s.title, s.step_order, s.status, s.estimated_hours,
		s.completed_at, s.planned_date, s.planned_time, s.duration_minutes, s.linked_event_id
		FROM steps s JOIN goals g ON s.goal_id = g.id
		WHERE s.id = ? AND g.user_id = ?`, stepID, userID)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step %d: %w", stepID, err)
	}
	return &st, nil
}

// ListSteps returns the goal's steps ordered by step order.
func (s *SQLiteStore) ListSteps(goalID int64) ([]models.Step, error) {
	rows, err := s.db.Query(`SELECT `+sqliteStepCols+` FROM steps WHERE goal_id = ? ORDER BY step_order`, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()
	var steps []models.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// UpdateStep persists mutable step fields.
func (s *SQLiteStore) UpdateStep(st *models.Step) error {
	res, err := s.db.Exec(`UPDATE steps SET title = ?, step_order = ?, status = ?, estimated_hours = ?,
		completed_at = ?, planned_date = ?, planned_time = ?, duration_minutes = ?, linked_event_id = ?
		WHERE id = ?`,
		st.Title, st.Order, st.Status, st.EstimatedHours, st.CompletedAt,
		nilIfZeroDate(st.PlannedDate), nilIfEmpty(st.PlannedTime), st.DurationMinutes,
		nilIfZeroID(st.LinkedEventID), st.ID)
	if err != nil {
		return fmt.Errorf("failed to update step %d: %w", st.ID, mapSQLiteError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteStepCascade removes the step and any linked event, renumbers the
// remaining orders to 1..N, and recomputes goal progress atomically.
func (s *SQLiteStore) DeleteStepCascade(userID string, stepID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var goalID int64
	var linkedEventID sql.NullInt64
	err = tx.QueryRow(`SELECT s.goal_id, s.linked_event_id
		FROM steps s JOIN goals g ON s.goal_id = g.id
		WHERE s.id = ? AND g.user_id = ?`, stepID, userID).Scan(&goalID, &linkedEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up step %d: %w", stepID, err)
	}
	if linkedEventID.Valid {
		if _, err := tx.Exec(`DELETE FROM events WHERE id = ?`, linkedEventID.Int64); err != nil {
			return fmt.Errorf("failed to delete linked event: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE id = ?`, stepID); err != nil {
		return fmt.Errorf("failed to delete step: %w", err)
	}
	if err := renumberStepsSQLite(tx, goalID); err != nil {
		return err
	}
	if err := recomputeGoalSQLite(tx, goalID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step delete: %w", err)
	}
	return nil
}

// renumberStepsSQLite rewrites step orders to a dense 1..N sequence.
func renumberStepsSQLite(tx *sql.Tx, goalID int64) error {
	rows, err := tx.Query(`SELECT id FROM steps WHERE goal_id = ? ORDER BY step_order`, goalID)
	if err != nil {
		return fmt.Errorf("failed to read steps for renumbering: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan step id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate step ids: %w", err)
	}
	for i, id := range ids {
		if _, err := tx.Exec(`UPDATE steps SET step_order = ? WHERE id = ?`, i+1, id); err != nil {
			return fmt.Errorf("failed to renumber step %d: %w", id, mapSQLiteError(err))
		}
	}
	return nil
}

// recomputeGoalSQLite rereads step counts and updates the parent goal's
// derived progress and status inside the transaction.
func recomputeGoalSQLite(tx *sql.Tx, goalID int64) error {
	var total, completed int
	err := tx.QueryRow(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM steps WHERE goal_id = ?`, goalID).Scan(&total, &completed)
	if err != nil {
		return fmt.Errorf("failed to count steps: %w", err)
	}
	var current models.GoalStatus
	if err := tx.QueryRow(`SELECT status FROM goals WHERE id = ?`, goalID).Scan(&current); err != nil {
		return fmt.Errorf("failed to read goal status: %w", err)
	}
	progress, status := progressFromCounts(total, completed, current)
	_, err = tx.Exec(`UPDATE goals SET progress_percent = ?, status = ?, updated_at = ? WHERE id = ?`,
		progress, status, time.Now().UTC(), goalID)
	if err != nil {
		return fmt.Errorf("failed to update goal progress: %w", err)
	}
	return nil
}

// AddStepWithEvent inserts a step and an optional linked event in one
// transaction. A zero Order appends at max(order)+1.
func (s *SQLiteStore) AddStepWithEvent(step *models.Step, event *models.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if step.Order == 0 {
		if err := tx.QueryRow(`SELECT COALESCE(MAX(step_order), 0) + 1 FROM steps WHERE goal_id = ?`,
			step.GoalID).Scan(&step.Order); err != nil {
			return fmt.Errorf("failed to compute step order: %w", err)
		}
	}
	if step.Status == "" {
		step.Status = models.StepStatusPending
	}
	res, err := tx.Exec(`INSERT INTO steps
		(goal_id, title, step_order, status, estimated_hours, completed_at, planned_date, planned_time, duration_minutes, linked_event_id)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, NULL)`,
		step.GoalID, step.Title, step.Order, step.Status, step.EstimatedHours,
		nilIfZeroDate(step.PlannedDate), nilIfEmpty(step.PlannedTime), step.DurationMinutes)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", mapSQLiteError(err))
	}
	if step.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read step id: %w", err)
	}

	if event != nil {
		event.LinkedStepID = &step.ID
		event.EventType = models.EventTypeGoalStep
		res, err := tx.Exec(`INSERT INTO events
			(user_id, title, event_date, event_time, duration_minutes, repeat_rule, notes, event_type,
			 linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.UserID, event.Title, event.Date.Format(models.DateLayout), nilIfEmpty(event.Time),
			event.DurationMinutes, event.Repeat, event.Notes, event.EventType,
			step.ID, nilIfZeroID(event.LinkedGoalID), event.ReminderMinutesBefore,
			event.ReminderEnabled, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to insert linked event: %w", mapSQLiteError(err))
		}
		if event.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read event id: %w", err)
		}
		step.LinkedEventID = &event.ID
		if _, err := tx.Exec(`UPDATE steps SET linked_event_id = ? WHERE id = ?`, event.ID, step.ID); err != nil {
			return fmt.Errorf("failed to link step to event: %w", mapSQLiteError(err))
		}
	}

	if err := recomputeGoalSQLite(tx, step.GoalID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step insert: %w", err)
	}
	return nil
}

// SetStepStatus transitions a step and recomputes the parent goal's derived
// progress in one transaction.
func (s *SQLiteStore) SetStepStatus(userID string, stepID int64, status models.StepStatus) (*models.Goal, *models.Step, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var goalID int64
	err = tx.QueryRow(`SELECT s.goal_id FROM steps s JOIN goals g ON s.goal_id = g.id
		WHERE s.id = ? AND g.user_id = ?`, stepID, userID).Scan(&goalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, models.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up step %d: %w", stepID, err)
	}

	var completedAt any
	if status == models.StepStatusCompleted {
		completedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(`UPDATE steps SET status = ?, completed_at = ? WHERE id = ?`,
		status, completedAt, stepID); err != nil {
		return nil, nil, fmt.Errorf("failed to update step status: %w", mapSQLiteError(err))
	}
	if err := recomputeGoalSQLite(tx, goalID); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit step status: %w", err)
	}

	goal, err := s.GetGoal(userID, goalID)
	if err != nil {
		return nil, nil, err
	}
	step, err := s.GetStep(userID, stepID)
	if err != nil {
		return nil, nil, err
	}
	slog.Debug("SQLiteStore SetStepStatus succeeded", "stepID", stepID, "status", status, "progress", goal.ProgressPercent)
	return goal, step, nil
}

const sqliteEventCols = `id, user_id, title, event_date, event_time, duration_minutes,
	repeat_rule, notes, event_type, linked_step_id, linked_goal_id,
	reminder_minutes_before, reminder_enabled, created_at`

// CreateEvent inserts an event and fills in its id.
func (s *SQLiteStore) CreateEvent(e *models.Event) error {
	if e.DurationMinutes == 0 {
		e.DurationMinutes = models.DefaultEventDurationMinutes
	}
	if e.EventType == "" {
		e.EventType = models.EventTypeUser
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO events
		(user_id, title, event_date, event_time, duration_minutes, repeat_rule, notes, event_type,
		 linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Title, e.Date.Format(models.DateLayout), nilIfEmpty(e.Time),
		e.DurationMinutes, e.Repeat, e.Notes, e.EventType,
		nilIfZeroID(e.LinkedStepID), nilIfZeroID(e.LinkedGoalID),
		e.ReminderMinutesBefore, e.ReminderEnabled, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", mapSQLiteError(err))
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	return nil
}

// GetEvent returns an event owned by the user.
func (s *SQLiteStore) GetEvent(userID string, eventID int64) (*models.Event, error) {
	row := s.db.QueryRow(`SELECT `+sqliteEventCols+` FROM events WHERE id = ? AND user_id = ?`, eventID, userID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", eventID, err)
	}
	return &e, nil
}

// SearchEvents returns events matching the filter, ordered by date, then
// time with all-day events last, then id.
func (s *SQLiteStore) SearchEvents(userID string, f EventFilter) ([]models.Event, error) {
	query := `SELECT ` + sqliteEventCols + ` FROM events WHERE user_id = ?`
	args := []any{userID}
	if f.TitleLike != "" {
		query += ` AND LOWER(title) LIKE '%' || LOWER(?) || '%'`
		args = append(args, f.TitleLike)
	}
	if f.DateFrom != nil {
		query += ` AND event_date >= ?`
		args = append(args, f.DateFrom.Format(models.DateLayout))
	}
	if f.DateTo != nil {
		query += ` AND event_date <= ?`
		args = append(args, f.DateTo.Format(models.DateLayout))
	}
	if f.TimeFrom != "" {
		query += ` AND event_time >= ?`
		args = append(args, f.TimeFrom)
	}
	if f.TimeTo != "" {
		query += ` AND event_time <= ?`
		args = append(args, f.TimeTo)
	}
	query += ` ORDER BY event_date, CASE WHEN event_time IS NULL THEN 1 ELSE 0 END, event_time, id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListEventsBetween returns events in the inclusive date window.
func (s *SQLiteStore) ListEventsBetween(userID string, from, to time.Time) ([]models.Event, error) {
	return s.SearchEvents(userID, EventFilter{DateFrom: &from, DateTo: &to})
}

// UpdateEvent persists mutable event fields.
func (s *SQLiteStore) UpdateEvent(e *models.Event) error {
	res, err := s.db.Exec(`UPDATE events SET title = ?, event_date = ?, event_time = ?,
		duration_minutes = ?, repeat_rule = ?, notes = ?, reminder_minutes_before = ?, reminder_enabled = ?
		WHERE id = ? AND user_id = ?`,
		e.Title, e.Date.Format(models.DateLayout), nilIfEmpty(e.Time), e.DurationMinutes,
		e.Repeat, e.Notes, e.ReminderMinutesBefore, e.ReminderEnabled, e.ID, e.UserID)
	if err != nil {
		return fmt.Errorf("failed to update event %d: %w", e.ID, mapSQLiteError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteEvent removes an event and clears the back-reference on a linked
// step in the same transaction.
func (s *SQLiteStore) DeleteEvent(userID string, eventID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var linkedStepID sql.NullInt64
	err = tx.QueryRow(`SELECT linked_step_id FROM events WHERE id = ? AND user_id = ?`, eventID, userID).Scan(&linkedStepID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up event %d: %w", eventID, err)
	}
	if linkedStepID.Valid {
		if _, err := tx.Exec(`UPDATE steps SET linked_event_id = NULL, planned_date = NULL, planned_time = NULL
			WHERE id = ?`, linkedStepID.Int64); err != nil {
			return fmt.Errorf("failed to unlink step: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event delete: %w", err)
	}
	return nil
}

// ApplyPlan persists a placement batch: one goal_step event per placement,
// planning stamps on the steps, and the goal's is_scheduled flag, all in one
// transaction.
func (s *SQLiteStore) ApplyPlan(userID string, goalID int64, placements []Placement) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var scheduled bool
	err = tx.QueryRow(`SELECT is_scheduled FROM goals WHERE id = ? AND user_id = ?`, goalID, userID).Scan(&scheduled)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check goal %d: %w", goalID, err)
	}
	if scheduled {
		// Re-running placement for a scheduled goal is a no-op.
		return nil
	}

	now := time.Now().UTC()
	for _, p := range placements {
		res, err := tx.Exec(`INSERT INTO events
			(user_id, title, event_date, event_time, duration_minutes, repeat_rule, notes, event_type,
			 linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled, created_at)
			VALUES (?, ?, ?, ?, ?, '', '', 'goal_step', ?, ?, ?, 1, ?)`,
			userID, p.Title, p.Date.Format(models.DateLayout), p.Time, p.DurationMinutes,
			p.StepID, goalID, models.DefaultReminderMinutesBefore, now)
		if err != nil {
			return fmt.Errorf("failed to insert plan event: %w", mapSQLiteError(err))
		}
		eventID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read plan event id: %w", err)
		}
		if _, err := tx.Exec(`UPDATE steps SET planned_date = ?, planned_time = ?, duration_minutes = ?, linked_event_id = ?
			WHERE id = ?`,
			p.Date.Format(models.DateLayout), p.Time, p.DurationMinutes, eventID, p.StepID); err != nil {
			return fmt.Errorf("failed to stamp step %d: %w", p.StepID, mapSQLiteError(err))
		}
	}
	if _, err := tx.Exec(`UPDATE goals SET is_scheduled = 1, updated_at = ? WHERE id = ?`, now, goalID); err != nil {
		return fmt.Errorf("failed to mark goal scheduled: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	slog.Info("SQLiteStore ApplyPlan succeeded", "goalID", goalID, "placements", len(placements))
	return nil
}

// ClearPlan reverts ApplyPlan: deletes goal_step events, clears planning
// stamps and resets is_scheduled.
func (s *SQLiteStore) ClearPlan(userID string, goalID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE user_id = ? AND linked_goal_id = ? AND event_type = 'goal_step'`,
		userID, goalID); err != nil {
		return fmt.Errorf("failed to delete plan events: %w", err)
	}
	if _, err := tx.Exec(`UPDATE steps SET planned_date = NULL, planned_time = NULL, linked_event_id = NULL
		WHERE goal_id = ?`, goalID); err != nil {
		return fmt.Errorf("failed to clear step stamps: %w", err)
	}
	if _, err := tx.Exec(`UPDATE goals SET is_scheduled = 0, updated_at = ? WHERE id = ? AND user_id = ?`,
		time.Now().UTC(), goalID, userID); err != nil {
		return fmt.Errorf("failed to reset is_scheduled: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan clear: %w", err)
	}
	return nil
}

// AppendMessage stores a conversation turn and trims the per-user window.
func (s *SQLiteStore) AppendMessage(m models.ConversationMessage) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO conversation_messages (user_id, role, text, intent, created_at)
		VALUES (?, ?, ?, ?, ?)`, m.UserID, m.Role, m.Text, m.Intent, m.Timestamp); err != nil {
		return fmt.Errorf("failed to insert message: %w", mapSQLiteError(err))
	}
	if _, err := tx.Exec(`DELETE FROM conversation_messages WHERE user_id = ? AND id NOT IN
		(SELECT id FROM conversation_messages WHERE user_id = ? ORDER BY id DESC LIMIT ?)`,
		m.UserID, m.UserID, models.ConversationRetention); err != nil {
		return fmt.Errorf("failed to trim messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// RecentMessages returns the last n turns in chronological order.
func (s *SQLiteStore) RecentMessages(userID string, n int) ([]models.ConversationMessage, error) {
	rows, err := s.db.Query(`SELECT id, user_id, role, text, intent, created_at
		FROM conversation_messages WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var msgs []models.ConversationMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetSession returns the user's dialog state row, or nil when none exists.
func (s *SQLiteStore) GetSession(userID string) (*models.SessionState, error) {
	var st models.SessionState
	err := s.db.QueryRow(`SELECT user_id, state, context, updated_at FROM sessions WHERE user_id = ?`, userID).
		Scan(&st.UserID, &st.State, &st.Context, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", userID, err)
	}
	return &st, nil
}

// SaveSession upserts the user's dialog state row.
func (s *SQLiteStore) SaveSession(st models.SessionState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO sessions (user_id, state, context, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET state = excluded.state, context = excluded.context, updated_at = excluded.updated_at`,
		st.UserID, st.State, st.Context, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", st.UserID, mapSQLiteError(err))
	}
	return nil
}

// MarkNotified records a dedup key, returning false when it already existed.
func (s *SQLiteStore) MarkNotified(k NotificationKey) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO notification_dedup (user_id, job_kind, ref_id, fire_date, sent_at)
		VALUES (?, ?, ?, ?, ?)`, k.UserID, k.JobKind, k.RefID, k.FireDate, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record dedup key: %w", mapSQLiteError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read dedup result: %w", err)
	}
	return n == 1, nil
}
