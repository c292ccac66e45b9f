package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/initio/assistant/internal/models"
	"github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Connection pool defaults for the Postgres backend.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
)

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	slog.Debug("Connecting to Postgres")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// mapPostgresError translates driver errors into the store taxonomy.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return fmt.Errorf("%w: %v", models.ErrStoreConstraint, err)
		case "08", "53", "57": // connection, resource, operator intervention
			return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
		}
	}
	return err
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping() error { return s.db.Ping() }

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

const pgUserCols = `user_id, chat_id, timezone, notify_enabled, notify_event_reminders,
	notify_deadline_warnings, notify_step_reminders, notify_motivation, created_at`

// GetUser returns the profile for a user, or nil when none exists.
func (s *PostgresStore) GetUser(userID string) (*models.UserProfile, error) {
	row := s.db.QueryRow(`SELECT `+pgUserCols+` FROM users WHERE user_id = $1`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user %s: %w", userID, mapPostgresError(err))
	}
	return &u, nil
}

// SaveUser inserts or updates a profile.
func (s *PostgresStore) SaveUser(p models.UserProfile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO users (`+pgUserCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			timezone = EXCLUDED.timezone,
			notify_enabled = EXCLUDED.notify_enabled,
			notify_event_reminders = EXCLUDED.notify_event_reminders,
			notify_deadline_warnings = EXCLUDED.notify_deadline_warnings,
			notify_step_reminders = EXCLUDED.notify_step_reminders,
			notify_motivation = EXCLUDED.notify_motivation`,
		p.UserID, p.ChatID, p.Timezone, p.NotifyEnabled, p.NotifyEventReminders,
		p.NotifyDeadlineWarnings, p.NotifyStepReminders, p.NotifyMotivation, p.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveUser failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("failed to save user %s: %w", p.UserID, mapPostgresError(err))
	}
	return nil
}

// ListUsers returns all profiles.
func (s *PostgresStore) ListUsers() ([]models.UserProfile, error) {
	rows, err := s.db.Query(`SELECT ` + pgUserCols + ` FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", mapPostgresError(err))
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

const pgGoalCols = `id, user_id, title, description, status, progress_percent,
	target_date, category, priority, is_scheduled, created_at, updated_at`

// CreateGoal inserts a goal and fills in its id.
func (s *PostgresStore) CreateGoal(g *models.Goal) error {
	if g.Status == "" {
		g.Status = models.GoalStatusActive
	}
	if g.Priority == "" {
		g.Priority = models.PriorityMedium
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	err := s.db.QueryRow(`INSERT INTO goals
		(user_id, title, description, status, progress_percent, target_date, category, priority, is_scheduled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		g.UserID, g.Title, g.Description, g.Status, g.ProgressPercent,
		nilIfZeroDate(g.TargetDate), g.Category, g.Priority, g.IsScheduled, g.CreatedAt, g.UpdatedAt).Scan(&g.ID)
	if err != nil {
		slog.Error("PostgresStore CreateGoal failed", "error", err, "userID", g.UserID)
		return fmt.Errorf("failed to insert goal: %w", mapPostgresError(err))
	}
	slog.Debug("PostgresStore CreateGoal succeeded", "goalID", g.ID, "userID", g.UserID)
	return nil
}

// GetGoal returns a goal owned by the user.
func (s *PostgresStore) GetGoal(userID string, goalID int64) (*models.Goal, error) {
	row := s.db.QueryRow(`SELECT `+pgGoalCols+` FROM goals WHERE id = $1 AND user_id = $2`, goalID, userID)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get goal %d: %w", goalID, mapPostgresError(err))
	}
	return &g, nil
}

// ListGoals returns the user's goals, optionally filtered by status, ordered
// active, paused, completed, then by target date with nulls last, then id.
func (s *PostgresStore) ListGoals(userID string, status models.GoalStatus) ([]models.Goal, error) {
	query := `SELECT ` + pgGoalCols + ` FROM goals WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY
		CASE status WHEN 'active' THEN 0 WHEN 'paused' THEN 1 WHEN 'completed' THEN 2 ELSE 3 END,
		target_date ASC NULLS LAST, id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", mapPostgresError(err))
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
func (s *PostgresStore) UpdateGoal(g *models.Goal) error {
	g.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`UPDATE goals SET title = $1, description = $2, status = $3,
		progress_percent = $4, target_date = $5, category = $6, priority = $7, is_scheduled = $8, updated_at = $9
		WHERE id = $10 AND user_id = $11`,
		g.Title, g.Description, g.Status, g.ProgressPercent, nilIfZeroDate(g.TargetDate),
		g.Category, g.Priority, g.IsScheduled, g.UpdatedAt, g.ID, g.UserID)
	if err != nil {
		return fmt.Errorf("failed to update goal %d: %w", g.ID, mapPostgresError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteGoalCascade removes the goal, its steps and their linked events in
// one transaction.
func (s *PostgresStore) DeleteGoalCascade(userID string, goalID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback()

	var owned int64
	err = tx.QueryRow(`SELECT id FROM goals WHERE id = $1 AND user_id = $2 FOR UPDATE`, goalID, userID).Scan(&owned)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check goal ownership: %w", mapPostgresError(err))
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE user_id = $1 AND linked_goal_id = $2`, userID, goalID); err != nil {
		return fmt.Errorf("failed to delete linked events: %w", mapPostgresError(err))
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE goal_id = $1`, goalID); err != nil {
		return fmt.Errorf("failed to delete steps: %w", mapPostgresError(err))
	}
	if _, err := tx.Exec(`DELETE FROM goals WHERE id = $1`, goalID); err != nil {
		return fmt.Errorf("failed to delete goal: %w", mapPostgresError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit goal delete: %w", mapPostgresError(err))
	}
	slog.Info("PostgresStore DeleteGoalCascade succeeded", "goalID", goalID, "userID", userID)
	return nil
}

const pgStepCols = `id, goal_id, title, step_order, status, estimated_hours,
	completed_at, planned_date, planned_time, duration_minutes, linked_event_id`

// CreateStep inserts a step and fills in its id.
func (s *PostgresStore) CreateStep(st *models.Step) error {
	if st.Status == "" {
		st.Status = models.StepStatusPending
	}
	err := s.db.QueryRow(`INSERT INTO steps
		(goal_id, title, step_order, status, estimated_hours, completed_at, planned_date, planned_time, duration_minutes, linked_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		st.GoalID, st.Title, st.Order, st.Status, st.EstimatedHours, st.CompletedAt,
		nilIfZeroDate(st.PlannedDate), nilIfEmpty(st.PlannedTime), st.DurationMinutes,
		nilIfZeroID(st.LinkedEventID)).Scan(&st.ID)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", mapPostgresError(err))
	}
	return nil
}

// GetStep returns a step whose parent goal is owned by the user.
func (s *PostgresStore) GetStep(userID string, stepID int64) (*models.Step, error) {
	row := s.db.QueryRow(`SELECT s.id, s.goal_id, s.title, s.step_order, s.status, s.estimated_hours,
		s.completed_at, s.planned_date, s.planned_time, s.duration_minutes, s.linked_event_id
		FROM steps s JOIN goals g ON s.goal_id = g.id
		WHERE s.id = $1 AND g.user_id = $2`, stepID, userID)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step %d: %w", stepID, mapPostgresError(err))
	}
	return &st, nil
}

// ListSteps returns the goal's steps ordered by step order.
func (s *PostgresStore) ListSteps(goalID int64) ([]models.Step, error) {
	rows, err := s.db.Query(`SELECT `+pgStepCols+` FROM steps WHERE goal_id = $1 ORDER BY step_order`, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", mapPostgresError(err))
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
func (s *PostgresStore) UpdateStep(st *models.Step) error {
	res, err := s.db.Exec(`UPDATE steps SET title = $1, step_order = $2, status = $3, estimated_hours = $4,
		completed_at = $5, planned_date = $6, planned_time = $7, duration_minutes = $8, linked_event_id = $9
		WHERE id = $10`,
		st.Title, st.Order, st.Status, st.EstimatedHours, st.CompletedAt,
		nilIfZeroDate(st.PlannedDate), nilIfEmpty(st.PlannedTime), st.DurationMinutes,
		nilIfZeroID(st.LinkedEventID), st.ID)
	if err != nil {
		return fmt.Errorf("failed to update step %d: %w", st.ID, mapPostgresError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteStepCascade removes the step and any linked event, renumbers the
// remaining orders to 1..N, and recomputes goal progress atomically.
func (s *PostgresStore) DeleteStepCascade(userID string, stepID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback()

	var goalID int64
	var linkedEventID sql.NullInt64
	err = tx.QueryRow(`SELECT s.goal_id, s.linked_event_id
		FROM steps s JOIN goals g ON s.goal_id = g.id
		WHERE s.id = $1 AND g.user_id = $2`, stepID, userID).Scan(&goalID, &linkedEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up step %d: %w", stepID, mapPostgresError(err))
	}
	if _, err := tx.Exec(`SELECT id FROM goals WHERE id = $1 FOR UPDATE`, goalID); err != nil {
		return fmt.Errorf("failed to lock goal %d: %w", goalID, mapPostgresError(err))
	}
	if linkedEventID.Valid {
		if _, err := tx.Exec(`DELETE FROM events WHERE id = $1`, linkedEventID.Int64); err != nil {
			return fmt.Errorf("failed to delete linked event: %w", mapPostgresError(err))
		}
	}
	if _, err := tx.Exec(`DELETE FROM steps WHERE id = $1`, stepID); err != nil {
		return fmt.Errorf("failed to delete step: %w", mapPostgresError(err))
	}
	// The (goal_id, step_order) unique constraint is deferred, so a single
	// window update renumbers safely.
	if _, err := tx.Exec(`UPDATE steps SET step_order = ranked.rn
		FROM (SELECT id, ROW_NUMBER() OVER (ORDER BY step_order) AS rn
		      FROM steps WHERE goal_id = $1) ranked
		WHERE steps.id = ranked.id`, goalID); err != nil {
		return fmt.Errorf("failed to renumber steps: %w", mapPostgresError(err))
	}
	if err := recomputeGoalPostgres(tx, goalID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step delete: %w", mapPostgresError(err))
	}
	return nil
}

// recomputeGoalPostgres rereads step counts and updates the parent goal's
// derived progress and status inside the transaction.
func recomputeGoalPostgres(tx *sql.Tx, goalID int64) error {
	var total, completed int
	err := tx.QueryRow(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM steps WHERE goal_id = $1`, goalID).Scan(&total, &completed)
	if err != nil {
		return fmt.Errorf("failed to count steps: %w", mapPostgresError(err))
	}
	var current models.GoalStatus
	if err := tx.QueryRow(`SELECT status FROM goals WHERE id = $1`, goalID).Scan(&current); err != nil {
		return fmt.Errorf("failed to read goal status: %w", mapPostgresError(err))
	}
	progress, status := progressFromCounts(total, completed, current)
	_, err = tx.Exec(`UPDATE goals SET progress_percent = $1, status = $2, updated_at = $3 WHERE id = $4`,
		progress, status, time.Now().UTC(), goalID)
	if err != nil {
		return fmt.Errorf("failed to update goal progress: %w", mapPostgresError(err))
	}
	return nil
}

// AddStepWithEvent inserts a step and an optional linked event in one
// transaction. A zero Order appends at max(order)+1.
func (s *PostgresStore) AddStepWithEvent(step *models.Step, event *models.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`SELECT id FROM goals WHERE id = $1 FOR UPDATE`, step.GoalID); err != nil {
		return fmt.Errorf("failed to lock goal %d: %w", step.GoalID, mapPostgresError(err))
	}
	if step.Order == 0 {
		if err := tx.QueryRow(`SELECT COALESCE(MAX(step_order), 0) + 1 FROM steps WHERE goal_id = $1`,
			step.GoalID).Scan(&step.Order); err != nil {
			return fmt.Errorf("failed to compute step order: %w", mapPostgresError(err))
		}
	}
	if step.Status == "" {
		step.Status = models.StepStatusPending
	}
	err = tx.QueryRow(`INSERT INTO steps
		(goal_id, title, step_order, status, estimated_hours, planned_date, planned_time, duration_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		step.GoalID, step.Title, step.Order, step.Status, step.EstimatedHours,
		nilIfZeroDate(step.PlannedDate), nilIfEmpty(step.PlannedTime), step.DurationMinutes).Scan(&step.ID)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", mapPostgresError(err))
	}

	if event != nil {
		event.LinkedStepID = &step.ID
		event.EventType = models.EventTypeGoalStep
		err = tx.QueryRow(`INSERT INTO events
			(user_id, title, event_date, event_time, duration_minutes, repeat_rule, notes, event_type,
			 linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
			event.UserID, event.Title, event.Date.Format(models.DateLayout), nilIfEmpty(event.Time),
			event.DurationMinutes, event.Repeat, event.Notes, event.EventType,
			step.ID, nilIfZeroID(event.LinkedGoalID), event.ReminderMinutesBefore,
			event.ReminderEnabled, time.Now().UTC()).Scan(&event.ID)
		if err != nil {
			return fmt.Errorf("failed to insert linked event: %w", mapPostgresError(err))
		}
		step.LinkedEventID = &event.ID
		if _, err := tx.Exec(`UPDATE steps SET linked_event_id = $1 WHERE id = $2`, event.ID, step.ID); err != nil {
			return fmt.Errorf("failed to link step to event: %w", mapPostgresError(err))
		}
	}

	if err := recomputeGoalPostgres(tx, step.GoalID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step insert: %w", mapPostgresError(err))
	}
	return nil
}

// SetStepStatus transitions a step and recomputes the parent goal's derived
// progress under a row lock.
func (s *PostgresStore) SetStepStatus(userID string, stepID int64, status models.StepStatus) (*models.Goal, *models.Step, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback()

	var goalID int64
	err = tx.QueryRow(`SELECT s.goal_id FROM steps s JOIN goals g ON s.goal_id = g.id
		WHERE s.id = $1 AND g.user_id = $2`, stepID, userID).Scan(&goalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, models.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up step %d: %w", stepID, mapPostgresError(err))
	}
	if _, err := tx.Exec(`SELECT id FROM goals WHERE id = $1 FOR UPDATE`, goalID); err != nil {
		return nil, nil, fmt.Errorf("failed to lock goal %d: %w", goalID, mapPostgresError(err))
	}

	var completedAt any
	if status == models.StepStatusCompleted {
		completedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(`UPDATE steps SET status = $1, completed_at = $2 WHERE id = $3`,
		status, completedAt, stepID); err != nil {
		return nil, nil, fmt.Errorf("failed to update step status: %w", mapPostgresError(err))
	}
	if err := recomputeGoalPostgres(tx, goalID); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit step status: %w", mapPostgresError(err))
	}

	goal, err := s.GetGoal(userID, goalID)
	if err != nil {
		return nil, nil, err
	}
	step, err := s.GetStep(userID, stepID)
	if err != nil {
		return nil, nil, err
	}
	slog.Debug("PostgresStore SetStepStatus succeeded", "stepID", stepID, "status", status, "progress", goal.ProgressPercent)
	return goal, step, nil
}

const pgEventCols = `id, user_id, title, event_date, event_time, duration_minutes,
	repeat_rule, notes, event_type, linked_step_id, linked_goal_id,
	reminder_minutes_before, reminder_enabled, created_at`

// CreateEvent inserts an event and fills in its id.
func (s *PostgresStore) CreateEvent(e *models.Event) error {
	if e.DurationMinutes == 0 {
		e.DurationMinutes = models.DefaultEventDurationMinutes
	}
	if e.EventType == "" {
		e.EventType = models.EventTypeUser
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRow(`INSERT INTO events
		(user_id, title, event_date, event_time, duration_minutes, repeat_rule, notes, event_type,
		 linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		e.UserID, e.Title, e.Date.Format(models.DateLayout), nilIfEmpty(e.Time),
		e.DurationMinutes, e.Repeat, e.Notes, e.EventType,
		nilIfZeroID(e.LinkedStepID), nilIfZeroID(e.LinkedGoalID),
		e.ReminderMinutesBefore, e.ReminderEnabled, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", mapPostgresError(err))
	}
	return nil
}

// GetEvent returns an event owned by the user.
func (s *PostgresStore) GetEvent(userID string, eventID int64) (*models.Event, error) {
	row := s.db.QueryRow(`SELECT `+pgEventCols+` FROM events WHERE id = $1 AND user_id = $2`, eventID, userID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", eventID, mapPostgresError(err))
	}
	return &e, nil
}

// SearchEvents returns events matching the filter, ordered by date, then
// time with all-day events last, then id.
func (s *PostgresStore) SearchEvents(userID string, f EventFilter) ([]models.Event, error) {
	query := `SELECT ` + pgEventCols + ` FROM events WHERE user_id = $1`
	args := []any{userID}
	n := 1
	next := func() string {
		n++
		return fmt.Sprintf("$%d", n)
	}
	if f.TitleLike != "" {
		query += ` AND title ILIKE '%' || ` + next() + ` || '%'`
		args = append(args, f.TitleLike)
	}
	if f.DateFrom != nil {
		query += ` AND event_date >= ` + next()
		args = append(args, f.DateFrom.Format(models.DateLayout))
	}
	if f.DateTo != nil {
		query += ` AND event_date <= ` + next()
		args = append(args, f.DateTo.Format(models.DateLayout))
	}
	if f.TimeFrom != "" {
		query += ` AND event_time >= ` + next()
		args = append(args, f.TimeFrom)
	}
	if f.TimeTo != "" {
		query += ` AND event_time <= ` + next()
		args = append(args, f.TimeTo)
	}
	query += ` ORDER BY event_date, event_time ASC NULLS LAST, id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", mapPostgresError(err))
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
func (s *PostgresStore) ListEventsBetween(userID string, from, to time.Time) ([]models.Event, error) {
	return s.SearchEvents(userID, EventFilter{DateFrom: &from, DateTo: &to})
}

// UpdateEvent persists mutable event fields.
func (s *PostgresStore) UpdateEvent(e *models.Event) error {
	res, err := s.db.Exec(`UPDATE events SET title = $1, event_date = $2, event_time = $3,
		duration_minutes = $4, repeat_rule = $5, notes = $6, reminder_minutes_before = $7, reminder_enabled = $8
		WHERE id = $9 AND user_id = $10`,
		e.Title, e.Date.Format(models.DateLayout), nilIfEmpty(e.Time), e.DurationMinutes,
		e.Repeat, e.Notes, e.ReminderMinutesBefore, e.ReminderEnabled, e.ID, e.UserID)
	if err != nil {
		return fmt.Errorf("failed to update event %d: %w", e.ID, mapPostgresError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteEvent removes an event and clears the back-reference on a linked
// step in the same transaction.
func (s *PostgresStore) DeleteEvent(userID string, eventID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback()

	var linkedStepID sql.NullInt64
	err = tx.QueryRow(`SELECT linked_step_id FROM events WHERE id = $1 AND user_id = $2`, eventID, userID).Scan(&linkedStepID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up event %d: %w", eventID, mapPostgresError(err))
	}
	if linkedStepID.Valid {
		if _, err := tx.Exec(`UPDATE steps SET linked_event_id = NULL, planned_date = NULL, planned_time = NULL
			WHERE id = $1`, linkedStepID.Int64); err != nil {
			return fmt.Errorf("failed to unlink step: %w", mapPostgresError(err))
		}
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to delete event: %w", mapPostgresError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event delete: %w", mapPostgresError(err))
	}
	return nil
}

// ApplyPlan persists a placement batch: one goal_step event per placement,
// planning stamps on the steps, and the goal's is_scheduled flag.
func (s *PostgresStore) ApplyPlan(userID string, goalID int64, placements []Placement) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback()

	var scheduled bool
	err = tx.QueryRow(`SELECT is_scheduled FROM goals WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		goalID, userID).Scan(&scheduled)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check goal %d: %w", goalID, mapPostgresError(err))
	}
	if scheduled {
		// Re-running placement for a scheduled goal is a no-op.
		return nil
	}

	now := time.Now().UTC()
	for _, p := range placements {
		var eventID int64
		err := tx.QueryRow(`INSERT INTO events
			(user_id, title, event_date, event_time, duration_minutes, repeat_rule, notes, event_type,
			 linked_step_id, linked_goal_id, reminder_minutes_before, reminder_enabled, created_at)
			VALUES ($1, $2, $3, $4, $5, '', '', 'goal_step', $6, $7, $8, TRUE, $9) RETURNING id`,
			userID, p.Title, p.Date.Format(models.DateLayout), p.Time, p.DurationMinutes,
			p.StepID, goalID, models.DefaultReminderMinutesBefore, now).Scan(&eventID)
		if err != nil {
			return fmt.Errorf("failed to insert plan event: %w", mapPostgresError(err))
		}
		if _, err := tx.Exec(`UPDATE steps SET planned_date = $1, planned_time = $2, duration_minutes = $3, linked_event_id = $4
			WHERE id = $5`,
			p.Date.Format(models.DateLayout), p.Time, p.DurationMinutes, eventID, p.StepID); err != nil {
			return fmt.Errorf("failed to stamp step %d: %w", p.StepID, mapPostgresError(err))
		}
	}
	if _, err := tx.Exec(`UPDATE goals SET is_scheduled = TRUE, updated_at = $1 WHERE id = $2`, now, goalID); err != nil {
		return fmt.Errorf("failed to mark goal scheduled: %w", mapPostgresError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", mapPostgresError(err))
	}
	slog.Info("PostgresStore ApplyPlan succeeded", "goalID", goalID, "placements", len(placements))
	return nil
}

// ClearPlan reverts ApplyPlan: deletes goal_step events, clears planning
// stamps and resets is_scheduled.
func (s *PostgresStore) ClearPlan(userID string, goalID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE user_id = $1 AND linked_goal_id = $2 AND event_type = 'goal_step'`,
		userID, goalID); err != nil {
		return fmt.Errorf("failed to delete plan events: %w", mapPostgresError(err))
	}
	if _, err := tx.Exec(`UPDATE steps SET planned_date = NULL, planned_time = NULL, linked_event_id = NULL
		WHERE goal_id = $1`, goalID); err != nil {
		return fmt.Errorf("failed to clear step stamps: %w", mapPostgresError(err))
	}
	if _, err := tx.Exec(`UPDATE goals SET is_scheduled = FALSE, updated_at = $1 WHERE id = $2 AND user_id = $3`,
		time.Now().UTC(), goalID, userID); err != nil {
		return fmt.Errorf("failed to reset is_scheduled: %w", mapPostgresError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan clear: %w", mapPostgresError(err))
	}
	return nil
}

// AppendMessage stores a conversation turn and trims the per-user window.
func (s *PostgresStore) AppendMessage(m models.ConversationMessage) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO conversation_messages (user_id, role, text, intent, created_at)
		VALUES ($1, $2, $3, $4, $5)`, m.UserID, m.Role, m.Text, m.Intent, m.Timestamp); err != nil {
		return fmt.Errorf("failed to insert message: %w", mapPostgresError(err))
	}
	if _, err := tx.Exec(`DELETE FROM conversation_messages WHERE user_id = $1 AND id NOT IN
		(SELECT id FROM conversation_messages WHERE user_id = $1 ORDER BY id DESC LIMIT $2)`,
		m.UserID, models.ConversationRetention); err != nil {
		return fmt.Errorf("failed to trim messages: %w", mapPostgresError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", mapPostgresError(err))
	}
	return nil
}

// RecentMessages returns the last n turns in chronological order.
func (s *PostgresStore) RecentMessages(userID string, n int) ([]models.ConversationMessage, error) {
	rows, err := s.db.Query(`SELECT id, user_id, role, text, intent, created_at
		FROM conversation_messages WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, userID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", mapPostgresError(err))
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
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetSession returns the user's dialog state row, or nil when none exists.
func (s *PostgresStore) GetSession(userID string) (*models.SessionState, error) {
	var st models.SessionState
	err := s.db.QueryRow(`SELECT user_id, state, context, updated_at FROM sessions WHERE user_id = $1`, userID).
		Scan(&st.UserID, &st.State, &st.Context, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", userID, mapPostgresError(err))
	}
	return &st, nil
}

// SaveSession upserts the user's dialog state row.
func (s *PostgresStore) SaveSession(st models.SessionState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO sessions (user_id, state, context, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET state = EXCLUDED.state, context = EXCLUDED.context, updated_at = EXCLUDED.updated_at`,
		st.UserID, st.State, st.Context, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", st.UserID, mapPostgresError(err))
	}
	return nil
}

// MarkNotified records a dedup key, returning false when it already existed.
func (s *PostgresStore) MarkNotified(k NotificationKey) (bool, error) {
	res, err := s.db.Exec(`INSERT INTO notification_dedup (user_id, job_kind, ref_id, fire_date, sent_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		k.UserID, k.JobKind, k.RefID, k.FireDate, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record dedup key: %w", mapPostgresError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read dedup result: %w", err)
	}
	return n == 1, nil
}
