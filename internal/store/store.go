// Package store provides storage backends for the assistant core.
//
// It defines the Store interface consumed by the orchestration layers and
// ships PostgreSQL, SQLite and in-memory implementations. All multi-row
// writes (cascade deletes, plan application, progress recomputation) run in
// a single transaction inside the backend.
package store

import (
	"time"

	"github.com/initio/assistant/internal/models"
)

// EventFilter narrows SearchEvents. Zero values mean "no constraint".
// Date bounds are inclusive, date-only values.
type EventFilter struct {
	TitleLike string
	DateFrom  *time.Time
	DateTo    *time.Time
	TimeFrom  string // HH:MM
	TimeTo    string // HH:MM
}

// Placement is one calendar slot assignment produced by the auto-scheduler.
// ApplyPlan persists the whole batch atomically.
type Placement struct {
	StepID          int64
	Title           string
	Date            time.Time // date-only
	Time            string    // HH:MM
	DurationMinutes int
}

// NotificationKey identifies a single logical notification occurrence for
// one local day. A persisted key suppresses duplicate emission.
type NotificationKey struct {
	UserID   string
	JobKind  string
	RefID    int64
	FireDate string // YYYY-MM-DD in the user's local zone
}

// Store is the typed CRUD and transaction surface over the domain entities.
// Every query and mutation is scoped to a user id; cross-user references are
// rejected by returning models.ErrNotFound.
type Store interface {
	// Users.
	GetUser(userID string) (*models.UserProfile, error)
	SaveUser(p models.UserProfile) error
	ListUsers() ([]models.UserProfile, error)

	// Goals. ListGoals orders active before paused before completed, then by
	// target date (nulls last), then by id.
	CreateGoal(g *models.Goal) error
	GetGoal(userID string, goalID int64) (*models.Goal, error)
	ListGoals(userID string, status models.GoalStatus) ([]models.Goal, error)
	UpdateGoal(g *models.Goal) error
	// DeleteGoalCascade removes the goal, its steps and their linked events
	// in one transaction.
	DeleteGoalCascade(userID string, goalID int64) error

	// Steps. ListSteps orders by step order ascending.
	CreateStep(s *models.Step) error
	GetStep(userID string, stepID int64) (*models.Step, error)
	ListSteps(goalID int64) ([]models.Step, error)
	UpdateStep(s *models.Step) error
	// DeleteStepCascade removes the step and any linked event, renumbers the
	// remaining orders to 1..N and recomputes goal progress, atomically.
	DeleteStepCascade(userID string, stepID int64) error
	// AddStepWithEvent inserts a step and an optional linked event in one
	// transaction, wiring the bidirectional link.
	AddStepWithEvent(step *models.Step, event *models.Event) error
	// SetStepStatus transitions a step and recomputes the parent goal's
	// progress under a row lock. It returns the updated goal and step.
	SetStepStatus(userID string, stepID int64, status models.StepStatus) (*models.Goal, *models.Step, error)

	// Events. SearchEvents orders by (date, time nulls last, id).
	CreateEvent(e *models.Event) error
	GetEvent(userID string, eventID int64) (*models.Event, error)
	SearchEvents(userID string, f EventFilter) ([]models.Event, error)
	ListEventsBetween(userID string, from, to time.Time) ([]models.Event, error)
	UpdateEvent(e *models.Event) error
	// DeleteEvent also clears the back-reference on a linked step in the
	// same transaction.
	DeleteEvent(userID string, eventID int64) error

	// Scheduling. ApplyPlan creates goal_step events, stamps the steps and
	// sets is_scheduled in one transaction. ClearPlan reverts all of it.
	ApplyPlan(userID string, goalID int64, placements []Placement) error
	ClearPlan(userID string, goalID int64) error

	// Conversation history, bounded to models.ConversationRetention rows.
	AppendMessage(m models.ConversationMessage) error
	RecentMessages(userID string, n int) ([]models.ConversationMessage, error)

	// Session state, one row per user.
	GetSession(userID string) (*models.SessionState, error)
	SaveSession(s models.SessionState) error

	// MarkNotified records a dedup key. It returns false when the key was
	// already present (the notification must not fire again).
	MarkNotified(k NotificationKey) (bool, error)

	// Ping verifies backend liveness; used by startup and health checks.
	Ping() error
	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the database connection string (Postgres URL or SQLite path).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// goalStatusRank maps statuses to their list ordering: active, paused,
// completed.
func goalStatusRank(s models.GoalStatus) int {
	switch s {
	case models.GoalStatusActive:
		return 0
	case models.GoalStatusPaused:
		return 1
	case models.GoalStatusCompleted:
		return 2
	default:
		return 3
	}
}
