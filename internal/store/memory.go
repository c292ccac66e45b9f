package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/initio/assistant/internal/models"
)

// InMemoryStore is a Store implementation backed by maps, used in tests and
// for ephemeral runs. All methods copy values in and out so callers never
// share memory with the store.
type InMemoryStore struct {
	mu       sync.Mutex
	users    map[string]models.UserProfile
	goals    map[int64]models.Goal
	steps    map[int64]models.Step
	events   map[int64]models.Event
	messages map[string][]models.ConversationMessage
	sessions map[string]models.SessionState
	notified map[NotificationKey]struct{}
	nextID   int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]models.UserProfile),
		goals:    make(map[int64]models.Goal),
		steps:    make(map[int64]models.Step),
		events:   make(map[int64]models.Event),
		messages: make(map[string][]models.ConversationMessage),
		sessions: make(map[string]models.SessionState),
		notified: make(map[NotificationKey]struct{}),
	}
}

func (s *InMemoryStore) allocID() int64 {
	s.nextID++
	return s.nextID
}

// Ping always succeeds.
func (s *InMemoryStore) Ping() error { return nil }

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// GetUser returns the profile for a user, or nil when none exists.
func (s *InMemoryStore) GetUser(userID string) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// SaveUser inserts or updates a profile.
func (s *InMemoryStore) SaveUser(p models.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.users[p.UserID] = p
	return nil
}

// ListUsers returns all profiles ordered by user id.
func (s *InMemoryStore) ListUsers() ([]models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]models.UserProfile, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}

// CreateGoal inserts a goal and fills in its id.
func (s *InMemoryStore) CreateGoal(g *models.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.Status == "" {
		g.Status = models.GoalStatusActive
	}
	if g.Priority == "" {
		g.Priority = models.PriorityMedium
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	g.ID = s.allocID()
	s.goals[g.ID] = *g
	return nil
}

// GetGoal returns a goal owned by the user.
func (s *InMemoryStore) GetGoal(userID string, goalID int64) (*models.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		return nil, models.ErrNotFound
	}
	return &g, nil
}

// ListGoals returns the user's goals ordered active, paused, completed, then
// by target date with nil dates last, then id.
func (s *InMemoryStore) ListGoals(userID string, status models.GoalStatus) ([]models.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var goals []models.Goal
	for _, g := range s.goals {
		if g.UserID != userID {
			continue
		}
		if status != "" && g.Status != status {
			continue
		}
		goals = append(goals, g)
	}
	sort.Slice(goals, func(i, j int) bool {
		a, b := goals[i], goals[j]
		if ra, rb := goalStatusRank(a.Status), goalStatusRank(b.Status); ra != rb {
			return ra < rb
		}
		switch {
		case a.TargetDate == nil && b.TargetDate != nil:
			return false
		case a.TargetDate != nil && b.TargetDate == nil:
			return true
		case a.TargetDate != nil && b.TargetDate != nil && !a.TargetDate.Equal(*b.TargetDate):
			return a.TargetDate.Before(*b.TargetDate)
		}
		return a.ID < b.ID
	})
	return goals, nil
}

// UpdateGoal persists mutable goal fields.
func (s *InMemoryStore) UpdateGoal(g *models.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.goals[g.ID]
	if !ok || old.UserID != g.UserID {
		return models.ErrNotFound
	}
	g.UpdatedAt = time.Now().UTC()
	s.goals[g.ID] = *g
	return nil
}

// DeleteGoalCascade removes the goal, its steps and their linked events.
func (s *InMemoryStore) DeleteGoalCascade(userID string, goalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		return models.ErrNotFound
	}
	for id, e := range s.events {
		if e.UserID == userID && e.LinkedGoalID != nil && *e.LinkedGoalID == goalID {
			delete(s.events, id)
		}
	}
	for id, st := range s.steps {
		if st.GoalID == goalID {
			delete(s.steps, id)
		}
	}
	delete(s.goals, goalID)
	return nil
}

// CreateStep inserts a step and fills in its id.
func (s *InMemoryStore) CreateStep(st *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Status == "" {
		st.Status = models.StepStatusPending
	}
	st.ID = s.allocID()
	s.steps[st.ID] = *st
	return nil
}

// GetStep returns a step whose parent goal is owned by the user.
func (s *InMemoryStore) GetStep(userID string, stepID int64) (*models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return nil, models.ErrNotFound
	}
	g, ok := s.goals[st.GoalID]
	if !ok || g.UserID != userID {
		return nil, models.ErrNotFound
	}
	return &st, nil
}

// ListSteps returns the goal's steps ordered by step order.
func (s *InMemoryStore) ListSteps(goalID int64) ([]models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepsOfLocked(goalID), nil
}

func (s *InMemoryStore) stepsOfLocked(goalID int64) []models.Step {
	var steps []models.Step
	for _, st := range s.steps {
		if st.GoalID == goalID {
			steps = append(steps, st)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// UpdateStep persists mutable step fields.
func (s *InMemoryStore) UpdateStep(st *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[st.ID]; !ok {
		return models.ErrNotFound
	}
	s.steps[st.ID] = *st
	return nil
}

// recomputeGoalLocked rereads step counts and updates the goal's derived
// progress and status. Caller holds the mutex.
func (s *InMemoryStore) recomputeGoalLocked(goalID int64) {
	g, ok := s.goals[goalID]
	if !ok {
		return
	}
	steps := s.stepsOfLocked(goalID)
	completed := 0
	for _, st := range steps {
		if st.Status == models.StepStatusCompleted {
			completed++
		}
	}
	g.ProgressPercent, g.Status = progressFromCounts(len(steps), completed, g.Status)
	g.UpdatedAt = time.Now().UTC()
	s.goals[goalID] = g
}

// DeleteStepCascade removes the step and any linked event, renumbers the
// remaining orders to 1..N, and recomputes goal progress.
func (s *InMemoryStore) DeleteStepCascade(userID string, stepID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return models.ErrNotFound
	}
	g, ok := s.goals[st.GoalID]
	if !ok || g.UserID != userID {
		return models.ErrNotFound
	}
	if st.LinkedEventID != nil {
		delete(s.events, *st.LinkedEventID)
	}
	delete(s.steps, stepID)
	for i, rest := range s.stepsOfLocked(st.GoalID) {
		rest.Order = i + 1
		s.steps[rest.ID] = rest
	}
	s.recomputeGoalLocked(st.GoalID)
	return nil
}

// AddStepWithEvent inserts a step and an optional linked event, wiring the
// bidirectional link. A zero Order appends at max(order)+1.
func (s *InMemoryStore) AddStepWithEvent(step *models.Step, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.Order == 0 {
		maxOrder := 0
		for _, st := range s.steps {
			if st.GoalID == step.GoalID && st.Order > maxOrder {
				maxOrder = st.Order
			}
		}
		step.Order = maxOrder + 1
	}
	if step.Status == "" {
		step.Status = models.StepStatusPending
	}
	for _, st := range s.steps {
		if st.GoalID == step.GoalID && st.Order == step.Order {
			return fmt.Errorf("%w: duplicate step order %d", models.ErrStoreConstraint, step.Order)
		}
	}
	step.ID = s.allocID()
	if event != nil {
		event.ID = s.allocID()
		event.LinkedStepID = &step.ID
		event.EventType = models.EventTypeGoalStep
		if event.CreatedAt.IsZero() {
			event.CreatedAt = time.Now().UTC()
		}
		step.LinkedEventID = &event.ID
		s.events[event.ID] = *event
	}
	s.steps[step.ID] = *step
	s.recomputeGoalLocked(step.GoalID)
	return nil
}

// SetStepStatus transitions a step and recomputes the parent goal's derived
// progress.
func (s *InMemoryStore) SetStepStatus(userID string, stepID int64, status models.StepStatus) (*models.Goal, *models.Step, error) {
	s.mu.Lock()
	st, ok := s.steps[stepID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, models.ErrNotFound
	}
	g, ok := s.goals[st.GoalID]
	if !ok || g.UserID != userID {
		s.mu.Unlock()
		return nil, nil, models.ErrNotFound
	}
	st.Status = status
	if status == models.StepStatusCompleted {
		now := time.Now().UTC()
		st.CompletedAt = &now
	} else {
		st.CompletedAt = nil
	}
	s.steps[stepID] = st
	s.recomputeGoalLocked(st.GoalID)
	goalID := st.GoalID
	s.mu.Unlock()

	goal, err := s.GetGoal(userID, goalID)
	if err != nil {
		return nil, nil, err
	}
	step, err := s.GetStep(userID, stepID)
	if err != nil {
		return nil, nil, err
	}
	return goal, step, nil
}

// CreateEvent inserts an event and fills in its id.
func (s *InMemoryStore) CreateEvent(e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.DurationMinutes == 0 {
		e.DurationMinutes = models.DefaultEventDurationMinutes
	}
	if e.EventType == "" {
		e.EventType = models.EventTypeUser
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.ID = s.allocID()
	s.events[e.ID] = *e
	return nil
}

// GetEvent returns an event owned by the user.
func (s *InMemoryStore) GetEvent(userID string, eventID int64) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok || e.UserID != userID {
		return nil, models.ErrNotFound
	}
	return &e, nil
}

// SearchEvents returns events matching the filter, ordered by date, then
// time with all-day events last, then id.
func (s *InMemoryStore) SearchEvents(userID string, f EventFilter) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []models.Event
	for _, e := range s.events {
		if e.UserID != userID {
			continue
		}
		if f.TitleLike != "" && !strings.Contains(strings.ToLower(e.Title), strings.ToLower(f.TitleLike)) {
			continue
		}
		if f.DateFrom != nil && e.Date.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && e.Date.After(*f.DateTo) {
			continue
		}
		if f.TimeFrom != "" && (e.Time == "" || e.Time < f.TimeFrom) {
			continue
		}
		if f.TimeTo != "" && (e.Time == "" || e.Time > f.TimeTo) {
			continue
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		switch {
		case a.Time == "" && b.Time != "":
			return false
		case a.Time != "" && b.Time == "":
			return true
		case a.Time != b.Time:
			return a.Time < b.Time
		}
		return a.ID < b.ID
	})
	return events, nil
}

// ListEventsBetween returns events in the inclusive date window.
func (s *InMemoryStore) ListEventsBetween(userID string, from, to time.Time) ([]models.Event, error) {
	return s.SearchEvents(userID, EventFilter{DateFrom: &from, DateTo: &to})
}

// UpdateEvent persists mutable event fields.
func (s *InMemoryStore) UpdateEvent(e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.events[e.ID]
	if !ok || old.UserID != e.UserID {
		return models.ErrNotFound
	}
	s.events[e.ID] = *e
	return nil
}

// DeleteEvent removes an event and clears the back-reference on a linked
// step.
func (s *InMemoryStore) DeleteEvent(userID string, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok || e.UserID != userID {
		return models.ErrNotFound
	}
	if e.LinkedStepID != nil {
		if st, ok := s.steps[*e.LinkedStepID]; ok {
			st.LinkedEventID = nil
			st.PlannedDate = nil
			st.PlannedTime = ""
			s.steps[st.ID] = st
		}
	}
	delete(s.events, eventID)
	return nil
}

// ApplyPlan persists a placement batch and sets is_scheduled. Already
// scheduled goals are left untouched.
func (s *InMemoryStore) ApplyPlan(userID string, goalID int64, placements []Placement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		return models.ErrNotFound
	}
	if g.IsScheduled {
		return nil
	}
	for _, p := range placements {
		st, ok := s.steps[p.StepID]
		if !ok || st.GoalID != goalID {
			return fmt.Errorf("%w: placement for unknown step %d", models.ErrStoreConstraint, p.StepID)
		}
		date := p.Date
		e := models.Event{
			ID:                    s.allocID(),
			UserID:                userID,
			Title:                 p.Title,
			Date:                  date,
			Time:                  p.Time,
			DurationMinutes:       p.DurationMinutes,
			EventType:             models.EventTypeGoalStep,
			LinkedStepID:          &st.ID,
			LinkedGoalID:          &goalID,
			ReminderMinutesBefore: models.DefaultReminderMinutesBefore,
			ReminderEnabled:       true,
			CreatedAt:             time.Now().UTC(),
		}
		s.events[e.ID] = e
		st.PlannedDate = &date
		st.PlannedTime = p.Time
		st.DurationMinutes = p.DurationMinutes
		st.LinkedEventID = &e.ID
		s.steps[st.ID] = st
	}
	g.IsScheduled = true
	g.UpdatedAt = time.Now().UTC()
	s.goals[goalID] = g
	return nil
}

// ClearPlan reverts ApplyPlan.
func (s *InMemoryStore) ClearPlan(userID string, goalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID {
		return models.ErrNotFound
	}
	for id, e := range s.events {
		if e.UserID == userID && e.LinkedGoalID != nil && *e.LinkedGoalID == goalID && e.EventType == models.EventTypeGoalStep {
			delete(s.events, id)
		}
	}
	for _, st := range s.stepsOfLocked(goalID) {
		st.PlannedDate = nil
		st.PlannedTime = ""
		st.LinkedEventID = nil
		s.steps[st.ID] = st
	}
	g.IsScheduled = false
	g.UpdatedAt = time.Now().UTC()
	s.goals[goalID] = g
	return nil
}

// AppendMessage stores a conversation turn and trims the per-user window.
func (s *InMemoryStore) AppendMessage(m models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	m.ID = s.allocID()
	msgs := append(s.messages[m.UserID], m)
	if len(msgs) > models.ConversationRetention {
		msgs = msgs[len(msgs)-models.ConversationRetention:]
	}
	s.messages[m.UserID] = msgs
	return nil
}

// RecentMessages returns the last n turns in chronological order.
func (s *InMemoryStore) RecentMessages(userID string, n int) ([]models.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[userID]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]models.ConversationMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// GetSession returns the user's dialog state row, or nil when none exists.
func (s *InMemoryStore) GetSession(userID string) (*models.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// SaveSession upserts the user's dialog state row.
func (s *InMemoryStore) SaveSession(st models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	s.sessions[st.UserID] = st
	return nil
}

// MarkNotified records a dedup key, returning false when it already existed.
func (s *InMemoryStore) MarkNotified(k NotificationKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notified[k]; ok {
		return false, nil
	}
	s.notified[k] = struct{}{}
	return true, nil
}
