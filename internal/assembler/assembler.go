// Package assembler builds the per-turn context bundle: user profile, active
// goals with their steps, the upcoming event window, recent conversation
// turns and the current dialog session.
package assembler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/prompts"
	"github.com/initio/assistant/internal/store"
)

// Bundle size limits.
const (
	MaxGoals        = 20
	EventWindowDays = 7
	HistoryTurns    = 5
)

// Bundle is the assembled context for one turn. Degraded is set when a
// non-critical section could not be loaded; the turn still proceeds.
type Bundle struct {
	Profile  models.UserProfile
	Goals    []models.Goal
	Steps    map[int64][]models.Step
	Events   []models.Event
	History  []models.ConversationMessage
	Session  models.SessionState
	Now      time.Time
	Degraded bool
}

// Assembler loads context bundles from the store.
type Assembler struct {
	store store.Store
}

// New creates an assembler over the given store.
func New(s store.Store) *Assembler {
	return &Assembler{store: s}
}

// Build assembles the bundle for a user. A missing profile is created with
// defaults; only a profile load failure aborts the turn, every other section
// degrades to empty with a warning.
func (a *Assembler) Build(userID string) (*Bundle, error) {
	profile, err := a.store.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		profile = &models.UserProfile{
			UserID:                 userID,
			Timezone:               models.DefaultTimezone,
			NotifyEnabled:          true,
			NotifyEventReminders:   true,
			NotifyDeadlineWarnings: true,
			NotifyStepReminders:    true,
			NotifyMotivation:       true,
		}
		if err := a.store.SaveUser(*profile); err != nil {
			return nil, fmt.Errorf("failed to create profile: %w", err)
		}
		slog.Info("Assembler created profile with defaults", "userID", userID)
	}

	b := &Bundle{
		Profile: *profile,
		Steps:   make(map[int64][]models.Step),
		Now:     time.Now().In(profile.Location()),
		Session: models.SessionState{UserID: userID, State: models.StateIdle},
	}

	goals, err := a.store.ListGoals(userID, models.GoalStatusActive)
	if err != nil {
		slog.Warn("Assembler degraded: goals unavailable", "error", err, "userID", userID)
		b.Degraded = true
	} else {
		if len(goals) > MaxGoals {
			goals = goals[:MaxGoals]
		}
		b.Goals = goals
		for _, g := range goals {
			steps, err := a.store.ListSteps(g.ID)
			if err != nil {
				slog.Warn("Assembler degraded: steps unavailable", "error", err, "goalID", g.ID)
				b.Degraded = true
				continue
			}
			b.Steps[g.ID] = steps
		}
	}

	from := models.DateOnly(b.Now)
	to := from.AddDate(0, 0, EventWindowDays)
	events, err := a.store.ListEventsBetween(userID, from, to)
	if err != nil {
		slog.Warn("Assembler degraded: events unavailable", "error", err, "userID", userID)
		b.Degraded = true
	} else {
		b.Events = events
	}

	history, err := a.store.RecentMessages(userID, HistoryTurns)
	if err != nil {
		slog.Warn("Assembler degraded: history unavailable", "error", err, "userID", userID)
		b.Degraded = true
	} else {
		b.History = history
	}

	session, err := a.store.GetSession(userID)
	if err != nil {
		slog.Warn("Assembler degraded: session unavailable", "error", err, "userID", userID)
		b.Degraded = true
	} else if session != nil {
		b.Session = *session
	}

	slog.Debug("Assembler built bundle", "userID", userID,
		"goals", len(b.Goals), "events", len(b.Events), "history", len(b.History),
		"state", b.Session.State, "degraded", b.Degraded)
	return b, nil
}

// IntentData renders the bundle into the intent prompt payload.
func (b *Bundle) IntentData() prompts.IntentData {
	data := prompts.IntentData{
		CurrentTime: b.Now.Format("2006-01-02 15:04"),
		Timezone:    b.Profile.Timezone,
	}
	for _, g := range b.Goals {
		line := fmt.Sprintf("[id=%d] %s (прогресс %d%%)", g.ID, g.Title, g.ProgressPercent)
		if g.TargetDate != nil {
			line += fmt.Sprintf(", дедлайн %s", g.TargetDate.Format(models.DateLayout))
		}
		data.ActiveGoals = append(data.ActiveGoals, line)
	}
	for _, e := range b.Events {
		clock := "весь день"
		if e.Time != "" {
			clock = e.Time
		}
		data.UpcomingEvents = append(data.UpcomingEvents,
			fmt.Sprintf("[id=%d] %s %s: %s", e.ID, e.Date.Format(models.DateLayout), clock, e.Title))
	}
	for _, m := range b.History {
		data.History = append(data.History, prompts.HistoryLine{Role: string(m.Role), Text: m.Text})
	}
	if b.Session.State != models.StateIdle {
		data.DialogState = string(b.Session.State)
		data.StateContext = b.Session.Context
	}
	return data
}
