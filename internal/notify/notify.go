// Package notify runs the periodic reminder jobs: event reminders, goal
// deadline warnings, overdue step digests and daily motivation. All firing
// decisions are made in each user's local timezone; a persisted dedup key
// keeps every notification to once per local day.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/initio/assistant/internal/analytics"
	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/store"
	"github.com/initio/assistant/internal/transport"
)

// Job kinds, used as dedup keys and analytics labels.
const (
	JobEventReminder = "event_reminder"
	JobGoalDeadline  = "goal_deadline"
	JobStepReminder  = "step_reminder"
	JobMotivation    = "motivation"
)

// Local firing hours for the daily jobs.
const (
	deadlineHour   = 9
	stepDigestHour = 20
	motivationHour = 8
)

// DefaultRatePerSecond bounds global outbound sends.
const DefaultRatePerSecond = 30

// deadlineThresholds are the days-remaining values that trigger a warning.
var deadlineThresholds = map[int]bool{7: true, 3: true, 1: true, 0: true}

// Scheduler owns the cron loop and the outbound send budget.
type Scheduler struct {
	store   store.Store
	sender  transport.Sender
	sink    analytics.Sink
	limiter *rate.Limiter
	cron    *cron.Cron
	now     func() time.Time

	mu       sync.Mutex
	deferred []transport.Message
}

// Opts holds configuration for scheduler construction.
type Opts struct {
	RatePerSecond float64
	Analytics     analytics.Sink
}

// Option configures scheduler construction.
type Option func(*Opts)

// WithRate sets the global outbound messages-per-second budget.
func WithRate(perSecond float64) Option {
	return func(o *Opts) { o.RatePerSecond = perSecond }
}

// WithAnalytics sets the usage event sink.
func WithAnalytics(s analytics.Sink) Option {
	return func(o *Opts) { o.Analytics = s }
}

// New creates the notification scheduler.
func New(s store.Store, sender transport.Sender, opts ...Option) *Scheduler {
	cfg := Opts{RatePerSecond: DefaultRatePerSecond, Analytics: analytics.NopSink{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		store:   s,
		sender:  sender,
		sink:    cfg.Analytics,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)),
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start begins the per-minute tick. The tick re-evaluates everything, so a
// failed minute heals on the next one.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("* * * * *", func() { s.Tick(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("Notify.Start: scheduler running")
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("Notify.Stop: scheduler stopped")
}

// Tick runs one evaluation pass: flush deferred sends first, then scan all
// users for due notifications.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	s.flushDeferred(ctx)

	users, err := s.store.ListUsers()
	if err != nil {
		slog.Error("Notify.Tick: failed to list users", "error", err)
		return
	}
	for _, u := range users {
		if !u.NotifyEnabled {
			continue
		}
		local := now.In(u.Location())
		if u.NotifyEventReminders {
			s.eventReminders(ctx, u, now, local)
		}
		if u.NotifyDeadlineWarnings && local.Hour() == deadlineHour && local.Minute() == 0 {
			s.goalDeadlines(ctx, u, local)
		}
		if u.NotifyStepReminders && local.Hour() == stepDigestHour && local.Minute() == 0 {
			s.stepReminders(ctx, u, local)
		}
		if u.NotifyMotivation && local.Hour() == motivationHour && local.Minute() == 0 {
			s.motivation(ctx, u, local)
		}
	}
}

// eventReminders fires for events whose reminder instant falls inside the
// current one-minute window.
func (s *Scheduler) eventReminders(ctx context.Context, u models.UserProfile, now, local time.Time) {
	today := models.DateOnly(local)
	events, err := s.store.ListEventsBetween(u.UserID, today, today.AddDate(0, 0, 1))
	if err != nil {
		slog.Error("Notify.eventReminders: query failed", "error", err, "userID", u.UserID)
		return
	}
	windowEnd := now.Add(time.Minute)
	for _, e := range events {
		if !e.ReminderEnabled || e.Time == "" {
			continue
		}
		lead := e.ReminderMinutesBefore
		if lead <= 0 {
			lead = models.DefaultReminderMinutesBefore
		}
		remindAt := e.StartsAt(u.Location()).Add(-time.Duration(lead) * time.Minute)
		if remindAt.Before(now) || !remindAt.Before(windowEnd) {
			continue
		}
		s.fire(ctx, u, store.NotificationKey{
			UserID:   u.UserID,
			JobKind:  JobEventReminder,
			RefID:    e.ID,
			FireDate: local.Format(models.DateLayout),
		}, formatEventReminder(e, lead))
	}
}

// goalDeadlines warns about active goals 7, 3, 1 and 0 days before target.
func (s *Scheduler) goalDeadlines(ctx context.Context, u models.UserProfile, local time.Time) {
	goals, err := s.store.ListGoals(u.UserID, models.GoalStatusActive)
	if err != nil {
		slog.Error("Notify.goalDeadlines: query failed", "error", err, "userID", u.UserID)
		return
	}
	today := models.DateOnly(local)
	for _, g := range goals {
		if g.TargetDate == nil {
			continue
		}
		days := int(g.TargetDate.Sub(today).Hours() / 24)
		if !deadlineThresholds[days] {
			continue
		}
		s.fire(ctx, u, store.NotificationKey{
			UserID:   u.UserID,
			JobKind:  JobGoalDeadline,
			RefID:    g.ID,
			FireDate: local.Format(models.DateLayout),
		}, formatDeadlineWarning(g, days))
	}
}

// stepReminders sends one evening digest of overdue steps across all active
// goals.
func (s *Scheduler) stepReminders(ctx context.Context, u models.UserProfile, local time.Time) {
	goals, err := s.store.ListGoals(u.UserID, models.GoalStatusActive)
	if err != nil {
		slog.Error("Notify.stepReminders: query failed", "error", err, "userID", u.UserID)
		return
	}
	today := models.DateOnly(local)
	var overdue []overdueStep
	for _, g := range goals {
		steps, err := s.store.ListSteps(g.ID)
		if err != nil {
			slog.Warn("Notify.stepReminders: steps unavailable", "error", err, "goalID", g.ID)
			continue
		}
		for _, st := range steps {
			if st.Status == models.StepStatusCompleted || st.PlannedDate == nil {
				continue
			}
			if st.PlannedDate.Before(today) {
				overdue = append(overdue, overdueStep{step: st, goal: g, daysOverdue: int(today.Sub(*st.PlannedDate).Hours() / 24)})
			}
		}
	}
	if len(overdue) == 0 {
		return
	}
	s.fire(ctx, u, store.NotificationKey{
		UserID:   u.UserID,
		JobKind:  JobStepReminder,
		FireDate: local.Format(models.DateLayout),
	}, formatStepDigest(overdue))
}

// motivation sends the morning greeting to users with at least one active
// goal.
func (s *Scheduler) motivation(ctx context.Context, u models.UserProfile, local time.Time) {
	goals, err := s.store.ListGoals(u.UserID, models.GoalStatusActive)
	if err != nil {
		slog.Error("Notify.motivation: query failed", "error", err, "userID", u.UserID)
		return
	}
	if len(goals) == 0 {
		return
	}
	s.fire(ctx, u, store.NotificationKey{
		UserID:   u.UserID,
		JobKind:  JobMotivation,
		FireDate: local.Format(models.DateLayout),
	}, formatMotivation(goals))
}

// fire marks the dedup key and sends through the rate-limited path. A key
// already present means the notification was handled on an earlier tick.
func (s *Scheduler) fire(ctx context.Context, u models.UserProfile, key store.NotificationKey, html string) {
	first, err := s.store.MarkNotified(key)
	if err != nil {
		slog.Error("Notify.fire: dedup mark failed", "error", err, "jobKind", key.JobKind, "userID", key.UserID)
		return
	}
	if !first {
		return
	}
	chatID := u.ChatID
	if chatID == "" {
		chatID = u.UserID
	}
	s.deliver(ctx, transport.Message{ChatID: chatID, HTML: html}, key)
}

// deliver sends within the token budget; messages over budget carry over to
// the next tick.
func (s *Scheduler) deliver(ctx context.Context, m transport.Message, key store.NotificationKey) {
	if !s.limiter.Allow() {
		s.mu.Lock()
		s.deferred = append(s.deferred, m)
		s.mu.Unlock()
		slog.Debug("Notify.deliver: over send budget, deferred", "chatID", m.ChatID, "jobKind", key.JobKind)
		return
	}
	if err := s.sender.Send(ctx, m); err != nil {
		slog.Error("Notify.deliver: send failed", "error", err, "chatID", m.ChatID, "jobKind", key.JobKind)
		return
	}
	s.sink.Track(ctx, analytics.Event{
		Name:       "notification_sent",
		UserID:     key.UserID,
		Properties: map[string]any{"job_kind": key.JobKind},
	})
}

// flushDeferred retries carried-over messages under the current budget.
func (s *Scheduler) flushDeferred(ctx context.Context) {
	s.mu.Lock()
	pending := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for i, m := range pending {
		if !s.limiter.Allow() {
			s.mu.Lock()
			s.deferred = append(s.deferred, pending[i:]...)
			s.mu.Unlock()
			return
		}
		if err := s.sender.Send(ctx, m); err != nil {
			slog.Error("Notify.flushDeferred: send failed", "error", err, "chatID", m.ChatID)
		}
	}
}
