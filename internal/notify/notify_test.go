package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/store"
	"github.com/initio/assistant/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (c *captureSender) Send(ctx context.Context, m transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *captureSender) last() transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

func newTestScheduler(t *testing.T, now time.Time, opts ...Option) (*Scheduler, store.Store, *captureSender) {
	t.Helper()
	s := store.NewInMemoryStore()
	sender := &captureSender{}
	sched := New(s, sender, opts...)
	sched.now = func() time.Time { return now }
	return sched, s, sender
}

func seedUser(t *testing.T, s store.Store, userID, tz string) models.UserProfile {
	t.Helper()
	p := models.UserProfile{
		UserID:                 userID,
		ChatID:                 "chat-" + userID,
		Timezone:               tz,
		NotifyEnabled:          true,
		NotifyEventReminders:   true,
		NotifyDeadlineWarnings: true,
		NotifyStepReminders:    true,
		NotifyMotivation:       true,
	}
	if err := s.SaveUser(p); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	return p
}

func TestEventReminderFiresOnceInWindow(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	sched, s, sender := newTestScheduler(t, now)
	seedUser(t, s, "u1", "UTC")
	e := &models.Event{
		UserID:                "u1",
		Title:                 "Созвон с командой",
		Date:                  time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		Time:                  "10:15",
		DurationMinutes:       30,
		EventType:             models.EventTypeUser,
		ReminderMinutesBefore: 15,
		ReminderEnabled:       true,
	}
	if err := s.CreateEvent(e); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	sched.Tick(context.Background())
	if sender.count() != 1 {
		t.Fatalf("expected 1 reminder, got %d", sender.count())
	}
	msg := sender.last()
	if msg.ChatID != "chat-u1" {
		t.Errorf("unexpected chat id %q", msg.ChatID)
	}
	if !strings.Contains(msg.HTML, "Напоминание о событии") || !strings.Contains(msg.HTML, "15 минут") {
		t.Errorf("unexpected reminder text %q", msg.HTML)
	}

	// Same minute again: dedup suppresses.
	sched.Tick(context.Background())
	if sender.count() != 1 {
		t.Errorf("expected dedup to hold, got %d sends", sender.count())
	}
}

func TestEventReminderOutsideWindow(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	sched, s, sender := newTestScheduler(t, now)
	seedUser(t, s, "u1", "UTC")
	e := &models.Event{
		UserID: "u1", Title: "Созвон",
		Date: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), Time: "10:15",
		EventType: models.EventTypeUser, ReminderMinutesBefore: 15, ReminderEnabled: true,
	}
	if err := s.CreateEvent(e); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	sched.Tick(context.Background())
	if sender.count() != 0 {
		t.Errorf("expected no reminder half an hour early, got %d", sender.count())
	}
}

func TestEventReminderRespectsToggles(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	sched, s, sender := newTestScheduler(t, now)
	p := seedUser(t, s, "u1", "UTC")
	p.NotifyEventReminders = false
	if err := s.SaveUser(p); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	e := &models.Event{
		UserID: "u1", Title: "Созвон",
		Date: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), Time: "10:15",
		EventType: models.EventTypeUser, ReminderMinutesBefore: 15, ReminderEnabled: true,
	}
	if err := s.CreateEvent(e); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	sched.Tick(context.Background())
	if sender.count() != 0 {
		t.Errorf("expected toggle to suppress reminder, got %d", sender.count())
	}
}

func TestGoalDeadlineFiresAtLocalMorning(t *testing.T) {
	// 06:00 UTC is 09:00 in Moscow.
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	sched, s, sender := newTestScheduler(t, now)
	seedUser(t, s, "u1", "Europe/Moscow")
	target := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC) // 3 days out
	g := &models.Goal{
		UserID: "u1", Title: "Сдать проект", Status: models.GoalStatusActive,
		Priority: models.PriorityMedium, TargetDate: &target, ProgressPercent: 40,
	}
	if err := s.CreateGoal(g); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}

	sched.Tick(context.Background())
	if sender.count() != 1 {
		t.Fatalf("expected deadline warning, got %d sends", sender.count())
	}
	html := sender.last().HTML
	if !strings.Contains(html, "Напоминание о цели") || !strings.Contains(html, "3 дня") {
		t.Errorf("unexpected warning text %q", html)
	}
	if !strings.Contains(html, "████░░░░░░") {
		t.Errorf("expected progress bar for 40%%, got %q", html)
	}
}

func TestGoalDeadlineSkipsNonThresholdDays(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	sched, s, sender := newTestScheduler(t, now)
	seedUser(t, s, "u1", "UTC")
	target := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC) // 5 days out
	g := &models.Goal{
		UserID: "u1", Title: "Сдать проект", Status: models.GoalStatusActive,
		Priority: models.PriorityMedium, TargetDate: &target,
	}
	if err := s.CreateGoal(g); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	sched.Tick(context.Background())
	if sender.count() != 0 {
		t.Errorf("expected no warning at 5 days, got %d", sender.count())
	}
}

func TestStepDigestListsOverdue(t *testing.T) {
	now := time.Date(2026, 8, 25, 20, 0, 0, 0, time.UTC)
	sched, s, sender := newTestScheduler(t, now)
	seedUser(t, s, "u1", "UTC")
	g := &models.Goal{UserID: "u1", Title: "Выучить Go", Status: models.GoalStatusActive, Priority: models.PriorityMedium}
	if err := s.CreateGoal(g); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	yesterday := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	st := &models.Step{GoalID: g.ID, Title: "Прочитать главу про каналы", Order: 1, Status: models.StepStatusPending, PlannedDate: &yesterday}
	if err := s.CreateStep(st); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	sched.Tick(context.Background())
	if sender.count() != 1 {
		t.Fatalf("expected digest, got %d sends", sender.count())
	}
	html := sender.last().HTML
	if !strings.Contains(html, "просрочен на 1 день") || !strings.Contains(html, "Выучить Go") {
		t.Errorf("unexpected digest %q", html)
	}
}

func TestMotivationNeedsActiveGoal(t *testing.T) {
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	sched, s, sender := newTestScheduler(t, now)
	seedUser(t, s, "u1", "UTC")

	sched.Tick(context.Background())
	if sender.count() != 0 {
		t.Fatalf("expected no motivation without goals, got %d", sender.count())
	}

	g := &models.Goal{UserID: "u1", Title: "Выучить Go", Status: models.GoalStatusActive, Priority: models.PriorityMedium, ProgressPercent: 20}
	if err := s.CreateGoal(g); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	sched.Tick(context.Background())
	if sender.count() != 1 {
		t.Fatalf("expected motivation, got %d sends", sender.count())
	}
	html := sender.last().HTML
	if !strings.Contains(html, "Твои цели на сегодня") || !strings.Contains(html, "Выучить Go — 20%") {
		t.Errorf("unexpected motivation %q", html)
	}
}

func TestOverBudgetSendsDeferToNextTick(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	sched, s, sender := newTestScheduler(t, now, WithRate(1))
	seedUser(t, s, "u1", "UTC")
	for _, title := range []string{"Созвон", "Врач"} {
		e := &models.Event{
			UserID: "u1", Title: title,
			Date: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), Time: "10:15",
			EventType: models.EventTypeUser, ReminderMinutesBefore: 15, ReminderEnabled: true,
		}
		if err := s.CreateEvent(e); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
	}

	sched.Tick(context.Background())
	if sender.count() != 1 {
		t.Fatalf("expected budget of 1 send, got %d", sender.count())
	}
	sched.mu.Lock()
	queued := len(sched.deferred)
	sched.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected 1 deferred message, got %d", queued)
	}

	// Budget recovers before the next tick.
	sched.limiter = rate.NewLimiter(rate.Inf, 1)
	sched.Tick(context.Background())
	if sender.count() != 2 {
		t.Errorf("expected deferred message flushed, got %d sends", sender.count())
	}
}
