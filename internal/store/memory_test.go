package store

import (
	"errors"
	"testing"
	"time"

	"github.com/initio/assistant/internal/models"
)

func seedGoal(t *testing.T, s Store, userID string, stepTitles ...string) *models.Goal {
	t.Helper()
	if err := s.SaveUser(models.UserProfile{UserID: userID, Timezone: models.DefaultTimezone}); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	g := &models.Goal{UserID: userID, Title: "Выучить Go"}
	if err := s.CreateGoal(g); err != nil {
		t.Fatalf("CreateGoal failed: %v", err)
	}
	for i, title := range stepTitles {
		st := &models.Step{GoalID: g.ID, Title: title, Order: i + 1}
		if err := s.CreateStep(st); err != nil {
			t.Fatalf("CreateStep failed: %v", err)
		}
	}
	return g
}

func TestSetStepStatusRecomputesProgress(t *testing.T) {
	s := NewInMemoryStore()
	g := seedGoal(t, s, "u1", "Основы", "Практика", "Проект")
	steps, err := s.ListSteps(g.ID)
	if err != nil {
		t.Fatalf("ListSteps failed: %v", err)
	}

	goal, step, err := s.SetStepStatus("u1", steps[0].ID, models.StepStatusCompleted)
	if err != nil {
		t.Fatalf("SetStepStatus failed: %v", err)
	}
	if goal.ProgressPercent != 33 {
		t.Errorf("expected progress 33, got %d", goal.ProgressPercent)
	}
	if step.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	goal, _, err = s.SetStepStatus("u1", steps[1].ID, models.StepStatusCompleted)
	if err != nil {
		t.Fatalf("SetStepStatus failed: %v", err)
	}
	if goal.ProgressPercent != 67 {
		t.Errorf("expected progress 67, got %d", goal.ProgressPercent)
	}

	goal, _, err = s.SetStepStatus("u1", steps[2].ID, models.StepStatusCompleted)
	if err != nil {
		t.Fatalf("SetStepStatus failed: %v", err)
	}
	if goal.ProgressPercent != 100 || goal.Status != models.GoalStatusCompleted {
		t.Errorf("expected completed goal at 100%%, got %d %s", goal.ProgressPercent, goal.Status)
	}

	// Reverting a step reopens the goal.
	goal, step, err = s.SetStepStatus("u1", steps[2].ID, models.StepStatusPending)
	if err != nil {
		t.Fatalf("SetStepStatus revert failed: %v", err)
	}
	if goal.Status != models.GoalStatusActive {
		t.Errorf("expected goal reopened as active, got %s", goal.Status)
	}
	if step.CompletedAt != nil {
		t.Error("expected CompletedAt cleared after revert")
	}
}

func TestSetStepStatusWrongUser(t *testing.T) {
	s := NewInMemoryStore()
	g := seedGoal(t, s, "u1", "Шаг")
	steps, _ := s.ListSteps(g.ID)
	if _, _, err := s.SetStepStatus("u2", steps[0].ID, models.StepStatusCompleted); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign step, got %v", err)
	}
}

func TestDeleteStepCascadeRenumbers(t *testing.T) {
	s := NewInMemoryStore()
	g := seedGoal(t, s, "u1", "Первый", "Второй", "Третий")
	steps, _ := s.ListSteps(g.ID)

	if err := s.DeleteStepCascade("u1", steps[1].ID); err != nil {
		t.Fatalf("DeleteStepCascade failed: %v", err)
	}
	rest, _ := s.ListSteps(g.ID)
	if len(rest) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(rest))
	}
	for i, st := range rest {
		if st.Order != i+1 {
			t.Errorf("expected dense order %d, got %d", i+1, st.Order)
		}
	}
	if rest[0].Title != "Первый" || rest[1].Title != "Третий" {
		t.Errorf("unexpected step titles after delete: %q, %q", rest[0].Title, rest[1].Title)
	}
}

func TestDeleteStepCascadeRemovesLinkedEvent(t *testing.T) {
	s := NewInMemoryStore()
	g := seedGoal(t, s, "u1")
	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	step := &models.Step{GoalID: g.ID, Title: "Шаг"}
	event := &models.Event{UserID: "u1", Title: "Шаг", Date: date, Time: "10:00", DurationMinutes: 60, LinkedGoalID: &g.ID}
	if err := s.AddStepWithEvent(step, event); err != nil {
		t.Fatalf("AddStepWithEvent failed: %v", err)
	}
	if step.LinkedEventID == nil || event.LinkedStepID == nil {
		t.Fatal("expected bidirectional link after AddStepWithEvent")
	}
	if err := s.DeleteStepCascade("u1", step.ID); err != nil {
		t.Fatalf("DeleteStepCascade failed: %v", err)
	}
	if _, err := s.GetEvent("u1", event.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected linked event deleted, got %v", err)
	}
}

func TestDeleteEventUnlinksStep(t *testing.T) {
	s := NewInMemoryStore()
	g := seedGoal(t, s, "u1")
	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	step := &models.Step{GoalID: g.ID, Title: "Шаг"}
	event := &models.Event{UserID: "u1", Title: "Шаг", Date: date, Time: "10:00", LinkedGoalID: &g.ID}
	if err := s.AddStepWithEvent(step, event); err != nil {
		t.Fatalf("AddStepWithEvent failed: %v", err)
	}
	if err := s.DeleteEvent("u1", event.ID); err != nil {
		t.Fatalf("DeleteEvent failed: %v", err)
	}
	got, err := s.GetStep("u1", step.ID)
	if err != nil {
		t.Fatalf("GetStep failed: %v", err)
	}
	if got.LinkedEventID != nil || got.PlannedDate != nil || got.PlannedTime != "" {
		t.Error("expected step unscheduled after linked event delete")
	}
}

func TestDeleteGoalCascade(t *testing.T) {
	s := NewInMemoryStore()
	g := seedGoal(t, s, "u1")
	step := &models.Step{GoalID: g.ID, Title: "Шаг"}
	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	event := &models.Event{UserID: "u1", Title: "Шаг", Date: date, LinkedGoalID: &g.ID}
	if err := s.AddStepWithEvent(step, event); err != nil {
		t.Fatalf("AddStepWithEvent failed: %v", err)
	}
	// Unrelated event survives the cascade.
	other := &models.Event{UserID: "u1", Title: "Стоматолог", Date: date, Time: "09:00"}
	if err := s.CreateEvent(other); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	if err := s.DeleteGoalCascade("u1", g.ID); err != nil {
		t.Fatalf("DeleteGoalCascade failed: %v", err)
	}
	if _, err := s.GetGoal("u1", g.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected goal gone, got %v", err)
	}
	if _, err := s.GetStep("u1", step.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected step gone, got %v", err)
	}
	if _, err := s.GetEvent("u1", event.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected linked event gone, got %v", err)
	}
	if _, err := s.GetEvent("u1", other.ID); err != nil {
		t.Errorf("expected unrelated event kept, got %v", err)
	}
}

func TestApplyPlanIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	g := seedGoal(t, s, "u1", "Шаг 1", "Шаг 2")
	steps, _ := s.ListSteps(g.ID)

	placements := []Placement{
		{StepID: steps[0].ID, Title: "Шаг 1", Date: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), Time: "18:00", DurationMinutes: 60},
		{StepID: steps[1].ID, Title: "Шаг 2", Date: time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC), Time: "18:00", DurationMinutes: 60},
	}
	if err := s.ApplyPlan("u1", g.ID, placements); err != nil {
		t.Fatalf("ApplyPlan failed: %v", err)
	}
	goal, _ := s.GetGoal("u1", g.ID)
	if !goal.IsScheduled {
		t.Fatal("expected goal marked scheduled")
	}
	events, _ := s.SearchEvents("u1", EventFilter{})
	if len(events) != 2 {
		t.Fatalf("expected 2 plan events, got %d", len(events))
	}

	// A second apply is a no-op.
	if err := s.ApplyPlan("u1", g.ID, placements); err != nil {
		t.Fatalf("ApplyPlan rerun failed: %v", err)
	}
	events, _ = s.SearchEvents("u1", EventFilter{})
	if len(events) != 2 {
		t.Errorf("expected rerun to add nothing, got %d events", len(events))
	}

	if err := s.ClearPlan("u1", g.ID); err != nil {
		t.Fatalf("ClearPlan failed: %v", err)
	}
	goal, _ = s.GetGoal("u1", g.ID)
	if goal.IsScheduled {
		t.Error("expected is_scheduled reset after ClearPlan")
	}
	events, _ = s.SearchEvents("u1", EventFilter{})
	if len(events) != 0 {
		t.Errorf("expected plan events removed, got %d", len(events))
	}
}

func TestListGoalsOrdering(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.SaveUser(models.UserProfile{UserID: "u1"}); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	near := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	far := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	mk := func(title string, status models.GoalStatus, target *time.Time) {
		g := &models.Goal{UserID: "u1", Title: title, Status: status, TargetDate: target}
		if err := s.CreateGoal(g); err != nil {
			t.Fatalf("CreateGoal failed: %v", err)
		}
	}
	mk("done", models.GoalStatusCompleted, nil)
	mk("active no date", models.GoalStatusActive, nil)
	mk("active far", models.GoalStatusActive, &far)
	mk("paused", models.GoalStatusPaused, &near)
	mk("active near", models.GoalStatusActive, &near)

	goals, err := s.ListGoals("u1", "")
	if err != nil {
		t.Fatalf("ListGoals failed: %v", err)
	}
	want := []string{"active near", "active far", "active no date", "paused", "done"}
	if len(goals) != len(want) {
		t.Fatalf("expected %d goals, got %d", len(want), len(goals))
	}
	for i, title := range want {
		if goals[i].Title != title {
			t.Errorf("position %d: expected %q, got %q", i, title, goals[i].Title)
		}
	}
}

func TestSearchEventsOrderingAndFilter(t *testing.T) {
	s := NewInMemoryStore()
	day := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	add := func(title, clock string, d time.Time) {
		e := &models.Event{UserID: "u1", Title: title, Date: d, Time: clock}
		if err := s.CreateEvent(e); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
	}
	add("Весь день", "", day)
	add("Утро", "09:00", day)
	add("Вечер", "19:30", day)
	add("Завтра", "10:00", day.AddDate(0, 0, 1))

	events, err := s.SearchEvents("u1", EventFilter{})
	if err != nil {
		t.Fatalf("SearchEvents failed: %v", err)
	}
	want := []string{"Утро", "Вечер", "Весь день", "Завтра"}
	for i, title := range want {
		if events[i].Title != title {
			t.Errorf("position %d: expected %q, got %q", i, title, events[i].Title)
		}
	}

	events, err = s.SearchEvents("u1", EventFilter{TitleLike: "веч"})
	if err != nil {
		t.Fatalf("SearchEvents with title failed: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Вечер" {
		t.Errorf("expected case-insensitive title match, got %v", events)
	}
}

func TestAppendMessageRetention(t *testing.T) {
	s := NewInMemoryStore()
	for i := 0; i < models.ConversationRetention+10; i++ {
		err := s.AppendMessage(models.ConversationMessage{UserID: "u1", Role: models.RoleUser, Text: "сообщение"})
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	msgs, err := s.RecentMessages("u1", models.ConversationRetention*2)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != models.ConversationRetention {
		t.Errorf("expected retention of %d, got %d", models.ConversationRetention, len(msgs))
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	s := NewInMemoryStore()
	texts := []string{"первое", "второе", "третье"}
	for _, txt := range texts {
		if err := s.AppendMessage(models.ConversationMessage{UserID: "u1", Role: models.RoleUser, Text: txt}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	msgs, err := s.RecentMessages("u1", 2)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "второе" || msgs[1].Text != "третье" {
		t.Errorf("expected last two in order, got %v", msgs)
	}
}

func TestMarkNotifiedDedup(t *testing.T) {
	s := NewInMemoryStore()
	k := NotificationKey{UserID: "u1", JobKind: "event_reminder", RefID: 7, FireDate: "2026-09-01"}
	first, err := s.MarkNotified(k)
	if err != nil {
		t.Fatalf("MarkNotified failed: %v", err)
	}
	if !first {
		t.Error("expected first mark to succeed")
	}
	second, err := s.MarkNotified(k)
	if err != nil {
		t.Fatalf("MarkNotified rerun failed: %v", err)
	}
	if second {
		t.Error("expected duplicate mark to report already sent")
	}
	other := k
	other.FireDate = "2026-09-02"
	ok, _ := s.MarkNotified(other)
	if !ok {
		t.Error("expected different fire date to be a fresh key")
	}
}

func TestAddStepWithEventAppendsOrder(t *testing.T) {
	s := NewInMemoryStore()
	g := seedGoal(t, s, "u1", "Первый", "Второй")
	step := &models.Step{GoalID: g.ID, Title: "Третий"}
	if err := s.AddStepWithEvent(step, nil); err != nil {
		t.Fatalf("AddStepWithEvent failed: %v", err)
	}
	if step.Order != 3 {
		t.Errorf("expected appended order 3, got %d", step.Order)
	}
	// Progress drops when a pending step joins a partially complete goal.
	steps, _ := s.ListSteps(g.ID)
	if _, _, err := s.SetStepStatus("u1", steps[0].ID, models.StepStatusCompleted); err != nil {
		t.Fatalf("SetStepStatus failed: %v", err)
	}
	goal, _ := s.GetGoal("u1", g.ID)
	if goal.ProgressPercent != 33 {
		t.Errorf("expected progress 33 with 1/3 complete, got %d", goal.ProgressPercent)
	}
}

func TestProgressFromCounts(t *testing.T) {
	cases := []struct {
		total, completed int
		current          models.GoalStatus
		wantProgress     int
		wantStatus       models.GoalStatus
	}{
		{0, 0, models.GoalStatusActive, 0, models.GoalStatusActive},
		{3, 0, models.GoalStatusActive, 0, models.GoalStatusActive},
		{3, 1, models.GoalStatusActive, 33, models.GoalStatusActive},
		{3, 2, models.GoalStatusActive, 67, models.GoalStatusActive},
		{3, 3, models.GoalStatusActive, 100, models.GoalStatusCompleted},
		{4, 2, models.GoalStatusPaused, 50, models.GoalStatusPaused},
		{4, 4, models.GoalStatusPaused, 100, models.GoalStatusCompleted},
	}
	for _, c := range cases {
		progress, status := progressFromCounts(c.total, c.completed, c.current)
		if progress != c.wantProgress || status != c.wantStatus {
			t.Errorf("progressFromCounts(%d, %d, %s) = %d, %s; want %d, %s",
				c.total, c.completed, c.current, progress, status, c.wantProgress, c.wantStatus)
		}
	}
}
