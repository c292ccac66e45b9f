package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/initio/assistant/internal/assembler"
	"github.com/initio/assistant/internal/models"
)

// scriptedCompleter returns canned replies in order.
type scriptedCompleter struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (s *scriptedCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	s.calls++
	s.prompts = append(s.prompts, user)
	i := s.calls - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return "", errors.New("no scripted reply")
}

func testBundle() *assembler.Bundle {
	return &assembler.Bundle{
		Profile: models.UserProfile{UserID: "u1", Timezone: "UTC"},
		Now:     time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Session: models.SessionState{State: models.StateIdle},
	}
}

func parse(t *testing.T, reply string) (models.Intent, error) {
	t.Helper()
	p := NewParser(&scriptedCompleter{replies: []string{reply}})
	return p.Parse(context.Background(), testBundle(), "сообщение")
}

func TestParseSmallTalk(t *testing.T) {
	it, err := parse(t, `{"intent": "small_talk", "text": "Привет! Чем помочь?"}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	st, ok := it.(models.SmallTalkIntent)
	if !ok {
		t.Fatalf("expected SmallTalkIntent, got %T", it)
	}
	if st.ReplyHint != "Привет! Чем помочь?" {
		t.Errorf("unexpected reply hint: %q", st.ReplyHint)
	}
}

func TestParseEventSearch(t *testing.T) {
	it, err := parse(t, `{"intent": "event.search", "title": "созвон", "date_from": "2026-08-25", "date_to": "2026-08-31", "time_from": "09:00"}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	es := it.(models.EventSearchIntent)
	if es.TitleLike != "созвон" || es.TimeFrom != "09:00" {
		t.Errorf("unexpected filters: %+v", es)
	}
	if es.DateFrom == nil || es.DateFrom.Format(models.DateLayout) != "2026-08-25" {
		t.Errorf("unexpected date from: %v", es.DateFrom)
	}
}

func TestParseEventSearchInvertedRange(t *testing.T) {
	_, err := parse(t, `{"intent": "event.search", "date_from": "2026-08-31", "date_to": "2026-08-25"}`)
	if !errors.Is(err, models.ErrIntentInvalid) {
		t.Errorf("expected ErrIntentInvalid, got %v", err)
	}
}

func TestParseEventMutateCreate(t *testing.T) {
	it, err := parse(t, `{"intent": "event.mutate", "operation": "create", "title": "Стоматолог", "date": "2026-09-01", "time": "10:30:00", "duration_minutes": 45}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	em := it.(models.EventMutateIntent)
	if em.Op != models.MutateCreate || em.Time != "10:30" || em.DurationMinutes != 45 {
		t.Errorf("unexpected mutate intent: %+v", em)
	}
}

func TestParseEventMutateCreateRequiresDate(t *testing.T) {
	_, err := parse(t, `{"intent": "event.mutate", "operation": "create", "title": "Стоматолог"}`)
	if !errors.Is(err, models.ErrIntentInvalid) {
		t.Errorf("expected ErrIntentInvalid, got %v", err)
	}
}

func TestParseEventMutateDeleteByOrdinal(t *testing.T) {
	it, err := parse(t, `{"intent": "event.mutate", "operation": "delete", "target": {"ordinal": 2}}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	em := it.(models.EventMutateIntent)
	if em.Target.Ordinal != 2 || em.Target.ID != 0 {
		t.Errorf("unexpected target: %+v", em.Target)
	}
}

func TestParseEventMutateDeleteNeedsSelector(t *testing.T) {
	_, err := parse(t, `{"intent": "event.mutate", "operation": "delete", "target": {"id": null, "ordinal": null}}`)
	if !errors.Is(err, models.ErrIntentInvalid) {
		t.Errorf("expected ErrIntentInvalid, got %v", err)
	}
}

func TestParseEventMutateDryRun(t *testing.T) {
	it, err := parse(t, `{"intent": "event.mutate", "operation": "delete", "target": {"ordinal": 1}, "dry_run": true}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if em := it.(models.EventMutateIntent); !em.DryRun {
		t.Errorf("expected dry run flag set: %+v", em)
	}
}

func TestParseGoalDeleteStepDryRun(t *testing.T) {
	it, err := parse(t, `{"intent": "goal.delete_step", "target": {"ordinal": 3}, "dry_run": true}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if ds := it.(models.GoalDeleteStepIntent); !ds.DryRun || ds.Target.Ordinal != 3 {
		t.Errorf("unexpected delete step intent: %+v", ds)
	}
}

func TestParseEventSearchInvertedTimeRange(t *testing.T) {
	_, err := parse(t, `{"intent": "event.search", "time_from": "18:00", "time_to": "09:00"}`)
	if !errors.Is(err, models.ErrIntentInvalid) {
		t.Errorf("expected ErrIntentInvalid, got %v", err)
	}
}

func TestParseEventMutateUnknownOperation(t *testing.T) {
	_, err := parse(t, `{"intent": "event.mutate", "operation": "merge", "title": "x"}`)
	if !errors.Is(err, models.ErrIntentInvalid) {
		t.Errorf("expected ErrIntentInvalid, got %v", err)
	}
}

func TestParseGoalCreate(t *testing.T) {
	it, err := parse(t, `{"intent": "goal.create", "goal_title": "Выучить английский", "target_date": "2026-12-31", "priority": "high", "current_level": "A2"}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	gc := it.(models.GoalCreateIntent)
	if gc.Title != "Выучить английский" || gc.Priority != models.PriorityHigh || gc.UserLevel != "A2" {
		t.Errorf("unexpected goal create: %+v", gc)
	}
}

func TestParseGoalUpdateStep(t *testing.T) {
	it, err := parse(t, `{"intent": "goal.update_step", "target": {"ordinal": 1}, "new_status": "completed"}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	us := it.(models.GoalUpdateStepIntent)
	if us.NewStatus != models.StepStatusCompleted || us.Target.Ordinal != 1 {
		t.Errorf("unexpected update step: %+v", us)
	}
}

func TestParseGoalUpdateStepBadStatus(t *testing.T) {
	_, err := parse(t, `{"intent": "goal.update_step", "target": {"id": 5}, "new_status": "done"}`)
	if !errors.Is(err, models.ErrIntentInvalid) {
		t.Errorf("expected ErrIntentInvalid, got %v", err)
	}
}

func TestParseUnknownIntent(t *testing.T) {
	_, err := parse(t, `{"intent": "weather.get"}`)
	if !errors.Is(err, models.ErrIntentInvalid) {
		t.Errorf("expected ErrIntentInvalid, got %v", err)
	}
}

func TestParseBadDateFormat(t *testing.T) {
	_, err := parse(t, `{"intent": "goal.create", "goal_title": "Цель", "target_date": "31.12.2026"}`)
	if !errors.Is(err, models.ErrIntentInvalid) {
		t.Errorf("expected ErrIntentInvalid, got %v", err)
	}
}

func TestParseStripsCodeFence(t *testing.T) {
	it, err := parse(t, "```json\n{\"intent\": \"goal.search\"}\n```")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, ok := it.(models.GoalSearchIntent); !ok {
		t.Fatalf("expected GoalSearchIntent, got %T", it)
	}
}

func TestParseStrictRetryOnGarbage(t *testing.T) {
	sc := &scriptedCompleter{replies: []string{"не могу помочь", `{"intent": "small_talk", "text": "ок"}`}}
	p := NewParser(sc)
	it, err := p.Parse(context.Background(), testBundle(), "привет")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, ok := it.(models.SmallTalkIntent); !ok {
		t.Fatalf("expected SmallTalkIntent after retry, got %T", it)
	}
	if sc.calls != 2 {
		t.Errorf("expected strict retry, got %d calls", sc.calls)
	}
	if len(sc.prompts) != 2 || sc.prompts[1] == sc.prompts[0] {
		t.Error("expected strict suffix appended on retry")
	}
}

func TestParseGivesUpAfterRetry(t *testing.T) {
	sc := &scriptedCompleter{replies: []string{"мусор", "опять мусор"}}
	p := NewParser(sc)
	if _, err := p.Parse(context.Background(), testBundle(), "привет"); !errors.Is(err, models.ErrIntentParse) {
		t.Errorf("expected ErrIntentParse, got %v", err)
	}
}

func TestParseTimeoutClassified(t *testing.T) {
	sc := &scriptedCompleter{errs: []error{context.DeadlineExceeded}}
	p := NewParser(sc)
	if _, err := p.Parse(context.Background(), testBundle(), "привет"); !errors.Is(err, models.ErrIntentTimeout) {
		t.Errorf("expected ErrIntentTimeout, got %v", err)
	}
}
