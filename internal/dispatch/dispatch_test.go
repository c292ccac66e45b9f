package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/store"
)

const testUser = "u1"

// routerCompleter routes model calls by prompt: intent extraction replies are
// consumed in order, decomposition and summarization return fixed values. An
// unset summarizer reply forces the deterministic fallback text.
type routerCompleter struct {
	intentReplies  []string
	decomposeReply string
	summarizeReply string
}

func (r *routerCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	switch {
	case strings.Contains(system, "хочет достичь цели"):
		if r.decomposeReply == "" {
			return "", errors.New("no decompose reply scripted")
		}
		return r.decomposeReply, nil
	case strings.Contains(system, "Формируй ответ"):
		if r.summarizeReply == "" {
			return "", errors.New("summarizer offline")
		}
		return r.summarizeReply, nil
	}
	if len(r.intentReplies) == 0 {
		return "", errors.New("no intent reply scripted")
	}
	reply := r.intentReplies[0]
	r.intentReplies = r.intentReplies[1:]
	return reply, nil
}

func newTestOrchestrator(ai *routerCompleter) (*Orchestrator, store.Store) {
	s := store.NewInMemoryStore()
	return New(s, ai), s
}

func process(t *testing.T, o *Orchestrator, message string) models.TurnResponse {
	t.Helper()
	return o.Process(context.Background(), models.ProcessRequest{UserID: testUser, Message: message})
}

func callback(t *testing.T, o *Orchestrator, data string) models.TurnResponse {
	t.Helper()
	return o.Callback(context.Background(), models.CallbackRequest{UserID: testUser, CallbackData: data})
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := models.ParseDate(s)
	if err != nil {
		t.Fatalf("bad date %q: %v", s, err)
	}
	return d
}

func seedEvent(t *testing.T, s store.Store, title, date, clock string) *models.Event {
	t.Helper()
	e := &models.Event{
		UserID:          testUser,
		Title:           title,
		Date:            mustDate(t, date),
		Time:            clock,
		DurationMinutes: 60,
		EventType:       models.EventTypeUser,
	}
	if err := s.CreateEvent(e); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return e
}

func seedGoalWithSteps(t *testing.T, s store.Store, title string, stepTitles ...string) *models.Goal {
	t.Helper()
	g := &models.Goal{UserID: testUser, Title: title, Status: models.GoalStatusActive, Priority: models.PriorityMedium}
	if err := s.CreateGoal(g); err != nil {
		t.Fatalf("seed goal: %v", err)
	}
	for i, st := range stepTitles {
		step := &models.Step{GoalID: g.ID, Title: st, Order: i + 1, Status: models.StepStatusPending, EstimatedHours: 1}
		if err := s.CreateStep(step); err != nil {
			t.Fatalf("seed step: %v", err)
		}
	}
	return g
}

func TestProcessRejectsEmptyUserID(t *testing.T) {
	o, _ := newTestOrchestrator(&routerCompleter{})
	resp := o.Process(context.Background(), models.ProcessRequest{Message: "привет"})
	if resp.Success {
		t.Fatal("expected failure for empty user id")
	}
}

func TestProcessSmallTalk(t *testing.T) {
	ai := &routerCompleter{intentReplies: []string{`{"intent":"small_talk","text":"Привет! Как успехи?"}`}}
	o, s := newTestOrchestrator(ai)

	resp := process(t, o, "привет")
	if !resp.Success || resp.ResponseType != models.ResponseFinalText {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Text != "Привет! Как успехи?" {
		t.Errorf("unexpected text %q", resp.Text)
	}

	history, err := s.RecentMessages(testUser, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(history) != 2 || history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("expected user+assistant turns recorded, got %+v", history)
	}
}

func TestProcessParseFailureAsksClarification(t *testing.T) {
	ai := &routerCompleter{intentReplies: []string{"ерунда", "снова ерунда"}}
	o, _ := newTestOrchestrator(ai)

	resp := process(t, o, "жпщцх")
	if resp.ResponseType != models.ResponseAskClarification {
		t.Fatalf("expected clarification, got %+v", resp)
	}
	if len(ai.intentReplies) != 0 {
		t.Error("expected strict retry to consume the second reply")
	}
}

func TestEventSearchReturnsResultSet(t *testing.T) {
	ai := &routerCompleter{intentReplies: []string{`{"intent":"event.search"}`}}
	o, s := newTestOrchestrator(ai)
	seedEvent(t, s, "Созвон", "2026-09-01", "10:00")
	seedEvent(t, s, "Врач", "2026-09-02", "12:30")

	resp := process(t, o, "что у меня по планам")
	if resp.ResponseType != models.ResponseRenderTable {
		t.Fatalf("expected render_table, got %+v", resp)
	}
	if resp.SetID == "" || len(resp.Items) != 2 {
		t.Errorf("expected addressable set of 2, got setID=%q items=%d", resp.SetID, len(resp.Items))
	}
	if !strings.Contains(resp.Text, "Созвон") {
		t.Errorf("fallback text should list events, got %q", resp.Text)
	}
}

func TestEventSearchEmpty(t *testing.T) {
	ai := &routerCompleter{intentReplies: []string{`{"intent":"event.search"}`}}
	o, _ := newTestOrchestrator(ai)

	resp := process(t, o, "что завтра")
	if resp.Text != textNoEvents || resp.ResponseType != models.ResponseFinalText {
		t.Errorf("expected %q, got %+v", textNoEvents, resp)
	}
}

func TestOrdinalDeleteAfterSearch(t *testing.T) {
	ai := &routerCompleter{intentReplies: []string{
		`{"intent":"event.search"}`,
		`{"intent":"event.mutate","operation":"delete","target":{"ordinal":2}}`,
	}}
	o, s := newTestOrchestrator(ai)
	seedEvent(t, s, "Созвон", "2026-09-01", "10:00")
	second := seedEvent(t, s, "Врач", "2026-09-02", "12:30")

	process(t, o, "покажи события")
	resp := process(t, o, "удали второе")
	if !strings.Contains(resp.Text, "удалено") {
		t.Fatalf("expected deletion confirmation, got %+v", resp)
	}
	if _, err := s.GetEvent(testUser, second.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected second event gone, got %v", err)
	}
}

func TestOrdinalWithoutResultSet(t *testing.T) {
	ai := &routerCompleter{intentReplies: []string{
		`{"intent":"event.mutate","operation":"delete","target":{"ordinal":1}}`,
	}}
	o, _ := newTestOrchestrator(ai)

	resp := process(t, o, "удали первое")
	if resp.ResponseType != models.ResponseAskClarification {
		t.Fatalf("expected clarification for dangling ordinal, got %+v", resp)
	}
}

func TestEventCreate(t *testing.T) {
	ai := &routerCompleter{intentReplies: []string{
		`{"intent":"event.mutate","operation":"create","title":"Стоматолог","date":"2026-09-03","time":"09:30"}`,
	}}
	o, s := newTestOrchestrator(ai)

	resp := process(t, o, "запиши меня к стоматологу")
	if !strings.Contains(resp.Text, "Стоматолог") || len(resp.Buttons) == 0 {
		t.Fatalf("expected confirmation with edit buttons, got %+v", resp)
	}
	events, err := s.SearchEvents(testUser, store.EventFilter{})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one stored event, got %d (%v)", len(events), err)
	}
	if events[0].Time != "09:30" || events[0].DurationMinutes != models.DefaultEventDurationMinutes {
		t.Errorf("unexpected stored event: %+v", events[0])
	}
}

func TestEventCreateDryRun(t *testing.T) {
	// The wire format has no dry-run flag; the flag is an API-level concern,
	// so it is exercised through the intent directly.
	o, s := newTestOrchestrator(&routerCompleter{})
	date := mustDate(t, "2026-09-03")
	bundle, err := o.asm.Build(testUser)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	resp := o.createEvent(bundle, models.EventMutateIntent{
		Op: models.MutateCreate, Title: "Пробный", Date: &date, DryRun: true,
	})
	if !strings.Contains(resp.Text, "Ничего не изменено") {
		t.Fatalf("expected prospective text, got %+v", resp)
	}
	events, _ := s.SearchEvents(testUser, store.EventFilter{})
	if len(events) != 0 {
		t.Error("dry run must not persist")
	}
}

func TestGoalCreateClarificationToSchedulePrefs(t *testing.T) {
	ai := &routerCompleter{
		intentReplies: []string{`{"intent":"goal.create","goal_title":""}`},
		decomposeReply: `[
			{"title":"Выбрать учебник и приложение","estimated_hours":2},
			{"title":"Заниматься грамматикой","estimated_hours":1.5},
			{"title":"Разговорная практика с носителем","estimated_hours":1}
		]`,
	}
	o, s := newTestOrchestrator(ai)

	resp := process(t, o, "хочу цель")
	if resp.ResponseType != models.ResponseAskClarification {
		t.Fatalf("expected clarification for empty draft, got %+v", resp)
	}

	resp = process(t, o, "Выучить разговорный испанский")
	if resp.ResponseType != models.ResponseAskClarification || !strings.Contains(resp.Text, "сроку") {
		t.Fatalf("expected deadline question, got %+v", resp)
	}

	resp = process(t, o, "2026-12-31")
	if !strings.Contains(resp.Text, "создана") || len(resp.Buttons) == 0 {
		t.Fatalf("expected creation with day buttons, got %+v", resp)
	}

	goals, err := s.ListGoals(testUser, "")
	if err != nil || len(goals) != 1 {
		t.Fatalf("expected one goal, got %d (%v)", len(goals), err)
	}
	steps, _ := s.ListSteps(goals[0].ID)
	if len(steps) != 3 {
		t.Errorf("expected 3 steps, got %d", len(steps))
	}
	session, _ := s.GetSession(testUser)
	if session == nil || session.State != models.StateSchedulePrefsDays {
		t.Errorf("expected schedule_prefs_days state, got %+v", session)
	}
}

func TestSchedulePreferenceCallbacks(t *testing.T) {
	o, s := newTestOrchestrator(&routerCompleter{})
	goal := seedGoalWithSteps(t, s, "Подготовиться к марафону", "Купить кроссовки", "Первая пробежка")
	if err := o.machine.Set(testUser, models.StateSchedulePrefsDays, &models.StateContext{GoalID: goal.ID}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	resp := callback(t, o, "day_pref:5")
	if !strings.Contains(resp.Text, "Сб") || len(resp.Buttons) == 0 {
		t.Fatalf("expected selected-days echo with keyboard, got %+v", resp)
	}

	resp = callback(t, o, "day_pref_done")
	if !strings.Contains(resp.Text, "время") {
		t.Fatalf("expected time question, got %+v", resp)
	}

	resp = callback(t, o, "time_pref:morning")
	if !strings.Contains(resp.Text, "Запланировал шагов: 2") {
		t.Fatalf("expected plan summary, got %+v", resp)
	}

	updated, err := s.GetGoal(testUser, goal.ID)
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if !updated.IsScheduled {
		t.Error("expected goal marked scheduled")
	}
	steps, _ := s.ListSteps(goal.ID)
	for _, st := range steps {
		if st.PlannedDate == nil || st.PlannedTime == "" {
			t.Errorf("step %q not placed: %+v", st.Title, st)
		}
	}
	session, _ := s.GetSession(testUser)
	if session.State != models.StateIdle {
		t.Errorf("expected idle after scheduling, got %s", session.State)
	}
}

func TestCallbackCancelResetsState(t *testing.T) {
	o, s := newTestOrchestrator(&routerCompleter{})
	if err := o.machine.Set(testUser, models.StateSchedulePrefsDays, &models.StateContext{GoalID: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	resp := callback(t, o, "cancel")
	if resp.Text != textCancelled {
		t.Errorf("unexpected text %q", resp.Text)
	}
	session, _ := s.GetSession(testUser)
	if session.State != models.StateIdle {
		t.Errorf("expected idle, got %s", session.State)
	}
}

func TestStaleScheduleButton(t *testing.T) {
	o, _ := newTestOrchestrator(&routerCompleter{})
	resp := callback(t, o, "day_pref:2")
	if resp.Text != textStaleButton {
		t.Errorf("expected stale-button text, got %+v", resp)
	}
}

func TestEditCallbackFlow(t *testing.T) {
	o, s := newTestOrchestrator(&routerCompleter{})
	event := seedEvent(t, s, "Созвон", "2026-09-01", "10:00")

	resp := callback(t, o, fmt.Sprintf("edit:event:time:%d", event.ID))
	if resp.ResponseType != models.ResponseAskClarification {
		t.Fatalf("expected value prompt, got %+v", resp)
	}

	resp = process(t, o, "08:45")
	if !strings.Contains(resp.Text, "Обновил время") {
		t.Fatalf("expected edit confirmation, got %+v", resp)
	}
	updated, _ := s.GetEvent(testUser, event.ID)
	if updated.Time != "08:45" {
		t.Errorf("expected time updated, got %q", updated.Time)
	}
	session, _ := s.GetSession(testUser)
	if session.State != models.StateIdle {
		t.Errorf("expected idle after edit, got %s", session.State)
	}
}

func TestEditRejectsBadValueAndKeepsState(t *testing.T) {
	o, s := newTestOrchestrator(&routerCompleter{})
	event := seedEvent(t, s, "Созвон", "2026-09-01", "10:00")
	callback(t, o, fmt.Sprintf("edit:event:time:%d", event.ID))

	resp := process(t, o, "после обеда")
	if resp.ResponseType != models.ResponseAskClarification {
		t.Fatalf("expected format re-ask, got %+v", resp)
	}
	session, _ := s.GetSession(testUser)
	if session.State != models.StateEventEditTime {
		t.Errorf("expected edit state kept, got %s", session.State)
	}
}

func TestGoalDeleteAsksConfirmThenDeletes(t *testing.T) {
	goalAI := &routerCompleter{}
	o, s := newTestOrchestrator(goalAI)
	goal := seedGoalWithSteps(t, s, "Старая цель без смысла", "Шаг один")
	goalAI.intentReplies = []string{fmt.Sprintf(`{"intent":"goal.delete","target":{"id":%d}}`, goal.ID)}

	resp := process(t, o, "удали цель")
	if resp.ResponseType != models.ResponseAskClarification || len(resp.Buttons) == 0 {
		t.Fatalf("expected confirm buttons, got %+v", resp)
	}

	resp = callback(t, o, fmt.Sprintf("confirm:goal_delete:%d", goal.ID))
	if !strings.Contains(resp.Text, "удалена") {
		t.Fatalf("expected deletion text, got %+v", resp)
	}
	if _, err := s.GetGoal(testUser, goal.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected goal gone, got %v", err)
	}
}

func TestGoalUpdateStepProgress(t *testing.T) {
	ai := &routerCompleter{}
	o, s := newTestOrchestrator(ai)
	goal := seedGoalWithSteps(t, s, "Выучить алгоритмы", "Сортировки", "Графы")
	steps, _ := s.ListSteps(goal.ID)
	ai.intentReplies = []string{
		fmt.Sprintf(`{"intent":"goal.update_step","target":{"id":%d},"new_status":"completed"}`, steps[0].ID),
	}

	resp := process(t, o, "первый шаг готов")
	if !strings.Contains(resp.Text, "выполнен") || !strings.Contains(resp.Text, "50%") {
		t.Fatalf("expected progress confirmation, got %+v", resp)
	}
}

func TestGoalQueryListsSteps(t *testing.T) {
	ai := &routerCompleter{}
	o, s := newTestOrchestrator(ai)
	goal := seedGoalWithSteps(t, s, "Выучить алгоритмы", "Сортировки", "Графы")
	ai.intentReplies = []string{fmt.Sprintf(`{"intent":"goal.query","target":{"id":%d}}`, goal.ID)}

	resp := process(t, o, "как там цель")
	if resp.ResponseType != models.ResponseRenderTable || len(resp.Items) != 2 {
		t.Fatalf("expected step table, got %+v", resp)
	}
	if resp.SetID == "" {
		t.Error("expected addressable step set")
	}
}

func TestGoalAddStepWithPlannedDate(t *testing.T) {
	ai := &routerCompleter{}
	o, s := newTestOrchestrator(ai)
	goal := seedGoalWithSteps(t, s, "Выучить алгоритмы", "Сортировки")
	ai.intentReplies = []string{fmt.Sprintf(
		`{"intent":"goal.add_step","goal_id":%d,"step_title":"Динамическое программирование","planned_date":"2026-09-10","planned_time":"19:00"}`,
		goal.ID)}

	resp := process(t, o, "добавь шаг про дп на 10 сентября")
	if !strings.Contains(resp.Text, "добавлен") {
		t.Fatalf("expected add confirmation, got %+v", resp)
	}
	steps, _ := s.ListSteps(goal.ID)
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	added := steps[1]
	if added.Order != 2 || added.LinkedEventID == nil {
		t.Errorf("expected appended step with linked event, got %+v", added)
	}
}

func TestProductSearchStub(t *testing.T) {
	ai := &routerCompleter{intentReplies: []string{`{"intent":"product.search","product_query":"кроссовки"}`}}
	o, _ := newTestOrchestrator(ai)

	resp := process(t, o, "найди кроссовки")
	if !resp.Success || resp.Items == nil || len(resp.Items) != 0 {
		t.Fatalf("expected empty stub list, got %+v", resp)
	}
}

func TestSummarizerTextOverride(t *testing.T) {
	ai := &routerCompleter{
		intentReplies:  []string{`{"intent":"goal.search"}`},
		summarizeReply: `{"response_type":"render_table","text":"Вот твои цели, вперёд!"}`,
	}
	o, s := newTestOrchestrator(ai)
	seedGoalWithSteps(t, s, "Выучить алгоритмы", "Сортировки")

	resp := process(t, o, "мои цели")
	if resp.Text != "Вот твои цели, вперёд!" {
		t.Errorf("expected summarizer text, got %q", resp.Text)
	}
	if resp.ResponseType != models.ResponseRenderTable || len(resp.Items) != 1 {
		t.Errorf("summarizer must not change structure: %+v", resp)
	}
}

func TestCancelWordInsideFlow(t *testing.T) {
	o, s := newTestOrchestrator(&routerCompleter{})
	if err := o.machine.Set(testUser, models.StateGoalClarification, &models.StateContext{Draft: &models.GoalDraft{}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	resp := process(t, o, "отмена")
	if resp.Text != textCancelled {
		t.Errorf("unexpected text %q", resp.Text)
	}
	session, _ := s.GetSession(testUser)
	if session.State != models.StateIdle {
		t.Errorf("expected idle, got %s", session.State)
	}
}

func TestScheduleCallbackWithoutProfileRow(t *testing.T) {
	o, s := newTestOrchestrator(&routerCompleter{})
	goal := seedGoalWithSteps(t, s, "Подтянуть математику", "Повторить алгебру", "Решить задачи")
	sc := &models.StateContext{GoalID: goal.ID, SelectedDays: []int{0, 2, 4}}
	if err := o.machine.Set(testUser, models.StateSchedulePrefsTime, sc); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// No profile was ever saved for the user; scheduling falls back to the
	// default timezone instead of failing.
	resp := callback(t, o, "time_pref:morning")
	if !strings.Contains(resp.Text, "Запланировал шагов: 2") {
		t.Fatalf("expected plan summary without profile, got %+v", resp)
	}
	steps, _ := s.ListSteps(goal.ID)
	for _, st := range steps {
		if st.PlannedDate == nil {
			t.Errorf("step %q not placed: %+v", st.Title, st)
		}
	}
}

func TestAddStepDuplicateOrder(t *testing.T) {
	ai := &routerCompleter{}
	o, s := newTestOrchestrator(ai)
	goal := seedGoalWithSteps(t, s, "Выучить английский", "Слова", "Грамматика")
	ai.intentReplies = []string{fmt.Sprintf(`{"intent":"goal.add_step","goal_id":%d,"step_title":"Дубль","order":1}`, goal.ID)}

	resp := process(t, o, "добавь шаг Дубль первым")
	if resp.ResponseType != models.ResponseAskClarification || resp.Text != textStepOrderTaken {
		t.Fatalf("expected duplicate-order clarification, got %+v", resp)
	}
	steps, _ := s.ListSteps(goal.ID)
	if len(steps) != 2 {
		t.Errorf("expected no step inserted, got %d", len(steps))
	}
}
