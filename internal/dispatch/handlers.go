package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/initio/assistant/internal/assembler"
	"github.com/initio/assistant/internal/dialog"
	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/planner"
	"github.com/initio/assistant/internal/resultset"
	"github.com/initio/assistant/internal/store"
)

// storeFailure maps backend errors onto user-facing responses.
func storeFailure(err error) models.TurnResponse {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrUnknownEntity):
		return models.AskClarification(textUnknownEntity)
	case errors.Is(err, models.ErrStoreTransient):
		return models.Failure(textStoreDown, err.Error())
	case errors.Is(err, models.ErrStoreConstraint):
		return models.AskClarification(textStepOrderTaken)
	}
	slog.Error("Store operation failed", "error", err)
	return models.Failure(textTryAgain, err.Error())
}

func (o *Orchestrator) handleSmallTalk(v models.SmallTalkIntent) models.TurnResponse {
	text := strings.TrimSpace(v.ReplyHint)
	if text == "" {
		text = textSmallTalk
	}
	return models.FinalText(text)
}

func (o *Orchestrator) handleEventSearch(ctx context.Context, b *assembler.Bundle, v models.EventSearchIntent) models.TurnResponse {
	userID := b.Profile.UserID
	events, err := o.store.SearchEvents(userID, store.EventFilter{
		TitleLike: v.TitleLike,
		DateFrom:  v.DateFrom,
		DateTo:    v.DateTo,
		TimeFrom:  v.TimeFrom,
		TimeTo:    v.TimeTo,
	})
	if err != nil {
		return storeFailure(err)
	}
	if len(events) == 0 {
		return models.FinalText(textNoEvents)
	}

	items := make([]any, 0, len(events))
	setItems := make([]resultset.Item, 0, len(events))
	var lines []string
	for i, e := range events {
		items = append(items, eventItem(i+1, e))
		setItems = append(setItems, resultset.Item{Kind: resultset.KindEvent, ID: e.ID})
		lines = append(lines, fmt.Sprintf("%d. %s %s — %s", i+1, e.Date.Format(models.DateLayout), eventClock(e), e.Title))
	}
	setID := o.sets.Put(userID, setItems)

	fallback := fmt.Sprintf("<b>События (%d):</b>\n%s", len(events), strings.Join(lines, "\n"))
	text := o.summarizeText(ctx, map[string]any{
		"intent": string(models.IntentEventSearch),
		"count":  len(events),
		"items":  items,
	}, fallback)
	return models.RenderTable(text, items, setID)
}

func (o *Orchestrator) handleEventMutate(ctx context.Context, b *assembler.Bundle, v models.EventMutateIntent) models.TurnResponse {
	switch v.Op {
	case models.MutateCreate:
		return o.createEvent(b, v)
	case models.MutateUpdate:
		return o.updateEvent(b, v)
	case models.MutateDelete:
		return o.deleteEvent(b, v)
	}
	return models.AskClarification(textDidNotUnderstand)
}

func (o *Orchestrator) createEvent(b *assembler.Bundle, v models.EventMutateIntent) models.TurnResponse {
	e := models.Event{
		UserID:                b.Profile.UserID,
		Title:                 v.Title,
		Date:                  models.DateOnly(*v.Date),
		Time:                  v.Time,
		DurationMinutes:       v.DurationMinutes,
		EventType:             models.EventTypeUser,
		ReminderMinutesBefore: models.DefaultReminderMinutesBefore,
		ReminderEnabled:       true,
	}
	if e.DurationMinutes <= 0 {
		e.DurationMinutes = models.DefaultEventDurationMinutes
	}
	if err := e.Validate(); err != nil {
		return models.AskClarification(textDidNotUnderstand)
	}
	if v.DryRun {
		return models.FinalText(fmt.Sprintf("Проверка: будет создано событие «%s» на %s %s. Ничего не изменено.",
			e.Title, e.Date.Format(models.DateLayout), eventClock(e)))
	}
	if err := o.store.CreateEvent(&e); err != nil {
		return storeFailure(err)
	}
	text := fmt.Sprintf("Готово! Событие «%s» создано на %s %s.", e.Title, e.Date.Format(models.DateLayout), eventClock(e))
	return models.FinalText(text).WithButtons(eventEditButtons(e.ID)...)
}

func (o *Orchestrator) updateEvent(b *assembler.Bundle, v models.EventMutateIntent) models.TurnResponse {
	e, resp := o.resolveEvent(b, v)
	if e == nil {
		return resp
	}
	if v.Date != nil {
		e.Date = models.DateOnly(*v.Date)
	}
	if v.Time != "" {
		e.Time = v.Time
	}
	if v.DurationMinutes > 0 {
		e.DurationMinutes = v.DurationMinutes
	}
	if v.DryRun {
		return models.FinalText(fmt.Sprintf("Проверка: событие «%s» будет перенесено на %s %s. Ничего не изменено.",
			e.Title, e.Date.Format(models.DateLayout), eventClock(*e)))
	}
	if err := o.store.UpdateEvent(e); err != nil {
		return storeFailure(err)
	}
	text := fmt.Sprintf("Готово! Событие «%s» теперь %s %s.", e.Title, e.Date.Format(models.DateLayout), eventClock(*e))
	return models.FinalText(text).WithButtons(eventEditButtons(e.ID)...)
}

func (o *Orchestrator) deleteEvent(b *assembler.Bundle, v models.EventMutateIntent) models.TurnResponse {
	e, resp := o.resolveEvent(b, v)
	if e == nil {
		return resp
	}
	if v.DryRun {
		return models.AskClarification(fmt.Sprintf("Удалить событие «%s» %s?", e.Title, e.Date.Format(models.DateLayout))).
			WithButtons(confirmButtons("event_delete", e.ID)...)
	}
	if err := o.store.DeleteEvent(b.Profile.UserID, e.ID); err != nil {
		return storeFailure(err)
	}
	return models.FinalText(fmt.Sprintf("Событие «%s» удалено.", e.Title))
}

// resolveEvent finds the mutation target: by reference first, then by title.
// An ambiguous title yields a numbered list so the next turn can answer with
// an ordinal.
func (o *Orchestrator) resolveEvent(b *assembler.Bundle, v models.EventMutateIntent) (*models.Event, models.TurnResponse) {
	userID := b.Profile.UserID
	if !v.Target.IsZero() || v.Target.Ordinal > 0 {
		id, err := o.resolveRef(userID, v.Target, resultset.KindEvent)
		if err != nil {
			return nil, models.AskClarification(textUnknownEntity)
		}
		e, err := o.store.GetEvent(userID, id)
		if err != nil {
			return nil, storeFailure(err)
		}
		return e, models.TurnResponse{}
	}
	if strings.TrimSpace(v.Title) == "" {
		return nil, models.AskClarification("Уточни, какое событие ты имеешь в виду?")
	}
	matches, err := o.store.SearchEvents(userID, store.EventFilter{TitleLike: v.Title})
	if err != nil {
		return nil, storeFailure(err)
	}
	switch len(matches) {
	case 0:
		return nil, models.AskClarification(textUnknownEntity)
	case 1:
		return &matches[0], models.TurnResponse{}
	}
	items := make([]any, 0, len(matches))
	setItems := make([]resultset.Item, 0, len(matches))
	var lines []string
	for i, e := range matches {
		items = append(items, eventItem(i+1, e))
		setItems = append(setItems, resultset.Item{Kind: resultset.KindEvent, ID: e.ID})
		lines = append(lines, fmt.Sprintf("%d. %s %s — %s", i+1, e.Date.Format(models.DateLayout), eventClock(e), e.Title))
	}
	setID := o.sets.Put(userID, setItems)
	text := fmt.Sprintf("Нашлось несколько событий, уточни номер:\n%s", strings.Join(lines, "\n"))
	resp := models.RenderTable(text, items, setID)
	resp.ResponseType = models.ResponseAskClarification
	return nil, resp
}

func (o *Orchestrator) handleGoalSearch(ctx context.Context, b *assembler.Bundle, v models.GoalSearchIntent) models.TurnResponse {
	userID := b.Profile.UserID
	goals, err := o.store.ListGoals(userID, v.Status)
	if err != nil {
		return storeFailure(err)
	}
	items := make([]any, 0, len(goals))
	setItems := make([]resultset.Item, 0, len(goals))
	var lines []string
	for i, g := range goals {
		items = append(items, goalItem(i+1, g))
		setItems = append(setItems, resultset.Item{Kind: resultset.KindGoal, ID: g.ID})
		line := fmt.Sprintf("%d. %s — %s", i+1, g.Title, progressBar(g.ProgressPercent))
		if g.TargetDate != nil {
			line += fmt.Sprintf(" (до %s)", g.TargetDate.Format(models.DateLayout))
		}
		lines = append(lines, line)
	}
	setID := o.sets.Put(userID, setItems)

	fallback := "У тебя пока нет целей. Давай создадим первую?"
	if len(goals) > 0 {
		fallback = fmt.Sprintf("<b>Твои цели (%d):</b>\n%s", len(goals), strings.Join(lines, "\n"))
	}
	text := o.summarizeText(ctx, map[string]any{
		"intent": string(models.IntentGoalSearch),
		"count":  len(goals),
		"items":  items,
	}, fallback)
	return models.RenderTable(text, items, setID)
}

func (o *Orchestrator) handleGoalCreate(ctx context.Context, b *assembler.Bundle, v models.GoalCreateIntent) models.TurnResponse {
	draft := &models.GoalDraft{
		Title:          v.Title,
		Description:    v.Description,
		Category:       v.Category,
		Priority:       string(v.Priority),
		UserLevel:      v.UserLevel,
		TimeCommitment: v.TimeCommitment,
	}
	if v.TargetDate != nil {
		draft.TargetDate = v.TargetDate.Format(models.DateLayout)
	}
	if ok, question := dialog.ValidateSMART(draft); !ok {
		if err := o.machine.Set(b.Profile.UserID, models.StateGoalClarification, &models.StateContext{Draft: draft}); err != nil {
			return storeFailure(err)
		}
		return models.AskClarification(question)
	}
	return o.createGoal(ctx, b.Profile.UserID, v)
}

// createGoal persists a validated draft: decompose into steps, store the goal
// and enter the schedule preference flow.
func (o *Orchestrator) createGoal(ctx context.Context, userID string, v models.GoalCreateIntent) models.TurnResponse {
	drafts, err := o.decomposer.Decompose(ctx, v)
	if err != nil {
		slog.Error("Goal decomposition failed", "error", err, "userID", userID)
		return models.Failure(textModelSlow, err.Error())
	}
	sort.Slice(drafts, func(i, j int) bool { return drafts[i].Order < drafts[j].Order })

	goal := models.Goal{
		UserID:      userID,
		Title:       v.Title,
		Description: v.Description,
		Status:      models.GoalStatusActive,
		TargetDate:  v.TargetDate,
		Category:    v.Category,
		Priority:    v.Priority,
	}
	if goal.Priority == "" {
		goal.Priority = models.PriorityMedium
	}
	if err := goal.Validate(); err != nil {
		return models.AskClarification(textDidNotUnderstand)
	}
	if err := o.store.CreateGoal(&goal); err != nil {
		return storeFailure(err)
	}

	var lines []string
	for _, d := range drafts {
		step := models.Step{
			GoalID:         goal.ID,
			Title:          d.Title,
			Order:          d.Order,
			Status:         models.StepStatusPending,
			EstimatedHours: d.EstimatedHours,
		}
		if err := o.store.CreateStep(&step); err != nil {
			return storeFailure(err)
		}
		lines = append(lines, fmt.Sprintf("%d. %s (~%.1f ч)", step.Order, step.Title, step.EstimatedHours))
	}

	sc := &models.StateContext{GoalID: goal.ID}
	if err := o.machine.Set(userID, models.StateSchedulePrefsDays, sc); err != nil {
		return storeFailure(err)
	}
	text := fmt.Sprintf("Цель «%s» создана! Вот план:\n%s\n\nВ какие дни тебе удобно заниматься?",
		goal.Title, strings.Join(lines, "\n"))
	return models.AskClarification(text).WithButtons(dayPrefButtons(nil)...)
}

func (o *Orchestrator) handleGoalDelete(b *assembler.Bundle, v models.GoalDeleteIntent) models.TurnResponse {
	userID := b.Profile.UserID
	id, err := o.resolveRef(userID, v.Target, resultset.KindGoal)
	if err != nil {
		return models.AskClarification(textUnknownEntity)
	}
	goal, err := o.store.GetGoal(userID, id)
	if err != nil {
		return storeFailure(err)
	}
	// Deleting a goal drops its steps and planned events, so it is always
	// confirmed through a button.
	return models.AskClarification(fmt.Sprintf("Удалить цель «%s» вместе со всеми шагами и запланированными событиями?", goal.Title)).
		WithButtons(confirmButtons("goal_delete", goal.ID)...)
}

func (o *Orchestrator) handleGoalQuery(ctx context.Context, b *assembler.Bundle, v models.GoalQueryIntent) models.TurnResponse {
	userID := b.Profile.UserID
	id, err := o.resolveRef(userID, v.Target, resultset.KindGoal)
	if err != nil {
		return models.AskClarification(textUnknownEntity)
	}
	goal, err := o.store.GetGoal(userID, id)
	if err != nil {
		return storeFailure(err)
	}
	steps, err := o.store.ListSteps(goal.ID)
	if err != nil {
		return storeFailure(err)
	}

	items := make([]any, 0, len(steps))
	setItems := make([]resultset.Item, 0, len(steps))
	var lines []string
	for i, s := range steps {
		items = append(items, stepItem(i+1, s))
		setItems = append(setItems, resultset.Item{Kind: resultset.KindStep, ID: s.ID})
		mark := "⬜"
		if s.Status == models.StepStatusCompleted {
			mark = "✅"
		}
		line := fmt.Sprintf("%s %d. %s", mark, i+1, s.Title)
		if s.PlannedDate != nil {
			line += fmt.Sprintf(" — %s", s.PlannedDate.Format(models.DateLayout))
			if s.PlannedTime != "" {
				line += " " + s.PlannedTime
			}
		}
		lines = append(lines, line)
	}
	setID := o.sets.Put(userID, setItems)

	fallback := fmt.Sprintf("<b>%s</b>\n%s\n\n%s", goal.Title, progressBar(goal.ProgressPercent), strings.Join(lines, "\n"))
	if len(steps) == 0 {
		fallback = fmt.Sprintf("<b>%s</b>\nУ цели пока нет шагов. Скажи «добавь шаг», чтобы начать.", goal.Title)
	}
	text := o.summarizeText(ctx, map[string]any{
		"intent":           string(models.IntentGoalQuery),
		"goal":             goalItem(0, *goal),
		"progress_percent": goal.ProgressPercent,
		"items":            items,
	}, fallback)
	return models.RenderTable(text, items, setID).WithButtons(goalEditButtons(goal.ID)...)
}

func (o *Orchestrator) handleGoalUpdateStep(b *assembler.Bundle, v models.GoalUpdateStepIntent) models.TurnResponse {
	userID := b.Profile.UserID
	id, err := o.resolveRef(userID, v.Target, resultset.KindStep)
	if err != nil {
		return models.AskClarification(textUnknownEntity)
	}
	status := v.NewStatus
	if status == "" {
		status = models.StepStatusCompleted
	}
	if v.DryRun {
		step, err := o.store.GetStep(userID, id)
		if err != nil {
			return storeFailure(err)
		}
		return models.FinalText(fmt.Sprintf("Проверка: шаг «%s» получит статус %s. Ничего не изменено.", step.Title, status))
	}
	goal, step, err := o.store.SetStepStatus(userID, id, status)
	if err != nil {
		return storeFailure(err)
	}
	var text string
	switch {
	case status == models.StepStatusCompleted && goal.ProgressPercent >= 100:
		text = fmt.Sprintf("Супер! Шаг «%s» выполнен 🎉\nЦель «%s» достигнута — поздравляю! 🏆", step.Title, goal.Title)
	case status == models.StepStatusCompleted:
		text = fmt.Sprintf("Супер! Шаг «%s» выполнен 🎉\nПрогресс цели «%s»: %s", step.Title, goal.Title, progressBar(goal.ProgressPercent))
	default:
		text = fmt.Sprintf("Отметил шаг «%s» как %s.\nПрогресс цели «%s»: %s", step.Title, status, goal.Title, progressBar(goal.ProgressPercent))
	}
	return models.FinalText(text)
}

func (o *Orchestrator) handleGoalAddStep(b *assembler.Bundle, v models.GoalAddStepIntent) models.TurnResponse {
	userID := b.Profile.UserID
	if v.GoalID == 0 {
		return models.AskClarification("Уточни, к какой цели добавить шаг?")
	}
	goal, err := o.store.GetGoal(userID, v.GoalID)
	if err != nil {
		return storeFailure(err)
	}
	step := models.Step{
		GoalID: goal.ID,
		Title:  v.Title,
		Order:  v.Order,
		Status: models.StepStatusPending,
	}
	var event *models.Event
	if v.PlannedDate != nil {
		date := models.DateOnly(*v.PlannedDate)
		step.PlannedDate = &date
		step.PlannedTime = v.PlannedTime
		step.DurationMinutes = models.DefaultEventDurationMinutes
		event = &models.Event{
			UserID:                userID,
			Title:                 v.Title,
			Date:                  date,
			Time:                  v.PlannedTime,
			DurationMinutes:       models.DefaultEventDurationMinutes,
			EventType:             models.EventTypeGoalStep,
			LinkedGoalID:          &goal.ID,
			ReminderMinutesBefore: models.DefaultReminderMinutesBefore,
			ReminderEnabled:       true,
		}
	}
	if v.DryRun {
		return models.FinalText(fmt.Sprintf("Проверка: шаг «%s» будет добавлен к цели «%s». Ничего не изменено.", v.Title, goal.Title))
	}
	if err := o.store.AddStepWithEvent(&step, event); err != nil {
		return storeFailure(err)
	}
	text := fmt.Sprintf("Отлично! Шаг «%s» добавлен к цели «%s».", step.Title, goal.Title)
	if step.PlannedDate != nil {
		text += fmt.Sprintf(" Запланировал на %s", step.PlannedDate.Format(models.DateLayout))
		if step.PlannedTime != "" {
			text += " " + step.PlannedTime
		}
		text += "."
	}
	return models.FinalText(text)
}

func (o *Orchestrator) handleGoalDeleteStep(b *assembler.Bundle, v models.GoalDeleteStepIntent) models.TurnResponse {
	userID := b.Profile.UserID
	id, err := o.resolveRef(userID, v.Target, resultset.KindStep)
	if err != nil {
		return models.AskClarification(textUnknownEntity)
	}
	step, err := o.store.GetStep(userID, id)
	if err != nil {
		return storeFailure(err)
	}
	if v.DryRun {
		return models.AskClarification(fmt.Sprintf("Удалить шаг «%s»?", step.Title)).
			WithButtons(confirmButtons("step_delete", step.ID)...)
	}
	return o.deleteStep(userID, step)
}

func (o *Orchestrator) deleteStep(userID string, step *models.Step) models.TurnResponse {
	goal, err := o.store.GetGoal(userID, step.GoalID)
	if err != nil {
		return storeFailure(err)
	}
	if err := o.store.DeleteStepCascade(userID, step.ID); err != nil {
		return storeFailure(err)
	}
	remaining, err := o.store.ListSteps(goal.ID)
	if err != nil {
		return storeFailure(err)
	}
	return models.FinalText(fmt.Sprintf("Готово! Шаг «%s» удалён. В цели «%s» осталось шагов: %d.",
		step.Title, goal.Title, len(remaining)))
}

func (o *Orchestrator) handleProductSearch(v models.ProductSearchIntent) models.TurnResponse {
	resp := models.FinalText(textProductsStub)
	resp.Items = []any{}
	return resp
}

// runSchedule builds and applies the placement plan once schedule preferences
// are collected, then leaves the dialog.
func (o *Orchestrator) runSchedule(userID string, sc *models.StateContext) models.TurnResponse {
	goal, err := o.store.GetGoal(userID, sc.GoalID)
	if err != nil {
		return storeFailure(err)
	}
	all, err := o.store.ListSteps(goal.ID)
	if err != nil {
		return storeFailure(err)
	}
	var pending []models.Step
	for _, s := range all {
		if s.Status != models.StepStatusCompleted && !s.Scheduled() {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		o.resetDialog(userID)
		return models.FinalText(fmt.Sprintf("В цели «%s» нет шагов, которые нужно планировать.", goal.Title))
	}

	// Callbacks arrive without a context bundle, so the profile may not exist
	// yet. Scheduling still works against the default timezone.
	profile, err := o.store.GetUser(userID)
	if err != nil || profile == nil {
		slog.Warn("Profile unavailable for scheduling, using default timezone", "userID", userID, "error", err)
		profile = &models.UserProfile{UserID: userID, Timezone: models.DefaultTimezone}
	}
	prefs := planner.Prefs{Days: sc.SelectedDays, Time: sc.PreferredTime}
	plan, err := o.scheduler.Schedule(userID, goal, pending, prefs, profile.Location())
	if err != nil {
		o.resetDialog(userID)
		if errors.Is(err, models.ErrPlacementFailed) {
			return models.FinalText(fmt.Sprintf(
				"Не получилось найти свободные слоты для всех шагов цели «%s». Шаги остались незапланированными — освободи календарь и попроси меня запланировать её ещё раз.",
				goal.Title))
		}
		return storeFailure(err)
	}
	if err := o.store.ApplyPlan(userID, goal.ID, plan.Placements); err != nil {
		return storeFailure(err)
	}
	o.resetDialog(userID)

	first := plan.Placements[0]
	text := fmt.Sprintf("Запланировал шагов: %d. Первый — %s в %s.",
		len(plan.Placements), first.Date.Format(models.DateLayout), first.Time)
	if plan.TightDeadline {
		text += "\n⚠️ Сроки поджимают: часть шагов легла после целевой даты. Возможно, стоит передвинуть дедлайн."
	}
	return models.FinalText(text)
}

func (o *Orchestrator) resetDialog(userID string) {
	if err := o.machine.Reset(userID); err != nil {
		slog.Warn("Failed to reset dialog state", "error", err, "userID", userID)
	}
}
