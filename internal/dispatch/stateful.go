package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/initio/assistant/internal/assembler"
	"github.com/initio/assistant/internal/dialog"
	"github.com/initio/assistant/internal/models"
)

// cancelWords end any sub-flow from free text.
var cancelWords = map[string]bool{
	"отмена": true, "отменить": true, "стоп": true, "cancel": true,
}

// priorityAliases accepts Russian priority words during edits.
var priorityAliases = map[string]models.Priority{
	"низкий": models.PriorityLow, "низкая": models.PriorityLow, "low": models.PriorityLow,
	"средний": models.PriorityMedium, "средняя": models.PriorityMedium, "medium": models.PriorityMedium,
	"высокий": models.PriorityHigh, "высокая": models.PriorityHigh, "high": models.PriorityHigh,
}

// handleStateMessage consumes a free-text message inside a non-idle dialog
// state. It reports handled=false when the state is unknown, so the turn
// falls through to regular intent parsing.
func (o *Orchestrator) handleStateMessage(ctx context.Context, b *assembler.Bundle, state models.DialogState, sc *models.StateContext, message string) (models.TurnResponse, bool) {
	userID := b.Profile.UserID
	if cancelWords[strings.ToLower(strings.TrimSpace(message))] {
		o.resetDialog(userID)
		return models.FinalText(textCancelled), true
	}

	switch {
	case state == models.StateGoalClarification:
		return o.continueClarification(ctx, userID, sc, message), true

	case state.IsEdit():
		return o.applyEdit(userID, state, sc, message), true

	case state == models.StateSchedulePrefsDays:
		return models.AskClarification("Выбери дни кнопками ниже и нажми «Готово».").
			WithButtons(dayPrefButtons(sc.SelectedDays)...), true

	case state == models.StateSchedulePrefsTime:
		clock, err := models.ParseClock(strings.TrimSpace(message))
		if err != nil {
			return models.AskClarification("Назови время в формате ЧЧ:ММ или выбери вариант кнопкой.").
				WithButtons(timePrefButtons()...), true
		}
		sc.PreferredTime = clock
		return o.runSchedule(userID, sc), true
	}

	slog.Warn("Message arrived in unhandled dialog state, resetting", "userID", userID, "state", state)
	o.resetDialog(userID)
	return models.TurnResponse{}, false
}

// continueClarification folds the reply into the goal draft and revalidates.
// A date-looking reply fills the deadline, the first reply fixes the title,
// everything else extends the description.
func (o *Orchestrator) continueClarification(ctx context.Context, userID string, sc *models.StateContext, message string) models.TurnResponse {
	if sc.Draft == nil {
		sc.Draft = &models.GoalDraft{}
	}
	draft := sc.Draft
	trimmed := strings.TrimSpace(message)
	switch {
	case draft.TargetDate == "" && isDate(trimmed):
		draft.TargetDate = trimmed
	case draft.Title == "":
		draft.Title = trimmed
	default:
		draft.Description = strings.TrimSpace(draft.Description + " " + trimmed)
	}

	if ok, question := dialog.ValidateSMART(draft); !ok {
		if err := o.machine.Set(userID, models.StateGoalClarification, sc); err != nil {
			return storeFailure(err)
		}
		return models.AskClarification(question)
	}

	intent := models.GoalCreateIntent{
		Title:          draft.Title,
		Description:    draft.Description,
		Category:       draft.Category,
		Priority:       models.Priority(draft.Priority),
		UserLevel:      draft.UserLevel,
		TimeCommitment: draft.TimeCommitment,
	}
	if draft.TargetDate != "" {
		if date, err := models.ParseDate(draft.TargetDate); err == nil {
			intent.TargetDate = &date
		}
	}
	return o.createGoal(ctx, userID, intent)
}

func isDate(s string) bool {
	_, err := models.ParseDate(s)
	return err == nil
}

// applyEdit consumes the free-text value for a single-field edit and leaves
// the sub-flow. Parse failures keep the state and re-ask.
func (o *Orchestrator) applyEdit(userID string, state models.DialogState, sc *models.StateContext, message string) models.TurnResponse {
	entity, field := sc.EditEntity, sc.EditField
	if entity == "" || field == "" {
		// Recover the target from the state name for sessions saved before
		// the context bag carried it.
		if parts := strings.SplitN(string(state), "_edit_", 2); len(parts) == 2 {
			entity, field = parts[0], parts[1]
		}
	}
	value := strings.TrimSpace(message)

	var resp models.TurnResponse
	switch entity {
	case "goal":
		resp = o.applyGoalEdit(userID, sc.EditID, field, value)
	case "event":
		resp = o.applyEventEdit(userID, sc.EditID, field, value)
	case "step":
		resp = o.applyStepEdit(userID, sc.EditID, field, value)
	default:
		o.resetDialog(userID)
		return models.AskClarification(textDidNotUnderstand)
	}
	if resp.ResponseType != models.ResponseAskClarification {
		o.resetDialog(userID)
	}
	return resp
}

func (o *Orchestrator) applyGoalEdit(userID string, id int64, field, value string) models.TurnResponse {
	goal, err := o.store.GetGoal(userID, id)
	if err != nil {
		return storeFailure(err)
	}
	switch field {
	case "title":
		goal.Title = value
	case "description":
		goal.Description = value
	case "deadline":
		date, err := models.ParseDate(value)
		if err != nil {
			return models.AskClarification("Назови дату в формате ГГГГ-ММ-ДД.")
		}
		goal.TargetDate = &date
	case "category":
		goal.Category = value
	case "priority":
		p, ok := priorityAliases[strings.ToLower(value)]
		if !ok {
			return models.AskClarification("Приоритет может быть низкий, средний или высокий.")
		}
		goal.Priority = p
	default:
		return models.AskClarification(textDidNotUnderstand)
	}
	if err := goal.Validate(); err != nil {
		return models.AskClarification("Такое значение не подходит. Попробуй иначе.")
	}
	if err := o.store.UpdateGoal(goal); err != nil {
		return storeFailure(err)
	}
	return models.FinalText(fmt.Sprintf("Готово! Обновил %s цели «%s».", fieldLabel(field), goal.Title))
}

func (o *Orchestrator) applyEventEdit(userID string, id int64, field, value string) models.TurnResponse {
	event, err := o.store.GetEvent(userID, id)
	if err != nil {
		return storeFailure(err)
	}
	switch field {
	case "title":
		event.Title = value
	case "date":
		date, err := models.ParseDate(value)
		if err != nil {
			return models.AskClarification("Назови дату в формате ГГГГ-ММ-ДД.")
		}
		event.Date = date
	case "time":
		clock, err := models.ParseClock(value)
		if err != nil {
			return models.AskClarification("Назови время в формате ЧЧ:ММ.")
		}
		event.Time = clock
	case "duration":
		minutes, err := strconv.Atoi(value)
		if err != nil || minutes <= 0 {
			return models.AskClarification("Назови длительность в минутах, например 45.")
		}
		event.DurationMinutes = minutes
	case "notes":
		event.Notes = value
	default:
		return models.AskClarification(textDidNotUnderstand)
	}
	if err := event.Validate(); err != nil {
		return models.AskClarification("Такое значение не подходит. Попробуй иначе.")
	}
	if err := o.store.UpdateEvent(event); err != nil {
		return storeFailure(err)
	}
	return models.FinalText(fmt.Sprintf("Готово! Обновил %s события «%s».", fieldLabel(field), event.Title))
}

func (o *Orchestrator) applyStepEdit(userID string, id int64, field, value string) models.TurnResponse {
	step, err := o.store.GetStep(userID, id)
	if err != nil {
		return storeFailure(err)
	}
	switch field {
	case "title":
		step.Title = value
	case "date":
		date, err := models.ParseDate(value)
		if err != nil {
			return models.AskClarification("Назови дату в формате ГГГГ-ММ-ДД.")
		}
		planned := models.DateOnly(date)
		step.PlannedDate = &planned
	case "time":
		clock, err := models.ParseClock(value)
		if err != nil {
			return models.AskClarification("Назови время в формате ЧЧ:ММ.")
		}
		step.PlannedTime = clock
	default:
		return models.AskClarification(textDidNotUnderstand)
	}
	if err := step.Validate(); err != nil {
		return models.AskClarification("Такое значение не подходит. Попробуй иначе.")
	}
	if err := o.store.UpdateStep(step); err != nil {
		return storeFailure(err)
	}
	return models.FinalText(fmt.Sprintf("Готово! Обновил %s шага «%s».", fieldLabel(field), step.Title))
}

func fieldLabel(field string) string {
	if label, ok := fieldLabels[field]; ok {
		// Labels carry a format hint in parentheses; confirmations drop it.
		if i := strings.Index(label, " ("); i > 0 {
			return label[:i]
		}
		return label
	}
	return field
}

// handleCallback routes one decoded button press.
func (o *Orchestrator) handleCallback(ctx context.Context, userID string, cb dialog.Callback) models.TurnResponse {
	switch cb.Kind {
	case dialog.CallbackCancel:
		o.resetDialog(userID)
		return models.FinalText(textCancelled)

	case dialog.CallbackEdit:
		state, ok := dialog.EditState(cb.Entity, cb.Field)
		if !ok {
			return models.Failure(textTryAgain, "unknown edit state")
		}
		sc := &models.StateContext{EditEntity: cb.Entity, EditField: cb.Field, EditID: cb.ID}
		if err := o.machine.Set(userID, state, sc); err != nil {
			return storeFailure(err)
		}
		return models.AskClarification(fmt.Sprintf("Введи новое значение: %s.", fieldLabels[cb.Field]))

	case dialog.CallbackDayPref:
		state, sc, err := o.machine.Current(userID)
		if err != nil {
			return storeFailure(err)
		}
		if state != models.StateSchedulePrefsDays {
			return models.FinalText(textStaleButton)
		}
		sc.SelectedDays = toggleDay(sc.SelectedDays, cb.Day)
		if err := o.machine.Set(userID, state, sc); err != nil {
			return storeFailure(err)
		}
		return models.AskClarification(fmt.Sprintf("Выбрано: %s. Отметь ещё дни или нажми «Готово».", daysLabel(sc.SelectedDays))).
			WithButtons(dayPrefButtons(sc.SelectedDays)...)

	case dialog.CallbackDayPrefDone:
		state, sc, err := o.machine.Current(userID)
		if err != nil {
			return storeFailure(err)
		}
		if state != models.StateSchedulePrefsDays {
			return models.FinalText(textStaleButton)
		}
		if err := o.machine.Set(userID, models.StateSchedulePrefsTime, sc); err != nil {
			return storeFailure(err)
		}
		return models.AskClarification("В какое время тебе удобнее заниматься?").
			WithButtons(timePrefButtons()...)

	case dialog.CallbackTimePref, dialog.CallbackTimePrefDone:
		state, sc, err := o.machine.Current(userID)
		if err != nil {
			return storeFailure(err)
		}
		if state != models.StateSchedulePrefsDays && state != models.StateSchedulePrefsTime {
			return models.FinalText(textStaleButton)
		}
		if cb.Kind == dialog.CallbackTimePref {
			sc.PreferredTime = cb.Time
		}
		return o.runSchedule(userID, sc)

	case dialog.CallbackConfirm:
		return o.handleConfirm(userID, cb)
	}
	return models.Failure(textTryAgain, "unknown callback kind")
}

func (o *Orchestrator) handleConfirm(userID string, cb dialog.Callback) models.TurnResponse {
	switch cb.Op {
	case "goal_delete":
		goal, err := o.store.GetGoal(userID, cb.ID)
		if err != nil {
			return storeFailure(err)
		}
		if err := o.store.DeleteGoalCascade(userID, goal.ID); err != nil {
			return storeFailure(err)
		}
		return models.FinalText(fmt.Sprintf("Цель «%s» удалена вместе с шагами и запланированными событиями.", goal.Title))

	case "event_delete":
		event, err := o.store.GetEvent(userID, cb.ID)
		if err != nil {
			return storeFailure(err)
		}
		if err := o.store.DeleteEvent(userID, event.ID); err != nil {
			return storeFailure(err)
		}
		return models.FinalText(fmt.Sprintf("Событие «%s» удалено.", event.Title))

	case "step_delete":
		step, err := o.store.GetStep(userID, cb.ID)
		if err != nil {
			return storeFailure(err)
		}
		return o.deleteStep(userID, step)
	}
	return models.Failure(textTryAgain, "unknown confirm operation")
}

func toggleDay(days []int, day int) []int {
	for i, d := range days {
		if d == day {
			return append(days[:i], days[i+1:]...)
		}
	}
	days = append(days, day)
	sort.Ints(days)
	return days
}
