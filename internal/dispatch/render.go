package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/prompts"
)

// User-facing texts. All replies are Russian; Text carries restricted HTML.
const (
	textTryAgain         = "Что-то пошло не так. Попробуй ещё раз чуть позже."
	textEmptyMessage     = "Напиши, чем я могу помочь: цели, шаги, календарь."
	textModelSlow        = "Я немного задумался и не успел ответить. Повтори запрос, пожалуйста."
	textUnknownEntity    = "Не нашёл такой элемент в последнем списке. Уточни, о чём речь?"
	textDidNotUnderstand = "Я не совсем понял запрос. Сформулируй, пожалуйста, иначе."
	textStoreDown        = "Хранилище сейчас недоступно. Попробуй через минуту."
	textNoEvents         = "Событий не найдено."
	textCancelled        = "Ок, отменил. Чем ещё помочь?"
	textStaleButton      = "Эта кнопка уже неактуальна. Напиши, чем помочь."
	textStepOrderTaken   = "Шаг с таким порядковым номером уже есть в этой цели. Назови другой номер или не указывай его, и я добавлю шаг в конец."
	textProductsStub     = "Поиск товаров пока в разработке. Могу помочь с целями и календарём."
	textSmallTalk        = "Привет! Я помогу с целями, шагами и календарём. С чего начнём?"
)

// dayNames follows the preference encoding: 0=Mon .. 6=Sun.
var dayNames = [7]string{"Пн", "Вт", "Ср", "Чт", "Пт", "Сб", "Вс"}

// fieldLabels maps edit field names onto accusative Russian labels.
var fieldLabels = map[string]string{
	"title":       "название",
	"description": "описание",
	"deadline":    "дедлайн (ГГГГ-ММ-ДД)",
	"category":    "категорию",
	"priority":    "приоритет (низкий, средний или высокий)",
	"date":        "дату (ГГГГ-ММ-ДД)",
	"time":        "время (ЧЧ:ММ)",
	"duration":    "длительность в минутах",
	"notes":       "заметки",
}

// progressBar renders a ten-segment bar, e.g. "██████░░░░ 60%".
func progressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := (percent + 5) / 10
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled) + fmt.Sprintf(" %d%%", percent)
}

// eventClock renders the event time or the all-day marker.
func eventClock(e models.Event) string {
	if e.Time == "" {
		return "весь день"
	}
	return e.Time
}

func goalItem(ordinal int, g models.Goal) map[string]any {
	item := map[string]any{
		"ordinal":          ordinal,
		"id":               g.ID,
		"title":            g.Title,
		"status":           string(g.Status),
		"progress_percent": g.ProgressPercent,
	}
	if g.TargetDate != nil {
		item["target_date"] = g.TargetDate.Format(models.DateLayout)
	}
	return item
}

func stepItem(ordinal int, s models.Step) map[string]any {
	item := map[string]any{
		"ordinal": ordinal,
		"id":      s.ID,
		"title":   s.Title,
		"order":   s.Order,
		"status":  string(s.Status),
	}
	if s.PlannedDate != nil {
		item["planned_date"] = s.PlannedDate.Format(models.DateLayout)
		if s.PlannedTime != "" {
			item["planned_time"] = s.PlannedTime
		}
	}
	return item
}

func eventItem(ordinal int, e models.Event) map[string]any {
	item := map[string]any{
		"ordinal":          ordinal,
		"id":               e.ID,
		"title":            e.Title,
		"date":             e.Date.Format(models.DateLayout),
		"duration_minutes": e.DurationMinutes,
		"event_type":       string(e.EventType),
	}
	if e.Time != "" {
		item["time"] = e.Time
	}
	return item
}

// daysLabel renders the selected preference days, keeping week order.
func daysLabel(days []int) string {
	if len(days) == 0 {
		return "пока ничего"
	}
	sorted := append([]int(nil), days...)
	sort.Ints(sorted)
	parts := make([]string, 0, len(sorted))
	for _, d := range sorted {
		if d >= 0 && d < len(dayNames) {
			parts = append(parts, dayNames[d])
		}
	}
	return strings.Join(parts, ", ")
}

// dayPrefButtons builds the weekday keyboard with selection markers.
func dayPrefButtons(selected []int) []models.ButtonRow {
	chosen := make(map[int]bool, len(selected))
	for _, d := range selected {
		chosen[d] = true
	}
	label := func(d int) string {
		if chosen[d] {
			return "✅ " + dayNames[d]
		}
		return dayNames[d]
	}
	var workdays, weekend models.ButtonRow
	for d := 0; d < 5; d++ {
		workdays = append(workdays, models.Button{Text: label(d), CallbackData: fmt.Sprintf("day_pref:%d", d)})
	}
	for d := 5; d < 7; d++ {
		weekend = append(weekend, models.Button{Text: label(d), CallbackData: fmt.Sprintf("day_pref:%d", d)})
	}
	return []models.ButtonRow{
		workdays,
		weekend,
		{
			{Text: "Готово", CallbackData: "day_pref_done"},
			{Text: "Отмена", CallbackData: "cancel"},
		},
	}
}

func timePrefButtons() []models.ButtonRow {
	return []models.ButtonRow{
		{
			{Text: "Утром (09:00)", CallbackData: "time_pref:morning"},
			{Text: "Днём (14:00)", CallbackData: "time_pref:afternoon"},
			{Text: "Вечером (18:00)", CallbackData: "time_pref:evening"},
		},
		{
			{Text: "Готово", CallbackData: "time_pref_done"},
			{Text: "Отмена", CallbackData: "cancel"},
		},
	}
}

func confirmButtons(op string, id int64) []models.ButtonRow {
	return []models.ButtonRow{{
		{Text: "Да, удалить", CallbackData: fmt.Sprintf("confirm:%s:%d", op, id)},
		{Text: "Отмена", CallbackData: "cancel"},
	}}
}

func eventEditButtons(id int64) []models.ButtonRow {
	return []models.ButtonRow{{
		{Text: "✏️ Название", CallbackData: fmt.Sprintf("edit:event:title:%d", id)},
		{Text: "📅 Дата", CallbackData: fmt.Sprintf("edit:event:date:%d", id)},
		{Text: "🕒 Время", CallbackData: fmt.Sprintf("edit:event:time:%d", id)},
	}}
}

func goalEditButtons(id int64) []models.ButtonRow {
	return []models.ButtonRow{{
		{Text: "✏️ Название", CallbackData: fmt.Sprintf("edit:goal:title:%d", id)},
		{Text: "📅 Дедлайн", CallbackData: fmt.Sprintf("edit:goal:deadline:%d", id)},
		{Text: "⭐ Приоритет", CallbackData: fmt.Sprintf("edit:goal:priority:%d", id)},
	}}
}

// summarizeText asks the model to phrase the reply for a structured result.
// Any failure falls back to the deterministic text, so the summarizer can
// never break a turn.
func (o *Orchestrator) summarizeText(ctx context.Context, result map[string]any, fallback string) string {
	payload, err := json.Marshal(result)
	if err != nil {
		return fallback
	}
	system, err := prompts.Render(prompts.Summarize, prompts.SummarizeData{CoreResultJSON: string(payload)})
	if err != nil {
		slog.Warn("Summarize prompt render failed", "error", err)
		return fallback
	}
	reply, err := o.ai.Complete(ctx, system, string(payload))
	if err != nil {
		slog.Warn("Summarizer call failed, using deterministic text", "error", err)
		return fallback
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return fallback
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &parsed); err != nil || strings.TrimSpace(parsed.Text) == "" {
		slog.Warn("Summarizer reply unusable, using deterministic text", "error", err)
		return fallback
	}
	return strings.TrimSpace(parsed.Text)
}
