package notify

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/initio/assistant/internal/models"
)

// stepDigestCap bounds the overdue step list; the rest collapses into a
// counter line.
const stepDigestCap = 5

// motivationPool is the fixed morning greeting set.
var motivationPool = []string{
	"Доброе утро! 🌅 Каждый новый день — это возможность стать на шаг ближе к своей цели. Удачи!",
	"Привет! ☀️ Помни: маленькие шаги каждый день приводят к большим результатам. Продолжай двигаться вперед!",
	"Доброе утро! 💪 Успех — это сумма небольших усилий, повторяемых изо дня в день. Ты на правильном пути!",
	"Привет! 🎯 Не забывай: самая длинная дорога начинается с первого шага. А ты уже сделал его!",
	"Доброе утро! 🌟 Вера в себя и последовательность — вот твои главные союзники на пути к цели!",
	"Привет! ⚡ Сегодня отличный день, чтобы сделать еще один шаг к своей мечте!",
	"Доброе утро! 🔥 Трудности — это всего лишь возможности в рабочей одежде. Продолжай работать!",
	"Привет! 🚀 Единственный способ достичь невозможного — это поверить, что оно возможно!",
}

// humanDate renders the display date format used in reminders.
func humanDate(t time.Time) string {
	return t.Format("02.01.2006")
}

// leadText renders the reminder lead time in Russian.
func leadText(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("%d минут", minutes)
	}
	hours := float64(minutes) / 60
	if hours == float64(int(hours)) {
		h := int(hours)
		suffix := "ов"
		if h < 5 {
			suffix = "а"
		}
		if h == 1 {
			return "1 час"
		}
		return fmt.Sprintf("%d час%s", h, suffix)
	}
	return fmt.Sprintf("%.1f часа", hours)
}

func durationText(minutes int) string {
	if minutes <= 0 {
		return ""
	}
	if minutes < 60 {
		return fmt.Sprintf(" (%dмин)", minutes)
	}
	return fmt.Sprintf(" (%.1fч)", float64(minutes)/60)
}

func formatEventReminder(e models.Event, leadMinutes int) string {
	var sb strings.Builder
	sb.WriteString("🔔 <b>Напоминание о событии</b>\n\n")
	fmt.Fprintf(&sb, "📅 <b>%s</b>\n\n", e.Title)
	fmt.Fprintf(&sb, "⏰ Начало через %s\n", leadText(leadMinutes))
	fmt.Fprintf(&sb, "🕐 Время: %s%s\n", e.Time, durationText(e.DurationMinutes))
	fmt.Fprintf(&sb, "📆 Дата: %s", humanDate(e.Date))
	if e.Notes != "" {
		fmt.Fprintf(&sb, "\n\n💬 %s", e.Notes)
	}
	return sb.String()
}

func formatDeadlineWarning(g models.Goal, daysRemaining int) string {
	var urgency, timeText string
	switch {
	case daysRemaining == 0:
		urgency, timeText = "🚨", "Дедлайн <b>сегодня</b>!"
	case daysRemaining == 1:
		urgency, timeText = "⚠️", "Дедлайн <b>завтра</b>!"
	case daysRemaining <= 3:
		urgency, timeText = "⏰", fmt.Sprintf("До дедлайна осталось <b>%d дня</b>", daysRemaining)
	default:
		urgency, timeText = "📅", fmt.Sprintf("До дедлайна осталось <b>%d дней</b>", daysRemaining)
	}

	progress := g.ProgressPercent
	filled := progress / 10
	bar := strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <b>Напоминание о цели</b>\n\n", urgency)
	fmt.Fprintf(&sb, "🎯 <b>%s</b>\n\n", g.Title)
	fmt.Fprintf(&sb, "%s\n📆 Дедлайн: %s\n\n", timeText, humanDate(*g.TargetDate))
	fmt.Fprintf(&sb, "%s <b>%d%%</b> завершено", bar, progress)

	if g.Description != "" {
		desc := []rune(g.Description)
		if len(desc) > 100 {
			desc = desc[:100]
		}
		fmt.Fprintf(&sb, "\n\n💡 %s", string(desc))
	}
	switch {
	case progress < 30:
		sb.WriteString("\n\n💪 Самое время начать активно работать над целью!")
	case progress < 70:
		sb.WriteString("\n\n👍 Хорошее начало! Продолжай в том же духе!")
	default:
		sb.WriteString("\n\n🔥 Отличная работа! Ты почти у цели!")
	}
	return sb.String()
}

type overdueStep struct {
	step        models.Step
	goal        models.Goal
	daysOverdue int
}

func formatStepDigest(overdue []overdueStep) string {
	var sb strings.Builder
	if len(overdue) == 1 {
		sb.WriteString("📋 <b>Напоминание о незавершенном шаге</b>\n\n")
	} else {
		fmt.Fprintf(&sb, "📋 <b>У тебя %d незавершенных шагов</b>\n\n", len(overdue))
	}

	shown := overdue
	if len(shown) > stepDigestCap {
		shown = shown[:stepDigestCap]
	}
	for _, o := range shown {
		mark := "⭕"
		if o.step.Status == models.StepStatusInProgress {
			mark = "🔄"
		}
		var when string
		switch {
		case o.daysOverdue <= 0:
			when = "запланирован на сегодня"
		case o.daysOverdue == 1:
			when = "<b>просрочен на 1 день</b>"
		default:
			when = fmt.Sprintf("<b>просрочен на %d дней</b>", o.daysOverdue)
		}
		fmt.Fprintf(&sb, "%s <i>%s</i>\n   🎯 Цель: %s\n   📅 %s\n\n", mark, o.step.Title, o.goal.Title, when)
	}
	if len(overdue) > stepDigestCap {
		fmt.Fprintf(&sb, "<i>...и еще %d шагов</i>\n\n", len(overdue)-stepDigestCap)
	}
	sb.WriteString("💪 Давай завершим их сегодня!")
	return sb.String()
}

func formatMotivation(goals []models.Goal) string {
	var sb strings.Builder
	sb.WriteString(motivationPool[rand.Intn(len(motivationPool))])
	sb.WriteString("\n\n<b>Твои цели на сегодня:</b>\n")
	shown := goals
	if len(shown) > 3 {
		shown = shown[:3]
	}
	for _, g := range shown {
		fmt.Fprintf(&sb, "\n🎯 %s — %d%%", g.Title, g.ProgressPercent)
	}
	sb.WriteString("\n\n✨ <i>Вперед к новым достижениям!</i>")
	return sb.String()
}
