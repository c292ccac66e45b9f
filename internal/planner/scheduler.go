package planner

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/store"
)

// Availability window bounds in days.
const (
	MinWindowDays = 14
	MaxWindowDays = 90
)

// Placement within a day runs from the preferred hour up to this boundary.
const dayEndMinute = 23 * 60

// placementIncrement is the step used when sliding past busy intervals.
const placementIncrement = 30 * time.Minute

// Prefs are the schedule preferences elicited through the dialog flow.
type Prefs struct {
	Days []int  // 0=Mon .. 6=Sun
	Time string // HH:MM preferred session start
}

// Plan is the outcome of placement, ready for store.ApplyPlan.
type Plan struct {
	Placements    []store.Placement
	TightDeadline bool
}

// interval is a busy span within one day, in minutes since midnight.
type interval struct {
	start int
	end   int
}

// Scheduler places steps into free calendar slots.
type Scheduler struct {
	store store.Store
	now   func() time.Time
}

// NewScheduler creates a scheduler over the given store.
func NewScheduler(s store.Store) *Scheduler {
	return &Scheduler{store: s, now: time.Now}
}

// Schedule builds the placement plan for a goal's unscheduled steps. Steps
// are visited in order; a placement past the target date sets TightDeadline
// instead of failing. The plan is not persisted here.
func (s *Scheduler) Schedule(userID string, goal *models.Goal, steps []models.Step, prefs Prefs, loc *time.Location) (*Plan, error) {
	if len(steps) == 0 {
		return &Plan{}, nil
	}
	if len(prefs.Days) == 0 {
		prefs.Days = []int{0, 1, 2, 3, 4, 5, 6}
	}
	if prefs.Time == "" {
		prefs.Time = "18:00"
	}
	preferredMin, err := clockMinutes(prefs.Time)
	if err != nil {
		return nil, err
	}

	today := models.DateOnly(s.now().In(loc))
	windowDays := MinWindowDays
	if goal.TargetDate != nil {
		if until := int(goal.TargetDate.Sub(today).Hours() / 24); until > windowDays {
			windowDays = until
		}
	}
	if windowDays > MaxWindowDays {
		windowDays = MaxWindowDays
	}

	first := today.AddDate(0, 0, 1)
	last := first.AddDate(0, 0, windowDays-1)
	events, err := s.store.ListEventsBetween(userID, first, last)
	if err != nil {
		return nil, fmt.Errorf("failed to read busy slots: %w", err)
	}
	busy := busyByDay(events)

	allowed := make(map[int]bool, len(prefs.Days))
	for _, d := range prefs.Days {
		allowed[d] = true
	}

	plan := &Plan{}
	day := first
	cursor := preferredMin
	for _, step := range steps {
		need := int(math.Ceil(step.EstimatedHours * 60))
		if need <= 0 {
			need = models.DefaultEventDurationMinutes
		}

		placed := false
		for !placed {
			if day.After(last) {
				return nil, fmt.Errorf("%w: no free slot for step %q within %d days",
					models.ErrPlacementFailed, step.Title, windowDays)
			}
			if !allowed[weekdayIndex(day)] {
				day = day.AddDate(0, 0, 1)
				cursor = preferredMin
				continue
			}
			key := day.Format(models.DateLayout)
			start, ok := findSlot(busy[key], cursor, need)
			if !ok {
				day = day.AddDate(0, 0, 1)
				cursor = preferredMin
				continue
			}
			busy[key] = append(busy[key], interval{start, start + need})
			plan.Placements = append(plan.Placements, store.Placement{
				StepID:          step.ID,
				Title:           step.Title,
				Date:            day,
				Time:            minutesClock(start),
				DurationMinutes: need,
			})
			if goal.TargetDate != nil && day.After(*goal.TargetDate) {
				plan.TightDeadline = true
			}
			// The next step starts no earlier than this one ends.
			cursor = start + need
			placed = true
		}
	}
	slog.Debug("Scheduler built plan", "userID", userID, "goalID", goal.ID,
		"placements", len(plan.Placements), "tight", plan.TightDeadline)
	return plan, nil
}

// busyByDay indexes timed events into per-day busy intervals. All-day events
// carry no clock and do not block slots.
func busyByDay(events []models.Event) map[string][]interval {
	busy := make(map[string][]interval)
	for _, e := range events {
		if e.Time == "" {
			continue
		}
		start, err := clockMinutes(e.Time)
		if err != nil {
			continue
		}
		dur := e.DurationMinutes
		if dur <= 0 {
			dur = models.DefaultEventDurationMinutes
		}
		key := e.Date.Format(models.DateLayout)
		busy[key] = append(busy[key], interval{start, start + dur})
	}
	return busy
}

// findSlot returns the first start >= from where a window of need minutes
// fits before the day boundary without overlapping busy intervals.
func findSlot(busy []interval, from, need int) (int, bool) {
	sort.Slice(busy, func(i, j int) bool { return busy[i].start < busy[j].start })
	step := int(placementIncrement.Minutes())
	for start := from; start+need <= dayEndMinute; start += step {
		if !overlapsAny(busy, start, start+need) {
			return start, true
		}
	}
	return 0, false
}

func overlapsAny(busy []interval, start, end int) bool {
	for _, b := range busy {
		if start < b.end && b.start < end {
			return true
		}
	}
	return false
}

func weekdayIndex(t time.Time) int {
	// time.Weekday has Sunday=0; the preference encoding has Monday=0.
	return (int(t.Weekday()) + 6) % 7
}

func clockMinutes(clock string) (int, error) {
	t, err := time.Parse(models.TimeLayout, clock)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidTimeFormat, clock)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func minutesClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
