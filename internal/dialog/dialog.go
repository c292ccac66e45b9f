// Package dialog implements the per-user finite state machine for multi-turn
// sub-flows: goal clarification, single-field edits and schedule preference
// elicitation.
package dialog

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/store"
)

// DefaultStateTimeout resets a stale sub-flow on the next inbound message.
const DefaultStateTimeout = 30 * time.Minute

// Machine loads, times out and persists dialog state.
type Machine struct {
	store   store.Store
	timeout time.Duration
	now     func() time.Time
}

// Opts holds configuration for machine construction.
type Opts struct {
	StateTimeout time.Duration
}

// Option configures machine construction.
type Option func(*Opts)

// WithStateTimeout overrides the stale-state reset window.
func WithStateTimeout(d time.Duration) Option {
	return func(o *Opts) { o.StateTimeout = d }
}

// NewMachine creates a dialog machine over the given store.
func NewMachine(s store.Store, opts ...Option) *Machine {
	cfg := Opts{StateTimeout: DefaultStateTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Machine{store: s, timeout: cfg.StateTimeout, now: time.Now}
}

// Current returns the user's dialog state with the decoded context bag. A
// non-idle state older than the timeout is silently reset first.
func (m *Machine) Current(userID string) (models.DialogState, *models.StateContext, error) {
	session, err := m.store.GetSession(userID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return models.StateIdle, &models.StateContext{}, nil
	}
	state := session.State
	if !models.IsValidDialogState(state) {
		state = models.StateIdle
	}
	if state != models.StateIdle && m.now().Sub(session.UpdatedAt) > m.timeout {
		slog.Info("Dialog state timed out, resetting", "userID", userID, "state", state)
		if err := m.Reset(userID); err != nil {
			return "", nil, err
		}
		return models.StateIdle, &models.StateContext{}, nil
	}
	return state, models.DecodeStateContext(session.Context), nil
}

// Set persists a state transition with its context bag.
func (m *Machine) Set(userID string, state models.DialogState, sc *models.StateContext) error {
	if !models.IsValidDialogState(state) {
		return fmt.Errorf("unknown dialog state %q", state)
	}
	err := m.store.SaveSession(models.SessionState{
		UserID:    userID,
		State:     state,
		Context:   models.EncodeStateContext(sc),
		UpdatedAt: m.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	slog.Debug("Dialog transition", "userID", userID, "state", state)
	return nil
}

// Reset discards the context bag and returns to idle.
func (m *Machine) Reset(userID string) error {
	return m.Set(userID, models.StateIdle, nil)
}

// CallbackKind enumerates the callback token grammar.
type CallbackKind string

const (
	CallbackEdit         CallbackKind = "edit"
	CallbackDayPref      CallbackKind = "day_pref"
	CallbackDayPrefDone  CallbackKind = "day_pref_done"
	CallbackTimePref     CallbackKind = "time_pref"
	CallbackTimePrefDone CallbackKind = "time_pref_done"
	CallbackConfirm      CallbackKind = "confirm"
	CallbackCancel       CallbackKind = "cancel"
)

// Callback is one decoded button press.
type Callback struct {
	Kind   CallbackKind
	Entity string // edit: goal | event | step
	Field  string // edit: field name
	ID     int64  // edit / confirm target
	Day    int    // day_pref: 0=Mon .. 6=Sun
	Time   string // time_pref: HH:MM after named-slot mapping
	Op     string // confirm: operation name
}

// Named time_pref slots and their clock mapping.
const (
	SlotMorning   = "morning"
	SlotAfternoon = "afternoon"
	SlotEvening   = "evening"
)

var slotClock = map[string]string{
	SlotMorning:   "09:00",
	SlotAfternoon: "14:00",
	SlotEvening:   "18:00",
}

// editFields enumerates the editable fields per entity.
var editFields = map[string]map[string]bool{
	"goal":  {"title": true, "description": true, "deadline": true, "category": true, "priority": true},
	"event": {"title": true, "date": true, "time": true, "duration": true, "notes": true},
	"step":  {"title": true, "date": true, "time": true},
}

// ParseCallback decodes a callback_data token. The grammar is exhaustive;
// anything else is an error.
func ParseCallback(data string) (Callback, error) {
	switch {
	case data == string(CallbackCancel):
		return Callback{Kind: CallbackCancel}, nil
	case data == string(CallbackDayPrefDone):
		return Callback{Kind: CallbackDayPrefDone}, nil
	case data == string(CallbackTimePrefDone):
		return Callback{Kind: CallbackTimePrefDone}, nil
	}

	parts := strings.Split(data, ":")
	switch parts[0] {
	case string(CallbackEdit):
		if len(parts) != 4 {
			return Callback{}, fmt.Errorf("malformed edit callback %q", data)
		}
		entity, field := parts[1], parts[2]
		if !editFields[entity][field] {
			return Callback{}, fmt.Errorf("unknown edit target %s.%s", entity, field)
		}
		id, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || id <= 0 {
			return Callback{}, fmt.Errorf("malformed edit id in %q", data)
		}
		return Callback{Kind: CallbackEdit, Entity: entity, Field: field, ID: id}, nil

	case string(CallbackDayPref):
		if len(parts) != 2 {
			return Callback{}, fmt.Errorf("malformed day_pref callback %q", data)
		}
		day, err := strconv.Atoi(parts[1])
		if err != nil || day < 0 || day > 6 {
			return Callback{}, fmt.Errorf("day_pref out of range in %q", data)
		}
		return Callback{Kind: CallbackDayPref, Day: day}, nil

	case string(CallbackTimePref):
		if len(parts) < 2 {
			return Callback{}, fmt.Errorf("malformed time_pref callback %q", data)
		}
		value := strings.Join(parts[1:], ":")
		if clock, ok := slotClock[value]; ok {
			return Callback{Kind: CallbackTimePref, Time: clock}, nil
		}
		clock, err := models.ParseClock(value)
		if err != nil {
			return Callback{}, fmt.Errorf("time_pref is neither a named slot nor HH:MM: %q", value)
		}
		return Callback{Kind: CallbackTimePref, Time: clock}, nil

	case string(CallbackConfirm):
		if len(parts) != 3 {
			return Callback{}, fmt.Errorf("malformed confirm callback %q", data)
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || id <= 0 {
			return Callback{}, fmt.Errorf("malformed confirm id in %q", data)
		}
		return Callback{Kind: CallbackConfirm, Op: parts[1], ID: id}, nil
	}
	return Callback{}, fmt.Errorf("unknown callback %q", data)
}

// EditState maps an edit callback onto the state that consumes the next
// free-text message.
func EditState(entity, field string) (models.DialogState, bool) {
	s := models.DialogState(entity + "_edit_" + field)
	if !models.IsValidDialogState(s) {
		return "", false
	}
	return s, true
}

// Stopwords excluded from the verb-like token heuristic.
var smartStopwords = map[string]bool{
	"хочу": true, "надо": true, "нужно": true, "очень": true, "чтобы": true,
	"быть": true, "стать": true, "этой": true, "этого": true, "свою": true,
	"мочь": true, "более": true, "самый": true, "когда": true, "будет": true,
}

var durationMarkers = []string{
	"недел", "месяц", "месяца", "день", "дня", "дней", "год", "года", "лет", "час",
	"к концу", "до конца", "каждый",
}

// ValidateSMART checks a goal draft against the acceptance heuristics. When
// the draft fails, the returned question asks for the missing piece.
func ValidateSMART(d *models.GoalDraft) (bool, string) {
	title := strings.TrimSpace(d.Title)
	if utf8.RuneCountInString(title) < 8 || !hasActionToken(title) {
		return false, "Сформулируй цель конкретнее: что именно ты хочешь сделать или чему научиться?"
	}
	combined := strings.TrimSpace(title + " " + d.Description)
	if strings.HasSuffix(combined, "?") {
		return false, "Это звучит как вопрос. Опиши цель утверждением: чего ты хочешь достичь?"
	}
	if d.TargetDate == "" && !mentionsDuration(d.Description) {
		return false, "К какому сроку ты хочешь достичь этой цели? Назови дату или период."
	}
	return true, ""
}

// hasActionToken looks for at least one substantive token of 4+ runes after
// stopword removal.
func hasActionToken(title string) bool {
	for _, tok := range strings.Fields(strings.ToLower(title)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if smartStopwords[tok] {
			continue
		}
		if utf8.RuneCountInString(tok) >= 4 {
			return true
		}
	}
	return false
}

func mentionsDuration(description string) bool {
	lower := strings.ToLower(description)
	for _, marker := range durationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
