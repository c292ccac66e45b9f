// Package intent turns free-form user messages into the closed intent
// variant set via the model adapter, with strict validation of everything
// the model returns.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/initio/assistant/internal/assembler"
	"github.com/initio/assistant/internal/genai"
	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/prompts"
)

// strictRetrySuffix is appended to the user message when the first reply was
// not parseable JSON.
const strictRetrySuffix = "\n\nВерни ТОЛЬКО валидный JSON-объект без пояснений, без markdown и без текста вне JSON."

// Parser extracts intents from user messages.
type Parser struct {
	ai genai.Completer
}

// NewParser creates a parser over the given completer.
func NewParser(ai genai.Completer) *Parser {
	return &Parser{ai: ai}
}

// rawRef mirrors the target object of the wire format.
type rawRef struct {
	ID      *int64 `json:"id"`
	Ordinal *int   `json:"ordinal"`
}

// rawIntent mirrors the union of all wire formats the prompt allows.
type rawIntent struct {
	Intent string `json:"intent"`
	Text   string `json:"text"`

	Title    *string `json:"title"`
	DateFrom *string `json:"date_from"`
	DateTo   *string `json:"date_to"`
	TimeFrom *string `json:"time_from"`
	TimeTo   *string `json:"time_to"`

	Operation       string  `json:"operation"`
	Date            *string `json:"date"`
	Time            *string `json:"time"`
	DurationMinutes *int    `json:"duration_minutes"`
	Target          *rawRef `json:"target"`

	GoalTitle      string  `json:"goal_title"`
	Description    string  `json:"description"`
	TargetDate     *string `json:"target_date"`
	Category       *string `json:"category"`
	Priority       *string `json:"priority"`
	CurrentLevel   *string `json:"current_level"`
	TimeCommitment *string `json:"time_commitment"`

	Status    *string `json:"status"`
	NewStatus string  `json:"new_status"`

	GoalID      *int64  `json:"goal_id"`
	StepTitle   string  `json:"step_title"`
	Order       *int    `json:"order"`
	PlannedDate *string `json:"planned_date"`
	PlannedTime *string `json:"planned_time"`

	ProductQuery string   `json:"product_query"`
	PriceMax     *float64 `json:"price_max"`

	DryRun *bool `json:"dry_run"`
}

func (r *rawIntent) dryRun() bool {
	return r.DryRun != nil && *r.DryRun
}

// Parse runs the extraction round-trip for one message: render the system
// prompt from the bundle, call the model, decode and validate. A reply that
// is not JSON gets exactly one strict retry.
func (p *Parser) Parse(ctx context.Context, b *assembler.Bundle, message string) (models.Intent, error) {
	system, err := prompts.Render(prompts.IntentSystem, b.IntentData())
	if err != nil {
		return nil, err
	}

	reply, err := p.ai.Complete(ctx, system, message)
	if err != nil {
		return nil, classifyModelError(err)
	}

	raw, parseErr := decodeRaw(reply)
	if parseErr != nil {
		slog.Warn("Intent reply not parseable, retrying strict", "userID", b.Profile.UserID, "error", parseErr)
		reply, err = p.ai.Complete(ctx, system, message+strictRetrySuffix)
		if err != nil {
			return nil, classifyModelError(err)
		}
		raw, parseErr = decodeRaw(reply)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrIntentParse, parseErr)
		}
	}

	it, err := toIntent(raw)
	if err != nil {
		return nil, err
	}
	slog.Debug("Intent parsed", "userID", b.Profile.UserID, "kind", it.Kind())
	return it, nil
}

// classifyModelError maps adapter failures into the pipeline taxonomy.
func classifyModelError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrIntentTimeout, err)
	}
	return err
}

// decodeRaw extracts the outermost JSON object from the reply and unmarshals
// it. Models occasionally wrap JSON in code fences or prose.
func decodeRaw(reply string) (*rawIntent, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	var raw rawIntent
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// toIntent converts the decoded wire object into a typed variant, rejecting
// anything outside the closed set or with malformed fields.
func toIntent(raw *rawIntent) (models.Intent, error) {
	kind := models.IntentKind(raw.Intent)
	if !models.IsValidIntentKind(kind) {
		return nil, fmt.Errorf("%w: unknown intent %q", models.ErrIntentInvalid, raw.Intent)
	}

	switch kind {
	case models.IntentSmallTalk:
		return models.SmallTalkIntent{ReplyHint: raw.Text}, nil

	case models.IntentEventSearch:
		it := models.EventSearchIntent{TitleLike: deref(raw.Title)}
		var err error
		if it.DateFrom, err = optionalDate(raw.DateFrom); err != nil {
			return nil, invalid(err)
		}
		if it.DateTo, err = optionalDate(raw.DateTo); err != nil {
			return nil, invalid(err)
		}
		if it.TimeFrom, err = optionalClock(raw.TimeFrom); err != nil {
			return nil, invalid(err)
		}
		if it.TimeTo, err = optionalClock(raw.TimeTo); err != nil {
			return nil, invalid(err)
		}
		if it.DateFrom != nil && it.DateTo != nil && it.DateTo.Before(*it.DateFrom) {
			return nil, fmt.Errorf("%w: date range inverted", models.ErrIntentInvalid)
		}
		if it.TimeFrom != "" && it.TimeTo != "" && it.TimeTo < it.TimeFrom {
			return nil, fmt.Errorf("%w: time range inverted", models.ErrIntentInvalid)
		}
		return it, nil

	case models.IntentEventMutate:
		op := models.MutateOp(raw.Operation)
		if op != models.MutateCreate && op != models.MutateUpdate && op != models.MutateDelete {
			return nil, fmt.Errorf("%w: unknown operation %q", models.ErrIntentInvalid, raw.Operation)
		}
		it := models.EventMutateIntent{Op: op, Title: deref(raw.Title), Target: toRef(raw.Target), DryRun: raw.dryRun()}
		var err error
		var date *time.Time
		if date, err = optionalDate(raw.Date); err != nil {
			return nil, invalid(err)
		}
		it.Date = date
		if it.Time, err = optionalClock(raw.Time); err != nil {
			return nil, invalid(err)
		}
		if raw.DurationMinutes != nil {
			if *raw.DurationMinutes <= 0 {
				return nil, fmt.Errorf("%w: duration must be positive", models.ErrIntentInvalid)
			}
			it.DurationMinutes = *raw.DurationMinutes
		}
		switch op {
		case models.MutateCreate:
			if strings.TrimSpace(it.Title) == "" {
				return nil, fmt.Errorf("%w: %v", models.ErrIntentInvalid, models.ErrEmptyEventTitle)
			}
			if it.Date == nil {
				return nil, fmt.Errorf("%w: %v", models.ErrIntentInvalid, models.ErrEmptyEventDate)
			}
		case models.MutateUpdate, models.MutateDelete:
			if it.Target.IsZero() && it.Target.Ordinal == 0 && strings.TrimSpace(it.Title) == "" {
				return nil, fmt.Errorf("%w: %s needs a target or title selector", models.ErrIntentInvalid, op)
			}
		}
		return it, nil

	case models.IntentGoalSearch:
		it := models.GoalSearchIntent{}
		if s := deref(raw.Status); s != "" {
			st := models.GoalStatus(s)
			if !models.IsValidGoalStatus(st) {
				return nil, fmt.Errorf("%w: %v %q", models.ErrIntentInvalid, models.ErrInvalidGoalStatus, s)
			}
			it.Status = st
		}
		return it, nil

	case models.IntentGoalCreate:
		it := models.GoalCreateIntent{
			Title:          strings.TrimSpace(raw.GoalTitle),
			Description:    raw.Description,
			Category:       deref(raw.Category),
			UserLevel:      deref(raw.CurrentLevel),
			TimeCommitment: deref(raw.TimeCommitment),
		}
		var err error
		if it.TargetDate, err = optionalDate(raw.TargetDate); err != nil {
			return nil, invalid(err)
		}
		if p := deref(raw.Priority); p != "" {
			pr := models.Priority(p)
			if !models.IsValidPriority(pr) {
				return nil, fmt.Errorf("%w: %v %q", models.ErrIntentInvalid, models.ErrInvalidPriority, p)
			}
			it.Priority = pr
		}
		return it, nil

	case models.IntentGoalDelete:
		it := models.GoalDeleteIntent{Target: toRef(raw.Target), DryRun: raw.dryRun()}
		if it.Target.IsZero() && it.Target.Ordinal == 0 {
			return nil, fmt.Errorf("%w: goal.delete needs a target", models.ErrIntentInvalid)
		}
		return it, nil

	case models.IntentGoalQuery:
		it := models.GoalQueryIntent{Target: toRef(raw.Target)}
		if it.Target.IsZero() && it.Target.Ordinal == 0 {
			return nil, fmt.Errorf("%w: goal.query needs a target", models.ErrIntentInvalid)
		}
		return it, nil

	case models.IntentGoalUpdateStep:
		status := models.StepStatus(raw.NewStatus)
		if !models.IsValidStepStatus(status) {
			return nil, fmt.Errorf("%w: %v %q", models.ErrIntentInvalid, models.ErrInvalidStepStatus, raw.NewStatus)
		}
		it := models.GoalUpdateStepIntent{Target: toRef(raw.Target), NewStatus: status, DryRun: raw.dryRun()}
		if it.Target.IsZero() && it.Target.Ordinal == 0 {
			return nil, fmt.Errorf("%w: goal.update_step needs a target", models.ErrIntentInvalid)
		}
		return it, nil

	case models.IntentGoalAddStep:
		it := models.GoalAddStepIntent{Title: strings.TrimSpace(raw.StepTitle), DryRun: raw.dryRun()}
		if it.Title == "" {
			return nil, fmt.Errorf("%w: %v", models.ErrIntentInvalid, models.ErrEmptyStepTitle)
		}
		if raw.GoalID != nil {
			it.GoalID = *raw.GoalID
		}
		if raw.Order != nil {
			if *raw.Order < 0 {
				return nil, fmt.Errorf("%w: %v", models.ErrIntentInvalid, models.ErrInvalidStepOrder)
			}
			it.Order = *raw.Order
		}
		var err error
		if it.PlannedDate, err = optionalDate(raw.PlannedDate); err != nil {
			return nil, invalid(err)
		}
		if it.PlannedTime, err = optionalClock(raw.PlannedTime); err != nil {
			return nil, invalid(err)
		}
		return it, nil

	case models.IntentGoalDeleteStep:
		it := models.GoalDeleteStepIntent{Target: toRef(raw.Target), DryRun: raw.dryRun()}
		if it.Target.IsZero() && it.Target.Ordinal == 0 {
			return nil, fmt.Errorf("%w: goal.delete_step needs a target", models.ErrIntentInvalid)
		}
		return it, nil

	case models.IntentProductSearch:
		it := models.ProductSearchIntent{Query: strings.TrimSpace(raw.ProductQuery)}
		if raw.PriceMax != nil {
			it.PriceMax = *raw.PriceMax
		}
		return it, nil
	}
	return nil, fmt.Errorf("%w: unhandled intent %q", models.ErrIntentInvalid, raw.Intent)
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", models.ErrIntentInvalid, err)
}

func toRef(r *rawRef) models.EntityRef {
	if r == nil {
		return models.EntityRef{}
	}
	var ref models.EntityRef
	if r.ID != nil {
		ref.ID = *r.ID
	}
	if r.Ordinal != nil {
		ref.Ordinal = *r.Ordinal
	}
	return ref
}

func optionalDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := models.ParseDate(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optionalClock(s *string) (string, error) {
	if s == nil || *s == "" {
		return "", nil
	}
	return models.ParseClock(*s)
}
