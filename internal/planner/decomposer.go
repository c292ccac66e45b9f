// Package planner turns a validated goal draft into persisted steps and
// calendar placements: model-driven decomposition first, then deterministic
// slot placement against the user's existing events.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/initio/assistant/internal/genai"
	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/prompts"
)

// Step count bounds accepted from the model.
const (
	MinSteps = 3
	MaxSteps = 12
)

// FallbackEstimatedHours is used for the catch-all step when decomposition
// fails twice.
const FallbackEstimatedHours = 2.0

// StepDraft is one proposed step before persistence.
type StepDraft struct {
	Title          string  `json:"title"`
	EstimatedHours float64 `json:"estimated_hours"`
	Order          int     `json:"order"`
}

// Decomposer asks the model to break a goal into ordered steps.
type Decomposer struct {
	ai genai.Completer
}

// NewDecomposer creates a decomposer over the given completer.
func NewDecomposer(ai genai.Completer) *Decomposer {
	return &Decomposer{ai: ai}
}

// Decompose produces 3..12 validated step drafts. An invalid model reply is
// retried once; a second failure falls back to a single catch-all step so
// goal creation never fails outright.
func (d *Decomposer) Decompose(ctx context.Context, intent models.GoalCreateIntent) ([]StepDraft, error) {
	system, err := prompts.Render(prompts.DecomposeSteps, prompts.DecomposeData{
		GoalTitle:      intent.Title,
		Description:    intent.Description,
		UserLevel:      intent.UserLevel,
		TimeCommitment: intent.TimeCommitment,
	})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		reply, err := d.ai.Complete(ctx, system, intent.Title)
		if err != nil {
			return nil, fmt.Errorf("decomposition call failed: %w", err)
		}
		drafts, err := parseDrafts(reply)
		if err == nil {
			slog.Debug("Decomposer produced steps", "goal", intent.Title, "steps", len(drafts))
			return drafts, nil
		}
		slog.Warn("Decomposer reply invalid", "attempt", attempt+1, "error", err)
	}

	slog.Warn("Decomposer falling back to single step", "goal", intent.Title)
	return []StepDraft{{Title: intent.Title, EstimatedHours: FallbackEstimatedHours, Order: 1}}, nil
}

// parseDrafts extracts and validates the JSON step array.
func parseDrafts(reply string) ([]StepDraft, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var drafts []StepDraft
	if err := json.Unmarshal([]byte(reply[start:end+1]), &drafts); err != nil {
		return nil, err
	}
	if len(drafts) < MinSteps || len(drafts) > MaxSteps {
		return nil, fmt.Errorf("step count %d outside %d..%d", len(drafts), MinSteps, MaxSteps)
	}
	seen := make(map[int]bool, len(drafts))
	for i := range drafts {
		if drafts[i].Order == 0 {
			drafts[i].Order = i + 1
		}
		d := drafts[i]
		if strings.TrimSpace(d.Title) == "" {
			return nil, fmt.Errorf("step %d: %v", i+1, models.ErrEmptyStepTitle)
		}
		if d.EstimatedHours <= 0 {
			return nil, fmt.Errorf("step %d: %v", i+1, models.ErrInvalidEstimatedHours)
		}
		if d.Order < 1 || d.Order > len(drafts) || seen[d.Order] {
			return nil, fmt.Errorf("step %d: orders must be a permutation of 1..%d", i+1, len(drafts))
		}
		seen[d.Order] = true
	}
	return drafts, nil
}
