// Package models defines the closed intent variant set.
//
// The intent parser is the only place that bridges dynamic model JSON and
// these types; every downstream handler is a total function over the set.
package models

import (
	"fmt"
	"time"
)

// IntentKind names one variant of the closed intent set.
type IntentKind string

const (
	IntentSmallTalk      IntentKind = "small_talk"
	IntentEventSearch    IntentKind = "event.search"
	IntentEventMutate    IntentKind = "event.mutate"
	IntentGoalSearch     IntentKind = "goal.search"
	IntentGoalCreate     IntentKind = "goal.create"
	IntentGoalDelete     IntentKind = "goal.delete"
	IntentGoalQuery      IntentKind = "goal.query"
	IntentGoalUpdateStep IntentKind = "goal.update_step"
	IntentGoalAddStep    IntentKind = "goal.add_step"
	IntentGoalDeleteStep IntentKind = "goal.delete_step"
	IntentProductSearch  IntentKind = "product.search"
)

// IsValidIntentKind checks membership in the closed set.
func IsValidIntentKind(k IntentKind) bool {
	switch k {
	case IntentSmallTalk, IntentEventSearch, IntentEventMutate,
		IntentGoalSearch, IntentGoalCreate, IntentGoalDelete, IntentGoalQuery,
		IntentGoalUpdateStep, IntentGoalAddStep, IntentGoalDeleteStep,
		IntentProductSearch:
		return true
	default:
		return false
	}
}

// Intent is the sealed interface over the variant set.
type Intent interface {
	Kind() IntentKind
}

// EntityRef addresses an entity either directly by id or by 1-based ordinal
// into a previously returned result set.
type EntityRef struct {
	ID      int64  `json:"id,omitempty"`
	SetID   string `json:"set_id,omitempty"`
	Ordinal int    `json:"ordinal,omitempty"`
}

// IsOrdinal reports whether the reference addresses a result set position.
func (r EntityRef) IsOrdinal() bool {
	return r.SetID != ""
}

// IsZero reports whether the reference is empty.
func (r EntityRef) IsZero() bool {
	return r.ID == 0 && r.SetID == ""
}

// Validate checks that exactly one addressing mode is used and ordinals are
// 1-based.
func (r EntityRef) Validate() error {
	if r.IsZero() {
		return fmt.Errorf("%w: missing target reference", ErrIntentInvalid)
	}
	if r.SetID != "" {
		if r.ID != 0 {
			return fmt.Errorf("%w: target carries both id and ordinal reference", ErrIntentInvalid)
		}
		if r.Ordinal < 1 {
			return fmt.Errorf("%w: ordinal must be 1-based", ErrUnknownEntity)
		}
	}
	return nil
}

// MutateOp enumerates event.mutate operations.
type MutateOp string

const (
	MutateCreate MutateOp = "create"
	MutateUpdate MutateOp = "update"
	MutateDelete MutateOp = "delete"
)

// SmallTalkIntent carries a free-form reply hint; it never touches the store.
type SmallTalkIntent struct {
	ReplyHint string
}

func (SmallTalkIntent) Kind() IntentKind { return IntentSmallTalk }

// EventSearchIntent filters the user's events. All fields are optional.
type EventSearchIntent struct {
	TitleLike string
	DateFrom  *time.Time
	DateTo    *time.Time
	TimeFrom  string
	TimeTo    string
}

func (EventSearchIntent) Kind() IntentKind { return IntentEventSearch }

// EventMutateIntent creates, updates or deletes an event. Update and delete
// resolve Target either directly or through a result set ordinal.
type EventMutateIntent struct {
	Op              MutateOp
	Title           string
	Date            *time.Time
	Time            string
	DurationMinutes int
	Target          EntityRef
	DryRun          bool
}

func (EventMutateIntent) Kind() IntentKind { return IntentEventMutate }

// GoalSearchIntent lists goals, optionally filtered by status.
type GoalSearchIntent struct {
	Status GoalStatus
}

func (GoalSearchIntent) Kind() IntentKind { return IntentGoalSearch }

// GoalCreateIntent is the validated draft handed to the decomposer.
type GoalCreateIntent struct {
	Title          string
	Description    string
	TargetDate     *time.Time
	Category       string
	Priority       Priority
	UserLevel      string
	TimeCommitment string
}

func (GoalCreateIntent) Kind() IntentKind { return IntentGoalCreate }

// GoalDeleteIntent deletes a goal, cascading through steps and linked events.
type GoalDeleteIntent struct {
	Target EntityRef
	DryRun bool
}

func (GoalDeleteIntent) Kind() IntentKind { return IntentGoalDelete }

// GoalQueryIntent returns a goal with its ordered steps.
type GoalQueryIntent struct {
	Target EntityRef
}

func (GoalQueryIntent) Kind() IntentKind { return IntentGoalQuery }

// GoalUpdateStepIntent transitions a step status and recomputes progress.
type GoalUpdateStepIntent struct {
	Target    EntityRef
	NewStatus StepStatus
	DryRun    bool
}

func (GoalUpdateStepIntent) Kind() IntentKind { return IntentGoalUpdateStep }

// GoalAddStepIntent appends a step; when Order is zero the step lands at
// max(order)+1. A planned date also creates a linked event.
type GoalAddStepIntent struct {
	GoalID      int64
	Title       string
	Order       int
	PlannedDate *time.Time
	PlannedTime string
	DryRun      bool
}

func (GoalAddStepIntent) Kind() IntentKind { return IntentGoalAddStep }

// GoalDeleteStepIntent deletes a step and any linked event atomically.
type GoalDeleteStepIntent struct {
	Target EntityRef
	DryRun bool
}

func (GoalDeleteStepIntent) Kind() IntentKind { return IntentGoalDeleteStep }

// ProductSearchIntent is reserved; the handler returns an empty list.
type ProductSearchIntent struct {
	Query    string
	PriceMax float64
}

func (ProductSearchIntent) Kind() IntentKind { return IntentProductSearch }
