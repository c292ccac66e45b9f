// Package models defines sentinel errors shared across the assistant core.
package models

import "errors"

// Pipeline errors. All of these are recovered locally: the dispatcher maps
// them to a user-facing clarification instead of propagating.
var (
	// ErrIntentTimeout signals that the model adapter did not answer within
	// the configured deadline.
	ErrIntentTimeout = errors.New("intent parsing timed out")
	// ErrIntentParse signals that the model reply was not valid JSON after
	// the strict-JSON retry.
	ErrIntentParse = errors.New("intent reply is not valid JSON")
	// ErrIntentInvalid signals a structurally or semantically impossible
	// intent (wrapped with a reason).
	ErrIntentInvalid = errors.New("intent is invalid")
	// ErrUnknownEntity signals a reference to an entity id or ordinal that
	// does not resolve against the store or the current result set.
	ErrUnknownEntity = errors.New("referenced entity not found")
)

// Store errors.
var (
	// ErrNotFound is returned by lookups with no matching row.
	ErrNotFound = errors.New("not found")
	// ErrStoreTransient marks retryable I/O failures.
	ErrStoreTransient = errors.New("transient store failure")
	// ErrStoreConstraint marks unique/link constraint violations. Never
	// surfaced raw to the user.
	ErrStoreConstraint = errors.New("store constraint violated")
)

// Scheduler and transport errors.
var (
	// ErrPlacementFailed signals that auto-scheduling could not place steps;
	// the goal survives with steps left unscheduled.
	ErrPlacementFailed = errors.New("step placement failed")
	// ErrTransportSend signals an outbound delivery failure.
	ErrTransportSend = errors.New("transport send failed")
)

// Validation errors.
var (
	ErrEmptyUserID            = errors.New("user id cannot be empty")
	ErrInvalidTimezone        = errors.New("invalid IANA timezone")
	ErrGoalTitleTooShort      = errors.New("goal title too short")
	ErrGoalTitleTooLong       = errors.New("goal title exceeds maximum length")
	ErrGoalDescriptionTooLong = errors.New("goal description exceeds maximum length")
	ErrInvalidGoalStatus      = errors.New("invalid goal status")
	ErrInvalidPriority        = errors.New("invalid priority")
	ErrEmptyStepTitle         = errors.New("step title cannot be empty")
	ErrInvalidStepOrder       = errors.New("step order must be positive")
	ErrInvalidStepStatus      = errors.New("invalid step status")
	ErrInvalidEstimatedHours  = errors.New("estimated hours must be positive")
	ErrEmptyEventTitle        = errors.New("event title cannot be empty")
	ErrEmptyEventDate         = errors.New("event date is required")
	ErrInvalidDateFormat      = errors.New("date must be YYYY-MM-DD")
	ErrInvalidTimeFormat      = errors.New("time must be HH:MM")
	ErrUnlinkedGoalStepEvent  = errors.New("goal_step event requires linked step and goal ids")
)
