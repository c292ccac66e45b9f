// Package dispatch is the orchestration core: it serializes turns per user,
// assembles context, routes utterances through the dialog machine or the
// intent parser, executes the resulting intent against the store and shapes
// the user-facing response.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/initio/assistant/internal/analytics"
	"github.com/initio/assistant/internal/assembler"
	"github.com/initio/assistant/internal/dialog"
	"github.com/initio/assistant/internal/genai"
	"github.com/initio/assistant/internal/intent"
	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/planner"
	"github.com/initio/assistant/internal/resultset"
	"github.com/initio/assistant/internal/store"
	"github.com/initio/assistant/internal/userlock"
)

// Orchestrator executes one turn at a time per user.
type Orchestrator struct {
	store      store.Store
	asm        *assembler.Assembler
	parser     *intent.Parser
	machine    *dialog.Machine
	decomposer *planner.Decomposer
	scheduler  *planner.Scheduler
	sets       *resultset.Cache
	locks      *userlock.Registry
	ai         genai.Completer
	sink       analytics.Sink
}

// Opts holds configuration for orchestrator construction.
type Opts struct {
	ResultSetCapacity int
	ResultSetTTL      time.Duration
	StateTimeout      time.Duration
	Analytics         analytics.Sink
}

// Option configures orchestrator construction.
type Option func(*Opts)

// WithResultSetCapacity bounds the per-user result set cache.
func WithResultSetCapacity(n int) Option {
	return func(o *Opts) { o.ResultSetCapacity = n }
}

// WithResultSetTTL sets result set expiry.
func WithResultSetTTL(d time.Duration) Option {
	return func(o *Opts) { o.ResultSetTTL = d }
}

// WithStateTimeout sets the dialog stale-state window.
func WithStateTimeout(d time.Duration) Option {
	return func(o *Opts) { o.StateTimeout = d }
}

// WithAnalytics sets the usage event sink.
func WithAnalytics(s analytics.Sink) Option {
	return func(o *Opts) { o.Analytics = s }
}

// New creates the orchestrator and its sub-components over the given store
// and model client.
func New(s store.Store, ai genai.Completer, opts ...Option) *Orchestrator {
	cfg := Opts{
		ResultSetCapacity: resultset.DefaultCapacity,
		ResultSetTTL:      resultset.DefaultTTL,
		StateTimeout:      dialog.DefaultStateTimeout,
		Analytics:         analytics.NopSink{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		store:      s,
		asm:        assembler.New(s),
		parser:     intent.NewParser(ai),
		machine:    dialog.NewMachine(s, dialog.WithStateTimeout(cfg.StateTimeout)),
		decomposer: planner.NewDecomposer(ai),
		scheduler:  planner.NewScheduler(s),
		sets:       resultset.New(resultset.WithCapacity(cfg.ResultSetCapacity), resultset.WithTTL(cfg.ResultSetTTL)),
		locks:      userlock.New(),
		ai:         ai,
		sink:       cfg.Analytics,
	}
}

// Process handles one free-text turn.
func (o *Orchestrator) Process(ctx context.Context, req models.ProcessRequest) models.TurnResponse {
	userID := strings.TrimSpace(req.UserID)
	message := strings.TrimSpace(req.Message)
	if userID == "" {
		return models.Failure(textTryAgain, models.ErrEmptyUserID.Error())
	}
	if message == "" {
		return models.AskClarification(textEmptyMessage)
	}

	o.locks.Lock(userID)
	defer o.locks.Unlock(userID)

	bundle, err := o.asm.Build(userID)
	if err != nil {
		slog.Error("Turn aborted: context assembly failed", "error", err, "userID", userID)
		return models.Failure(textTryAgain, "context assembly failed")
	}

	o.appendHistory(userID, models.RoleUser, message, "")

	var resp models.TurnResponse
	if bundle.Session.State != models.StateIdle {
		state, sc, err := o.machine.Current(userID)
		if err != nil {
			return models.Failure(textTryAgain, "dialog state unavailable")
		}
		if state != models.StateIdle {
			if resp, handled := o.handleStateMessage(ctx, bundle, state, sc, message); handled {
				o.finishTurn(ctx, userID, "state:"+string(state), resp)
				return resp
			}
		}
		bundle.Session.State = models.StateIdle
	}

	it, err := o.parser.Parse(ctx, bundle, message)
	if err != nil {
		resp = o.intentFailure(err)
		o.finishTurn(ctx, userID, "parse_error", resp)
		return resp
	}

	resp = o.dispatch(ctx, bundle, it)
	o.finishTurn(ctx, userID, string(it.Kind()), resp)
	return resp
}

// Callback handles one button press.
func (o *Orchestrator) Callback(ctx context.Context, req models.CallbackRequest) models.TurnResponse {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return models.Failure(textTryAgain, models.ErrEmptyUserID.Error())
	}
	cb, err := dialog.ParseCallback(strings.TrimSpace(req.CallbackData))
	if err != nil {
		slog.Warn("Unknown callback token", "userID", userID, "data", req.CallbackData)
		return models.Failure(textTryAgain, "unknown callback")
	}

	o.locks.Lock(userID)
	defer o.locks.Unlock(userID)

	resp := o.handleCallback(ctx, userID, cb)
	o.finishTurn(ctx, userID, "callback:"+string(cb.Kind), resp)
	return resp
}

// dispatch executes a parsed intent. Every variant of the closed set has a
// handler; the compiler keeps this switch total.
func (o *Orchestrator) dispatch(ctx context.Context, b *assembler.Bundle, it models.Intent) models.TurnResponse {
	switch v := it.(type) {
	case models.SmallTalkIntent:
		return o.handleSmallTalk(v)
	case models.EventSearchIntent:
		return o.handleEventSearch(ctx, b, v)
	case models.EventMutateIntent:
		return o.handleEventMutate(ctx, b, v)
	case models.GoalSearchIntent:
		return o.handleGoalSearch(ctx, b, v)
	case models.GoalCreateIntent:
		return o.handleGoalCreate(ctx, b, v)
	case models.GoalDeleteIntent:
		return o.handleGoalDelete(b, v)
	case models.GoalQueryIntent:
		return o.handleGoalQuery(ctx, b, v)
	case models.GoalUpdateStepIntent:
		return o.handleGoalUpdateStep(b, v)
	case models.GoalAddStepIntent:
		return o.handleGoalAddStep(b, v)
	case models.GoalDeleteStepIntent:
		return o.handleGoalDeleteStep(b, v)
	case models.ProductSearchIntent:
		return o.handleProductSearch(v)
	}
	slog.Error("Dispatch reached unknown intent variant", "kind", it.Kind())
	return models.Failure(textTryAgain, "unknown intent variant")
}

// intentFailure maps parser errors to polite clarifications.
func (o *Orchestrator) intentFailure(err error) models.TurnResponse {
	switch {
	case errors.Is(err, models.ErrIntentTimeout):
		return models.Failure(textModelSlow, err.Error())
	case errors.Is(err, models.ErrUnknownEntity):
		return models.AskClarification(textUnknownEntity)
	case errors.Is(err, models.ErrIntentParse), errors.Is(err, models.ErrIntentInvalid):
		return models.AskClarification(textDidNotUnderstand)
	}
	slog.Error("Intent parsing failed", "error", err)
	return models.Failure(textTryAgain, err.Error())
}

// resolveRef turns an entity reference into a concrete id, consulting the
// result set cache for ordinal references.
func (o *Orchestrator) resolveRef(userID string, ref models.EntityRef, want resultset.Kind) (int64, error) {
	if ref.ID != 0 {
		return ref.ID, nil
	}
	if ref.Ordinal < 1 {
		return 0, models.ErrUnknownEntity
	}
	setID := ref.SetID
	if setID == "" {
		latest, ok := o.sets.Latest(userID)
		if !ok {
			return 0, models.ErrUnknownEntity
		}
		setID = latest
	}
	item, err := o.sets.Resolve(userID, setID, ref.Ordinal)
	if err != nil {
		return 0, err
	}
	if item.Kind != want {
		return 0, models.ErrUnknownEntity
	}
	return item.ID, nil
}

// appendHistory records a turn; history failures never break the turn.
func (o *Orchestrator) appendHistory(userID string, role models.MessageRole, text, intentName string) {
	err := o.store.AppendMessage(models.ConversationMessage{
		UserID: userID,
		Role:   role,
		Text:   text,
		Intent: intentName,
	})
	if err != nil {
		slog.Warn("Failed to append conversation message", "error", err, "userID", userID)
	}
}

// finishTurn records the assistant reply and emits analytics.
func (o *Orchestrator) finishTurn(ctx context.Context, userID, intentName string, resp models.TurnResponse) {
	o.appendHistory(userID, models.RoleAssistant, resp.Text, intentName)
	o.sink.Track(ctx, analytics.Event{
		Name:   "turn_processed",
		UserID: userID,
		Properties: map[string]any{
			"intent":        intentName,
			"response_type": string(resp.ResponseType),
			"success":       resp.Success,
		},
	})
}
