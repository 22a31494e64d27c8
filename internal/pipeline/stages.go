package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cartorch/orchestrator/internal/connector"
	"github.com/cartorch/orchestrator/internal/model"
	"github.com/cartorch/orchestrator/internal/pipeline/interrupt"
	"github.com/cartorch/orchestrator/internal/planner"
	"github.com/cartorch/orchestrator/internal/ranking"
)

// runStage dispatches stage to its implementation and mutates state in
// place. A non-nil error is always paired with an error kind from spec §7.
func (e *Engine) runStage(
	ctx context.Context,
	ctrl *interrupt.Controller,
	sessionID, runID string,
	stage model.StageID,
	requestText string,
	state *runState,
) (errKind string, err error) {
	switch stage {
	case model.StageIntentExtraction:
		intent, err := e.classifier.Classify(ctx, requestText)
		if err != nil {
			return "stage_internal", err
		}
		state.intent = intent
		return "", nil

	case model.StageTaskPlanning:
		state.plan = planner.Plan(state.intent)
		return "", nil

	case model.StageSearch:
		item := state.intent.Item
		if item == "" {
			item = requestText
		}
		hits, err := e.fanOut.Search(ctx, item, state.quantity, nil)
		if err != nil {
			return "no_connectors_available", err
		}
		state.hits = hits
		return "", nil

	case model.StageComparison:
		state.rank = ranking.Score(state.hits, e.cfg.RankingWeights, e.health)
		return "", nil

	case model.StageDecision:
		state.decision = ranking.Decide(state.rank, ranking.DecisionInput{
			Urgency:         state.intent.Urgency,
			Budget:          state.userCtx.Budget,
			UrgentThreshold: e.cfg.UrgentThreshold,
			Health:          e.health,
		})
		return "", nil

	case model.StageAwaitConfirm:
		return e.awaitConfirmation(ctx, ctrl, sessionID, runID, state)

	case model.StagePurchase:
		otp := newRunOTP(e.bus, sessionID, runID)
		e.registerOTP(sessionID, otp)
		defer e.unregisterOTP(sessionID, otp)
		state.purchase = e.executor.Execute(ctx, runID, sessionID, state.decision, state.userCtx, state.quantity, otp)
		return "", nil

	case model.StageQueryInfo:
		answer, err := e.infoLookup.Lookup(ctx, requestText)
		if err != nil {
			return "stage_internal", err
		}
		state.infoAnswer = answer
		return "", nil

	case model.StageNotification:
		return "", nil

	default:
		return "stage_internal", fmt.Errorf("pipeline: unknown stage %q", stage)
	}
}

// awaitConfirmation blocks on the one-shot rendezvous keyed by runID, per
// spec §4.5. A deadline (ctx, bounded by Config.ConfirmationTimeout)
// converts absence of a response to an implicit rejection, surfaced as
// confirmation_timeout. An explicit decline (accepted=false) is not an
// engine error: the run proceeds to Notification with purchase/await_
// confirmation's remaining nodes skipped via decision.Selected being
// cleared.
func (e *Engine) awaitConfirmation(ctx context.Context, ctrl *interrupt.Controller, sessionID, runID string, state *runState) (string, error) {
	_ = e.sessions.SetAwaitingConfirmation(ctx, sessionID, runID, true)
	defer e.sessions.SetAwaitingConfirmation(ctx, sessionID, runID, false)

	in, ok := ctrl.WaitConfirmation(ctx)
	if !ok {
		if ctrl.PollCancel() {
			return "user_cancelled", fmt.Errorf("user_cancelled: run cancelled while awaiting confirmation")
		}
		return "confirmation_timeout", fmt.Errorf("confirmation_timeout: no response within deadline")
	}

	if in.SelectedIndex != nil {
		state.decision = applySelection(state.decision, state.rank, *in.SelectedIndex)
	}
	if !in.Accepted {
		state.decision.Selected = nil
		state.decision.Reasoning = "declined by user"
	}
	return "", nil
}

// applySelection overrides decision.Selected with the product at idx in the
// ranked list and rebuilds up to two fallbacks from the other ranked
// products in rank order, preferring products from a connector other than
// the chosen one (diversity).
func applySelection(decision model.Decision, rank model.Ranking, idx int) model.Decision {
	if idx < 0 || idx >= len(rank.Products) {
		return decision
	}
	chosen := rank.Products[idx].Product
	var diverse, same []model.Product
	for i, rp := range rank.Products {
		if i == idx {
			continue
		}
		if rp.Product.ConnectorID != chosen.ConnectorID {
			diverse = append(diverse, rp.Product)
		} else {
			same = append(same, rp.Product)
		}
	}
	fallbacks := append(diverse, same...)
	if len(fallbacks) > 2 {
		fallbacks = fallbacks[:2]
	}
	decision.Selected = &chosen
	decision.Fallbacks = fallbacks
	return decision
}

// runOTP implements connector.OTPChannel by publishing otp_required on the
// Event Bus and waiting for an externally delivered code, per spec §4.3.
type runOTP struct {
	bus       otpPublisher
	sessionID string
	runID     string
	ch        chan string
}

type otpPublisher interface {
	Publish(event model.Event)
}

func newRunOTP(bus otpPublisher, sessionID, runID string) *runOTP {
	return &runOTP{bus: bus, sessionID: sessionID, runID: runID, ch: make(chan string, 1)}
}

func (o *runOTP) Required(ctx context.Context, transientToken string) {
	o.bus.Publish(model.Event{
		Type:      "otp_required",
		SessionID: o.sessionID,
		RunID:     o.runID,
		Data:      map[string]any{"transient_token": transientToken},
		Timestamp: time.Now(),
	})
}

func (o *runOTP) Receive(ctx context.Context) (string, bool) {
	select {
	case code := <-o.ch:
		return code, true
	case <-ctx.Done():
		return "", false
	}
}

// Provide delivers a user-supplied OTP code. Non-blocking; a code delivered
// after the connector has stopped waiting is simply dropped.
func (o *runOTP) Provide(code string) {
	select {
	case o.ch <- code:
	default:
	}
}

var _ connector.OTPChannel = (*runOTP)(nil)

// runReconfirm is the per-session rendezvous backing purchase.Reconfirm: a
// fresh one-shot channel registered for the duration of a single risk-escalation
// reconfirmation request, mirroring runOTP's publish-then-wait shape rather
// than reusing the run's interrupt.Controller, whose confirmCh is already
// spent by the initial await_confirmation node (spec §4.8 phase 2).
type runReconfirm struct {
	sessionID string
	runID     string
	ch        chan model.ConfirmationInput
}

func newRunReconfirm(sessionID, runID string) *runReconfirm {
	return &runReconfirm{sessionID: sessionID, runID: runID, ch: make(chan model.ConfirmationInput, 1)}
}

func (r *runReconfirm) deliver(in model.ConfirmationInput) bool {
	select {
	case r.ch <- in:
		return true
	default:
		return false
	}
}
