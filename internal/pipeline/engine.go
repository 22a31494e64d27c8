// Package pipeline implements the Pipeline Engine (spec §4.5): a linear,
// checkpointed executor over the fixed node list `{stage_id, predicate}`,
// grounded on the teacher's runtime/agent/engine + runtime/agent/runtime
// workflow-loop shape and runtime/agent/interrupt's signal-driven
// suspension, adapted from a Temporal-backed engine to a single in-process
// implementation (see DESIGN.md: the spec's Non-goals exclude durable,
// hours-long workflows, so a pluggable Temporal binding has no consumer
// here).
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cartorch/orchestrator/internal/audit"
	"github.com/cartorch/orchestrator/internal/classifier"
	"github.com/cartorch/orchestrator/internal/connector"
	"github.com/cartorch/orchestrator/internal/events"
	"github.com/cartorch/orchestrator/internal/model"
	"github.com/cartorch/orchestrator/internal/pipeline/interrupt"
	"github.com/cartorch/orchestrator/internal/planner"
	"github.com/cartorch/orchestrator/internal/purchase"
	"github.com/cartorch/orchestrator/internal/ranking"
	"github.com/cartorch/orchestrator/internal/search"
	"github.com/cartorch/orchestrator/internal/session"
	"github.com/cartorch/orchestrator/internal/telemetry"
)

// InfoLookup answers the query_info stage. Treated as an external
// collaborator per spec §1 ("knowledge-base lookup" is out of scope); this
// package owns only the interface and a trivial default, mirroring how
// classifier.Classifier is handled.
type InfoLookup interface {
	Lookup(ctx context.Context, query string) (answer string, err error)
}

// EchoInfoLookup is a placeholder InfoLookup used absent a real
// knowledge-base binding.
type EchoInfoLookup struct{}

func (EchoInfoLookup) Lookup(_ context.Context, query string) (string, error) {
	return fmt.Sprintf("I don't have a knowledge base connected yet, but you asked: %q", query), nil
}

// Config holds the tunables enumerated in spec §6.
type Config struct {
	StageTimeouts       map[model.StageID]time.Duration
	ConfirmationTimeout time.Duration // default 300s
	CancelGraceWindow   time.Duration // default 2s
	DefaultQuantity     float64
	UrgentThreshold     time.Duration
	RankingWeights      ranking.Weights
}

// DefaultConfig matches spec §5/§6 defaults.
func DefaultConfig() Config {
	return Config{
		StageTimeouts: map[model.StageID]time.Duration{
			model.StageIntentExtraction: 5 * time.Second,
			model.StageTaskPlanning:     5 * time.Second,
			model.StageSearch:           10 * time.Second,
			model.StageComparison:       5 * time.Second,
			model.StageDecision:         5 * time.Second,
			model.StagePurchase:         60 * time.Second,
			model.StageQueryInfo:        5 * time.Second,
			model.StageNotification:     5 * time.Second,
		},
		ConfirmationTimeout: 300 * time.Second,
		CancelGraceWindow:   2 * time.Second,
		DefaultQuantity:     1,
		UrgentThreshold:     60 * time.Minute,
		RankingWeights:      ranking.DefaultWeights,
	}
}

func (c Config) timeout(stage model.StageID) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return 5 * time.Second
}

// Engine executes one of the two fixed pipelines (spec §4.5) for a run.
type Engine struct {
	cfg Config

	sessions session.Store
	bus      events.Bus
	auditLog audit.Log
	registry *connector.Registry

	classifier classifier.Classifier
	fanOut     *search.FanOut
	health     ranking.ConnectorHealth
	executor   *purchase.Executor
	infoLookup InfoLookup

	log telemetry.Logger

	mu         sync.Mutex
	handles    map[string]*runHandle    // keyed by session_id: the single active run
	otps       map[string]*runOTP       // keyed by session_id: the in-flight OTP wait, if any
	reconfirms map[string]*runReconfirm // keyed by session_id: the in-flight risk-escalation reconfirmation, if any
}

type runHandle struct {
	runID      string
	controller *interrupt.Controller
	done       chan struct{}
}

// New constructs an Engine from its collaborators.
func New(
	cfg Config,
	sessions session.Store,
	bus events.Bus,
	auditLog audit.Log,
	registry *connector.Registry,
	cls classifier.Classifier,
	fanOut *search.FanOut,
	health ranking.ConnectorHealth,
	executor *purchase.Executor,
	infoLookup InfoLookup,
	log telemetry.Logger,
) *Engine {
	if infoLookup == nil {
		infoLookup = EchoInfoLookup{}
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Engine{
		cfg:        cfg,
		sessions:   sessions,
		bus:        bus,
		auditLog:   auditLog,
		registry:   registry,
		classifier: cls,
		fanOut:     fanOut,
		health:     health,
		executor:   executor,
		infoLookup: infoLookup,
		log:        log,
		handles:    make(map[string]*runHandle),
		otps:       make(map[string]*runOTP),
		reconfirms: make(map[string]*runReconfirm),
	}
}

func (e *Engine) registerOTP(sessionID string, otp *runOTP) {
	e.mu.Lock()
	e.otps[sessionID] = otp
	e.mu.Unlock()
}

func (e *Engine) unregisterOTP(sessionID string, otp *runOTP) {
	e.mu.Lock()
	if e.otps[sessionID] == otp {
		delete(e.otps, sessionID)
	}
	e.mu.Unlock()
}

// ProvideOTP delivers a user-supplied one-time code to sessionID's in-flight
// order attempt, if one is currently awaiting a code. Returns false if none
// is pending.
func (e *Engine) ProvideOTP(sessionID, code string) bool {
	e.mu.Lock()
	otp, ok := e.otps[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	otp.Provide(code)
	return true
}

func (e *Engine) registerReconfirm(sessionID string, rc *runReconfirm) {
	e.mu.Lock()
	e.reconfirms[sessionID] = rc
	e.mu.Unlock()
}

func (e *Engine) unregisterReconfirm(sessionID string, rc *runReconfirm) {
	e.mu.Lock()
	if e.reconfirms[sessionID] == rc {
		delete(e.reconfirms, sessionID)
	}
	e.mu.Unlock()
}

// Reconfirm implements purchase.Reconfirm: it registers a fresh one-shot
// rendezvous for sessionID, publishes reconfirmation_required on the Event
// Bus so the transport adapter can prompt the user the same way it does for
// the initial await_confirmation node, and blocks until an answer is
// delivered via ProvideReconfirmation, ctx is done, or the run is cancelled.
func (e *Engine) Reconfirm(ctx context.Context, sessionID, runID, reason string, riskScore int) bool {
	e.mu.Lock()
	handle, ok := e.handles[sessionID]
	e.mu.Unlock()
	if !ok || handle.runID != runID {
		return false
	}

	rc := newRunReconfirm(sessionID, runID)
	e.registerReconfirm(sessionID, rc)
	defer e.unregisterReconfirm(sessionID, rc)

	e.bus.Publish(model.Event{
		Type:      "reconfirmation_required",
		SessionID: sessionID,
		RunID:     runID,
		Data:      map[string]any{"reason": reason, "risk_score": riskScore},
		Timestamp: time.Now(),
	})

	select {
	case in := <-rc.ch:
		return in.Accepted
	case <-handle.controller.CancelChannel():
		return false
	case <-ctx.Done():
		return false
	}
}

// ProvideReconfirmation delivers a user's answer to sessionID's in-flight
// risk-escalation reconfirmation, if one is currently pending. Returns false
// if none is pending.
func (e *Engine) ProvideReconfirmation(sessionID string, in model.ConfirmationInput) bool {
	e.mu.Lock()
	rc, ok := e.reconfirms[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return rc.deliver(in)
}

// Outcome is the terminal result of one Run, shaped to answer the HTTP
// surface's `/api/chat/process` response (spec §6).
type Outcome struct {
	RunID                string
	Intent               model.Intent
	Plan                 model.Plan
	Ranking              model.Ranking
	Decision             model.Decision
	Purchase             model.PurchaseResult
	AwaitingConfirmation bool
	Cancelled            bool
	ErrorKind            string
	Message              string
}

// node is one entry of the fixed canonical node list (spec §4.4/§4.5).
type node struct {
	stage     model.StageID
	predicate func(*runState) bool
}

// runState accumulates stage outputs as the node list executes; later
// predicates and stages read it, only the Engine writes it.
type runState struct {
	intent     model.Intent
	plan       model.Plan
	hits       model.SearchHits
	rank       model.Ranking
	decision   model.Decision
	purchase   model.PurchaseResult
	infoAnswer string
	userCtx    model.UserContext
	quantity   float64
}

// stageData extracts the portion of runState a stage_update "complete" event
// should carry, so subscribers (notably the HTTP transport, which must
// reconstruct a `/api/chat/process` response without reaching into the
// Engine's internal state) can render an equivalent view without polling.
func stageData(stage model.StageID, state *runState) any {
	switch stage {
	case model.StageIntentExtraction:
		return state.intent
	case model.StageTaskPlanning:
		return state.plan
	case model.StageSearch:
		return state.hits
	case model.StageComparison:
		return state.rank
	case model.StageDecision:
		return state.decision
	case model.StagePurchase:
		return state.purchase
	case model.StageQueryInfo:
		return state.infoAnswer
	default:
		return nil
	}
}

func always(*runState) bool { return true }
func isPurchasePath(s *runState) bool {
	return s.intent.Kind == model.IntentPurchase
}
func isInfoPath(s *runState) bool {
	return s.intent.Kind != model.IntentPurchase
}
func hasSelection(s *runState) bool {
	return isPurchasePath(s) && s.decision.Selected != nil
}

// nodes is the single master list covering both fixed pipelines from spec
// §4.5; branching is expressed purely through predicates, matching the
// stage order declared in §4.4.
func (e *Engine) nodes() []node {
	return []node{
		{model.StageIntentExtraction, always},
		{model.StageTaskPlanning, always},
		{model.StageSearch, isPurchasePath},
		{model.StageComparison, isPurchasePath},
		{model.StageDecision, isPurchasePath},
		{model.StageAwaitConfirm, hasSelection},
		{model.StagePurchase, hasSelection},
		{model.StageQueryInfo, isInfoPath},
		{model.StageNotification, always},
	}
}

// Run executes the pipeline for one user utterance on sessionID, per spec
// §4.1 start_run / §4.5. Starting a new run cancels any active run on the
// session, waiting up to the configured grace window for it to stop.
func (e *Engine) Run(ctx context.Context, sessionID, requestText string, userCtx model.UserContext) (Outcome, error) {
	if _, err := e.sessions.GetOrCreate(ctx, sessionID); err != nil {
		return Outcome{}, fmt.Errorf("pipeline: get_or_create: %w", err)
	}

	e.preemptActiveRun(sessionID)

	run, err := e.sessions.StartRun(ctx, sessionID, requestText)
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: start_run: %w", err)
	}

	ctrl := interrupt.NewController()
	handle := &runHandle{runID: run.RunID, controller: ctrl, done: make(chan struct{})}
	e.mu.Lock()
	e.handles[sessionID] = handle
	e.mu.Unlock()
	defer func() {
		close(handle.done)
		e.mu.Lock()
		if e.handles[sessionID] == handle {
			delete(e.handles, sessionID)
		}
		e.mu.Unlock()
	}()

	quantity := e.cfg.DefaultQuantity
	if quantity <= 0 {
		quantity = 1
	}
	state := &runState{userCtx: userCtx, quantity: quantity}
	outcome := Outcome{RunID: run.RunID}

	// runCtx is cancelled the instant ctrl.Cancel() fires, so a stage
	// currently blocked in I/O (connector search/order, OTP wait) observes
	// cancellation immediately rather than only at the next node boundary,
	// per spec §5 "propagates to every stage currently executing".
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		select {
		case <-ctrl.CancelChannel():
			runCancel()
		case <-runCtx.Done():
		}
	}()

	for _, n := range e.nodes() {
		if ctrl.PollCancel() {
			e.finishCancelled(ctx, sessionID, run.RunID)
			outcome.Cancelled = true
			return outcome, nil
		}
		if !n.predicate(state) {
			e.updateStage(ctx, sessionID, run.RunID, n.stage, model.StageSkipped, "", nil)
			continue
		}

		e.updateStage(ctx, sessionID, run.RunID, n.stage, model.StageProcessing, "", nil)
		timeout := e.cfg.timeout(n.stage)
		if n.stage == model.StageAwaitConfirm {
			timeout = e.cfg.ConfirmationTimeout
			if timeout <= 0 {
				timeout = 300 * time.Second
			}
		}
		stageCtx, cancel := context.WithTimeout(runCtx, timeout)
		errKind, stageErr := e.runStage(stageCtx, ctrl, sessionID, run.RunID, n.stage, requestText, state)
		cancel()

		if stageErr != nil {
			if ctrl.PollCancel() {
				e.finishCancelled(ctx, sessionID, run.RunID)
				outcome.Cancelled = true
				return outcome, nil
			}
			e.updateStage(ctx, sessionID, run.RunID, n.stage, model.StageError, stageErr.Error(), nil)
			outcome.ErrorKind = errKind
			outcome.Message = stageErr.Error()
			outcome.Intent, outcome.Plan, outcome.Ranking, outcome.Decision = state.intent, state.plan, state.rank, state.decision
			return outcome, nil
		}
		e.updateStage(ctx, sessionID, run.RunID, n.stage, model.StageComplete, "", stageData(n.stage, state))
	}

	outcome.Intent = state.intent
	outcome.Plan = state.plan
	outcome.Ranking = state.rank
	outcome.Decision = state.decision
	outcome.Purchase = state.purchase
	switch {
	case state.infoAnswer != "":
		outcome.Message = state.infoAnswer
	case state.decision.Selected == nil && state.intent.Kind == model.IntentPurchase:
		outcome.Message = state.decision.Reasoning
	case state.purchase.Status != "":
		outcome.Message = fmt.Sprintf("purchase %s via %s", state.purchase.Status, state.purchase.PlatformUsed)
	}
	return outcome, nil
}

// Cancel requests cancellation of sessionID's active run, if any. Returns
// false if no run is active.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	handle, ok := e.handles[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	handle.controller.Cancel()
	return true
}

// Confirm delivers a confirmation input into sessionID's active run. Returns
// false if the session has no active run or a confirmation was already
// delivered to it; an input delivered before the run reaches
// await_confirmation is held until that stage reads it.
func (e *Engine) Confirm(sessionID string, in model.ConfirmationInput) bool {
	e.mu.Lock()
	handle, ok := e.handles[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return handle.controller.Deliver(in) == nil
}

// preemptActiveRun cancels sessionID's active run (if any) and waits up to
// the configured grace window for it to stop being current, per spec §4.1
// start_run.
func (e *Engine) preemptActiveRun(sessionID string) {
	e.mu.Lock()
	prior, ok := e.handles[sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}
	prior.controller.Cancel()
	select {
	case <-prior.done:
	case <-time.After(e.cfg.CancelGraceWindow):
	}
}

func (e *Engine) finishCancelled(ctx context.Context, sessionID, runID string) {
	e.sessions.RequestCancel(ctx, sessionID, runID)
	e.bus.Publish(model.Event{
		Type: "run_cancelled", SessionID: sessionID, RunID: runID, Timestamp: time.Now(),
	})
}

func (e *Engine) updateStage(ctx context.Context, sessionID, runID string, stage model.StageID, status model.StageStatus, message string, data any) {
	_ = e.sessions.UpdateStage(ctx, sessionID, runID, stage, status, message, data)
	e.bus.Publish(model.Event{
		Type: "stage_update", SessionID: sessionID, RunID: runID, StageID: stage,
		Status: status, Message: message, Data: data, Timestamp: time.Now(),
	})
}
