// Package session defines the Session/Run lifecycle primitives that back the
// Session Store component: a Session is the durable conversational
// container, a Run is one end-to-end pipeline execution for a single user
// utterance.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/cartorch/orchestrator/internal/model"
)

type (
	// Status is the lifecycle state of a Session.
	Status string

	// RunStatus is the lifecycle state of a Run.
	RunStatus string

	// StageState captures one stage's terminal (or in-flight) state within a
	// Run, per spec §3 ("stage_states").
	StageState struct {
		Status    model.StageStatus
		Message   string
		Data      any
		StartedAt time.Time
		EndedAt   time.Time
	}

	// Session is the durable conversational container. Its identity
	// persists across runs; each new user turn advances it to a new RunID
	// while CurrentStage/Path/RequestText reflect the most recent run.
	Session struct {
		ID           string
		Status       Status
		CreatedAt    time.Time
		LastUpdated  time.Time
		CurrentStage model.StageID
		Path         Path
		RequestText  string
		EndedAt      *time.Time
	}

	// Path is the branch a session's active run has taken.
	Path string

	// Run is one end-to-end pipeline execution for one user utterance.
	Run struct {
		RunID                string
		SessionID            string
		StartedAt            time.Time
		StageStates          map[model.StageID]StageState
		CancelRequested      bool
		AwaitingConfirmation bool
	}

	// Store holds Session and active Run state and provides snapshot/restore
	// to a pluggable journal, per spec §4.1.
	Store interface {
		// GetOrCreate atomically returns the session, creating it if absent.
		GetOrCreate(ctx context.Context, sessionID string) (Session, error)

		// StartRun marks any active run on the session CancelRequested and
		// replaces it with a newly allocated run, which it returns. It does
		// not wait for the prior run to stop; the pipeline Engine does that
		// before calling StartRun.
		StartRun(ctx context.Context, sessionID, requestText string) (Run, error)

		// ActiveRun returns the session's current run, if any.
		ActiveRun(ctx context.Context, sessionID string) (Run, bool, error)

		// UpdateStage applies a stage transition; a no-op if runID is not
		// the session's current run.
		UpdateStage(ctx context.Context, sessionID, runID string, stageID model.StageID, status model.StageStatus, message string, data any) error

		// RequestCancel marks the session's active run (if it matches runID)
		// as cancel-requested.
		RequestCancel(ctx context.Context, sessionID, runID string) (bool, error)

		// SetAwaitingConfirmation flips the active run's awaiting flag.
		SetAwaitingConfirmation(ctx context.Context, sessionID, runID string, awaiting bool) error

		// Snapshot produces a serializable blob of completed stages only;
		// an in-flight stage is recorded as idle.
		Snapshot(ctx context.Context, sessionID string) ([]byte, error)

		// Restore rebuilds a Session from a snapshot blob.
		Restore(ctx context.Context, blob []byte) (Session, error)

		// EndSession marks a session ended immediately. Idempotent.
		EndSession(ctx context.Context, sessionID string) (Session, error)
	}
)

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"

	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"

	PathUnknown  Path = "unknown"
	PathPurchase Path = "purchase"
	PathInfo     Path = "info"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrRunNotFound     = errors.New("run not found")
	ErrRunNotCurrent   = errors.New("run is not the session's current run")
)

// cloneStageStates returns a deep copy so callers cannot mutate store state
// through a returned Run.
func cloneStageStates(in map[model.StageID]StageState) map[model.StageID]StageState {
	if len(in) == 0 {
		return map[model.StageID]StageState{}
	}
	out := make(map[model.StageID]StageState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
