package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartorch/orchestrator/internal/model"
	"github.com/cartorch/orchestrator/internal/session"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, first.Status)

	second, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestStartRunCancelsPriorActiveRun(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)

	run1, err := s.StartRun(ctx, "sess-1", "buy milk")
	require.NoError(t, err)

	_, err = s.StartRun(ctx, "sess-1", "buy eggs")
	require.NoError(t, err)

	active, ok, err := s.ActiveRun(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, run1.RunID, active.RunID, "the second StartRun should supersede the first")
}

func TestStartRunOnUnknownSessionFails(t *testing.T) {
	s := New()
	_, err := s.StartRun(context.Background(), "ghost", "buy milk")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestStartRunOnEndedSessionFails(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	_, err = s.EndSession(ctx, "sess-1")
	require.NoError(t, err)

	_, err = s.StartRun(ctx, "sess-1", "buy milk")
	assert.ErrorIs(t, err, session.ErrSessionEnded)
}

func TestUpdateStageIsNoOpForStaleRun(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	_, err = s.StartRun(ctx, "sess-1", "buy milk")
	require.NoError(t, err)

	err = s.UpdateStage(ctx, "sess-1", "stale-run-id", model.StageIntentExtraction, model.StageComplete, "", nil)
	require.NoError(t, err)

	active, _, err := s.ActiveRun(ctx, "sess-1")
	require.NoError(t, err)
	_, recorded := active.StageStates[model.StageIntentExtraction]
	assert.False(t, recorded, "a stale run_id must not mutate the current run's stage states")
}

func TestUpdateStageRecordsStatusAndTimestamps(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	run, err := s.StartRun(ctx, "sess-1", "buy milk")
	require.NoError(t, err)

	require.NoError(t, s.UpdateStage(ctx, "sess-1", run.RunID, model.StageIntentExtraction, model.StageProcessing, "", nil))
	require.NoError(t, s.UpdateStage(ctx, "sess-1", run.RunID, model.StageIntentExtraction, model.StageComplete, "done", map[string]any{"ok": true}))

	active, _, err := s.ActiveRun(ctx, "sess-1")
	require.NoError(t, err)
	st := active.StageStates[model.StageIntentExtraction]
	assert.Equal(t, model.StageComplete, st.Status)
	assert.False(t, st.StartedAt.IsZero())
	assert.False(t, st.EndedAt.IsZero())
	assert.Equal(t, "done", st.Message)
}

func TestRequestCancelOnlyAffectsMatchingRun(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	run, err := s.StartRun(ctx, "sess-1", "buy milk")
	require.NoError(t, err)

	ok, err := s.RequestCancel(ctx, "sess-1", "not-the-current-run")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RequestCancel(ctx, "sess-1", run.RunID)
	require.NoError(t, err)
	assert.True(t, ok)

	active, _, err := s.ActiveRun(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, active.CancelRequested)
}

func TestSnapshotRestoreRoundTripPreservesCompletedStagesOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	run, err := s.StartRun(ctx, "sess-1", "buy milk")
	require.NoError(t, err)

	require.NoError(t, s.UpdateStage(ctx, "sess-1", run.RunID, model.StageIntentExtraction, model.StageComplete, "", nil))
	require.NoError(t, s.UpdateStage(ctx, "sess-1", run.RunID, model.StageTaskPlanning, model.StageProcessing, "", nil))

	blob, err := s.Snapshot(ctx, "sess-1")
	require.NoError(t, err)

	restored, err := New().Restore(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", restored.ID)

	s2 := New()
	_, err = s2.Restore(ctx, blob)
	require.NoError(t, err)
	active, ok, err := s2.ActiveRun(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StageComplete, active.StageStates[model.StageIntentExtraction].Status)
	assert.Equal(t, model.StageIdle, active.StageStates[model.StageTaskPlanning].Status, "an in-flight stage restores as idle")
}

func TestEndSessionIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)

	first, err := s.EndSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, first.EndedAt)

	second, err := s.EndSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, first.EndedAt, second.EndedAt)
}

func TestSetAwaitingConfirmationRejectsNonCurrentRun(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	_, err = s.StartRun(ctx, "sess-1", "buy milk")
	require.NoError(t, err)

	err = s.SetAwaitingConfirmation(ctx, "sess-1", "not-current", true)
	assert.ErrorIs(t, err, session.ErrRunNotCurrent)
}
