// Package inmem provides an in-memory implementation of session.Store,
// suitable for a single-process deployment or tests. It is safe for
// concurrent use: each session's Session+Run pair is guarded by its own
// mutex (single-writer-per-session per spec §5), while the top-level map
// uses a narrow lock only to find or create that per-session guard.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cartorch/orchestrator/internal/model"
	"github.com/cartorch/orchestrator/internal/session"
)

type entry struct {
	mu      sync.Mutex
	sess    session.Session
	current *session.Run
}

// Store is an in-memory session.Store.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	nowFn   func() time.Time
}

// New returns an empty Store. nowFn defaults to time.Now and is overridable
// for deterministic tests.
func New() *Store {
	return &Store{entries: make(map[string]*entry), nowFn: time.Now}
}

func (s *Store) now() time.Time { return s.nowFn().UTC() }

func (s *Store) entryFor(sessionID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{}
		s.entries[sessionID] = e
	}
	return e
}

// GetOrCreate implements session.Store.
func (s *Store) GetOrCreate(_ context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, fmt.Errorf("session id is required")
	}
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		e.sess = session.Session{
			ID:           sessionID,
			Status:       session.StatusActive,
			CreatedAt:    s.now(),
			LastUpdated:  s.now(),
			CurrentStage: "",
			Path:         session.PathUnknown,
		}
	}
	return e.sess, nil
}

// StartRun implements session.Store.
func (s *Store) StartRun(_ context.Context, sessionID, requestText string) (session.Run, error) {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.ID == "" {
		return session.Run{}, session.ErrSessionNotFound
	}
	if e.sess.Status == session.StatusEnded {
		return session.Run{}, session.ErrSessionEnded
	}
	if e.current != nil {
		e.current.CancelRequested = true
	}

	run := &session.Run{
		RunID:       fmt.Sprintf("%s-%d", sessionID, s.now().UnixNano()),
		SessionID:   sessionID,
		StartedAt:   s.now(),
		StageStates: map[model.StageID]session.StageState{},
	}
	e.current = run
	e.sess.RequestText = requestText
	e.sess.LastUpdated = s.now()
	return cloneRun(*run), nil
}

// ActiveRun implements session.Store.
func (s *Store) ActiveRun(_ context.Context, sessionID string) (session.Run, bool, error) {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		return session.Run{}, false, session.ErrSessionNotFound
	}
	if e.current == nil {
		return session.Run{}, false, nil
	}
	return cloneRun(*e.current), true, nil
}

// UpdateStage implements session.Store.
func (s *Store) UpdateStage(_ context.Context, sessionID, runID string, stageID model.StageID, status model.StageStatus, message string, data any) error {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		return session.ErrSessionNotFound
	}
	if e.current == nil || e.current.RunID != runID {
		return nil // stale run; no-op per contract
	}
	st := e.current.StageStates[stageID]
	if st.Status == "" || st.Status == model.StageIdle || st.Status == model.StageProcessing {
		if status == model.StageProcessing {
			st.StartedAt = s.now()
		}
	}
	if status == model.StageComplete || status == model.StageError || status == model.StageSkipped {
		st.EndedAt = s.now()
	}
	st.Status = status
	st.Message = message
	st.Data = data
	e.current.StageStates[stageID] = st
	e.sess.CurrentStage = stageID
	e.sess.LastUpdated = s.now()
	return nil
}

// RequestCancel implements session.Store.
func (s *Store) RequestCancel(_ context.Context, sessionID, runID string) (bool, error) {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		return false, session.ErrSessionNotFound
	}
	if e.current == nil || e.current.RunID != runID {
		return false, nil
	}
	e.current.CancelRequested = true
	return true, nil
}

// SetAwaitingConfirmation implements session.Store.
func (s *Store) SetAwaitingConfirmation(_ context.Context, sessionID, runID string, awaiting bool) error {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		return session.ErrSessionNotFound
	}
	if e.current == nil || e.current.RunID != runID {
		return session.ErrRunNotCurrent
	}
	e.current.AwaitingConfirmation = awaiting
	return nil
}

// EndSession implements session.Store.
func (s *Store) EndSession(_ context.Context, sessionID string) (session.Session, error) {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		return session.Session{}, session.ErrSessionNotFound
	}
	if e.sess.Status == session.StatusEnded {
		return e.sess, nil
	}
	at := s.now()
	e.sess.Status = session.StatusEnded
	e.sess.EndedAt = &at
	return e.sess, nil
}

// snapshotBlob is the wire shape for Snapshot/Restore; only completed stages
// are preserved (in-flight stages restore as idle per spec §4.1).
type snapshotBlob struct {
	Session session.Session `json:"session"`
	Run     *snapshotRun    `json:"run,omitempty"`
}

type snapshotRun struct {
	RunID       string                                 `json:"run_id"`
	SessionID   string                                 `json:"session_id"`
	StartedAt   time.Time                              `json:"started_at"`
	StageStates map[model.StageID]session.StageState `json:"stage_states"`
}

// Snapshot implements session.Store.
func (s *Store) Snapshot(_ context.Context, sessionID string) ([]byte, error) {
	e := s.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		return nil, session.ErrSessionNotFound
	}
	blob := snapshotBlob{Session: e.sess}
	if e.current != nil {
		restored := map[model.StageID]session.StageState{}
		for id, st := range e.current.StageStates {
			if st.Status == model.StageComplete || st.Status == model.StageSkipped {
				restored[id] = st
			} else {
				restored[id] = session.StageState{Status: model.StageIdle}
			}
		}
		blob.Run = &snapshotRun{
			RunID:       e.current.RunID,
			SessionID:   e.current.SessionID,
			StartedAt:   e.current.StartedAt,
			StageStates: restored,
		}
	}
	return json.Marshal(blob)
}

// Restore implements session.Store.
func (s *Store) Restore(_ context.Context, data []byte) (session.Session, error) {
	var blob snapshotBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return session.Session{}, fmt.Errorf("restore: %w", err)
	}
	e := s.entryFor(blob.Session.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess = blob.Session
	if blob.Run != nil {
		e.current = &session.Run{
			RunID:       blob.Run.RunID,
			SessionID:   blob.Run.SessionID,
			StartedAt:   blob.Run.StartedAt,
			StageStates: blob.Run.StageStates,
		}
	}
	return e.sess, nil
}

func cloneRun(in session.Run) session.Run {
	out := in
	out.StageStates = make(map[model.StageID]session.StageState, len(in.StageStates))
	for k, v := range in.StageStates {
		out.StageStates[k] = v
	}
	return out
}
