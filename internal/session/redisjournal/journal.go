// Package redisjournal persists session.Store snapshots to Redis, giving the
// pluggable key-value journal spec.md §1 treats as an external collaborator a
// concrete binding. It wraps an in-memory Store for hot-path reads/writes and
// mirrors every mutation to Redis as the durable snapshot, keyed
// "orchestrator:session:<id>".
package redisjournal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cartorch/orchestrator/internal/model"
	"github.com/cartorch/orchestrator/internal/session"
	"github.com/cartorch/orchestrator/internal/session/inmem"
)

// Store layers Redis-backed durability on top of an in-memory working copy.
type Store struct {
	inner *inmem.Store
	rdb   *redis.Client
	ttl   time.Duration
}

// New returns a Store that mirrors session snapshots into rdb under the
// given idle TTL.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{inner: inmem.New(), rdb: rdb, ttl: ttl}
}

func key(sessionID string) string { return "orchestrator:session:" + sessionID }

func (s *Store) persist(ctx context.Context, sessionID string) error {
	blob, err := s.inner.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key(sessionID), blob, s.ttl).Err()
}

// GetOrCreate implements session.Store; on first creation it hydrates from
// Redis if a snapshot already exists (e.g. after a process restart).
func (s *Store) GetOrCreate(ctx context.Context, sessionID string) (session.Session, error) {
	if _, _, err := s.inner.ActiveRun(ctx, sessionID); err == nil {
		return s.inner.GetOrCreate(ctx, sessionID) // already in memory
	}
	raw, err := s.rdb.Get(ctx, key(sessionID)).Bytes()
	if err == nil {
		if sess, rerr := s.inner.Restore(ctx, raw); rerr == nil {
			return sess, nil
		}
	} else if err != redis.Nil {
		return session.Session{}, fmt.Errorf("redisjournal: get: %w", err)
	}
	sess, err := s.inner.GetOrCreate(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	return sess, s.persist(ctx, sessionID)
}

// StartRun implements session.Store.
func (s *Store) StartRun(ctx context.Context, sessionID, requestText string) (session.Run, error) {
	run, err := s.inner.StartRun(ctx, sessionID, requestText)
	if err != nil {
		return session.Run{}, err
	}
	return run, s.persist(ctx, sessionID)
}

// ActiveRun implements session.Store.
func (s *Store) ActiveRun(ctx context.Context, sessionID string) (session.Run, bool, error) {
	return s.inner.ActiveRun(ctx, sessionID)
}

// UpdateStage implements session.Store.
func (s *Store) UpdateStage(ctx context.Context, sessionID, runID string, stageID model.StageID, status model.StageStatus, message string, data any) error {
	if err := s.inner.UpdateStage(ctx, sessionID, runID, stageID, status, message, data); err != nil {
		return err
	}
	return s.persist(ctx, sessionID)
}

// RequestCancel implements session.Store.
func (s *Store) RequestCancel(ctx context.Context, sessionID, runID string) (bool, error) {
	return s.inner.RequestCancel(ctx, sessionID, runID)
}

// SetAwaitingConfirmation implements session.Store.
func (s *Store) SetAwaitingConfirmation(ctx context.Context, sessionID, runID string, awaiting bool) error {
	return s.inner.SetAwaitingConfirmation(ctx, sessionID, runID, awaiting)
}

// Snapshot implements session.Store.
func (s *Store) Snapshot(ctx context.Context, sessionID string) ([]byte, error) {
	return s.inner.Snapshot(ctx, sessionID)
}

// Restore implements session.Store.
func (s *Store) Restore(ctx context.Context, blob []byte) (session.Session, error) {
	return s.inner.Restore(ctx, blob)
}

// EndSession implements session.Store.
func (s *Store) EndSession(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := s.inner.EndSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	return sess, s.persist(ctx, sessionID)
}
