// Package cachedstore decorates a SessionStore with a read-through session
// cache. Every write invalidates the cached copy after it reaches the
// backing store.
package cachedstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/cache"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/database"
)

// Store is a caching database.SessionStore.
type Store struct {
	database.SessionStore
	cache cache.Cache
	ttl   time.Duration

	// fill guards gen and cache fills. A fill lands only when no write
	// bumped gen since its backing read started.
	fill sync.Mutex
	gen  uint64
}

var (
	_ database.SessionStore = (*Store)(nil)
	_ database.FreshReader  = (*Store)(nil)
)

// New wraps inner. Cached sessions live for at most ttl.
func New(inner database.SessionStore, c cache.Cache, ttl time.Duration) *Store {
	return &Store{SessionStore: inner, cache: c, ttl: ttl}
}

func key(id string) string { return "session:" + id }

// GetSession serves from the cache when possible. Cache failures fall back
// to the backing store.
func (s *Store) GetSession(ctx context.Context, id string) (*deliberation.Session, error) {
	data, found, err := s.cache.Get(ctx, key(id))
	if err != nil {
		slog.WarnContext(ctx, "session cache read failed", "session_id", id, "error", err)
	}
	if found {
		var sess deliberation.Session
		if err := json.Unmarshal(data, &sess); err == nil {
			return &sess, nil
		}
		slog.WarnContext(ctx, "dropping undecodable cached session", "session_id", id)
		if err := s.invalidate(ctx, id); err != nil {
			slog.WarnContext(ctx, "session cache invalidation failed", "session_id", id, "error", err)
		}
	}
	return s.FreshSession(ctx, id)
}

// FreshSession reads the backing store and refreshes the cached copy.
func (s *Store) FreshSession(ctx context.Context, id string) (*deliberation.Session, error) {
	gen := s.generation()
	sess, err := s.SessionStore.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, id, sess, gen)
	return sess, nil
}

// CompleteRound implements database.SessionStore.
func (s *Store) CompleteRound(ctx context.Context, sess *deliberation.Session, r *deliberation.RoundResult) error {
	return s.write(ctx, sess.ID, s.SessionStore.CompleteRound(ctx, sess, r))
}

// AppendRound implements database.SessionStore.
func (s *Store) AppendRound(ctx context.Context, id string, r *deliberation.RoundResult) error {
	return s.write(ctx, id, s.SessionStore.AppendRound(ctx, id, r))
}

// UpdateStatus implements database.SessionStore.
func (s *Store) UpdateStatus(ctx context.Context, id string, status deliberation.Status) error {
	return s.write(ctx, id, s.SessionStore.UpdateStatus(ctx, id, status))
}

// UpdateSession implements database.SessionStore.
func (s *Store) UpdateSession(ctx context.Context, sess *deliberation.Session) error {
	return s.write(ctx, sess.ID, s.SessionStore.UpdateSession(ctx, sess))
}

// write invalidates after a write attempt, failed or not, and reports the
// write error first. A failed invalidation after a successful write is
// returned wrapping database.ErrStaleCache.
func (s *Store) write(ctx context.Context, id string, werr error) error {
	ierr := s.invalidate(ctx, id)
	if werr != nil {
		return werr
	}
	if ierr != nil {
		return fmt.Errorf("invalidate session %s: %w: %w", id, database.ErrStaleCache, ierr)
	}
	return nil
}

func (s *Store) invalidate(ctx context.Context, id string) error {
	s.fill.Lock()
	s.gen++
	s.fill.Unlock()
	return s.cache.Delete(context.WithoutCancel(ctx), key(id))
}

func (s *Store) generation() uint64 {
	s.fill.Lock()
	defer s.fill.Unlock()
	return s.gen
}

// store caches sess unless a write happened after gen was taken.
func (s *Store) store(ctx context.Context, id string, sess *deliberation.Session, gen uint64) {
	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	s.fill.Lock()
	defer s.fill.Unlock()
	if s.gen != gen {
		return
	}
	if err := s.cache.Set(ctx, key(id), data, s.ttl); err != nil && !errors.Is(err, context.Canceled) {
		slog.WarnContext(ctx, "session cache write failed", "session_id", id, "error", err)
	}
}
