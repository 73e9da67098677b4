package cachedstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/cache"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/database"
)

// countingStore serves a single session and counts reads.
type countingStore struct {
	database.SessionStore // nil; unused methods panic

	mu    sync.Mutex
	sess  deliberation.Session
	reads int

	// afterRead runs once after the next read, outside the lock.
	afterRead func()
}

func (c *countingStore) GetSession(_ context.Context, id string) (*deliberation.Session, error) {
	c.mu.Lock()
	c.reads++
	if id != c.sess.ID {
		c.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	s := c.sess
	hook := c.afterRead
	c.afterRead = nil
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return &s, nil
}

func (c *countingStore) CompleteRound(_ context.Context, s *deliberation.Session, r *deliberation.RoundResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Version != c.sess.Version {
		return domain.ErrConflict
	}
	rounds := append(c.sess.Rounds, *r)
	c.sess = *s
	c.sess.Rounds = rounds
	c.sess.Version++
	s.Version = c.sess.Version
	return nil
}

func (c *countingStore) UpdateStatus(_ context.Context, _ string, status deliberation.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.Status = status
	return nil
}

func (c *countingStore) AppendRound(_ context.Context, _ string, r *deliberation.RoundResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.Rounds = append(c.sess.Rounds, *r)
	return nil
}

func (c *countingStore) UpdateSession(_ context.Context, s *deliberation.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Version != c.sess.Version {
		return domain.ErrConflict
	}
	rounds := c.sess.Rounds
	c.sess = *s
	c.sess.Rounds = rounds
	c.sess.Version++
	s.Version = c.sess.Version
	return nil
}

type mapCache struct {
	mu        sync.Mutex
	data      map[string][]byte
	readErr   error
	deleteErr error
}

var _ cache.Cache = (*mapCache)(nil)

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, false, m.readErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.data, key)
	return nil
}

func setup() (*Store, *countingStore, *mapCache) {
	inner := &countingStore{sess: deliberation.Session{ID: "s1", UserID: "u1", Task: "t", Status: deliberation.StatusActive, Version: 1}}
	c := &mapCache{data: make(map[string][]byte)}
	return New(inner, c, time.Minute), inner, c
}

func TestGetSession_ReadThrough(t *testing.T) {
	s, inner, _ := setup()
	ctx := context.Background()

	for range 3 {
		got, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Task != "t" {
			t.Fatalf("unexpected session %+v", got)
		}
	}
	if inner.reads != 1 {
		t.Errorf("expected one backing read, got %d", inner.reads)
	}
}

func TestWritesInvalidate(t *testing.T) {
	s, inner, _ := setup()
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendRound(ctx, "s1", &deliberation.RoundResult{Number: 1}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Rounds) != 1 {
		t.Fatalf("stale session served after AppendRound: %+v", got)
	}

	got.Status = deliberation.StatusConsensusReached
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != deliberation.StatusConsensusReached || got.Version != 2 {
		t.Fatalf("stale session served after UpdateSession: %+v", got)
	}

	if err := s.UpdateStatus(ctx, "s1", deliberation.StatusCancelled); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if got.Status != deliberation.StatusCancelled {
		t.Fatalf("stale status after UpdateStatus: %s", got.Status)
	}
	if inner.reads != 4 {
		t.Errorf("expected a backing read after each write, got %d", inner.reads)
	}
}

func TestFailedWriteStillInvalidates(t *testing.T) {
	s, _, c := setup()
	ctx := context.Background()

	got, _ := s.GetSession(ctx, "s1")
	got.Version = 99
	if err := s.UpdateSession(ctx, got); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, ok := c.data[key("s1")]; ok {
		t.Error("cache entry must be dropped after a write attempt")
	}
}

func TestCacheFailureFallsBack(t *testing.T) {
	s, inner, c := setup()
	c.readErr = errors.New("cache down")

	if _, err := s.GetSession(context.Background(), "s1"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if inner.reads != 1 {
		t.Errorf("expected backing read, got %d", inner.reads)
	}
}

func TestNotFoundNotCached(t *testing.T) {
	s, _, c := setup()
	if _, err := s.GetSession(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(c.data) != 0 {
		t.Errorf("nothing should be cached, got %v", c.data)
	}
}

func TestGetSession_NoStaleFillAfterConcurrentWrite(t *testing.T) {
	s, inner, c := setup()
	ctx := context.Background()

	// A write lands between the backing read and the cache fill.
	inner.afterRead = func() {
		cur := inner.sess
		cur.Status = deliberation.StatusCancelled
		if err := s.UpdateSession(ctx, &cur); err != nil {
			t.Errorf("UpdateSession: %v", err)
		}
	}

	old, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if old.Version != 1 {
		t.Fatalf("first read should see version 1, got %d", old.Version)
	}
	if _, ok := c.data[key("s1")]; ok {
		t.Fatal("a read that raced a write must not fill the cache")
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != deliberation.StatusCancelled || got.Version != 2 {
		t.Fatalf("expected the written state, got %s v%d", got.Status, got.Version)
	}
}

func TestWriteReturnsInvalidationError(t *testing.T) {
	s, inner, c := setup()
	ctx := context.Background()

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	c.deleteErr = errors.New("kv unavailable")

	got.Status = deliberation.StatusCancelled
	err = s.UpdateSession(ctx, got)
	if !errors.Is(err, c.deleteErr) || !errors.Is(err, database.ErrStaleCache) {
		t.Fatalf("expected a stale-cache error, got %v", err)
	}
	if inner.sess.Status != deliberation.StatusCancelled {
		t.Errorf("backing write should still land, got %s", inner.sess.Status)
	}

	err = s.CompleteRound(ctx, &inner.sess, &deliberation.RoundResult{Number: 1})
	if !errors.Is(err, c.deleteErr) {
		t.Fatalf("CompleteRound: expected the invalidation error, got %v", err)
	}
}

func TestFreshSessionBypassesCache(t *testing.T) {
	s, inner, _ := setup()
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	// Another process moved the session on without touching this cache.
	inner.mu.Lock()
	inner.sess.Version = 5
	inner.sess.Status = deliberation.StatusDeadEndAwaitingFeedback
	inner.mu.Unlock()

	cached, _ := s.GetSession(ctx, "s1")
	if cached.Version != 1 {
		t.Fatalf("GetSession should still serve the cached copy, got v%d", cached.Version)
	}
	fresh, err := s.FreshSession(ctx, "s1")
	if err != nil {
		t.Fatalf("FreshSession: %v", err)
	}
	if fresh.Version != 5 || fresh.Status != deliberation.StatusDeadEndAwaitingFeedback {
		t.Fatalf("FreshSession returned a stale session: %+v", fresh)
	}
	if again, _ := s.GetSession(ctx, "s1"); again.Version != 5 {
		t.Errorf("FreshSession should refresh the cache, got v%d", again.Version)
	}
}
