// Package database defines the database store port (interface).
package database

import (
	"context"
	"errors"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
)

// ErrStaleCache marks a write that reached the backing store but whose
// cached copy could not be dropped. The write itself is durable.
var ErrStaleCache = errors.New("cached session may be stale")

// SessionStore is the port interface for deliberation session persistence.
// Every call is durable when it returns; AppendRound is idempotent on
// (session, epoch, round number).
type SessionStore interface {
	// CreateSession inserts a new session. The ID must already be set.
	CreateSession(ctx context.Context, s *deliberation.Session) error

	// AppendRound records a completed round for the session.
	AppendRound(ctx context.Context, sessionID string, r *deliberation.RoundResult) error

	// CompleteRound appends r and writes the session fields as one atomic
	// step, so a decided round is never stored without its status change.
	// The version guard of UpdateSession applies: on ErrConflict neither
	// the round nor the session is written.
	CompleteRound(ctx context.Context, s *deliberation.Session, r *deliberation.RoundResult) error

	// UpdateStatus changes only the session status.
	UpdateStatus(ctx context.Context, sessionID string, status deliberation.Status) error

	// UpdateSession writes the mutable session fields (status, context,
	// epoch, feedback count, final decision, report) guarded by the
	// optimistic version. A stale version returns domain.ErrConflict.
	UpdateSession(ctx context.Context, s *deliberation.Session) error

	// GetSession loads a session with all of its rounds.
	GetSession(ctx context.Context, sessionID string) (*deliberation.Session, error)

	// ListActiveSessionsForUser returns the user's non-terminal sessions,
	// newest first.
	ListActiveSessionsForUser(ctx context.Context, userID string) ([]deliberation.Session, error)

	// ListSessionsByStatus returns every session in the given status.
	ListSessionsByStatus(ctx context.Context, status deliberation.Status) ([]deliberation.Session, error)
}

// FreshReader is implemented by stores that may serve cached sessions.
// FreshSession always reads the backing store, for callers that are about
// to write based on what they read.
type FreshReader interface {
	FreshSession(ctx context.Context, sessionID string) (*deliberation.Session, error)
}
