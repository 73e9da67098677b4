package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/postgres"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func newSession(userID string) *deliberation.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &deliberation.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChatID:    "chat-1",
		Task:      "design a rate limiter",
		Context:   "10k rps",
		Status:    deliberation.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testRound(epoch, number int) *deliberation.RoundResult {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &deliberation.RoundResult{
		Epoch:  epoch,
		Number: number,
		Facilitator: deliberation.ReviewerResponse{
			ReviewerID: "generalist", Score: deliberation.ScoreTriple{Confidence: 80, Risk: 20, Outcome: 75},
		},
		Responses: []deliberation.ReviewerResponse{
			{ReviewerID: "developer_critic", Score: deliberation.ScoreTriple{Confidence: 70, Risk: 35, Outcome: 65}, Concerns: []string{"hot keys"}},
		},
		Failures:    []deliberation.ReviewerFailure{{ReviewerID: "sre_critic", Kind: "timeout", Attempts: 3, Reason: "deadline"}},
		Merged:      deliberation.MergedScore{Contributors: 1, MeanConfidence: 70, PeakRisk: 35, MeanOutcome: 65},
		Decision:    deliberation.DecisionContinue,
		Rationale:   "continue: round 1 of 3 missed consensus",
		StartedAt:   now,
		CompletedAt: now.Add(time.Second),
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()[:8]

	sess := newSession(user)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Version != 1 {
		t.Fatalf("expected version 1, got %d", sess.Version)
	}
	if err := store.CreateSession(ctx, sess); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate create: expected ErrConflict, got %v", err)
	}

	for _, r := range []*deliberation.RoundResult{testRound(0, 1), testRound(0, 2), testRound(0, 1)} {
		if err := store.AppendRound(ctx, sess.ID, r); err != nil {
			t.Fatalf("AppendRound: %v", err)
		}
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Rounds) != 2 {
		t.Fatalf("re-appending a round must be a no-op, got %d rounds", len(got.Rounds))
	}
	r := got.Rounds[0]
	if r.Number != 1 || r.Facilitator.ReviewerID != "generalist" || len(r.Responses) != 1 || len(r.Failures) != 1 {
		t.Errorf("round not round-tripped: %+v", r)
	}
	if r.Responses[0].Concerns[0] != "hot keys" || r.Merged.PeakRisk != 35 {
		t.Errorf("round payload lost: %+v", r)
	}

	got.Status = deliberation.StatusDeadEndAwaitingFeedback
	got.Report = "no consensus"
	got.Epoch = 1
	if err := store.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	stale := *got
	stale.Version--
	if err := store.UpdateSession(ctx, &stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale update: expected ErrConflict, got %v", err)
	}

	active, err := store.ListActiveSessionsForUser(ctx, user)
	if err != nil {
		t.Fatalf("ListActiveSessionsForUser: %v", err)
	}
	if len(active) != 1 || active[0].Epoch != 1 || active[0].Report != "no consensus" {
		t.Fatalf("unexpected active sessions: %+v", active)
	}

	if err := store.UpdateStatus(ctx, sess.ID, deliberation.StatusErrored); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	active, err = store.ListActiveSessionsForUser(ctx, user)
	if err != nil {
		t.Fatalf("ListActiveSessionsForUser: %v", err)
	}
	if len(active) != 1 || active[0].Status != deliberation.StatusErrored {
		t.Fatalf("errored session should still be listed until cancelled, got %+v", active)
	}

	if err := store.UpdateStatus(ctx, sess.ID, deliberation.StatusCancelled); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	active, err = store.ListActiveSessionsForUser(ctx, user)
	if err != nil {
		t.Fatalf("ListActiveSessionsForUser: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("cancelled session should not be active, got %d", len(active))
	}
}

func TestCompleteRoundIsAtomic(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess := newSession("user-" + uuid.NewString()[:8])
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	stale := *sess
	stale.Version = sess.Version + 7
	stale.Status = deliberation.StatusConsensusReached
	r := testRound(0, 1)
	r.Decision = deliberation.DecisionConsensus
	if err := store.CompleteRound(ctx, &stale, r); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale CompleteRound: expected ErrConflict, got %v", err)
	}
	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != deliberation.StatusActive || len(got.Rounds) != 0 {
		t.Fatalf("rolled back write leaked: status %s, %d rounds", got.Status, len(got.Rounds))
	}

	got.Status = deliberation.StatusConsensusReached
	got.FinalDecision = "use a token bucket"
	before := got.Version
	if err := store.CompleteRound(ctx, got, r); err != nil {
		t.Fatalf("CompleteRound: %v", err)
	}
	if got.Version != before+1 {
		t.Errorf("version = %d, want %d", got.Version, before+1)
	}
	got, err = store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != deliberation.StatusConsensusReached || len(got.Rounds) != 1 ||
		got.Rounds[0].Decision != deliberation.DecisionConsensus || got.FinalDecision != "use a token bucket" {
		t.Fatalf("round and status not stored together: %+v", got)
	}
}

func TestNotFound(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	missing := uuid.NewString()

	if _, err := store.GetSession(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetSession: expected ErrNotFound, got %v", err)
	}
	if err := store.AppendRound(ctx, missing, testRound(0, 1)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("AppendRound: expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateStatus(ctx, missing, deliberation.StatusCancelled); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateStatus: expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsByStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess := newSession("user-" + uuid.NewString()[:8])
	sess.Status = deliberation.StatusDeadEndRestarted
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	list, err := store.ListSessionsByStatus(ctx, deliberation.StatusDeadEndRestarted)
	if err != nil {
		t.Fatalf("ListSessionsByStatus: %v", err)
	}
	found := false
	for _, s := range list {
		if s.ID == sess.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("session %s not listed", sess.ID)
	}
}
