package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/database"
)

// Store implements database.SessionStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.SessionStore = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const sessionColumns = `id, user_id, chat_id, project_name, task, context, status, epoch,
	feedback_count, final_decision, report, version, created_at, updated_at`

// terminalStatuses is the exclusion list for active-session queries.
func terminalStatuses() []string {
	ts := deliberation.TerminalStatuses()
	out := make([]string, len(ts))
	for i, st := range ts {
		out[i] = string(st)
	}
	return out
}

func (s *Store) CreateSession(ctx context.Context, sess *deliberation.Session) error {
	if err := uuid.Validate(sess.ID); err != nil {
		return fmt.Errorf("create session: id %q: %w", sess.ID, domain.ErrValidation)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO deliberation_sessions (id, user_id, chat_id, project_name, task, context, status, epoch, feedback_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING version, created_at, updated_at`,
		sess.ID, sess.UserID, sess.ChatID, sess.ProjectName, sess.Task, sess.Context,
		string(sess.Status), sess.Epoch, sess.FeedbackCount, sess.CreatedAt, sess.UpdatedAt)

	if err := row.Scan(&sess.Version, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if pgCode(err) == uniqueViolation {
			return fmt.Errorf("create session %s: %w", sess.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) AppendRound(ctx context.Context, sessionID string, r *deliberation.RoundResult) error {
	if err := uuid.Validate(sessionID); err != nil {
		return fmt.Errorf("append round to %s: %w", sessionID, domain.ErrNotFound)
	}
	return insertRound(ctx, s.pool, sessionID, r)
}

// CompleteRound stores the round and the session fields in one transaction.
func (s *Store) CompleteRound(ctx context.Context, sess *deliberation.Session, r *deliberation.RoundResult) error {
	if err := uuid.Validate(sess.ID); err != nil {
		return fmt.Errorf("complete round of %s: %w", sess.ID, domain.ErrNotFound)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := insertRound(ctx, tx, sess.ID, r); err != nil {
		return err
	}
	if err := updateSession(ctx, tx, sess); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit round %d.%d of %s: %w", r.Epoch, r.Number, sess.ID, err)
	}
	sess.Version++
	return nil
}

func insertRound(ctx context.Context, db execer, sessionID string, r *deliberation.RoundResult) error {
	facilitator, err := json.Marshal(r.Facilitator)
	if err != nil {
		return fmt.Errorf("marshal facilitator: %w", err)
	}
	responses, err := json.Marshal(orEmpty(r.Responses))
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}
	failures, err := json.Marshal(orEmpty(r.Failures))
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	merged, err := json.Marshal(r.Merged)
	if err != nil {
		return fmt.Errorf("marshal merged score: %w", err)
	}

	_, err = db.Exec(ctx,
		`INSERT INTO deliberation_rounds (session_id, epoch, number, facilitator, responses, failures, merged, decision, rationale, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (session_id, epoch, number) DO NOTHING`,
		sessionID, r.Epoch, r.Number, facilitator, responses, failures, merged,
		string(r.Decision), r.Rationale, r.StartedAt, r.CompletedAt)
	if err != nil {
		if pgCode(err) == foreignKeyViolation {
			return fmt.Errorf("append round to %s: %w", sessionID, domain.ErrNotFound)
		}
		return fmt.Errorf("append round %d.%d to %s: %w", r.Epoch, r.Number, sessionID, err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status deliberation.Status) error {
	if err := uuid.Validate(sessionID); err != nil {
		return fmt.Errorf("update status %s: %w", sessionID, domain.ErrNotFound)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE deliberation_sessions SET status = $2, updated_at = now() WHERE id = $1`,
		sessionID, string(status))
	return execExpectOne(tag, err, "update status %s", sessionID)
}

func (s *Store) UpdateSession(ctx context.Context, sess *deliberation.Session) error {
	if err := updateSession(ctx, s.pool, sess); err != nil {
		return err
	}
	sess.Version++
	return nil
}

// updateSession writes the mutable fields guarded by sess.Version. The
// caller bumps sess.Version once the write is durable.
func updateSession(ctx context.Context, db execer, sess *deliberation.Session) error {
	tag, err := db.Exec(ctx,
		`UPDATE deliberation_sessions
		 SET status = $2, context = $3, epoch = $4, feedback_count = $5, final_decision = $6, report = $7,
		     updated_at = $8, version = version + 1
		 WHERE id = $1 AND version = $9`,
		sess.ID, string(sess.Status), sess.Context, sess.Epoch, sess.FeedbackCount,
		sess.FinalDecision, sess.Report, sess.UpdatedAt, sess.Version)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session %s: %w", sess.ID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*deliberation.Session, error) {
	if err := uuid.Validate(sessionID); err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, domain.ErrNotFound)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM deliberation_sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, notFoundWrap(err, "get session %s", sessionID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT epoch, number, facilitator, responses, failures, merged, decision, rationale, started_at, completed_at
		 FROM deliberation_rounds WHERE session_id = $1 ORDER BY epoch, number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list rounds of %s: %w", sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round of %s: %w", sessionID, err)
		}
		sess.Rounds = append(sess.Rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rounds of %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *Store) ListActiveSessionsForUser(ctx context.Context, userID string) ([]deliberation.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM deliberation_sessions
		 WHERE user_id = $1 AND status <> ALL($2) ORDER BY created_at DESC`,
		userID, terminalStatuses())
	if err != nil {
		return nil, fmt.Errorf("list active sessions for %s: %w", userID, err)
	}
	return collectSessions(rows)
}

func (s *Store) ListSessionsByStatus(ctx context.Context, status deliberation.Status) ([]deliberation.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM deliberation_sessions WHERE status = $1 ORDER BY created_at`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s sessions: %w", status, err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]deliberation.Session, error) {
	defer rows.Close()
	var out []deliberation.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row scannable) (deliberation.Session, error) {
	var (
		sess   deliberation.Session
		status string
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.ChatID, &sess.ProjectName, &sess.Task, &sess.Context,
		&status, &sess.Epoch, &sess.FeedbackCount, &sess.FinalDecision, &sess.Report,
		&sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	sess.Status = deliberation.Status(status)
	return sess, err
}

func scanRound(row scannable) (deliberation.RoundResult, error) {
	var r deliberation.RoundResult
	var decision string
	var facilitator, responses, failures, merged []byte
	if err := row.Scan(&r.Epoch, &r.Number, &facilitator, &responses, &failures, &merged,
		&decision, &r.Rationale, &r.StartedAt, &r.CompletedAt); err != nil {
		return r, err
	}
	r.Decision = deliberation.Decision(decision)

	if err := json.Unmarshal(facilitator, &r.Facilitator); err != nil {
		return r, fmt.Errorf("unmarshal facilitator: %w", err)
	}
	if err := json.Unmarshal(responses, &r.Responses); err != nil {
		return r, fmt.Errorf("unmarshal responses: %w", err)
	}
	if err := json.Unmarshal(failures, &r.Failures); err != nil {
		return r, fmt.Errorf("unmarshal failures: %w", err)
	}
	if len(r.Failures) == 0 {
		r.Failures = nil
	}
	if err := json.Unmarshal(merged, &r.Merged); err != nil {
		return r, fmt.Errorf("unmarshal merged score: %w", err)
	}
	return r, nil
}
