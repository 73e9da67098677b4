package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	idsotel "github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/otel"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/logger"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/broadcast"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/database"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/messagequeue"
)

// SessionConfig is the controller policy.
type SessionConfig struct {
	// FeedbackRoundPolicy is config.FeedbackReset (feedback opens a new
	// epoch with its own round ceiling) or config.FeedbackContinue (round
	// numbers keep counting in the same epoch).
	FeedbackRoundPolicy string
	MaxFeedbackCycles   int
	SummaryMaxChars     int
}

// SessionService is the session controller. It owns one run loop goroutine
// per active session; rounds within a session are strictly sequential.
type SessionService struct {
	store     database.SessionStore
	executor  *RoundExecutor
	evaluator *ConsensusEvaluator
	events    broadcast.Broadcaster
	cfg       SessionConfig
	metrics   *idsotel.Metrics
	now       func() time.Time

	baseCtx context.Context
	stopAll context.CancelFunc
	control sync.Mutex // serializes feedback, restart and cancel
	mu      sync.Mutex // guards running
	running map[string]*sessionRun
	wg      sync.WaitGroup
}

type sessionRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSessionService wires the controller. events may be nil.
func NewSessionService(
	store database.SessionStore,
	executor *RoundExecutor,
	evaluator *ConsensusEvaluator,
	events broadcast.Broadcaster,
	cfg SessionConfig,
) *SessionService {
	if events == nil {
		events = broadcast.Nop{}
	}
	if cfg.FeedbackRoundPolicy == "" {
		cfg.FeedbackRoundPolicy = config.FeedbackReset
	}
	if cfg.MaxFeedbackCycles < 1 {
		cfg.MaxFeedbackCycles = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionService{
		store:     store,
		executor:  executor,
		evaluator: evaluator,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
		baseCtx:   ctx,
		stopAll:   cancel,
		running:   make(map[string]*sessionRun),
	}
}

// SetMetrics attaches OTEL metric instruments. Nil disables recording.
func (s *SessionService) SetMetrics(m *idsotel.Metrics) { s.metrics = m }

// Submit creates a session for the task and starts deliberating in the
// background. The returned session is in status active with no rounds.
func (s *SessionService) Submit(ctx context.Context, req deliberation.CreateRequest) (*deliberation.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	sess := &deliberation.Session{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		ChatID:      req.ChatID,
		ProjectName: req.ProjectName,
		Task:        strings.TrimSpace(req.Task),
		Context:     strings.TrimSpace(req.Context),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := sess.Transition(deliberation.StatusActive); err != nil {
		return nil, err
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.InfoContext(ctx, "session created", "session_id", sess.ID, "user_id", sess.UserID)
	if s.metrics != nil {
		s.metrics.SessionsStarted.Add(ctx, 1)
	}
	s.events.BroadcastEvent(ctx, broadcast.EventSessionCreated, messagequeue.SessionCreatedPayload{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		ChatID:      sess.ChatID,
		ProjectName: sess.ProjectName,
		Task:        sess.Task,
	})

	s.start(sess.ID)
	return sess, nil
}

// SubmitFeedback resumes a dead-ended session with the user's guidance
// appended to its context.
func (s *SessionService) SubmitFeedback(ctx context.Context, id, text string) (*deliberation.Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("feedback text is required: %w", domain.ErrValidation)
	}

	s.control.Lock()
	defer s.control.Unlock()

	sess, err := s.awaitingFeedback(ctx, id)
	if err != nil {
		return nil, err
	}

	sess.FeedbackCount++
	sess.Context = appendContext(sess.Context, "User guidance: "+text)
	if s.cfg.FeedbackRoundPolicy == config.FeedbackReset {
		sess.Epoch++
	}
	sess.Report = ""
	if err := s.transition(ctx, sess, deliberation.StatusActive); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "feedback accepted", "session_id", id, "epoch", sess.Epoch, "cycle", sess.FeedbackCount)
	s.restart(id)
	return sess, nil
}

// RequestRestart clears the session context back to the bare task and
// starts a fresh epoch at round 1.
func (s *SessionService) RequestRestart(ctx context.Context, id string) (*deliberation.Session, error) {
	s.control.Lock()
	defer s.control.Unlock()

	sess, err := s.awaitingFeedback(ctx, id)
	if err != nil {
		return nil, err
	}

	sess.FeedbackCount++
	sess.Epoch++
	sess.Context = ""
	sess.Report = ""
	if err := s.transition(ctx, sess, deliberation.StatusDeadEndRestarted); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, sess, deliberation.StatusActive); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "session restarted", "session_id", id, "epoch", sess.Epoch)
	s.restart(id)
	return sess, nil
}

// Cancel stops the session. An in-flight round is aborted and discarded.
func (s *SessionService) Cancel(ctx context.Context, id string) (*deliberation.Session, error) {
	s.control.Lock()
	defer s.control.Unlock()

	s.stop(id)

	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, sess, deliberation.StatusCancelled); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "session cancelled", "session_id", id)
	return sess, nil
}

// Get loads a session with its full round history.
func (s *SessionService) Get(ctx context.Context, id string) (*deliberation.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListActive returns the user's non-terminal sessions.
func (s *SessionService) ListActive(ctx context.Context, userID string) ([]deliberation.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	return s.store.ListActiveSessionsForUser(ctx, userID)
}

// ExportTranscript renders the session as a markdown transcript.
func (s *SessionService) ExportTranscript(ctx context.Context, id string) (string, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return Transcript(sess), nil
}

// ResumeActive restarts run loops for sessions persisted as active or
// restarted, e.g. after a process restart. Completed rounds are not re-run.
func (s *SessionService) ResumeActive(ctx context.Context) (int, error) {
	var resumed int
	for _, st := range []deliberation.Status{deliberation.StatusActive, deliberation.StatusDeadEndRestarted} {
		sessions, err := s.store.ListSessionsByStatus(ctx, st)
		if err != nil {
			return resumed, fmt.Errorf("list %s sessions: %w", st, err)
		}
		for i := range sessions {
			sess := &sessions[i]
			if sess.Status == deliberation.StatusDeadEndRestarted {
				if err := s.transition(ctx, sess, deliberation.StatusActive); err != nil {
					slog.ErrorContext(ctx, "resume failed", "session_id", sess.ID, "error", err)
					continue
				}
			}
			if s.start(sess.ID) {
				resumed++
			}
		}
	}
	if resumed > 0 {
		slog.InfoContext(ctx, "sessions resumed", "count", resumed)
	}
	return resumed, nil
}

// Wait blocks until the session's run loop, if any, has exited.
func (s *SessionService) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every run loop and waits for them to exit. Sessions stay in
// their persisted state and are picked up again by ResumeActive.
func (s *SessionService) Close() {
	s.stopAll()
	s.wg.Wait()
}

// start launches the run loop for id unless one is already running.
func (s *SessionService) start(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[id]; ok {
		return false
	}
	if s.baseCtx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithCancel(logger.WithSessionID(s.baseCtx, id))
	r := &sessionRun{cancel: cancel, done: make(chan struct{})}
	s.running[id] = r

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			if s.running[id] == r {
				delete(s.running, id)
			}
			s.mu.Unlock()
			close(r.done)
		}()
		s.run(ctx, id)
	}()
	return true
}

// restart starts a new run loop after the previous one, which has already
// left the active state, finished unwinding.
func (s *SessionService) restart(id string) {
	s.mu.Lock()
	prev, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		<-prev.done
	}
	s.start(id)
}

// stop cancels the run loop for id and waits for it to exit.
func (s *SessionService) stop(id string) {
	s.mu.Lock()
	r, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// run drives rounds until the session leaves the active state or ctx ends.
func (s *SessionService) run(ctx context.Context, id string) {
	sess, err := s.load(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			slog.ErrorContext(ctx, "load session for run failed", "error", err)
		}
		return
	}

	if sess.Status == deliberation.StatusActive {
		done, err := s.finishPending(ctx, sess)
		if err != nil {
			slog.ErrorContext(ctx, "finish stored round failed", "error", err)
			return
		}
		if done {
			return
		}
	}

	for sess.Status == deliberation.StatusActive {
		if ctx.Err() != nil {
			return
		}
		done, err := s.runRound(ctx, sess)
		if err != nil {
			if ctx.Err() == nil {
				slog.ErrorContext(ctx, "session run stopped", "error", err)
			}
			return
		}
		if done {
			return
		}
	}
}

// runRound executes, evaluates and persists one round. It reports done once
// the session has left the active state.
func (s *SessionService) runRound(ctx context.Context, sess *deliberation.Session) (bool, error) {
	number := sess.NextRoundNumber()
	s.events.BroadcastEvent(ctx, broadcast.EventRoundStarted, messagequeue.RoundStartedPayload{
		SessionID: sess.ID, Epoch: sess.Epoch, Round: number,
	})
	slog.InfoContext(ctx, "round started", "epoch", sess.Epoch, "round", number)
	started := s.now()

	round, err := s.executor.Execute(ctx, sess, number)
	if ctx.Err() != nil {
		slog.InfoContext(ctx, "round aborted", "round", number)
		return true, nil
	}
	if err != nil {
		return true, s.fail(ctx, sess, err)
	}

	ev, err := s.evaluator.Evaluate(round, sess.CurrentRounds(), number)
	if err != nil {
		return true, s.fail(ctx, sess, err)
	}
	round.Merged = ev.Merged
	round.Decision = ev.Decision
	round.Rationale = ev.Rationale

	if ctx.Err() != nil {
		slog.InfoContext(ctx, "round discarded after cancellation", "round", number)
		return true, nil
	}

	// Once a decision exists the round and its transition are persisted
	// together even if a cancel arrives meanwhile.
	pctx := context.WithoutCancel(ctx)

	if err := sess.AppendRound(*round); err != nil {
		return true, fmt.Errorf("append round %d: %w", number, err)
	}
	to := s.applyDecision(sess, round)
	if err := sess.Transition(to); err != nil {
		return true, err
	}
	sess.UpdatedAt = s.now()
	if err := s.durable(ctx, s.store.CompleteRound(pctx, sess, round)); err != nil {
		return true, fmt.Errorf("persist round %d: %w", number, err)
	}

	s.recordRound(ctx, round, started)
	slog.InfoContext(ctx, "round completed",
		"round", number, "decision", round.Decision,
		"mean_confidence", round.Merged.MeanConfidence,
		"peak_risk", round.Merged.PeakRisk,
		"mean_outcome", round.Merged.MeanOutcome,
		"failures", len(round.Failures))

	failed := make([]string, len(round.Failures))
	for i, f := range round.Failures {
		failed[i] = f.ReviewerID
	}
	s.events.BroadcastEvent(ctx, broadcast.EventRoundCompleted, messagequeue.RoundCompletedPayload{
		SessionID:      sess.ID,
		Epoch:          round.Epoch,
		Round:          round.Number,
		Decision:       string(round.Decision),
		Rationale:      round.Rationale,
		MeanConfidence: round.Merged.MeanConfidence,
		PeakRisk:       round.Merged.PeakRisk,
		MeanOutcome:    round.Merged.MeanOutcome,
		Dispersion:     ev.Dispersion,
		Contributors:   round.Merged.Contributors,
		FailedIDs:      failed,
	})
	s.announce(pctx, sess)
	return to != deliberation.StatusActive, nil
}

// applyDecision folds the round's decision into the session fields and
// returns the status it leads to.
func (s *SessionService) applyDecision(sess *deliberation.Session, round *deliberation.RoundResult) deliberation.Status {
	switch round.Decision {
	case deliberation.DecisionConsensus:
		sess.FinalDecision = FinalDecision(round)
		return deliberation.StatusConsensusReached
	case deliberation.DecisionDeadEnd:
		sess.Report = DeadEndReport(round)
		return deliberation.StatusDeadEndAwaitingFeedback
	default:
		sess.Context = appendContext(sess.Context, RoundSummary(round, s.cfg.SummaryMaxChars))
		return deliberation.StatusActive
	}
}

// finishPending completes a round that was stored while the session stayed
// active, e.g. data written before rounds and transitions were atomic. It
// reports whether the session left the active state.
func (s *SessionService) finishPending(ctx context.Context, sess *deliberation.Session) (bool, error) {
	rounds := sess.CurrentRounds()
	if len(rounds) == 0 {
		return false, nil
	}
	last := &rounds[len(rounds)-1]

	switch last.Decision {
	case deliberation.DecisionConsensus:
	case deliberation.DecisionDeadEnd:
		// Under the continue policy feedback reopens the same epoch, so a
		// trailing dead end there has already been answered.
		if s.cfg.FeedbackRoundPolicy == config.FeedbackContinue && sess.FeedbackCount > 0 {
			return false, nil
		}
	case deliberation.DecisionContinue:
		if strings.Contains(sess.Context, RoundSummary(last, s.cfg.SummaryMaxChars)) {
			return false, nil
		}
	default:
		return false, nil
	}

	slog.InfoContext(ctx, "completing stored round", "epoch", last.Epoch, "round", last.Number, "decision", last.Decision)
	to := s.applyDecision(sess, last)
	return to != deliberation.StatusActive, s.transition(context.WithoutCancel(ctx), sess, to)
}

// fail moves the session to errored with a report naming the failed
// reviewers. No decision is recorded for the round.
func (s *SessionService) fail(ctx context.Context, sess *deliberation.Session, cause error) error {
	var rex *deliberation.RoundExecutionError
	if errors.As(cause, &rex) {
		sess.Report = ErrorReport(rex)
	} else {
		sess.Report = "Round failed: " + cause.Error()
	}
	slog.ErrorContext(ctx, "round failed", "error", cause)
	return s.transition(context.WithoutCancel(ctx), sess, deliberation.StatusErrored)
}

// transition validates, persists and announces a status change.
func (s *SessionService) transition(ctx context.Context, sess *deliberation.Session, to deliberation.Status) error {
	if err := sess.Transition(to); err != nil {
		return err
	}
	sess.UpdatedAt = s.now()
	if err := s.durable(ctx, s.store.UpdateSession(ctx, sess)); err != nil {
		return fmt.Errorf("persist %s: %w", to, err)
	}
	s.announce(ctx, sess)
	return nil
}

// announce broadcasts the session's current status.
func (s *SessionService) announce(ctx context.Context, sess *deliberation.Session) {
	var summary string
	switch sess.Status {
	case deliberation.StatusConsensusReached:
		summary = sess.FinalDecision
	case deliberation.StatusDeadEndAwaitingFeedback, deliberation.StatusErrored:
		summary = sess.Report
	}
	s.events.BroadcastEvent(ctx, broadcast.EventSessionStatus, messagequeue.SessionStatusPayload{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ChatID:    sess.ChatID,
		Status:    string(sess.Status),
		Summary:   summary,
	})
}

// durable drops errors that only concern a cached copy of a write that
// reached the store.
func (s *SessionService) durable(ctx context.Context, err error) error {
	if errors.Is(err, database.ErrStaleCache) {
		slog.WarnContext(ctx, "session written but cache not invalidated", "error", err)
		return nil
	}
	return err
}

// load reads the authoritative copy of a session, bypassing any cache,
// for callers that write based on it.
func (s *SessionService) load(ctx context.Context, id string) (*deliberation.Session, error) {
	if fr, ok := s.store.(database.FreshReader); ok {
		return fr.FreshSession(ctx, id)
	}
	return s.store.GetSession(ctx, id)
}

// awaitingFeedback loads a session that is paused at a dead end and still
// has feedback cycles left.
func (s *SessionService) awaitingFeedback(ctx context.Context, id string) (*deliberation.Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != deliberation.StatusDeadEndAwaitingFeedback {
		return nil, fmt.Errorf("session %s is %s, not awaiting feedback: %w", id, sess.Status, domain.ErrInvalidTransition)
	}
	if sess.FeedbackCount >= s.cfg.MaxFeedbackCycles {
		return nil, fmt.Errorf("session %s used all %d feedback cycles: %w", id, s.cfg.MaxFeedbackCycles, domain.ErrValidation)
	}
	return sess, nil
}

func (s *SessionService) recordRound(ctx context.Context, r *deliberation.RoundResult, started time.Time) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("decision", string(r.Decision)))
	s.metrics.RoundsCompleted.Add(ctx, 1)
	s.metrics.Decisions.Add(ctx, 1, attrs)
	s.metrics.RoundDuration.Record(ctx, s.now().Sub(started).Seconds(), attrs)
}

func appendContext(ctx, addition string) string {
	if ctx == "" {
		return addition
	}
	return ctx + "\n\n" + addition
}
