package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	idsotel "github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/otel"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/reviewer"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/resilience"
)

// ExecutorConfig controls how a round's reviewer calls are scheduled.
type ExecutorConfig struct {
	Mode        string // config.ModeConcurrent or config.ModeSequential
	MaxParallel int
	Timeout     time.Duration
	Retry       resilience.RetryPolicy
}

// RoundExecutor runs one round: the facilitator first, then every
// specialist with the facilitator's framing. It never mutates the session.
type RoundExecutor struct {
	facilitator reviewer.Reviewer
	specialists []reviewer.Reviewer
	cfg         ExecutorConfig
	pacer       *Pacer
	metrics     *idsotel.Metrics
	now         func() time.Time
}

// NewRoundExecutor takes the enabled reviewers in configured order. Exactly
// one must be the facilitator and at least one must be a specialist. The
// pacer is used in sequential mode and may be shared between executors.
func NewRoundExecutor(reviewers []reviewer.Reviewer, cfg ExecutorConfig, pacer *Pacer) (*RoundExecutor, error) {
	e := &RoundExecutor{cfg: cfg, pacer: pacer, now: time.Now}
	for _, r := range reviewers {
		switch r.Role() {
		case deliberation.RoleFacilitator:
			if e.facilitator != nil {
				return nil, fmt.Errorf("executor: second facilitator %q", r.ID())
			}
			e.facilitator = r
		case deliberation.RoleSpecialist:
			e.specialists = append(e.specialists, r)
		default:
			return nil, fmt.Errorf("executor: reviewer %q has unknown role %q", r.ID(), r.Role())
		}
	}
	if e.facilitator == nil {
		return nil, errors.New("executor: a facilitator is required")
	}
	if len(e.specialists) == 0 {
		return nil, errors.New("executor: at least one specialist is required")
	}
	switch cfg.Mode {
	case config.ModeConcurrent, config.ModeSequential:
	default:
		return nil, fmt.Errorf("executor: unknown mode %q", cfg.Mode)
	}
	if e.cfg.MaxParallel < 1 {
		e.cfg.MaxParallel = len(e.specialists)
	}
	if e.cfg.Timeout <= 0 {
		return nil, errors.New("executor: reviewer timeout must be > 0")
	}
	return e, nil
}

// SetMetrics attaches OTEL metric instruments. Nil disables recording.
func (e *RoundExecutor) SetMetrics(m *idsotel.Metrics) { e.metrics = m }

// Specialists returns the specialist IDs in configured order.
func (e *RoundExecutor) Specialists() []string {
	ids := make([]string, len(e.specialists))
	for i, r := range e.specialists {
		ids[i] = r.ID()
	}
	return ids
}

type callOutcome struct {
	resp    deliberation.ReviewerResponse
	failure *deliberation.ReviewerFailure
}

// Execute runs round number for the session's current epoch and returns the
// raw result with specialist responses in configured order. The merged
// score and decision are left for the evaluator.
//
// A *deliberation.RoundExecutionError is returned when the facilitator
// fails or no specialist answers. If ctx ends mid-round, ctx.Err() is
// returned and the partial round is discarded.
func (e *RoundExecutor) Execute(ctx context.Context, s *deliberation.Session, number int) (*deliberation.RoundResult, error) {
	ctx, span := idsotel.StartRoundSpan(ctx, s.ID, s.Epoch, number)
	defer span.End()

	result := &deliberation.RoundResult{
		Epoch:     s.Epoch,
		Number:    number,
		StartedAt: e.now(),
	}
	req := reviewer.Request{
		SessionID: s.ID,
		Epoch:     s.Epoch,
		Round:     number,
		Task:      s.Task,
		Context:   s.Context,
		History:   HistoryDigest(s.CurrentRounds()),
	}

	fac := e.call(ctx, e.facilitator, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fac.failure != nil {
		err := &deliberation.RoundExecutionError{
			Epoch:    s.Epoch,
			Round:    number,
			Failures: []deliberation.ReviewerFailure{*fac.failure},
			Cause:    "facilitator did not answer",
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	result.Facilitator = fac.resp

	framing := fac.resp
	req.Framing = &framing

	outcomes := make([]callOutcome, len(e.specialists))
	if e.cfg.Mode == config.ModeConcurrent {
		var g errgroup.Group
		g.SetLimit(e.cfg.MaxParallel)
		for i, r := range e.specialists {
			g.Go(func() error {
				outcomes[i] = e.call(ctx, r, req)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, r := range e.specialists {
			outcomes[i] = e.call(ctx, r, req)
			if ctx.Err() != nil {
				break
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := range outcomes {
		if outcomes[i].failure != nil {
			result.Failures = append(result.Failures, *outcomes[i].failure)
			continue
		}
		result.Responses = append(result.Responses, outcomes[i].resp)
	}
	if len(result.Responses) == 0 {
		err := &deliberation.RoundExecutionError{
			Epoch:    s.Epoch,
			Round:    number,
			Failures: result.Failures,
			Cause:    "no specialist answered",
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result.CompletedAt = e.now()
	span.SetAttributes(
		attribute.Int("round.responses", len(result.Responses)),
		attribute.Int("round.failures", len(result.Failures)),
	)
	return result, nil
}

// call invokes one reviewer with per-attempt timeout and the retry budget.
// In sequential mode every attempt first waits on the shared pacer.
func (e *RoundExecutor) call(ctx context.Context, r reviewer.Reviewer, req reviewer.Request) callOutcome {
	ctx, span := idsotel.StartReviewerSpan(ctx, r.ID(), string(r.Role()))
	defer span.End()

	var resp deliberation.ReviewerResponse
	attempts, err := resilience.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		if e.cfg.Mode == config.ModeSequential {
			if err := e.pacer.Wait(ctx); err != nil {
				return resilience.Permanent(err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()

		out, err := r.Invoke(callCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return resilience.Permanent(ctx.Err())
			}
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, deliberation.ErrReviewerTimeout) {
				err = fmt.Errorf("%w after %s: %w", deliberation.ErrReviewerTimeout, e.cfg.Timeout, err)
			}
			slog.WarnContext(ctx, "reviewer attempt failed", "reviewer", r.ID(), "round", req.Round, "error", err)
			return err
		}
		// Parsed replies are already clamped; this catches reviewers that
		// build a triple by hand.
		if err := out.Score.Validate(); err != nil {
			return fmt.Errorf("%w: %w", deliberation.ErrReviewerParse, err)
		}
		if out.ReviewerID == "" {
			out.ReviewerID = r.ID()
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = e.now()
		}
		resp = out
		return nil
	})
	span.SetAttributes(attribute.Int("reviewer.attempts", attempts))

	if err == nil {
		return callOutcome{resp: resp}
	}

	f := deliberation.NewReviewerFailure(r.ID(), attempts, err)
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() == nil {
		slog.WarnContext(ctx, "reviewer excluded from round",
			"reviewer", r.ID(), "round", req.Round, "kind", f.Kind, "attempts", attempts)
		if e.metrics != nil {
			e.metrics.ReviewerFailures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reviewer", r.ID()),
				attribute.String("kind", f.Kind),
			))
		}
	}
	return callOutcome{failure: &f}
}
