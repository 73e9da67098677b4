package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/litellm"
	idsotel "github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/otel"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/persona"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/scoreparse"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/broadcast"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/database"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/reviewer"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/resilience"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/service"
)

// newLLMClient returns a LiteLLM client guarded by the configured breaker.
func newLLMClient(cfg *config.Config, metrics *idsotel.Metrics) *litellm.Client {
	client := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(from, to string) {
		slog.Warn("litellm breaker state changed", "from", from, "to", to)
		if metrics != nil {
			metrics.BreakerChanges.Add(context.Background(), 1)
		}
	})
	client.SetBreaker(breaker)
	return client
}

// reviewerModel is the model a reviewer runs on.
func reviewerModel(cfg *config.Config, rc config.Reviewer) string {
	if rc.Model != "" {
		return rc.Model
	}
	return cfg.LiteLLM.DefaultModel
}

// requiredModels lists the distinct models the enabled reviewers use,
// sorted.
func requiredModels(cfg *config.Config) []string {
	var out []string
	for _, rc := range cfg.EnabledReviewers() {
		out = append(out, reviewerModel(cfg, rc))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// buildReviewers loads each enabled reviewer's persona and binds it to the
// LiteLLM client.
func buildReviewers(cfg *config.Config, llm litellm.Completer) ([]reviewer.Reviewer, error) {
	loader := persona.NewLoader(cfg.Deliberation.PersonaDir)
	parser := scoreparse.Parser{}

	var out []reviewer.Reviewer
	for _, rc := range cfg.EnabledReviewers() {
		p, err := loader.Load(rc.Persona)
		if err != nil {
			return nil, fmt.Errorf("reviewer %s: %w", rc.ID, err)
		}
		r, err := litellm.NewReviewer(litellm.ReviewerConfig{
			ID:          rc.ID,
			Role:        deliberation.Role(rc.Role),
			Model:       reviewerModel(cfg, rc),
			Temperature: rc.Temperature,
			MaxTokens:   rc.MaxTokens,
		}, p, llm, parser)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// buildSessionService assembles executor, evaluator and controller from the
// deliberation policy.
func buildSessionService(
	cfg *config.Config,
	store database.SessionStore,
	reviewers []reviewer.Reviewer,
	events broadcast.Broadcaster,
	metrics *idsotel.Metrics,
) (*service.SessionService, error) {
	d := cfg.Deliberation

	executor, err := service.NewRoundExecutor(reviewers, service.ExecutorConfig{
		Mode:        d.Mode,
		MaxParallel: d.MaxParallel,
		Timeout:     d.ReviewerTimeout,
		Retry:       resilience.RetryPolicy{Retries: d.RetryBudget, Delay: d.RetryDelay},
	}, service.NewPacer(d.InterCallDelay))
	if err != nil {
		return nil, err
	}
	executor.SetMetrics(metrics)

	thresholds := make(deliberation.Thresholds, len(d.Thresholds))
	for i, t := range d.Thresholds {
		thresholds[i] = deliberation.Threshold{
			MinConfidence: t.MinConfidence,
			MaxRisk:       t.MaxRisk,
			MinOutcome:    t.MinOutcome,
			MaxDispersion: t.MaxDispersion,
		}
	}
	evaluator, err := service.NewConsensusEvaluator(service.EvaluatorConfig{
		MaxRounds:            d.MaxRounds,
		Thresholds:           thresholds,
		Dispersion:           deliberation.DispersionPolicy(d.DispersionPolicy),
		FacilitatorInMerge:   d.FacilitatorInMerge,
		DeclineRounds:        d.DeadEnd.ConfidenceDeclineRounds,
		PersistentRiskRounds: d.DeadEnd.PersistentRiskRounds,
	})
	if err != nil {
		return nil, err
	}

	sessions := service.NewSessionService(store, executor, evaluator, events, service.SessionConfig{
		FeedbackRoundPolicy: d.FeedbackRoundPolicy,
		MaxFeedbackCycles:   d.MaxFeedbackCycles,
		SummaryMaxChars:     d.SummaryMaxChars,
	})
	sessions.SetMetrics(metrics)
	return sessions, nil
}
