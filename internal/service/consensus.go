package service

import (
	"fmt"
	"strings"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
)

// EvaluatorConfig is the read-only policy consumed by ConsensusEvaluator.
type EvaluatorConfig struct {
	MaxRounds          int
	Thresholds         deliberation.Thresholds
	Dispersion         deliberation.DispersionPolicy
	FacilitatorInMerge bool
	// DeclineRounds is the length of the strictly falling confidence run
	// that ends an epoch early, current round included.
	DeclineRounds int
	// PersistentRiskRounds is the minimum number of rounds with peak risk
	// over the limit before the persistent-risk detector may fire.
	PersistentRiskRounds int
}

// Evaluation is the verdict for one round.
type Evaluation struct {
	Merged     deliberation.MergedScore
	Dispersion float64
	Threshold  deliberation.Threshold
	Decision   deliberation.Decision
	Rationale  string
}

// ConsensusEvaluator merges a round's scores and decides whether the
// session continues, converged, or hit a dead end.
type ConsensusEvaluator struct {
	cfg EvaluatorConfig
}

// NewConsensusEvaluator validates cfg and returns an evaluator.
func NewConsensusEvaluator(cfg EvaluatorConfig) (*ConsensusEvaluator, error) {
	if cfg.MaxRounds < 1 {
		return nil, fmt.Errorf("evaluator: max rounds must be >= 1, got %d", cfg.MaxRounds)
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("evaluator: %w", err)
	}
	if !cfg.Dispersion.Valid() {
		cfg.Dispersion = deliberation.DispersionWorst
	}
	if cfg.DeclineRounds < 2 {
		cfg.DeclineRounds = 3
	}
	if cfg.PersistentRiskRounds < 2 {
		cfg.PersistentRiskRounds = 2
	}
	return &ConsensusEvaluator{cfg: cfg}, nil
}

// MaxRounds returns the per-epoch round ceiling.
func (e *ConsensusEvaluator) MaxRounds() int { return e.cfg.MaxRounds }

// Evaluate decides the outcome of round. history holds the earlier rounds of
// the same epoch in order, each already evaluated. roundNumber selects the
// thresholds and is compared against the ceiling.
// Reviewers excluded from the round are named at the end of the rationale.
func (e *ConsensusEvaluator) Evaluate(round *deliberation.RoundResult, history []deliberation.RoundResult, roundNumber int) (Evaluation, error) {
	ev, err := e.decide(round, history, roundNumber)
	if err != nil {
		return Evaluation{}, err
	}
	if note := excludedNote(round.Failures); note != "" {
		ev.Rationale += "; " + note
	}
	return ev, nil
}

func (e *ConsensusEvaluator) decide(round *deliberation.RoundResult, history []deliberation.RoundResult, roundNumber int) (Evaluation, error) {
	merged, err := deliberation.Merge(round.Scores(e.cfg.FacilitatorInMerge))
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluate round %d: %w", roundNumber, err)
	}

	th := e.cfg.Thresholds.For(roundNumber)
	dispersion := merged.Dispersion(e.cfg.Dispersion)
	ev := Evaluation{Merged: merged, Dispersion: dispersion, Threshold: th}

	checks := []check{
		{"mean confidence", merged.MeanConfidence, th.MinConfidence, merged.MeanConfidence >= th.MinConfidence, ">=", "<"},
		{"peak risk", merged.PeakRisk, th.MaxRisk, merged.PeakRisk <= th.MaxRisk, "<=", ">"},
		{"mean outcome", merged.MeanOutcome, th.MinOutcome, merged.MeanOutcome >= th.MinOutcome, ">=", "<"},
		{"dispersion", dispersion, th.MaxDispersion, dispersion <= th.MaxDispersion, "<=", ">"},
	}

	var failed []string
	passed := make([]string, 0, len(checks))
	for _, c := range checks {
		if c.ok {
			passed = append(passed, c.describe())
		} else {
			failed = append(failed, c.describe())
		}
	}

	if len(failed) == 0 {
		ev.Decision = deliberation.DecisionConsensus
		ev.Rationale = fmt.Sprintf("consensus at round %d: %s", roundNumber, strings.Join(passed, ", "))
		return ev, nil
	}

	notMet := strings.Join(failed, ", ")

	if roundNumber >= e.cfg.MaxRounds {
		ev.Decision = deliberation.DecisionDeadEnd
		ev.Rationale = fmt.Sprintf("dead end: round %d reached the ceiling of %d without consensus (%s)",
			roundNumber, e.cfg.MaxRounds, notMet)
		return ev, nil
	}

	if reason, ok := e.confidenceDecline(history, merged); ok {
		ev.Decision = deliberation.DecisionDeadEnd
		ev.Rationale = fmt.Sprintf("dead end at round %d: %s (%s)", roundNumber, reason, notMet)
		return ev, nil
	}

	if reason, ok := e.persistentRisk(history, merged, roundNumber); ok {
		ev.Decision = deliberation.DecisionDeadEnd
		ev.Rationale = fmt.Sprintf("dead end at round %d: %s (%s)", roundNumber, reason, notMet)
		return ev, nil
	}

	ev.Decision = deliberation.DecisionContinue
	ev.Rationale = fmt.Sprintf("continue: round %d of %d missed consensus (%s)", roundNumber, e.cfg.MaxRounds, notMet)
	return ev, nil
}

// confidenceDecline fires when mean confidence fell strictly in each of the
// last DeclineRounds rounds, current round included.
func (e *ConsensusEvaluator) confidenceDecline(history []deliberation.RoundResult, cur deliberation.MergedScore) (string, bool) {
	need := e.cfg.DeclineRounds - 1
	if len(history) < need {
		return "", false
	}
	prev := history[len(history)-need:]

	seq := make([]float64, 0, need+1)
	for i := range prev {
		seq = append(seq, prev[i].Merged.MeanConfidence)
	}
	seq = append(seq, cur.MeanConfidence)

	values := make([]string, len(seq))
	for i, v := range seq {
		if i > 0 && v >= seq[i-1] {
			return "", false
		}
		values[i] = formatScore(v)
	}
	return "mean confidence declining " + strings.Join(values, " -> "), true
}

// persistentRisk fires when peak risk exceeded the limit in every round of
// the epoch, there are enough rounds, and the sequence is not strictly
// improving.
func (e *ConsensusEvaluator) persistentRisk(history []deliberation.RoundResult, cur deliberation.MergedScore, roundNumber int) (string, bool) {
	rounds := len(history) + 1
	if rounds < e.cfg.PersistentRiskRounds {
		return "", false
	}

	peaks := make([]float64, 0, rounds)
	for i := range history {
		r := &history[i]
		if r.Merged.PeakRisk <= e.cfg.Thresholds.For(r.Number).MaxRisk {
			return "", false
		}
		peaks = append(peaks, r.Merged.PeakRisk)
	}
	if cur.PeakRisk <= e.cfg.Thresholds.For(roundNumber).MaxRisk {
		return "", false
	}
	peaks = append(peaks, cur.PeakRisk)

	improving := true
	for i := 1; i < len(peaks); i++ {
		if peaks[i] >= peaks[i-1] {
			improving = false
			break
		}
	}
	if improving {
		return "", false
	}

	values := make([]string, len(peaks))
	for i, p := range peaks {
		values[i] = formatScore(p)
	}
	return fmt.Sprintf("peak risk above limit in all %d rounds without improving (%s)", rounds, strings.Join(values, " -> ")), true
}

// excludedNote lists reviewers dropped from the merge, e.g.
// "excluded: sre (timeout, 3 attempts)".
func excludedNote(failures []deliberation.ReviewerFailure) string {
	if len(failures) == 0 {
		return ""
	}
	parts := make([]string, len(failures))
	for i, f := range failures {
		attempts := "attempts"
		if f.Attempts == 1 {
			attempts = "attempt"
		}
		parts[i] = fmt.Sprintf("%s (%s, %d %s)", f.ReviewerID, f.Kind, f.Attempts, attempts)
	}
	return "excluded: " + strings.Join(parts, ", ")
}

type check struct {
	name   string
	value  float64
	limit  float64
	ok     bool
	passOp string
	failOp string
}

func (c check) describe() string {
	op := c.failOp
	if c.ok {
		op = c.passOp
	}
	return fmt.Sprintf("%s %s %s %s", c.name, formatScore(c.value), op, formatScore(c.limit))
}

func formatScore(v float64) string {
	return fmt.Sprintf("%.1f", v)
}
