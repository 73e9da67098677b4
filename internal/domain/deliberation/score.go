// Package deliberation defines the domain model of a multi-reviewer
// deliberation: score triples, reviewer responses, rounds, sessions and the
// per-round consensus thresholds.
package deliberation

import (
	"fmt"
	"math"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain"
)

// Bounds of every score field.
const (
	ScoreMin = 0.0
	ScoreMax = 100.0
)

// ScoreTriple is the (confidence, risk, outcome) vector a reviewer produces
// for one round. Risk is inverted: 0 is safe, 100 is critical exposure.
type ScoreTriple struct {
	Confidence float64 `json:"confidence"`
	Risk       float64 `json:"risk"`
	Outcome    float64 `json:"outcome"`
}

// NewScoreTriple builds a triple from raw numbers, clamping each field into
// [ScoreMin, ScoreMax]. NaN and infinite inputs are rejected because they
// cannot be clamped to a meaningful value.
func NewScoreTriple(confidence, risk, outcome float64) (ScoreTriple, error) {
	fields := []struct {
		name string
		v    float64
	}{{"confidence", confidence}, {"risk", risk}, {"outcome", outcome}}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return ScoreTriple{}, fmt.Errorf("%w: %s is not a finite number", domain.ErrValidation, f.name)
		}
	}
	return ScoreTriple{
		Confidence: clampScore(confidence),
		Risk:       clampScore(risk),
		Outcome:    clampScore(outcome),
	}, nil
}

// Validate reports whether every field is finite and within bounds.
func (s ScoreTriple) Validate() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || v < ScoreMin || v > ScoreMax {
			return fmt.Errorf("%w: %s %.2f outside [%.0f,%.0f]", domain.ErrValidation, name, v, ScoreMin, ScoreMax)
		}
		return nil
	}
	if err := check("confidence", s.Confidence); err != nil {
		return err
	}
	if err := check("risk", s.Risk); err != nil {
		return err
	}
	return check("outcome", s.Outcome)
}

// String renders the triple the way rationales and transcripts cite it.
func (s ScoreTriple) String() string {
	return fmt.Sprintf("confidence=%.1f risk=%.1f outcome=%.1f", s.Confidence, s.Risk, s.Outcome)
}

func clampScore(v float64) float64 {
	if v < ScoreMin {
		return ScoreMin
	}
	if v > ScoreMax {
		return ScoreMax
	}
	return v
}
