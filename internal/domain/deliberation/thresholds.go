package deliberation

import (
	"errors"
	"fmt"
	"math"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain"
)

// Threshold holds the consensus requirements for one round number.
type Threshold struct {
	MinConfidence float64 `json:"min_confidence"`
	MaxRisk       float64 `json:"max_risk"`
	MinOutcome    float64 `json:"min_outcome"`
	MaxDispersion float64 `json:"max_dispersion"`
}

// Thresholds is the per-round table; index 0 applies to round 1. Rounds
// past the end of the table reuse the last entry.
type Thresholds []Threshold

// DefaultThresholds starts strict and relaxes over three rounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		{MinConfidence: 85, MaxRisk: 20, MinOutcome: 80, MaxDispersion: 15},
		{MinConfidence: 75, MaxRisk: 30, MinOutcome: 70, MaxDispersion: 15},
		{MinConfidence: 70, MaxRisk: 40, MinOutcome: 60, MaxDispersion: 15},
	}
}

// For returns the threshold for the given 1-based round number, clamped to
// the table range.
func (t Thresholds) For(round int) Threshold {
	if len(t) == 0 {
		return Threshold{}
	}
	idx := round - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t) {
		idx = len(t) - 1
	}
	return t[idx]
}

// Validate checks that the table is non-empty, every value is within score
// bounds, and no round is stricter than the round before it.
func (t Thresholds) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: thresholds table is empty", domain.ErrValidation)
	}
	for i, th := range t {
		if err := th.validate(); err != nil {
			return fmt.Errorf("%w: round %d: %w", domain.ErrValidation, i+1, err)
		}
		if i == 0 {
			continue
		}
		prev := t[i-1]
		if th.MinConfidence > prev.MinConfidence || th.MinOutcome > prev.MinOutcome ||
			th.MaxRisk < prev.MaxRisk || th.MaxDispersion < prev.MaxDispersion {
			return fmt.Errorf("%w: round %d is stricter than round %d", domain.ErrValidation, i+1, i)
		}
	}
	return nil
}

func (th Threshold) validate() error {
	vals := []struct {
		name string
		v    float64
	}{
		{"min_confidence", th.MinConfidence},
		{"max_risk", th.MaxRisk},
		{"min_outcome", th.MinOutcome},
		{"max_dispersion", th.MaxDispersion},
	}
	for _, f := range vals {
		if math.IsNaN(f.v) || f.v < ScoreMin || f.v > ScoreMax {
			return fmt.Errorf("%s %.1f outside [%.0f,%.0f]", f.name, f.v, ScoreMin, ScoreMax)
		}
	}
	if th.MaxDispersion == 0 {
		return errors.New("max_dispersion must be > 0")
	}
	return nil
}
