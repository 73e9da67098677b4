package deliberation

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// DispersionPolicy selects how the three per-field standard deviations
// collapse into the single agreement figure compared against a threshold.
type DispersionPolicy string

const (
	// DispersionWorst uses the largest of the three standard deviations.
	DispersionWorst DispersionPolicy = "worst"
	// DispersionAverage uses the mean of the three standard deviations.
	DispersionAverage DispersionPolicy = "average"
)

// Valid reports whether p is a known policy.
func (p DispersionPolicy) Valid() bool {
	return p == DispersionWorst || p == DispersionAverage
}

// ErrNothingToMerge is returned when a merge is attempted over zero scores.
var ErrNothingToMerge = errors.New("cannot merge empty score list")

// MergedScore aggregates the specialist triples of one round.
type MergedScore struct {
	Contributors   int     `json:"contributors"`
	MeanConfidence float64 `json:"mean_confidence"`
	MeanRisk       float64 `json:"mean_risk"`
	MeanOutcome    float64 `json:"mean_outcome"`
	StdConfidence  float64 `json:"std_confidence"`
	StdRisk        float64 `json:"std_risk"`
	StdOutcome     float64 `json:"std_outcome"`
	PeakRisk       float64 `json:"peak_risk"`
}

// Merge computes per-field mean, sample standard deviation and peak risk.
// Each field is reduced over a sorted copy, so the result is bit-for-bit
// independent of the order the scores arrive in.
func Merge(scores []ScoreTriple) (MergedScore, error) {
	if len(scores) == 0 {
		return MergedScore{}, ErrNothingToMerge
	}
	conf := make([]float64, len(scores))
	risk := make([]float64, len(scores))
	outc := make([]float64, len(scores))
	for i, s := range scores {
		if err := s.Validate(); err != nil {
			return MergedScore{}, fmt.Errorf("score %d: %w", i, err)
		}
		conf[i], risk[i], outc[i] = s.Confidence, s.Risk, s.Outcome
	}

	m := MergedScore{Contributors: len(scores)}
	m.MeanConfidence, m.StdConfidence = meanStd(conf)
	m.MeanRisk, m.StdRisk = meanStd(risk)
	m.MeanOutcome, m.StdOutcome = meanStd(outc)
	m.PeakRisk = slices.Max(risk)
	return m, nil
}

// Dispersion collapses the three standard deviations under policy p.
// Unknown policies fall back to DispersionWorst.
func (m MergedScore) Dispersion(p DispersionPolicy) float64 {
	if p == DispersionAverage {
		return (m.StdConfidence + m.StdRisk + m.StdOutcome) / 3
	}
	return max(m.StdConfidence, m.StdRisk, m.StdOutcome)
}

// meanStd sorts vals in place and returns the mean and the sample standard
// deviation (n-1 denominator, zero for a single value).
func meanStd(vals []float64) (mean, std float64) {
	slices.Sort(vals)
	var sum float64
	for _, v := range vals {
		sum += v
	}
	n := float64(len(vals))
	mean = sum / n
	if len(vals) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / (n - 1))
}
