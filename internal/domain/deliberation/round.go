package deliberation

import "time"

// Decision is the consensus evaluator's verdict for a round.
type Decision string

const (
	DecisionContinue  Decision = "continue"
	DecisionConsensus Decision = "consensus"
	DecisionDeadEnd   Decision = "dead_end"
)

// RoundResult is the complete record of one deliberation round.
// Responses keep the configured reviewer order regardless of the order in
// which concurrent calls finished.
type RoundResult struct {
	Epoch       int                `json:"epoch"`
	Number      int                `json:"number"`
	Facilitator ReviewerResponse   `json:"facilitator"`
	Responses   []ReviewerResponse `json:"responses"`
	Failures    []ReviewerFailure  `json:"failures,omitempty"`
	Merged      MergedScore        `json:"merged"`
	Decision    Decision           `json:"decision"`
	Rationale   string             `json:"rationale"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Scores returns the specialist triples in configured order. When
// includeFacilitator is set the facilitator's triple is appended.
func (r *RoundResult) Scores(includeFacilitator bool) []ScoreTriple {
	out := make([]ScoreTriple, 0, len(r.Responses)+1)
	for i := range r.Responses {
		out = append(out, r.Responses[i].Score)
	}
	if includeFacilitator {
		out = append(out, r.Facilitator.Score)
	}
	return out
}

// Decided reports whether the evaluator has recorded a decision.
func (r *RoundResult) Decided() bool {
	return r.Decision != ""
}
