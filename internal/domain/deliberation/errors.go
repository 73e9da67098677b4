package deliberation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Reviewer failure kinds. The engine treats all three the same way: the
// reviewer did not answer this round.
var (
	ErrReviewerTimeout = errors.New("reviewer timed out")
	ErrReviewerBackend = errors.New("reviewer backend error")
	ErrReviewerParse   = errors.New("reviewer output could not be parsed")
)

// ErrRoundFailed is matched by every RoundExecutionError.
var ErrRoundFailed = errors.New("round failed")

// ReviewerFailure records a reviewer excluded from a round after its retry
// budget was spent.
type ReviewerFailure struct {
	ReviewerID string `json:"reviewer_id"`
	Kind       string `json:"kind"`
	Attempts   int    `json:"attempts"`
	Reason     string `json:"reason"`
}

// NewReviewerFailure classifies err into a failure record.
func NewReviewerFailure(reviewerID string, attempts int, err error) ReviewerFailure {
	return ReviewerFailure{
		ReviewerID: reviewerID,
		Kind:       FailureKind(err),
		Attempts:   attempts,
		Reason:     err.Error(),
	}
}

// FailureKind maps a reviewer error onto a short, stable label.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrReviewerTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrReviewerParse):
		return "parse"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "backend"
	}
}

// RoundExecutionError is returned when a round cannot produce a result:
// the facilitator failed or no specialist answered.
type RoundExecutionError struct {
	Epoch    int
	Round    int
	Failures []ReviewerFailure
	Cause    string
}

func (e *RoundExecutionError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.ReviewerID+" ("+f.Kind+")")
	}
	return fmt.Sprintf("round %d: %s; failed reviewers: %s", e.Round, e.Cause, strings.Join(ids, ", "))
}

// Unwrap lets errors.Is(err, ErrRoundFailed) match.
func (e *RoundExecutionError) Unwrap() error { return ErrRoundFailed }
