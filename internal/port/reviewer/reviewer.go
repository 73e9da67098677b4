// Package reviewer defines the reviewer port: one participant in a
// deliberation round, backed by a remote model.
package reviewer

import (
	"context"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
)

// Request is everything a reviewer sees for one invocation.
type Request struct {
	SessionID string
	Epoch     int
	Round     int
	Task      string
	Context   string
	// History is a compact digest of the earlier rounds of the current epoch.
	History string
	// Framing is the facilitator's response for this round. Nil when the
	// facilitator itself is being invoked.
	Framing *deliberation.ReviewerResponse
}

// Reviewer is the port interface for a single reviewer.
type Reviewer interface {
	// ID returns the configured reviewer identifier.
	ID() string

	// Role reports whether this reviewer frames the round or scores it.
	Role() deliberation.Role

	// Invoke asks the reviewer for a scored response. Failures wrap one of
	// deliberation.ErrReviewerTimeout, ErrReviewerBackend or ErrReviewerParse.
	Invoke(ctx context.Context, req Request) (deliberation.ReviewerResponse, error)
}

// ScoreParser extracts the structured parts of a raw reviewer reply.
type ScoreParser interface {
	// Parse fills Score, Analysis, ProposedApproach and Concerns. A reply
	// without all three scores fails with deliberation.ErrReviewerParse.
	Parse(raw string) (deliberation.ReviewerResponse, error)
}
