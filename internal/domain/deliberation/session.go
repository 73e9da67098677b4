package deliberation

import (
	"fmt"
	"slices"
	"time"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain"
)

// Status is the lifecycle state of a deliberation session.
type Status string

const (
	StatusActive                  Status = "active"
	StatusConsensusReached        Status = "consensus_reached"
	StatusDeadEndAwaitingFeedback Status = "dead_end_awaiting_feedback"
	StatusDeadEndRestarted        Status = "dead_end_restarted"
	StatusCancelled               Status = "cancelled"
	StatusErrored                 Status = "errored"
)

// transitions lists the statuses reachable from each status. The empty
// status is the "no session yet" state.
var transitions = map[Status][]Status{
	"":                            {StatusActive},
	StatusActive:                  {StatusActive, StatusConsensusReached, StatusDeadEndAwaitingFeedback, StatusCancelled, StatusErrored},
	StatusDeadEndAwaitingFeedback: {StatusActive, StatusDeadEndRestarted, StatusCancelled},
	StatusDeadEndRestarted:        {StatusActive, StatusCancelled},
	StatusErrored:                 {StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusConsensusReached, StatusDeadEndAwaitingFeedback,
		StatusDeadEndRestarted, StatusCancelled, StatusErrored:
		return true
	}
	return false
}

// TerminalStatuses returns the statuses with no outgoing transition.
// Errored is not among them: it can still be cancelled, so it is listed
// with the user's active sessions.
func TerminalStatuses() []Status {
	return []Status{StatusConsensusReached, StatusCancelled}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return slices.Contains(TerminalStatuses(), s)
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Session is a deliberation on one task, spanning any number of rounds.
//
// Epoch counts restarts and counter resets: round numbers are 1-based and
// strictly increasing by one within an epoch, and only the current epoch's
// rounds feed the evaluator.
type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	ChatID        string        `json:"chat_id,omitempty"`
	ProjectName   string        `json:"project_name,omitempty"`
	Task          string        `json:"task"`
	Context       string        `json:"context"`
	Rounds        []RoundResult `json:"rounds"`
	Status        Status        `json:"status"`
	Epoch         int           `json:"epoch"`
	FeedbackCount int           `json:"feedback_count"`
	FinalDecision string        `json:"final_decision,omitempty"`
	Report        string        `json:"report,omitempty"`
	Version       int           `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CreateRequest holds the fields for submitting a new task.
type CreateRequest struct {
	UserID      string `json:"user_id"`
	ChatID      string `json:"chat_id,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
	Task        string `json:"task"`
	Context     string `json:"context,omitempty"`
}

// Validate checks the create request for correctness.
func (r *CreateRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if r.Task == "" {
		return fmt.Errorf("%w: task is required", domain.ErrValidation)
	}
	return nil
}

// Transition moves the session to status to, or returns ErrInvalidTransition.
func (s *Session) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("session %s: %s -> %s: %w", s.ID, s.Status, to, domain.ErrInvalidTransition)
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// CurrentRounds returns the rounds of the current epoch in order.
func (s *Session) CurrentRounds() []RoundResult {
	for i := range s.Rounds {
		if s.Rounds[i].Epoch == s.Epoch {
			return s.Rounds[i:]
		}
	}
	return nil
}

// NextRoundNumber is the number the next round of the current epoch gets.
func (s *Session) NextRoundNumber() int {
	return len(s.CurrentRounds()) + 1
}

// LastRound returns the most recent round of any epoch, or nil.
func (s *Session) LastRound() *RoundResult {
	if len(s.Rounds) == 0 {
		return nil
	}
	return &s.Rounds[len(s.Rounds)-1]
}

// AppendRound appends r after checking it continues the current epoch's
// numbering without gaps.
func (s *Session) AppendRound(r RoundResult) error {
	if r.Epoch != s.Epoch {
		return fmt.Errorf("%w: round epoch %d, session epoch %d", domain.ErrValidation, r.Epoch, s.Epoch)
	}
	if want := s.NextRoundNumber(); r.Number != want {
		return fmt.Errorf("%w: round number %d, expected %d", domain.ErrValidation, r.Number, want)
	}
	s.Rounds = append(s.Rounds, r)
	s.UpdatedAt = time.Now().UTC()
	return nil
}
