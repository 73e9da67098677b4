package deliberation

import "time"

// Role distinguishes the facilitator from the specialists. Reviewers of
// both roles are the same type; only their persona differs.
type Role string

const (
	RoleFacilitator Role = "facilitator"
	RoleSpecialist  Role = "specialist"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleFacilitator || r == RoleSpecialist
}

// ReviewerResponse is one reviewer's structured analysis for one round.
// It is treated as immutable once the round executor has recorded it.
type ReviewerResponse struct {
	ReviewerID       string      `json:"reviewer_id"`
	RoleName         string      `json:"role_name,omitempty"`
	Raw              string      `json:"raw"`
	Score            ScoreTriple `json:"score"`
	Analysis         string      `json:"analysis,omitempty"`
	ProposedApproach string      `json:"proposed_approach"`
	Concerns         []string    `json:"concerns"`
	CreatedAt        time.Time   `json:"created_at"`
}

// DisplayName returns the persona role name, falling back to the reviewer ID.
func (r *ReviewerResponse) DisplayName() string {
	if r.RoleName != "" {
		return r.RoleName
	}
	return r.ReviewerID
}
