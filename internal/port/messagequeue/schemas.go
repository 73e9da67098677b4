package messagequeue

// SessionCreatedPayload is the schema for deliberation.session.created.
type SessionCreatedPayload struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	ChatID      string `json:"chat_id,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
	Task        string `json:"task"`
}

// RoundStartedPayload is the schema for deliberation.round.started.
type RoundStartedPayload struct {
	SessionID string `json:"session_id"`
	Epoch     int    `json:"epoch"`
	Round     int    `json:"round"`
}

// RoundCompletedPayload is the schema for deliberation.round.completed.
type RoundCompletedPayload struct {
	SessionID      string   `json:"session_id"`
	Epoch          int      `json:"epoch"`
	Round          int      `json:"round"`
	Decision       string   `json:"decision"`
	Rationale      string   `json:"rationale"`
	MeanConfidence float64  `json:"mean_confidence"`
	PeakRisk       float64  `json:"peak_risk"`
	MeanOutcome    float64  `json:"mean_outcome"`
	Dispersion     float64  `json:"dispersion"`
	Contributors   int      `json:"contributors"`
	FailedIDs      []string `json:"failed_reviewers,omitempty"`
}

// SessionStatusPayload is the schema for deliberation.session.status.
type SessionStatusPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id,omitempty"`
	Status    string `json:"status"`
	Summary   string `json:"summary,omitempty"`
}

// SubmitPayload is the schema for deliberation.intake.submit.
type SubmitPayload struct {
	UserID      string `json:"user_id"`
	ChatID      string `json:"chat_id,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
	Task        string `json:"task"`
	Context     string `json:"context,omitempty"`
}

// FeedbackPayload is the schema for deliberation.intake.feedback.
type FeedbackPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// SessionRefPayload is the schema for the restart and cancel intake subjects.
type SessionRefPayload struct {
	SessionID string `json:"session_id"`
}
