package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
// Intake payloads must also carry their required identifiers.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	var required func() error
	switch subject {
	case SubjectSessionCreated:
		target = &SessionCreatedPayload{}
	case SubjectRoundStarted:
		target = &RoundStartedPayload{}
	case SubjectRoundCompleted:
		target = &RoundCompletedPayload{}
	case SubjectSessionStatus:
		target = &SessionStatusPayload{}
	case SubjectIntakeSubmit:
		p := &SubmitPayload{}
		target = p
		required = func() error {
			if p.UserID == "" || p.Task == "" {
				return fmt.Errorf("%s: user_id and task are required", subject)
			}
			return nil
		}
	case SubjectIntakeFeedback:
		p := &FeedbackPayload{}
		target = p
		required = func() error {
			if p.SessionID == "" || p.Text == "" {
				return fmt.Errorf("%s: session_id and text are required", subject)
			}
			return nil
		}
	case SubjectIntakeRestart, SubjectIntakeCancel:
		p := &SessionRefPayload{}
		target = p
		required = func() error {
			if p.SessionID == "" {
				return fmt.Errorf("%s: session_id is required", subject)
			}
			return nil
		}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if required != nil {
		return required()
	}
	return nil
}
