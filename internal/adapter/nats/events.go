package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/broadcast"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/messagequeue"
)

// EventPublisher forwards engine events to the queue under
// deliberation.<event type>.
type EventPublisher struct {
	q messagequeue.Queue
}

var _ broadcast.Broadcaster = (*EventPublisher)(nil)

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(q messagequeue.Queue) *EventPublisher {
	return &EventPublisher{q: q}
}

// BroadcastEvent publishes payload as JSON. Failures are logged; events are
// notifications and never block the engine.
func (p *EventPublisher) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshal event failed", "event", eventType, "error", err)
		return
	}
	subject := messagequeue.EventSubject(eventType)
	if err := p.q.Publish(ctx, subject, data); err != nil {
		slog.WarnContext(ctx, "publish event failed", "subject", subject, "error", err)
	}
}

// Controller is the part of the session service the intake drives.
type Controller interface {
	Submit(ctx context.Context, req deliberation.CreateRequest) (*deliberation.Session, error)
	SubmitFeedback(ctx context.Context, id, text string) (*deliberation.Session, error)
	RequestRestart(ctx context.Context, id string) (*deliberation.Session, error)
	Cancel(ctx context.Context, id string) (*deliberation.Session, error)
}

// Intake turns intake messages from chat front-ends into session commands.
type Intake struct {
	sessions Controller
}

// NewIntake creates an Intake.
func NewIntake(sessions Controller) *Intake {
	return &Intake{sessions: sessions}
}

// Subjects lists the intake subjects Handle understands.
func (i *Intake) Subjects() []string {
	return []string{
		messagequeue.SubjectIntakeSubmit,
		messagequeue.SubjectIntakeFeedback,
		messagequeue.SubjectIntakeRestart,
		messagequeue.SubjectIntakeCancel,
	}
}

// Subscribe registers Handle for every intake subject and returns a
// function that cancels all of them.
func (i *Intake) Subscribe(ctx context.Context, q messagequeue.Queue) (func(), error) {
	var stops []func()
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}
	for _, subj := range i.Subjects() {
		stop, err := q.Subscribe(ctx, subj, i.Handle)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("subscribe %s: %w", subj, err)
		}
		stops = append(stops, stop)
	}
	return stopAll, nil
}

// Handle dispatches one intake message. Commands rejected by the session
// rules are logged and dropped; only infrastructure errors are returned, so
// that the queue retries them.
func (i *Intake) Handle(ctx context.Context, subject string, data []byte) error {
	var err error
	switch subject {
	case messagequeue.SubjectIntakeSubmit:
		var p messagequeue.SubmitPayload
		if err = json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", subject, err)
		}
		_, err = i.sessions.Submit(ctx, deliberation.CreateRequest{
			UserID: p.UserID, ChatID: p.ChatID, ProjectName: p.ProjectName, Task: p.Task, Context: p.Context,
		})
	case messagequeue.SubjectIntakeFeedback:
		var p messagequeue.FeedbackPayload
		if err = json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", subject, err)
		}
		_, err = i.sessions.SubmitFeedback(ctx, p.SessionID, p.Text)
	case messagequeue.SubjectIntakeRestart, messagequeue.SubjectIntakeCancel:
		var p messagequeue.SessionRefPayload
		if err = json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", subject, err)
		}
		if subject == messagequeue.SubjectIntakeRestart {
			_, err = i.sessions.RequestRestart(ctx, p.SessionID)
		} else {
			_, err = i.sessions.Cancel(ctx, p.SessionID)
		}
	default:
		return fmt.Errorf("unknown intake subject %s", subject)
	}

	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
		slog.WarnContext(ctx, "intake command rejected", "subject", subject, "error", err)
		return nil
	}
	return err
}
