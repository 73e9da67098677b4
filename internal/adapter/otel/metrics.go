package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "ids"

// Metrics holds the deliberation metric instruments.
type Metrics struct {
	SessionsStarted  metric.Int64Counter
	RoundsCompleted  metric.Int64Counter
	Decisions        metric.Int64Counter
	ReviewerFailures metric.Int64Counter
	RoundDuration    metric.Float64Histogram
	BreakerChanges   metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("ids.sessions.started",
		metric.WithDescription("Number of deliberation sessions created"))
	if err != nil {
		return nil, err
	}

	m.RoundsCompleted, err = meter.Int64Counter("ids.rounds.completed",
		metric.WithDescription("Number of rounds that produced a result"))
	if err != nil {
		return nil, err
	}

	m.Decisions, err = meter.Int64Counter("ids.decisions",
		metric.WithDescription("Round decisions by kind"))
	if err != nil {
		return nil, err
	}

	m.ReviewerFailures, err = meter.Int64Counter("ids.reviewer.failures",
		metric.WithDescription("Reviewers excluded from a round after retries"))
	if err != nil {
		return nil, err
	}

	m.RoundDuration, err = meter.Float64Histogram("ids.round.duration_seconds",
		metric.WithDescription("Round duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.BreakerChanges, err = meter.Int64Counter("ids.breaker.transitions",
		metric.WithDescription("Reviewer backend circuit breaker state changes"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
