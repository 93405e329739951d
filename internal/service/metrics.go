package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"ridedispatch/internal/repository"
)

// Metrics counts lifecycle engine outcomes.
type Metrics struct {
	transitions *prometheus.CounterVec
}

// NewMetrics creates the engine metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ride_transitions_total",
				Help: "Ride lifecycle operations by transition and outcome",
			},
			[]string{"transition", "outcome"},
		),
	}
	reg.MustRegister(m.transitions)
	return m
}

func (m *Metrics) observe(transition string, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition, outcomeOf(err)).Inc()
}

// outcomeOf maps an engine error to a low-cardinality label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, repository.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
