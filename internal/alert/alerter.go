// Package alert notifies operators about terminal deployment outcomes.
package alert

import (
	"context"
	"time"

	"github.com/matijazezelj/stackmend/pkg/models"
)

// Event represents an alert event sent to alerting backends.
type Event struct {
	Stack      string         `json:"stack"`
	RunID      string         `json:"run_id"`
	Outcome    models.Outcome `json:"outcome"`
	Attempts   int            `json:"attempts"`
	FixesCount int            `json:"fixes_count"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Alerter defines the interface for sending alert events.
type Alerter interface {
	// Name returns the alerter identifier.
	Name() string

	// Send dispatches an event to the alerting backend.
	Send(ctx context.Context, event Event) error
}

// Multi sends events to multiple alerters.
type Multi struct {
	alerters []Alerter
}

// NewMulti creates a multi-alerter that dispatches to all backends.
func NewMulti(alerters ...Alerter) *Multi {
	return &Multi{alerters: alerters}
}

// Name returns the alerter identifier.
func (m *Multi) Name() string {
	return "multi"
}

// Send dispatches the event to all configured alerters.
func (m *Multi) Send(ctx context.Context, event Event) error {
	var lastErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
