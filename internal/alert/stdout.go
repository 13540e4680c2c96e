package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/matijazezelj/stackmend/pkg/models"
)

// StdoutAlerter prints events to stdout.
type StdoutAlerter struct{}

// NewStdoutAlerter creates a new stdout alerter.
func NewStdoutAlerter() *StdoutAlerter {
	return &StdoutAlerter{}
}

// Name returns "stdout".
func (s *StdoutAlerter) Name() string {
	return "stdout"
}

// Send prints the event to stdout.
func (s *StdoutAlerter) Send(_ context.Context, event Event) error {
	icon := outcomeIcon(event.Outcome)
	ts := event.Timestamp.Format(time.RFC3339)

	fmt.Printf("%s [%s] %s run=%s attempts=%d fixes=%d %s\n",
		icon, ts, event.Stack, event.RunID, event.Attempts, event.FixesCount, event.Message)
	return nil
}

func outcomeIcon(outcome models.Outcome) string {
	switch outcome {
	case models.OutcomeSucceeded:
		return "[ OK ]"
	case models.OutcomeExhausted, models.OutcomeTimeout:
		return "[WARN]"
	case models.OutcomeFailed:
		return "[FAIL]"
	default:
		return "[----]"
	}
}
