// Package deploy drives the iterative deploy-observe-fix loop. The
// controller owns iteration budgeting and state transitions; talking
// to the cloud is delegated to the Deployer and Telemetry
// collaborators so the loop can be exercised against fakes.
package deploy

import (
	"context"
	"errors"

	"github.com/matijazezelj/stackmend/pkg/models"
)

// StackState is the coarse observed state of a stack operation.
type StackState string

// Observed stack states.
const (
	StateInProgress StackState = "in-progress"
	StateSucceeded  StackState = "succeeded"
	StateFailed     StackState = "failed"
)

// SubmitRequest carries one template submission.
type SubmitRequest struct {
	StackName    string
	TemplateBody string
	Capabilities []models.Capability
}

// Deployer submits templates and reports stack progress.
type Deployer interface {
	// Submit creates the stack or updates it when it already exists.
	Submit(ctx context.Context, req SubmitRequest) error

	// PollStatus returns the current coarse stack state.
	PollStatus(ctx context.Context, stackName string) (StackState, error)

	// Cancel aborts an in-flight stack operation. Best effort.
	Cancel(ctx context.Context, stackName string) error
}

// Telemetry retrieves structured per-resource failure reasons after a
// failed attempt.
type Telemetry interface {
	FetchFailureDetails(ctx context.Context, stackName string) ([]models.ResourceFailure, error)
}

// Phase labels the controller's position in the loop, for logging and
// progress reporting.
type Phase string

// Controller phases.
const (
	PhasePreparing Phase = "preparing"
	PhaseDeploying Phase = "deploying"
	PhaseObserving Phase = "observing"
	PhaseAnalyzing Phase = "analyzing"
	PhaseSucceeded Phase = "succeeded"
	PhaseExhausted Phase = "exhausted"
)

// transientError marks a failure worth retrying without consuming an
// iteration, such as throttling or a dropped connection.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the controller retries it in place.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
