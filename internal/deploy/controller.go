package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matijazezelj/stackmend/internal/analyze"
	"github.com/matijazezelj/stackmend/internal/capabilities"
	"github.com/matijazezelj/stackmend/internal/depgraph"
	"github.com/matijazezelj/stackmend/internal/fix"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// Options tune the controller. Zero values select the defaults.
type Options struct {
	// MaxIterations bounds deploy attempts per run (default 5).
	MaxIterations int

	// PollInterval spaces status polls (default 5s).
	PollInterval time.Duration

	// AttemptTimeout bounds one deploy-and-observe attempt (default 30m).
	AttemptTimeout time.Duration

	// MaxRetries bounds in-place retries of transient submit or poll
	// errors; these do not consume iterations (default 3).
	MaxRetries int

	// RetryBackoff is the base delay between transient retries,
	// doubled per retry (default 2s).
	RetryBackoff time.Duration
}

func (o *Options) fill() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
}

// Result is the terminal report of one run.
type Result struct {
	Outcome      models.Outcome             `json:"outcome"`
	Attempts     []models.DeploymentAttempt `json:"attempts"`
	Capabilities []models.Capability        `json:"capabilities,omitempty"`

	// FinalTemplate is the template body of the last attempt,
	// including every fix applied along the way.
	FinalTemplate string `json:"final_template"`
}

// Controller runs the deployment loop: deploy, observe, analyze the
// failure, fix, and try again within the iteration budget.
type Controller struct {
	deployer  Deployer
	telemetry Telemetry
	analyzer  *analyze.Analyzer
	fixer     *fix.Generator
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewController wires a controller from its collaborators.
func NewController(d Deployer, t Telemetry, a *analyze.Analyzer, g *fix.Generator, opts Options, logger *slog.Logger) *Controller {
	opts.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		deployer:  d,
		telemetry: t,
		analyzer:  a,
		fixer:     g,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the loop for one stack. The returned result is
// populated even when err is non-nil, so callers always get the
// attempt history.
func (c *Controller) Run(ctx context.Context, stackName string, doc *template.Document) (*Result, error) {
	res := &Result{}

	for iteration := 1; iteration <= c.opts.MaxIterations; iteration++ {
		c.logger.Info("starting attempt", "stack", stackName, "iteration", iteration, "phase", string(PhasePreparing))

		body, err := template.Encode(doc, template.FormatAuto)
		if err != nil {
			res.Outcome = models.OutcomeFailed
			return res, fmt.Errorf("encoding template: %w", err)
		}
		caps := capabilities.Detect(doc)
		res.Capabilities = caps
		res.FinalTemplate = string(body)

		attempt := models.DeploymentAttempt{
			Number:       iteration,
			TemplateBody: string(body),
			StartedAt:    c.now().UTC(),
		}

		state, err := c.deployAndObserve(ctx, stackName, SubmitRequest{
			StackName:    stackName,
			TemplateBody: string(body),
			Capabilities: caps,
		})
		if err != nil {
			attempt.Outcome = c.classifyError(ctx, err)
			attempt.FinishedAt = c.now().UTC()
			res.Attempts = append(res.Attempts, attempt)
			res.Outcome = attempt.Outcome
			if attempt.Outcome == models.OutcomeCancelled {
				c.cancelBestEffort(stackName)
			}
			return res, err
		}

		if state == StateSucceeded {
			attempt.Outcome = models.OutcomeSucceeded
			attempt.FinishedAt = c.now().UTC()
			res.Attempts = append(res.Attempts, attempt)
			res.Outcome = models.OutcomeSucceeded
			c.logger.Info("stack deployed", "stack", stackName, "iteration", iteration, "phase", string(PhaseSucceeded))
			return res, nil
		}

		attempt.Outcome = models.OutcomeFailed
		failures, ferr := c.telemetry.FetchFailureDetails(ctx, stackName)
		if ferr != nil {
			c.logger.Warn("failure details unavailable", "stack", stackName, "error", ferr)
		}
		attempt.Failures = failures

		if iteration == c.opts.MaxIterations {
			attempt.FinishedAt = c.now().UTC()
			res.Attempts = append(res.Attempts, attempt)
			res.Outcome = models.OutcomeExhausted
			c.logger.Warn("iteration budget exhausted", "stack", stackName, "phase", string(PhaseExhausted))
			return res, nil
		}

		c.logger.Info("analyzing failure", "stack", stackName, "iteration", iteration,
			"failed_resources", len(failures), "phase", string(PhaseAnalyzing))
		next, applied, aerr := c.repair(doc, failures)
		if aerr != nil {
			attempt.FinishedAt = c.now().UTC()
			res.Attempts = append(res.Attempts, attempt)
			res.Outcome = models.OutcomeFailed
			return res, aerr
		}
		attempt.FixesApplied = applied
		attempt.FinishedAt = c.now().UTC()
		res.Attempts = append(res.Attempts, attempt)

		// A failure with no applicable fix still gets the remaining
		// attempts: transient cloud-side conditions can clear without
		// a template change.
		if len(applied) == 0 {
			c.logger.Warn("no applicable fix, retrying unchanged", "stack", stackName, "iteration", iteration)
			continue
		}
		doc = next
	}

	res.Outcome = models.OutcomeExhausted
	return res, nil
}

// deployAndObserve submits the template and polls until the stack
// reaches a terminal state, retrying transient errors in place.
func (c *Controller) deployAndObserve(ctx context.Context, stackName string, req SubmitRequest) (StackState, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	c.logger.Info("submitting template", "stack", stackName, "phase", string(PhaseDeploying),
		"capabilities", len(req.Capabilities))
	if err := c.withRetry(attemptCtx, func() error {
		return c.deployer.Submit(attemptCtx, req)
	}); err != nil {
		return StateFailed, fmt.Errorf("submitting stack %s: %w", stackName, err)
	}

	c.logger.Info("observing stack", "stack", stackName, "phase", string(PhaseObserving))
	for {
		var state StackState
		if err := c.withRetry(attemptCtx, func() error {
			var perr error
			state, perr = c.deployer.PollStatus(attemptCtx, stackName)
			return perr
		}); err != nil {
			return StateFailed, fmt.Errorf("polling stack %s: %w", stackName, err)
		}
		if state != StateInProgress {
			return state, nil
		}
		if err := c.sleep(attemptCtx, c.opts.PollInterval); err != nil {
			return StateFailed, err
		}
	}
}

// withRetry runs fn, retrying transient failures with doubling backoff.
func (c *Controller) withRetry(ctx context.Context, fn func() error) error {
	backoff := c.opts.RetryBackoff
	for retry := 0; ; retry++ {
		err := fn()
		if err == nil || !IsTransient(err) || retry >= c.opts.MaxRetries {
			return err
		}
		c.logger.Warn("transient error, retrying", "retry", retry+1, "backoff", backoff.String(), "error", err)
		if serr := c.sleep(ctx, backoff); serr != nil {
			return serr
		}
		backoff *= 2
	}
}

// repair re-analyzes the template scoped to the failed resources and
// applies the fixes that clear the confidence threshold. Failure
// reasons from telemetry contribute findings of their own: a name
// clash against a live resource is invisible to static analysis.
func (c *Controller) repair(doc *template.Document, failures []models.ResourceFailure) (*template.Document, []models.ProvenanceRecord, error) {
	scope := make(map[string]bool, len(failures))
	for _, f := range failures {
		if f.LogicalID != "" {
			scope[f.LogicalID] = true
		}
	}
	findings := c.analyzer.AnalyzeScoped(doc, depgraph.Build(doc), scope)
	findings = append(findings, analyze.FailureFindings(doc, failures)...)
	fixes := c.fixer.Generate(doc, findings)
	return c.fixer.Apply(doc, fixes)
}

// classifyError maps a loop-ending error to the attempt outcome.
func (c *Controller) classifyError(ctx context.Context, err error) models.Outcome {
	switch {
	case ctx.Err() != nil:
		return models.OutcomeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return models.OutcomeTimeout
	default:
		return models.OutcomeFailed
	}
}

// cancelBestEffort aborts the in-flight operation on a fresh context
// since the run's context is already done.
func (c *Controller) cancelBestEffort(stackName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.deployer.Cancel(ctx, stackName); err != nil {
		c.logger.Warn("cancel failed", "stack", stackName, "error", err)
	}
}
