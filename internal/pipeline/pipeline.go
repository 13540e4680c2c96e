// Package pipeline chains the template stages (parse, graph, analyze,
// fix, deploy) behind one façade used by both the CLI and the HTTP
// server, and records every run in the history store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/matijazezelj/stackmend/internal/alert"
	"github.com/matijazezelj/stackmend/internal/analyze"
	"github.com/matijazezelj/stackmend/internal/capabilities"
	"github.com/matijazezelj/stackmend/internal/depgraph"
	"github.com/matijazezelj/stackmend/internal/deploy"
	"github.com/matijazezelj/stackmend/internal/fix"
	"github.com/matijazezelj/stackmend/internal/history"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

// Request describes one template to process. Stack is a label used in
// history and deployments.
type Request struct {
	Source []byte
	Format template.Format
	Stack  string
}

// AnalyzeResult is returned by Analyze and embedded in fix results.
type AnalyzeResult struct {
	RunID        string              `json:"run_id"`
	Findings     []models.Finding    `json:"findings"`
	Fixes        []models.Fix        `json:"fixes"`
	Capabilities []models.Capability `json:"capabilities,omitempty"`

	Document *template.Document `json:"-"`
	Graph    *depgraph.Graph    `json:"-"`
}

// FixResult carries the edited template alongside the analysis.
type FixResult struct {
	AnalyzeResult
	Applied []models.ProvenanceRecord `json:"applied"`
	Output  []byte                    `json:"-"`
}

// Pipeline wires the stages together. The history store is optional;
// a nil store disables persistence.
type Pipeline struct {
	analyzer *analyze.Analyzer
	fixer    *fix.Generator
	store    *history.Store
	logger   *slog.Logger
	newID    func() string
}

// New creates a Pipeline.
func New(analyzer *analyze.Analyzer, fixer *fix.Generator, store *history.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		analyzer: analyzer,
		fixer:    fixer,
		store:    store,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// Fixer exposes the configured generator, used when callers assemble a
// deployment controller around the same instance.
func (p *Pipeline) Fixer() *fix.Generator { return p.fixer }

// Analyzer exposes the configured rule engine.
func (p *Pipeline) Analyzer() *analyze.Analyzer { return p.analyzer }

// Analyze parses the template, builds its dependency graph, runs the
// rule engine and proposes fixes without applying anything.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (*AnalyzeResult, error) {
	runID := p.newID()
	p.recordStart(ctx, runID, req.Stack, "analyze")

	doc, err := template.Parse(req.Source, req.Format)
	if err != nil {
		p.recordFinish(ctx, runID, string(models.OutcomeFailed), 0, 0)
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	g := depgraph.Build(doc)
	findings := p.analyzer.Analyze(doc, g)
	fixes := p.fixer.Generate(doc, findings)

	p.recordFinish(ctx, runID, string(models.OutcomeSucceeded), len(findings), 0)
	p.logger.Info("analysis run complete", "run", runID, "stack", req.Stack,
		"findings", len(findings), "fixes_proposed", len(fixes))

	return &AnalyzeResult{
		RunID:        runID,
		Findings:     findings,
		Fixes:        fixes,
		Capabilities: capabilities.Detect(doc),
		Document:     doc,
		Graph:        g,
	}, nil
}

// Fix analyzes and then applies every fix that clears the confidence
// threshold, returning the edited template in its source format.
func (p *Pipeline) Fix(ctx context.Context, req Request) (*FixResult, error) {
	runID := p.newID()
	p.recordStart(ctx, runID, req.Stack, "fix")

	doc, err := template.Parse(req.Source, req.Format)
	if err != nil {
		p.recordFinish(ctx, runID, string(models.OutcomeFailed), 0, 0)
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	g := depgraph.Build(doc)
	findings := p.analyzer.Analyze(doc, g)
	fixes := p.fixer.Generate(doc, findings)

	fixed, applied, err := p.fixer.Apply(doc, fixes)
	if err != nil {
		p.recordFinish(ctx, runID, string(models.OutcomeFailed), len(findings), 0)
		return nil, err
	}
	out, err := template.Encode(fixed, template.FormatAuto)
	if err != nil {
		p.recordFinish(ctx, runID, string(models.OutcomeFailed), len(findings), countApplied(applied))
		return nil, fmt.Errorf("encoding template: %w", err)
	}

	p.recordFinish(ctx, runID, string(models.OutcomeSucceeded), len(findings), countApplied(applied))
	p.logger.Info("fix run complete", "run", runID, "stack", req.Stack,
		"findings", len(findings), "fixes_applied", countApplied(applied))

	return &FixResult{
		AnalyzeResult: AnalyzeResult{
			RunID:        runID,
			Findings:     findings,
			Fixes:        fixes,
			Capabilities: capabilities.Detect(fixed),
			Document:     fixed,
			Graph:        depgraph.Build(fixed),
		},
		Applied: applied,
		Output:  out,
	}, nil
}

// Deploy repairs the template up front, then hands it to the
// controller's deploy-observe-fix loop. Attempts are persisted as they
// complete and the terminal outcome is announced through the alerter.
func (p *Pipeline) Deploy(ctx context.Context, req Request, ctrl *deploy.Controller, alerter alert.Alerter) (*deploy.Result, error) {
	runID := p.newID()
	p.recordStart(ctx, runID, req.Stack, "deploy")

	doc, err := template.Parse(req.Source, req.Format)
	if err != nil {
		p.recordFinish(ctx, runID, string(models.OutcomeFailed), 0, 0)
		return nil, fmt.Errorf("parsing template: %w", err)
	}

	findings := p.analyzer.Analyze(doc, depgraph.Build(doc))
	fixes := p.fixer.Generate(doc, findings)
	doc, preApplied, err := p.fixer.Apply(doc, fixes)
	if err != nil {
		p.recordFinish(ctx, runID, string(models.OutcomeFailed), len(findings), 0)
		return nil, err
	}

	res, runErr := ctrl.Run(ctx, req.Stack, doc)

	totalFixes := 0
	if res != nil {
		for i := range res.Attempts {
			if i == 0 {
				res.Attempts[i].FixesApplied = append(preApplied, res.Attempts[i].FixesApplied...)
			}
			totalFixes += countApplied(res.Attempts[i].FixesApplied)
			if p.store != nil {
				if err := p.store.RecordAttempt(ctx, runID, res.Attempts[i]); err != nil {
					p.logger.Warn("recording attempt", "run", runID, "error", err)
				}
			}
		}
		outcome := res.Outcome
		if outcome == "" {
			outcome = models.OutcomeFailed
		}
		p.recordFinish(ctx, runID, string(outcome), len(findings), totalFixes)

		if alerter != nil {
			event := alert.Event{
				Stack:      req.Stack,
				RunID:      runID,
				Outcome:    outcome,
				Attempts:   len(res.Attempts),
				FixesCount: totalFixes,
				Message:    outcomeMessage(outcome, len(res.Attempts)),
				Timestamp:  time.Now().UTC(),
			}
			if err := alerter.Send(ctx, event); err != nil {
				p.logger.Warn("sending alert", "run", runID, "error", err)
			}
		}
	}
	return res, runErr
}

func countApplied(records []models.ProvenanceRecord) int {
	n := 0
	for _, r := range records {
		if !r.Superseded {
			n++
		}
	}
	return n
}

func outcomeMessage(outcome models.Outcome, attempts int) string {
	switch outcome {
	case models.OutcomeSucceeded:
		return fmt.Sprintf("stack deployed after %d attempt(s)", attempts)
	case models.OutcomeExhausted:
		return fmt.Sprintf("gave up after %d attempt(s)", attempts)
	case models.OutcomeTimeout:
		return "deployment attempt timed out"
	case models.OutcomeCancelled:
		return "deployment cancelled"
	default:
		return "deployment failed"
	}
}

func (p *Pipeline) recordStart(ctx context.Context, runID, stack, command string) {
	if p.store == nil {
		return
	}
	err := p.store.StartRun(ctx, history.Run{
		ID:        runID,
		Stack:     stack,
		Command:   command,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("recording run", "run", runID, "error", err)
	}
}

func (p *Pipeline) recordFinish(ctx context.Context, runID, outcome string, findings, fixesApplied int) {
	if p.store == nil {
		return
	}
	if err := p.store.FinishRun(ctx, runID, outcome, findings, fixesApplied); err != nil {
		p.logger.Warn("finishing run", "run", runID, "error", err)
	}
}
