package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matijazezelj/stackmend/internal/alert"
	"github.com/matijazezelj/stackmend/internal/analyze"
	"github.com/matijazezelj/stackmend/internal/deploy"
	"github.com/matijazezelj/stackmend/internal/fix"
	"github.com/matijazezelj/stackmend/internal/history"
	"github.com/matijazezelj/stackmend/internal/schema"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

const plainBucket = `
AWSTemplateFormatVersion: "2010-09-09"
Resources:
  Assets:
    Type: AWS::S3::Bucket
    Properties:
      Tags:
        - Key: team
          Value: core
    DeletionPolicy: Retain
`

func newTestPipeline(t *testing.T, withStore bool) (*Pipeline, *history.Store) {
	t.Helper()
	var store *history.Store
	if withStore {
		var err error
		store, err = history.NewStore(filepath.Join(t.TempDir(), "history.db"))
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		if err := store.Init(context.Background()); err != nil {
			t.Fatalf("Init: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
	}
	analyzer := analyze.New(schema.MustStatic(), nil)
	fixer := fix.NewGenerator(fix.DefaultThreshold, nil)
	return New(analyzer, fixer, store, nil), store
}

func TestAnalyzeReportsFindingsAndFixes(t *testing.T) {
	p, _ := newTestPipeline(t, false)

	res, err := p.Analyze(context.Background(), Request{
		Source: []byte(plainBucket),
		Format: template.FormatYAML,
		Stack:  "assets",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.RunID == "" {
		t.Fatal("expected a run id")
	}
	if res.Document == nil || res.Graph == nil {
		t.Fatal("expected document and graph on the result")
	}
	var encFinding bool
	for _, f := range res.Findings {
		if f.Rule == "encryption-at-rest" {
			encFinding = true
		}
	}
	if !encFinding {
		t.Fatalf("expected an encryption-at-rest finding, got %+v", res.Findings)
	}
	if len(res.Fixes) == 0 {
		t.Fatal("expected proposed fixes")
	}
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	p, _ := newTestPipeline(t, false)

	_, err := p.Analyze(context.Background(), Request{
		Source: []byte("{not valid"),
		Format: template.FormatJSON,
	})
	if err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestFixProducesEncryptedTemplate(t *testing.T) {
	p, _ := newTestPipeline(t, false)

	res, err := p.Fix(context.Background(), Request{
		Source: []byte(plainBucket),
		Format: template.FormatYAML,
		Stack:  "assets",
	})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	applied := countApplied(res.Applied)
	if applied == 0 {
		t.Fatal("expected at least one applied fix")
	}
	if !strings.Contains(string(res.Output), "BucketEncryption") {
		t.Fatalf("output should contain BucketEncryption:\n%s", res.Output)
	}

	// The edited template must not trip the same rule again.
	again, err := p.Analyze(context.Background(), Request{Source: res.Output, Format: template.FormatYAML})
	if err != nil {
		t.Fatalf("re-analyze: %v", err)
	}
	for _, f := range again.Findings {
		if f.Rule == "encryption-at-rest" {
			t.Fatalf("encryption finding survived the fix: %+v", f)
		}
	}
}

func TestRunsArePersisted(t *testing.T) {
	p, store := newTestPipeline(t, true)

	res, err := p.Analyze(context.Background(), Request{
		Source: []byte(plainBucket),
		Format: template.FormatYAML,
		Stack:  "assets",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	run, err := store.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run == nil {
		t.Fatal("run not recorded")
	}
	if run.Command != "analyze" {
		t.Fatalf("command = %q, want analyze", run.Command)
	}
	if run.Outcome != string(models.OutcomeSucceeded) {
		t.Fatalf("outcome = %q, want succeeded", run.Outcome)
	}
	if run.Findings != len(res.Findings) {
		t.Fatalf("findings = %d, want %d", run.Findings, len(res.Findings))
	}
}

func TestParseFailureIsRecorded(t *testing.T) {
	p, store := newTestPipeline(t, true)
	runID := ""
	inner := p.newID
	p.newID = func() string {
		runID = inner()
		return runID
	}

	if _, err := p.Analyze(context.Background(), Request{Source: []byte("{oops"), Format: template.FormatJSON}); err == nil {
		t.Fatal("expected a parse error")
	}

	run, err := store.GetRun(context.Background(), runID)
	if err != nil || run == nil {
		t.Fatalf("GetRun: run=%v err=%v", run, err)
	}
	if run.Outcome != string(models.OutcomeFailed) {
		t.Fatalf("outcome = %q, want failed", run.Outcome)
	}
}

type scriptedDeployer struct {
	states  []deploy.StackState
	submits int
}

func (d *scriptedDeployer) Submit(ctx context.Context, req deploy.SubmitRequest) error {
	d.submits++
	return nil
}

func (d *scriptedDeployer) PollStatus(ctx context.Context, stackName string) (deploy.StackState, error) {
	i := d.submits - 1
	if i >= len(d.states) {
		i = len(d.states) - 1
	}
	return d.states[i], nil
}

func (d *scriptedDeployer) Cancel(ctx context.Context, stackName string) error { return nil }

type staticTelemetry struct {
	failures []models.ResourceFailure
}

func (t *staticTelemetry) FetchFailureDetails(ctx context.Context, stackName string) ([]models.ResourceFailure, error) {
	return t.failures, nil
}

type capturingAlerter struct {
	events []alert.Event
	err    error
}

func (a *capturingAlerter) Name() string { return "capture" }

func (a *capturingAlerter) Send(ctx context.Context, e alert.Event) error {
	a.events = append(a.events, e)
	return a.err
}

func TestDeployRecordsAttemptsAndAlerts(t *testing.T) {
	p, store := newTestPipeline(t, true)

	d := &scriptedDeployer{states: []deploy.StackState{deploy.StateSucceeded}}
	ctrl := deploy.NewController(d, &staticTelemetry{}, p.Analyzer(), p.Fixer(), deploy.Options{
		PollInterval: time.Millisecond,
	}, nil)
	alerter := &capturingAlerter{}

	res, err := p.Deploy(context.Background(), Request{
		Source: []byte(plainBucket),
		Format: template.FormatYAML,
		Stack:  "assets",
	}, ctrl, alerter)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.Outcome != models.OutcomeSucceeded {
		t.Fatalf("outcome = %q, want succeeded", res.Outcome)
	}
	// Confident fixes are applied before the first submission.
	if !strings.Contains(res.FinalTemplate, "BucketEncryption") {
		t.Fatal("deployed template missing applied fix")
	}

	if len(alerter.events) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerter.events))
	}
	ev := alerter.events[0]
	if ev.Outcome != models.OutcomeSucceeded || ev.Stack != "assets" || ev.FixesCount == 0 {
		t.Fatalf("unexpected alert event: %+v", ev)
	}

	runs, err := store.ListRuns(context.Background(), 5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: runs=%v err=%v", runs, err)
	}
	attempts, err := store.ListAttempts(context.Background(), runs[0].ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	// Pre-deploy fixes are folded into the first attempt's record.
	if len(attempts[0].FixesApplied) == 0 {
		t.Fatal("expected provenance on the first attempt")
	}
}

func TestDeployReportsExhaustionInOutcome(t *testing.T) {
	p, _ := newTestPipeline(t, false)

	d := &scriptedDeployer{states: []deploy.StackState{deploy.StateFailed}}
	tele := &staticTelemetry{failures: []models.ResourceFailure{{LogicalID: "Assets", Status: "CREATE_FAILED", Reason: "boom"}}}
	ctrl := deploy.NewController(d, tele, p.Analyzer(), p.Fixer(), deploy.Options{
		MaxIterations: 2,
		PollInterval:  time.Millisecond,
	}, nil)

	res, err := p.Deploy(context.Background(), Request{
		Source: []byte(plainBucket),
		Format: template.FormatYAML,
		Stack:  "assets",
	}, ctrl, nil)
	// Spending the budget is a verdict, not an error.
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res == nil || res.Outcome != models.OutcomeExhausted {
		t.Fatalf("result = %+v, want exhausted", res)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %d, want the full budget", len(res.Attempts))
	}
}
