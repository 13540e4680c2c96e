package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/matijazezelj/stackmend/internal/deploy"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"DEBUG", slog.LevelDebug, false},
		{"Error", slog.LevelError, false},
		{"invalid", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"trace", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := parseLogLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseLogLevel(%q) expected error", tt.input)
			}
		} else {
			if err != nil {
				t.Errorf("parseLogLevel(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		}
	}
}

func TestReadTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web-stack.json")
	if err := os.WriteFile(path, []byte(`{"Resources":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	req, err := readTemplate(path)
	if err != nil {
		t.Fatal(err)
	}
	if req.Format != template.FormatJSON {
		t.Errorf("format = %q, want json", req.Format)
	}
	if req.Stack != "web-stack" {
		t.Errorf("stack = %q, want web-stack", req.Stack)
	}
	if len(req.Source) == 0 {
		t.Error("source should not be empty")
	}
}

func TestReadTemplate_Missing(t *testing.T) {
	if _, err := readTemplate("/nonexistent/stack.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestJoinCapabilities(t *testing.T) {
	got := joinCapabilities([]models.Capability{models.CapabilityIAM, models.CapabilityAutoExpand})
	want := "CAPABILITY_IAM, CAPABILITY_AUTO_EXPAND"
	if got != want {
		t.Errorf("joinCapabilities = %q, want %q", got, want)
	}
}

func TestPrintFindings(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printFindings([]models.Finding{
		{
			Severity: models.SeverityHigh,
			Rule:     "encryption-at-rest",
			Location: models.Location{LogicalID: "Assets", Path: "Properties.BucketEncryption"},
			Message:  "bucket has no server-side encryption",
		},
	})

	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	output := buf.String()

	if !strings.Contains(output, "HIGH") {
		t.Errorf("output should contain severity, got: %s", output)
	}
	if !strings.Contains(output, "encryption-at-rest") {
		t.Errorf("output should contain rule name, got: %s", output)
	}
}

func TestPrintFindings_Clean(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printFindings(nil)

	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)

	if !strings.Contains(buf.String(), "clean") {
		t.Errorf("output should mention clean template, got: %s", buf.String())
	}
}

func TestPrintDeployResult(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	now := time.Now()
	printDeployResult(&deploy.Result{
		Outcome: models.OutcomeSucceeded,
		Attempts: []models.DeploymentAttempt{
			{
				Number:  1,
				Outcome: models.OutcomeFailed,
				Failures: []models.ResourceFailure{
					{LogicalID: "Web", Status: "CREATE_FAILED", Reason: "boom", Timestamp: now},
				},
				FixesApplied: []models.ProvenanceRecord{
					{FixID: "fix-1", Op: models.OpSetValue},
					{FixID: "fix-2", Op: models.OpSetValue, Superseded: true},
				},
			},
			{Number: 2, Outcome: models.OutcomeSucceeded},
		},
	})

	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	output := buf.String()

	if !strings.Contains(output, "succeeded after 2 attempt(s)") && !strings.Contains(output, "succeeded") {
		t.Errorf("output should mention outcome, got: %s", output)
	}
	if !strings.Contains(output, "1 fix(es)") {
		t.Errorf("superseded records should not count as fixes, got: %s", output)
	}
	if !strings.Contains(output, "Web: CREATE_FAILED (boom)") {
		t.Errorf("output should list resource failures, got: %s", output)
	}
}

func TestVersionCmd(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	cmd := versionCmd()
	cmd.Run(cmd, nil)

	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	output := buf.String()

	if !strings.Contains(output, "stackmend") {
		t.Errorf("version output should contain 'stackmend', got %q", output)
	}
}

func TestCompletionCmd_Bash(t *testing.T) {
	root := &cobra.Command{Use: "stackmend"}
	root.AddCommand(completionCmd())

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	root.SetArgs([]string{"completion", "bash"})
	err := root.Execute()

	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)

	if err != nil {
		t.Fatalf("completion bash error: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("completion bash produced no output")
	}
}

func TestCompletionCmd_InvalidShell(t *testing.T) {
	root := &cobra.Command{Use: "stackmend"}
	root.AddCommand(completionCmd())

	root.SetArgs([]string{"completion", "invalid"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for invalid shell")
	}
}
