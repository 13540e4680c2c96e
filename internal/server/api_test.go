package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/matijazezelj/stackmend/internal/analyze"
	"github.com/matijazezelj/stackmend/internal/deploy"
	"github.com/matijazezelj/stackmend/internal/fix"
	"github.com/matijazezelj/stackmend/internal/history"
	"github.com/matijazezelj/stackmend/internal/pipeline"
	"github.com/matijazezelj/stackmend/internal/schema"
	"github.com/matijazezelj/stackmend/pkg/models"
)

const testTemplate = `
AWSTemplateFormatVersion: "2010-09-09"
Resources:
  Assets:
    Type: AWS::S3::Bucket
    Properties:
      Tags:
        - Key: team
          Value: core
    DeletionPolicy: Retain
  Handler:
    Type: AWS::Lambda::Function
    Properties:
      Code:
        ZipFile: "exports.handler = async () => {}"
      Role: !GetAtt HandlerRole.Arn
      Tags:
        - Key: team
          Value: core
  HandlerRole:
    Type: AWS::IAM::Role
    Properties:
      RoleName: handler-role
      AssumeRolePolicyDocument:
        Version: "2012-10-17"
        Statement:
          - Effect: Allow
            Principal:
              Service: lambda.amazonaws.com
            Action: sts:AssumeRole
`

func newTestServer(t *testing.T, apiToken string, readOnly bool, deployFn DeployFunc) (*httptest.Server, *history.Store) {
	t.Helper()
	store, err := history.NewStore(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	p := pipeline.New(
		analyze.New(schema.MustStatic(), logger),
		fix.NewGenerator(fix.DefaultThreshold, logger),
		store,
		logger,
	)
	s := New(p, store, deployFn, logger, ":0", readOnly, apiToken, "")

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	resp := postJSON(t, ts.URL+"/api/v1/analyze", map[string]string{"template": testTemplate, "stack": "demo"})
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result struct {
		RunID        string           `json:"run_id"`
		Findings     []models.Finding `json:"findings"`
		Capabilities []string         `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.RunID == "" {
		t.Error("missing run_id")
	}
	var encryption bool
	for _, f := range result.Findings {
		if f.Rule == "encryption-at-rest" {
			encryption = true
		}
	}
	if !encryption {
		t.Errorf("expected encryption-at-rest finding, got %+v", result.Findings)
	}
	if len(result.Capabilities) != 1 || result.Capabilities[0] != string(models.CapabilityNamedIAM) {
		t.Errorf("capabilities = %v, want [CAPABILITY_NAMED_IAM]", result.Capabilities)
	}
}

func TestAnalyzeEndpoint_BadBody(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	resp, err := http.Post(ts.URL+"/api/v1/analyze", "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAnalyzeEndpoint_UnparsableTemplate(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	resp := postJSON(t, ts.URL+"/api/v1/analyze", map[string]string{"template": "{broken", "format": "json"})
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestFixEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	resp := postJSON(t, ts.URL+"/api/v1/fix", map[string]string{"template": testTemplate, "stack": "demo"})
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result struct {
		Applied  []models.ProvenanceRecord `json:"applied"`
		Template string                    `json:"template"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if len(result.Applied) == 0 {
		t.Error("expected applied fixes")
	}
	if result.Template == "" {
		t.Error("expected fixed template body")
	}
}

func TestCapabilitiesEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	resp := postJSON(t, ts.URL+"/api/v1/capabilities", map[string]string{"template": testTemplate})
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	var result map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	caps := result["capabilities"]
	if len(caps) != 1 || caps[0] != string(models.CapabilityNamedIAM) {
		t.Errorf("capabilities = %v, want [CAPABILITY_NAMED_IAM]", caps)
	}
}

func TestGraphEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	resp := postJSON(t, ts.URL+"/api/v1/graph", map[string]string{"template": testTemplate})
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if _, ok := result["nodes"]; !ok {
		t.Error("missing nodes key in graph response")
	}
	if _, ok := result["edges"]; !ok {
		t.Error("missing edges key in graph response")
	}
}

func TestGraphExportEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	for format, contentType := range map[string]string{
		"json":    "application/json",
		"dot":     "text/vnd.graphviz",
		"mermaid": "text/plain",
	} {
		resp := postJSON(t, ts.URL+"/api/v1/graph/export/"+format, map[string]string{"template": testTemplate})
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", format, resp.StatusCode)
		}
		if got := resp.Header.Get("Content-Type"); got != contentType {
			t.Errorf("%s: content type = %q, want %q", format, got, contentType)
		}
		_ = resp.Body.Close()
	}
}

func TestGraphExportEndpoint_BadFormat(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	resp := postJSON(t, ts.URL+"/api/v1/graph/export/svg", map[string]string{"template": testTemplate})
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRunsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	// Create a run through the API, then list it.
	resp := postJSON(t, ts.URL+"/api/v1/analyze", map[string]string{"template": testTemplate, "stack": "demo"})
	var analyzed struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&analyzed); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	resp2, err := http.Get(ts.URL + "/api/v1/runs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close() //nolint:errcheck // test cleanup

	var runs []history.Run
	if err := json.NewDecoder(resp2.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != analyzed.RunID {
		t.Errorf("runs = %+v, want the analyze run", runs)
	}

	resp3, err := http.Get(ts.URL + "/api/v1/runs/" + analyzed.RunID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close() //nolint:errcheck // test cleanup

	if resp3.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp3.StatusCode)
	}
}

func TestRunByID_NotFound(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	resp, err := http.Get(ts.URL + "/api/v1/runs/no-such-run")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReadOnlyDisablesMutatingRoutes(t *testing.T) {
	ts, _ := newTestServer(t, "", true, nil)

	for _, path := range []string{"/api/v1/fix", "/api/v1/deploy"} {
		resp := postJSON(t, ts.URL+path, map[string]string{"template": testTemplate, "stack": "demo"})
		if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want route absent", path, resp.StatusCode)
		}
		_ = resp.Body.Close()
	}
}

func TestDeployEndpoint(t *testing.T) {
	deployFn := func(ctx context.Context, req pipeline.Request) (*deploy.Result, error) {
		return &deploy.Result{Outcome: models.OutcomeSucceeded}, nil
	}
	ts, _ := newTestServer(t, "", false, deployFn)

	resp := postJSON(t, ts.URL+"/api/v1/deploy", map[string]string{"template": testTemplate, "stack": "demo"})
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result struct {
		Result *deploy.Result `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Result == nil || result.Result.Outcome != models.OutcomeSucceeded {
		t.Errorf("result = %+v, want succeeded", result.Result)
	}
}

func TestDeployEndpoint_NotConfigured(t *testing.T) {
	ts, _ := newTestServer(t, "", false, nil)

	resp := postJSON(t, ts.URL+"/api/v1/deploy", map[string]string{"template": testTemplate, "stack": "demo"})
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestDeployEndpoint_MissingStack(t *testing.T) {
	deployFn := func(ctx context.Context, req pipeline.Request) (*deploy.Result, error) {
		t.Fatal("deploy should not run without a stack name")
		return nil, nil
	}
	ts, _ := newTestServer(t, "", false, deployFn)

	resp := postJSON(t, ts.URL+"/api/v1/deploy", map[string]string{"template": testTemplate})
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAuth_TokenRequired(t *testing.T) {
	ts, _ := newTestServer(t, "secret-token", false, nil)

	resp := postJSON(t, ts.URL+"/api/v1/analyze", map[string]string{"template": testTemplate})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without token", resp.StatusCode)
	}
	_ = resp.Body.Close()

	buf, _ := json.Marshal(map[string]string{"template": testTemplate})
	req, err := http.NewRequest("POST", ts.URL+"/api/v1/analyze", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer secret-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close() //nolint:errcheck // test cleanup

	if resp2.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with valid token", resp2.StatusCode)
	}
}
