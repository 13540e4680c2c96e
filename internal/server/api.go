package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/matijazezelj/stackmend/internal/capabilities"
	"github.com/matijazezelj/stackmend/internal/depgraph"
	"github.com/matijazezelj/stackmend/internal/pipeline"
	"github.com/matijazezelj/stackmend/internal/template"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// templateRequest is the JSON body shared by the template routes.
type templateRequest struct {
	Template string `json:"template"`
	Format   string `json:"format,omitempty"`
	Stack    string `json:"stack,omitempty"`
}

func decodeTemplateRequest(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return pipeline.Request{}, false
	}
	if req.Template == "" {
		writeError(w, http.StatusBadRequest, "template required")
		return pipeline.Request{}, false
	}
	format := template.Format(req.Format)
	switch format {
	case template.FormatAuto, template.FormatJSON, template.FormatYAML:
	default:
		writeError(w, http.StatusBadRequest, "format must be json or yaml")
		return pipeline.Request{}, false
	}
	return pipeline.Request{
		Source: []byte(req.Template),
		Format: format,
		Stack:  req.Stack,
	}, true
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTemplateRequest(w, r)
	if !ok {
		return
	}

	res, err := s.pipeline.Analyze(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTemplateRequest(w, r)
	if !ok {
		return
	}

	res, err := s.pipeline.Fix(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   res.RunID,
		"findings": res.Findings,
		"fixes":    res.Fixes,
		"applied":  res.Applied,
		"template": string(res.Output),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTemplateRequest(w, r)
	if !ok {
		return
	}

	doc, err := template.Parse(req.Source, req.Format)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	caps := capabilities.Detect(doc)
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": caps})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTemplateRequest(w, r)
	if !ok {
		return
	}

	doc, err := template.Parse(req.Source, req.Format)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	out, err := depgraph.ExportJSON(depgraph.Build(doc))
	if err != nil {
		s.logger.Error("export json", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleGraphExport(w http.ResponseWriter, r *http.Request) {
	format := r.PathValue("format")
	req, ok := decodeTemplateRequest(w, r)
	if !ok {
		return
	}

	doc, err := template.Parse(req.Source, req.Format)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	g := depgraph.Build(doc)

	var out, contentType, filename string
	switch format {
	case "json":
		out, err = depgraph.ExportJSON(g)
		contentType, filename = "application/json", "stackmend-graph.json"
	case "dot":
		out, err = depgraph.ExportDOT(g)
		contentType, filename = "text/vnd.graphviz", "stackmend-graph.dot"
	case "mermaid":
		out, err = depgraph.ExportMermaid(g)
		contentType, filename = "text/plain", "stackmend-graph.mmd"
	default:
		writeError(w, http.StatusBadRequest, "format must be one of: json, dot, mermaid")
		return
	}
	if err != nil {
		s.logger.Error("export graph", "format", format, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}

	id := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("getting run", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	attempts, err := s.store.ListAttempts(r.Context(), id)
	if err != nil {
		s.logger.Error("listing attempts", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":      run,
		"attempts": attempts,
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if s.deployFn == nil {
		writeError(w, http.StatusServiceUnavailable, "deployment not configured")
		return
	}

	req, ok := decodeTemplateRequest(w, r)
	if !ok {
		return
	}
	if req.Stack == "" {
		writeError(w, http.StatusBadRequest, "stack required")
		return
	}

	res, err := s.deployFn(r.Context(), req)
	if err != nil && res == nil {
		s.logger.Error("deploying stack", "stack", req.Stack, "error", err)
		writeError(w, http.StatusInternalServerError, "deployment failed")
		return
	}

	body := map[string]any{"result": res}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
