package server

import "net/http"

// RegisterRoutes registers all API routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/v1/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("POST /api/v1/graph", s.handleGraph)
	mux.HandleFunc("POST /api/v1/graph/export/{format}", s.handleGraphExport)
	mux.HandleFunc("GET /api/v1/runs", s.handleRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRunByID)

	if !s.readOnly {
		mux.HandleFunc("POST /api/v1/fix", s.handleFix)
		mux.HandleFunc("POST /api/v1/deploy", s.handleDeploy)
	}
}
