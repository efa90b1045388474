package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Query execution (supersession-guarded)
	mux.HandleFunc("/api/query", s.app.QueryHandler.ExecuteQueryHandler)

	// API routes - Bundles (multi-file ingestion)
	mux.HandleFunc("/api/bundles", s.app.BundleHandler.SubmitBundleHandler)
	mux.HandleFunc("/api/bundles/", s.handleBundleRoutes) // GET /{id}

	// API routes - Reports
	mux.HandleFunc("/api/reports", s.app.ReportHandler.GenerateReportHandler)

	// API routes - Tasks (panel snapshot + lifecycle)
	mux.HandleFunc("/api/tasks", s.app.TaskHandler.GetTasksHandler)
	mux.HandleFunc("/api/tasks/completed", s.app.TaskHandler.ClearCompletedHandler)
	mux.HandleFunc("/api/tasks/panel/toggle", s.app.TaskHandler.TogglePanelHandler)
	mux.HandleFunc("/api/tasks/", s.handleTaskRoutes) // GET /{id}, POST /{id}/cancel

	// API routes - Archived history
	mux.HandleFunc("/api/history", s.app.TaskHandler.GetHistoryHandler)
	mux.HandleFunc("/api/history/bundles", s.app.BundleHandler.GetBundleHistoryHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/diagnostics", s.app.TaskHandler.DiagnosticsHandler(s.app.StartedAt))

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleTaskRoutes routes /api/tasks/{id} and subpaths
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if path == "" {
		http.Error(w, "Task ID required", http.StatusBadRequest)
		return
	}

	// POST /api/tasks/{id}/cancel
	if strings.HasSuffix(path, "/cancel") {
		taskID := strings.TrimSuffix(path, "/cancel")
		s.app.TaskHandler.CancelTaskHandler(w, r, taskID)
		return
	}

	// GET /api/tasks/{id}
	if !strings.Contains(path, "/") {
		s.app.TaskHandler.GetTaskHandler(w, r, path)
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}

// handleBundleRoutes routes /api/bundles/{id}
func (s *Server) handleBundleRoutes(w http.ResponseWriter, r *http.Request) {
	bundleID := strings.TrimPrefix(r.URL.Path, "/api/bundles/")
	if bundleID == "" || strings.Contains(bundleID, "/") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	s.app.BundleHandler.GetBundleHandler(w, r, bundleID)
}
