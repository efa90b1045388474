// -----------------------------------------------------------------------
// Query Handler - Guarded query execution against the remote service
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/query"
	"github.com/ternarybob/specto/internal/tasks"
)

// QueryExecutor is the remote boundary for query execution
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, sql string, fileIDs []string) (interface{}, error)
}

// ExecuteQueryRequest is the POST /api/query body
type ExecuteQueryRequest struct {
	SQL     string   `json:"sql" validate:"required"`
	FileIDs []string `json:"file_ids"`
}

// QueryHandler runs dashboard queries through the supersession guard: a new
// query from the editor cancels the in-flight one, and a superseded query's
// late result is discarded instead of surfacing as an error.
type QueryHandler struct {
	guard       *query.Guard
	taskService *tasks.Service
	executor    QueryExecutor
	validate    *validator.Validate
	logger      arbor.ILogger
}

// NewQueryHandler creates a new query handler
func NewQueryHandler(guard *query.Guard, taskService *tasks.Service, executor QueryExecutor, logger arbor.ILogger) *QueryHandler {
	return &QueryHandler{
		guard:       guard,
		taskService: taskService,
		executor:    executor,
		validate:    validator.New(),
		logger:      logger,
	}
}

// ExecuteQueryHandler runs one query. The request blocks until the query
// settles; a query superseded mid-flight settles as cancelled, not failed.
// POST /api/query
func (h *QueryHandler) ExecuteQueryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req ExecuteQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid query request: "+err.Error())
		return
	}

	taskID, err := h.taskService.CreateTask(models.TaskKindQueryExecution,
		"Execute query", truncateSQL(req.SQL), nil)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to create query task")
		return
	}

	result, err := h.taskService.ExecuteTask(r.Context(), taskID, func(ctx context.Context) (interface{}, error) {
		res, queryErr := h.guard.Do(ctx, func(reqCtx context.Context) (interface{}, error) {
			return h.executor.ExecuteQuery(reqCtx, req.SQL, req.FileIDs)
		})
		if query.IsSuperseded(queryErr) {
			return nil, fmt.Errorf("%w: %v", tasks.ErrTaskCancelled, queryErr)
		}
		return res, queryErr
	})

	if err != nil {
		if errors.Is(err, tasks.ErrTaskCancelled) || query.IsSuperseded(err) {
			// Not a failure: a newer query took over and this one's result
			// was discarded
			WriteJSON(w, http.StatusOK, map[string]interface{}{
				"status":  "superseded",
				"task_id": taskID,
			})
			return
		}
		WriteError(w, http.StatusBadGateway, "Query execution failed: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"task_id": taskID,
		"result":  result,
	})
}

// truncateSQL keeps task descriptions readable for long editor queries
func truncateSQL(sql string) string {
	const max = 120
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}
