package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/query"
	"github.com/ternarybob/specto/internal/tasks"
)

type fakeExecutor struct {
	fn func(ctx context.Context, sql string, fileIDs []string) (interface{}, error)
}

func (f *fakeExecutor) ExecuteQuery(ctx context.Context, sql string, fileIDs []string) (interface{}, error) {
	return f.fn(ctx, sql, fileIDs)
}

func newQueryHarness(t *testing.T, executor QueryExecutor) (*QueryHandler, *tasks.Registry) {
	t.Helper()
	logger := arbor.NewLogger()
	registry, err := tasks.NewRegistry(nil, logger)
	require.NoError(t, err)
	taskService, err := tasks.NewService(registry, nil, logger)
	require.NoError(t, err)
	return NewQueryHandler(query.NewGuard(logger), taskService, executor, logger), registry
}

func postQuery(t *testing.T, h *QueryHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ExecuteQueryHandler(rec, req)
	return rec
}

func TestExecuteQueryHandler_Success(t *testing.T) {
	executor := &fakeExecutor{fn: func(ctx context.Context, sql string, fileIDs []string) (interface{}, error) {
		assert.Equal(t, "SELECT 1", sql)
		assert.Equal(t, []string{"file_a"}, fileIDs)
		return map[string]interface{}{"rows": 1}, nil
	}}
	h, registry := newQueryHarness(t, executor)

	rec := postQuery(t, h, `{"sql":"SELECT 1","file_ids":["file_a"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.NotEmpty(t, resp["task_id"])

	task, ok := registry.GetTask(resp["task_id"].(string))
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
}

func TestExecuteQueryHandler_ValidatesBody(t *testing.T) {
	h, _ := newQueryHarness(t, &fakeExecutor{fn: func(ctx context.Context, sql string, fileIDs []string) (interface{}, error) {
		t.Fatal("executor must not run for an invalid request")
		return nil, nil
	}})

	assert.Equal(t, http.StatusBadRequest, postQuery(t, h, `{"sql":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, postQuery(t, h, `not json`).Code)
}

func TestExecuteQueryHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newQueryHarness(t, &fakeExecutor{})

	req := httptest.NewRequest(http.MethodGet, "/api/query", nil)
	rec := httptest.NewRecorder()
	h.ExecuteQueryHandler(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestExecuteQueryHandler_RemoteFailure(t *testing.T) {
	h, registry := newQueryHarness(t, &fakeExecutor{fn: func(ctx context.Context, sql string, fileIDs []string) (interface{}, error) {
		return nil, fmt.Errorf("connection refused")
	}})

	rec := postQuery(t, h, `{"sql":"SELECT 1"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "connection refused")

	failed := registry.FailedTasks()
	require.Len(t, failed, 1)
	assert.Equal(t, models.TaskStatusFailed, failed[0].Status)
}

func TestExecuteQueryHandler_SupersededSettlesAsCancelled(t *testing.T) {
	firstStarted := make(chan struct{})
	release := make(chan struct{})

	executor := &fakeExecutor{fn: func(ctx context.Context, sql string, fileIDs []string) (interface{}, error) {
		if sql == "SELECT slow" {
			close(firstStarted)
			select {
			case <-release:
				return "stale", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return "fresh", nil
	}}
	h, registry := newQueryHarness(t, executor)

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		firstDone <- postQuery(t, h, `{"sql":"SELECT slow"}`)
	}()

	<-firstStarted

	secondRec := postQuery(t, h, `{"sql":"SELECT fast"}`)
	require.Equal(t, http.StatusOK, secondRec.Code)

	close(release)
	firstRec := <-firstDone
	require.Equal(t, http.StatusOK, firstRec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(firstRec.Body.Bytes(), &resp))
	assert.Equal(t, "superseded", resp["status"])

	task, ok := registry.GetTask(resp["task_id"].(string))
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
	assert.Empty(t, task.Error)
}

func TestTruncateSQL(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateSQL(short))

	long := strings.Repeat("a", 200)
	got := truncateSQL(long)
	assert.Len(t, got, 123)
	assert.True(t, strings.HasSuffix(got, "..."))
}
