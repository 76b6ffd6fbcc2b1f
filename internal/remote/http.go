package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sitewise/sitesync/internal/models"
	"github.com/sitewise/sitesync/pkg/api"
)

// HTTPApplier applies queued operations against the Sitewise HTTP API.
type HTTPApplier struct {
	httpClient *http.Client
	baseURL    string
}

var _ Applier = (*HTTPApplier)(nil)

// NewHTTPApplier creates an applier for the server at baseURL.
func NewHTTPApplier(baseURL string) *HTTPApplier {
	return &HTTPApplier{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Apply submits op as a mutation request.
func (a *HTTPApplier) Apply(ctx context.Context, op *models.QueuedOperation) error {
	req := api.MutationRequest{
		OperationID: op.ID,
		Kind:        string(op.Kind),
		Collection:  op.Collection,
		EntityID:    op.EntityID,
		Payload:     op.Payload,
		EnqueuedAt:  op.EnqueuedAt,
	}

	var resp api.MutationResponse
	if err := a.doRequest(ctx, http.MethodPost, "/api/v1/mutations", req, &resp); err != nil {
		return err
	}
	return nil
}

// ListTasks fetches the tasks visible in scope, for refreshing the local
// read-through cache.
func (a *HTTPApplier) ListTasks(ctx context.Context, scope models.Scope) ([]models.Task, error) {
	path := "/api/v1/tasks"
	query := url.Values{}
	if scope.OrgID != "" {
		query.Set("org_id", scope.OrgID)
	}
	if scope.ProjectID != "" {
		query.Set("project_id", scope.ProjectID)
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp api.ListTasksResponse
	if err := a.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	tasks := make([]models.Task, 0, len(resp.Tasks))
	for _, doc := range resp.Tasks {
		tasks = append(tasks, docToTask(doc))
	}
	return tasks, nil
}

// docToTask converts the wire representation. Timestamps the server
// failed to format are left zero rather than failing the whole fetch.
func docToTask(doc api.TaskDocument) models.Task {
	task := models.Task{
		ID:          doc.ID,
		OrgID:       doc.OrgID,
		ProjectID:   doc.ProjectID,
		Name:        doc.Name,
		Status:      doc.Status,
		Notes:       doc.Notes,
		LoggedHours: doc.LoggedHours,
	}
	task.CreatedAt, _ = time.Parse(time.RFC3339, doc.CreatedAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339, doc.UpdatedAt)
	if doc.CompletedAt != "" {
		if completedAt, err := time.Parse(time.RFC3339, doc.CompletedAt); err == nil {
			task.CompletedAt = &completedAt
		}
	}
	return task
}

// doRequest performs one JSON request/response round trip. Non-2xx
// responses become a classified *Error: 5xx transient, 4xx terminal.
func (a *HTTPApplier) doRequest(ctx context.Context, method, path string, body, result any) error {
	url := a.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := string(respBody)
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Message != "" {
			message = errResp.Message
		}
		return &Error{
			StatusCode: resp.StatusCode,
			Message:    message,
			Retryable:  resp.StatusCode >= 500,
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
