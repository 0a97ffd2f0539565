package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"skyplan/internal/domain"
)

// Client is a minimal scheduling-service HTTP client.
type Client struct {
	BaseURL     string
	WorkspaceID string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     30 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Conflict reports whether the backend rejected the request as a duplicate
// or otherwise conflicting commitment.
func (e *APIError) Conflict() bool {
	return e.StatusCode == http.StatusConflict
}

// CommitRequest is the direct (normal) commit payload.
type CommitRequest struct {
	Items       []domain.CommitItem `json:"items"`
	Algorithm   string              `json:"algorithm"`
	Mode        string              `json:"mode" enum:"OPTICAL,SAR"`
	LockLevel   string              `json:"lock_level"`
	WorkspaceID string              `json:"workspace_id"`
}

// CommitResponse covers both the commit and commit-repair endpoints.
// For a repair, AcquisitionIDs holds only the newly created acquisitions.
type CommitResponse struct {
	Success        bool     `json:"success"`
	PlanID         string   `json:"plan_id"`
	Committed      int      `json:"committed"`
	Dropped        int      `json:"dropped,omitempty"`
	AcquisitionIDs []string `json:"acquisition_ids"`
	Message        string   `json:"message,omitempty"`
}

// RepairCommitRequest is the diff-based commit payload.
type RepairCommitRequest struct {
	PlanID             string   `json:"plan_id"`
	WorkspaceID        string   `json:"workspace_id"`
	DropAcquisitionIDs []string `json:"drop_acquisition_ids"`
	LockLevel          string   `json:"lock_level"`
	Mode               string   `json:"mode" enum:"OPTICAL,SAR"`
}

// Commit submits a normal commit.
func (c *Client) Commit(ctx context.Context, req CommitRequest) (CommitResponse, error) {
	if req.WorkspaceID == "" {
		req.WorkspaceID = c.WorkspaceID
	}
	var resp CommitResponse
	err := c.do(ctx, http.MethodPost, "commit", req, &resp)
	return resp, err
}

// CommitRepair submits a repair commit.
func (c *Client) CommitRepair(ctx context.Context, req RepairCommitRequest) (CommitResponse, error) {
	if req.WorkspaceID == "" {
		req.WorkspaceID = c.WorkspaceID
	}
	var resp CommitResponse
	err := c.do(ctx, http.MethodPost, "commit-repair", req, &resp)
	return resp, err
}

// InboxFilters narrow the orders-inbox query. Zero values are omitted.
type InboxFilters struct {
	PriorityMin    int
	DueWithinHours int
	PolicyID       string
}

// OrdersInbox returns the backend-scored standing orders for the workspace.
func (c *Client) OrdersInbox(ctx context.Context, f InboxFilters) ([]domain.ScoredOrder, error) {
	q := url.Values{}
	q.Set("workspace_id", c.WorkspaceID)
	if f.PriorityMin > 0 {
		q.Set("priority_min", strconv.Itoa(f.PriorityMin))
	}
	if f.DueWithinHours > 0 {
		q.Set("due_within_hours", strconv.Itoa(f.DueWithinHours))
	}
	if f.PolicyID != "" {
		q.Set("policy_id", f.PolicyID)
	}
	var resp struct {
		Orders []domain.ScoredOrder `json:"orders"`
	}
	err := c.do(ctx, http.MethodGet, "orders-inbox?"+q.Encode(), nil, &resp)
	return resp.Orders, err
}

// CreateBatch groups orders for joint optimization.
func (c *Client) CreateBatch(ctx context.Context, policyID string, orderIDs []string) (domain.Batch, error) {
	body := map[string]any{
		"workspace_id": c.WorkspaceID,
		"policy_id":    policyID,
		"order_ids":    orderIDs,
	}
	var resp struct {
		Batch domain.Batch `json:"batch"`
	}
	err := c.do(ctx, http.MethodPost, "batch", body, &resp)
	return resp.Batch, err
}

// PlanBatchResponse is the optimizer's answer for one batch.
type PlanBatchResponse struct {
	OrdersSatisfied     int                       `json:"orders_satisfied"`
	OrdersUnsatisfied   int                       `json:"orders_unsatisfied"`
	AcquisitionsPlanned int                       `json:"acquisitions_planned"`
	ComputeTimeMS       int64                     `json:"compute_time_ms"`
	UnsatisfiedOrders   []domain.UnsatisfiedOrder `json:"unsatisfied_orders"`
}

// PlanBatch invokes the external optimizer for a batch.
func (c *Client) PlanBatch(ctx context.Context, batchID string) (PlanBatchResponse, error) {
	var resp PlanBatchResponse
	err := c.do(ctx, http.MethodPost, batchPath(batchID, "plan"), nil, &resp)
	return resp, err
}

// CommitBatch commits a planned batch.
func (c *Client) CommitBatch(ctx context.Context, batchID, lockLevel string) error {
	body := map[string]any{"lock_level": lockLevel}
	return c.do(ctx, http.MethodPost, batchPath(batchID, "commit"), body, nil)
}

// CancelBatch returns a batch's orders to the inbox.
func (c *Client) CancelBatch(ctx context.Context, batchID string) error {
	return c.do(ctx, http.MethodPost, batchPath(batchID, "cancel"), nil, nil)
}

// ListBatches returns the workspace's batches.
func (c *Client) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	var resp struct {
		Batches []domain.Batch `json:"batches"`
	}
	q := url.Values{}
	q.Set("workspace_id", c.WorkspaceID)
	err := c.do(ctx, http.MethodGet, "batch?"+q.Encode(), nil, &resp)
	return resp.Batches, err
}

// Policies returns the optimization policies and the backend default.
func (c *Client) Policies(ctx context.Context) ([]domain.Policy, string, error) {
	var resp struct {
		Policies      []domain.Policy `json:"policies"`
		DefaultPolicy string          `json:"default_policy"`
	}
	err := c.do(ctx, http.MethodGet, "policies", nil, &resp)
	return resp.Policies, resp.DefaultPolicy, err
}

// RejectOrder files a reject intent for a standing order.
func (c *Client) RejectOrder(ctx context.Context, orderID, reason string) error {
	body := map[string]any{"reason": reason}
	return c.do(ctx, http.MethodPost, orderPath(orderID, "reject"), body, nil)
}

// DeferOrder files a defer intent for a standing order.
func (c *Client) DeferOrder(ctx context.Context, orderID string, hours int) error {
	body := map[string]any{"defer_hours": hours}
	return c.do(ctx, http.MethodPost, orderPath(orderID, "defer"), body, nil)
}

func batchPath(id, action string) string {
	return fmt.Sprintf("batch/%s/%s", url.PathEscape(id), action)
}

func orderPath(id, action string) string {
	return fmt.Sprintf("order/%s/%s", url.PathEscape(id), action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
