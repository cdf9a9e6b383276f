package tracklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trackline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Report represents the API report model.
type Report struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	ReporterID  string   `json:"reporter_id"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type"`
	Priority    string   `json:"priority"`
	Status      string   `json:"status"`
	Notes       string   `json:"notes,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	IsDeleted   bool     `json:"is_deleted"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// StatusChange is one change-log entry.
type StatusChange struct {
	ID        int64  `json:"id"`
	ReportID  string `json:"report_id"`
	ActorID   string `json:"actor_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	TS        string `json:"ts"`
}

// StatusChangeResult pairs the updated report with its audit entry.
type StatusChangeResult struct {
	Report Report       `json:"report"`
	Change StatusChange `json:"change"`
}

// PaginatedReports wraps list responses with cursors.
type PaginatedReports struct {
	Items      []Report `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateReport files a report.
func (c *Client) CreateReport(ctx context.Context, title, reportType string) (Report, error) {
	body := map[string]any{
		"title": title,
		"type":  reportType,
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, c.projectPath("reports"), body, &resp)
	return resp, err
}

// Report fetches a report by id.
func (c *Client) Report(ctx context.Context, id string) (Report, error) {
	var resp Report
	endpoint := c.projectPath(fmt.Sprintf("reports/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Reports returns a page of reports.
func (c *Client) Reports(ctx context.Context, limit int, cursor string) (PaginatedReports, error) {
	endpoint := c.projectPath("reports")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedReports
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ChangeStatus requests a status transition.
func (c *Client) ChangeStatus(ctx context.Context, reportID, status string) (StatusChangeResult, error) {
	body := map[string]any{"status": status}
	var resp StatusChangeResult
	endpoint := c.projectPath(fmt.Sprintf("reports/%s/status", url.PathEscape(reportID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ChangeLog returns a report's transitions oldest first.
func (c *Client) ChangeLog(ctx context.Context, reportID string) ([]StatusChange, error) {
	var resp []StatusChange
	endpoint := c.projectPath(fmt.Sprintf("reports/%s/log", url.PathEscape(reportID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteReport soft-deletes a report.
func (c *Client) DeleteReport(ctx context.Context, reportID string) error {
	endpoint := c.projectPath(fmt.Sprintf("reports/%s", url.PathEscape(reportID)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
