package server

import (
	"trackline/internal/domain"
)

type CreateProjectRequest struct {
	ID          string  `json:"id" example:"trackline"`
	Name        string  `json:"name,omitempty" example:"Trackline"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

type CreateReportRequest struct {
	ID          *string  `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Type        *string  `json:"type,omitempty" enum:"bug,feature,improvement"`
	Priority    *string  `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

type UpdateReportRequest struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
	Priority    *string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssigneeID  *string   `json:"assignee_id,omitempty"`
	Attachments *[]string `json:"attachments,omitempty"`
}

type ChangeStatusRequest struct {
	Status string `json:"status" example:"in_progress"`
}

type ReportResponse struct {
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
	DeletedAt   *string  `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

func reportResponse(r domain.Report) ReportResponse {
	return ReportResponse{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		ReporterID:  r.ReporterID,
		AssigneeID:  r.AssigneeID,
		Title:       r.Title,
		Description: r.Description,
		Type:        string(r.Type),
		Priority:    string(r.Priority),
		Status:      r.Status,
		Notes:       r.Notes,
		Attachments: r.Attachments,
		IsDeleted:   r.IsDeleted,
		DeletedAt:   r.DeletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func mapReports(in []domain.Report) []ReportResponse {
	out := make([]ReportResponse, 0, len(in))
	for _, r := range in {
		out = append(out, reportResponse(r))
	}
	return out
}

type StatusChangeResponse struct {
	ID        int64  `json:"id"`
	ReportID  string `json:"report_id"`
	ActorID   string `json:"actor_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	TS        string `json:"ts" format:"date-time"`
}

func changeResponse(c domain.StatusChange) StatusChangeResponse {
	return StatusChangeResponse{
		ID:        c.ID,
		ReportID:  c.ReportID,
		ActorID:   c.ActorID,
		OldStatus: c.OldStatus,
		NewStatus: c.NewStatus,
		TS:        c.TS,
	}
}

func mapChanges(in []domain.StatusChange) []StatusChangeResponse {
	out := make([]StatusChangeResponse, 0, len(in))
	for _, c := range in {
		out = append(out, changeResponse(c))
	}
	return out
}

// ChangeStatusResponse pairs the updated report with the audit entry the
// transition produced.
type ChangeStatusResponse struct {
	Report ReportResponse       `json:"report"`
	Change StatusChangeResponse `json:"change"`
}

type paginatedReports struct {
	Items      []ReportResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
