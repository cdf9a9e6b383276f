package domain

// ReportType is the kind of work a report tracks.
type ReportType string

const (
	TypeBug         ReportType = "bug"
	TypeFeature     ReportType = "feature"
	TypeImprovement ReportType = "improvement"
)

// ReportPriority is the urgency of a report.
type ReportPriority string

const (
	PriorityLow      ReportPriority = "low"
	PriorityMedium   ReportPriority = "medium"
	PriorityHigh     ReportPriority = "high"
	PriorityCritical ReportPriority = "critical"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Report struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	ReporterID  string         `json:"reporter_id"`
	AssigneeID  *string        `json:"assignee_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Type        ReportType     `json:"type" enum:"bug,feature,improvement"`
	Priority    ReportPriority `json:"priority" enum:"low,medium,high,critical"`
	Status      string         `json:"status" enum:"open,in_progress,do_qc,resolved,still_issue,wont_fix"`
	Notes       string         `json:"notes,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	IsDeleted   bool           `json:"is_deleted"`
	DeletedAt   *string        `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

// StatusChange is an immutable audit record of one accepted transition.
type StatusChange struct {
	ID        int64  `json:"id"`
	ReportID  string `json:"report_id"`
	ActorID   string `json:"actor_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	TS        string `json:"ts" format:"date-time"`
}

// ActingUser is the caller's identity and authorization attributes.
// It is supplied explicitly by the caller, never read from ambient state.
type ActingUser struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Admin bool   `json:"admin"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role,omitempty"`
	Admin     bool   `json:"admin"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidType reports whether t is a recognized report type.
func ValidType(t ReportType) bool {
	switch t {
	case TypeBug, TypeFeature, TypeImprovement:
		return true
	}
	return false
}

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p ReportPriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}
