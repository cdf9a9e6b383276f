// Package engine orchestrates report lifecycle operations: creation, field
// edits, soft deletion, and the policy-gated status transitions with their
// audit trail and notification fan-out.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trackline/internal/changelog"
	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/notify"
	"trackline/internal/repo"
	"trackline/internal/status"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Log    changelog.Writer
	Notify *notify.Dispatcher
	Config *config.Config
	Policy status.Policy
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Log:    changelog.Writer{DB: db},
		Notify: &notify.Dispatcher{Senders: append([]notify.Sender{notify.LogSender{}}, webhookSenders(cfg)...)},
		Config: cfg,
		Policy: status.NewPolicy(cfg.ExtendedWorkflow()),
		Now:    time.Now,
	}
}

func webhookSenders(cfg *config.Config) []notify.Sender {
	if cfg == nil {
		return nil
	}
	return notify.NewWebhookSenders(cfg.Notifications.Webhooks)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a project record.
func (e Engine) InitProject(ctx context.Context, projectID, name, description string) (domain.Project, error) {
	if name == "" {
		name = projectID
	}
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ReportCreateOptions are parameters for filing a report.
type ReportCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Type        domain.ReportType
	Priority    domain.ReportPriority
	AssigneeID  string
	Attachments []string
}

// CreateReport files a new report with status open. Creation is not a
// transition, so the change log stays empty until the first status change.
func (e Engine) CreateReport(ctx context.Context, actor domain.ActingUser, opts ReportCreateOptions) (domain.Report, error) {
	if opts.Title == "" {
		return domain.Report{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Report{}, errors.New("project is required")
	}
	if opts.Type == "" {
		opts.Type = domain.TypeBug
	}
	if !domain.ValidType(opts.Type) {
		return domain.Report{}, fmt.Errorf("invalid report type %q", opts.Type)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.Report{}, fmt.Errorf("invalid priority %q", opts.Priority)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Report{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	rep := domain.Report{
		ID:          id,
		ProjectID:   opts.ProjectID,
		ReporterID:  actor.ID,
		AssigneeID:  optionalString(opts.AssigneeID),
		Title:       opts.Title,
		Description: opts.Description,
		Type:        opts.Type,
		Priority:    opts.Priority,
		Status:      string(status.Open),
		Attachments: opts.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertReport(ctx, rep); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

// GetReport loads a report by id; soft-deleted reports stay readable.
func (e Engine) GetReport(ctx context.Context, id string) (domain.Report, error) {
	return e.Repo.GetReport(ctx, id)
}

// Authorize answers whether actor may move the report to requested without
// applying anything. Pure policy evaluation.
func (e Engine) Authorize(actor domain.ActingUser, rep domain.Report, requested status.Status) error {
	return status.Authorize(e.Policy, actor.Role, actor.Admin, status.Status(rep.Status), requested)
}

// ChangeStatus applies one authorized transition: load, check policy,
// conditionally persist the new status together with the change-log entry,
// then hand the change to the notification dispatcher. A concurrent winner
// surfaces as repo.ErrConflict; notification failures surface nowhere.
func (e Engine) ChangeStatus(ctx context.Context, actor domain.ActingUser, reportID string, requested status.Status) (domain.Report, domain.StatusChange, error) {
	rep, err := e.Repo.GetReport(ctx, reportID)
	if err != nil {
		return domain.Report{}, domain.StatusChange{}, err
	}
	if rep.IsDeleted {
		return domain.Report{}, domain.StatusChange{}, status.ForbiddenError{Message: "report has been deleted"}
	}
	oldStatus := rep.Status
	if err := status.Authorize(e.Policy, actor.Role, actor.Admin, status.Status(oldStatus), requested); err != nil {
		return domain.Report{}, domain.StatusChange{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, domain.StatusChange{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateReportStatus(ctx, tx, rep.ID, oldStatus, string(requested), now); err != nil {
		return domain.Report{}, domain.StatusChange{}, err
	}
	entry, err := e.Log.Append(ctx, tx, rep.ID, actor.ID, oldStatus, string(requested))
	if err != nil {
		return domain.Report{}, domain.StatusChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, domain.StatusChange{}, err
	}

	rep.Status = string(requested)
	rep.UpdatedAt = now
	e.Notify.Dispatch(notify.Change{
		Report:    rep,
		OldStatus: oldStatus,
		NewStatus: string(requested),
		Actor:     actor,
	})
	return rep, entry, nil
}

// ReportEditOptions holds partial field edits; nil means leave unchanged.
type ReportEditOptions struct {
	Title       *string
	Description *string
	Notes       *string
	Priority    *domain.ReportPriority
	AssigneeID  *string
	Attachments *[]string
}

// EditReport updates report fields. Only the original reporter or an admin
// may edit, and a soft-deleted report refuses all edits.
func (e Engine) EditReport(ctx context.Context, actor domain.ActingUser, reportID string, opts ReportEditOptions) (domain.Report, error) {
	rep, err := e.Repo.GetReport(ctx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	if rep.IsDeleted {
		return domain.Report{}, status.ForbiddenError{Message: "report has been deleted"}
	}
	if !actor.Admin && actor.ID != rep.ReporterID {
		return domain.Report{}, status.ForbiddenError{Message: "Only the reporter or an admin can edit this report"}
	}
	if opts.Title != nil && *opts.Title == "" {
		return domain.Report{}, errors.New("title is required")
	}
	if opts.Priority != nil && !domain.ValidPriority(*opts.Priority) {
		return domain.Report{}, fmt.Errorf("invalid priority %q", *opts.Priority)
	}
	now := e.now().UTC().Format(time.RFC3339)
	updates := repo.ReportFieldUpdates{
		Title:       opts.Title,
		Description: opts.Description,
		Notes:       opts.Notes,
		Priority:    opts.Priority,
		AssigneeID:  opts.AssigneeID,
		Attachments: opts.Attachments,
	}
	if err := e.Repo.UpdateReportFields(ctx, reportID, updates, now); err != nil {
		return domain.Report{}, err
	}
	return e.Repo.GetReport(ctx, reportID)
}

// DeleteReport soft-deletes. Only the reporter or an admin; undelete is not
// supported, so deleting an already-deleted report is refused like any other
// mutation of a deleted report.
func (e Engine) DeleteReport(ctx context.Context, actor domain.ActingUser, reportID string) error {
	rep, err := e.Repo.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	if rep.IsDeleted {
		return status.ForbiddenError{Message: "report has been deleted"}
	}
	if !actor.Admin && actor.ID != rep.ReporterID {
		return status.ForbiddenError{Message: "Only the reporter or an admin can delete this report"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.SoftDeleteReport(ctx, reportID, now)
}

// ChangeLog returns a report's transitions oldest first. Readable by any
// authenticated actor, consultants included.
func (e Engine) ChangeLog(ctx context.Context, reportID string) ([]domain.StatusChange, error) {
	if _, err := e.Repo.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	return e.Repo.ListStatusChanges(ctx, reportID)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
