package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trackline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional status update lost to a concurrent
	// writer: the stored status no longer matches the one authorized against.
	ErrConflict = errors.New("status changed concurrently")
)

// StoreError wraps a persistence failure so callers can surface it as a
// store-unavailable condition rather than an opaque driver error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return storeErr("insert project", err)
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, storeErr("get project", err)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, storeErr("list projects", err)
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, storeErr("scan project", err)
		}
		res = append(res, p)
	}
	return res, storeErr("list projects", rows.Err())
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// --- reports ---

const reportColumns = `id,project_id,reporter_id,assignee_id,title,COALESCE(description,''),type,priority,status,COALESCE(notes,''),attachments_json,is_deleted,deleted_at,created_at,updated_at`

func (r Repo) InsertReport(ctx context.Context, rep domain.Report) error {
	attachments, err := marshalAttachments(rep.Attachments)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO reports(id,project_id,reporter_id,assignee_id,title,description,type,priority,status,notes,attachments_json,is_deleted,deleted_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rep.ID, rep.ProjectID, rep.ReporterID, nullableStringPtr(rep.AssigneeID), rep.Title, nullable(rep.Description),
		string(rep.Type), string(rep.Priority), rep.Status, nullable(rep.Notes), attachments,
		boolToInt(rep.IsDeleted), nullableStringPtr(rep.DeletedAt), rep.CreatedAt, rep.UpdatedAt)
	return storeErr("insert report", err)
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, id)
	return scanReport(row.Scan)
}

func scanReport(scan func(dest ...any) error) (domain.Report, error) {
	var rep domain.Report
	var assignee, attachments, deletedAt sql.NullString
	var deleted int
	err := scan(&rep.ID, &rep.ProjectID, &rep.ReporterID, &assignee, &rep.Title, &rep.Description,
		&rep.Type, &rep.Priority, &rep.Status, &rep.Notes, &attachments, &deleted, &deletedAt,
		&rep.CreatedAt, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, storeErr("scan report", err)
	}
	if assignee.Valid {
		rep.AssigneeID = &assignee.String
	}
	if deletedAt.Valid {
		rep.DeletedAt = &deletedAt.String
	}
	rep.IsDeleted = deleted != 0
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &rep.Attachments); err != nil {
			return rep, storeErr("decode attachments", err)
		}
	}
	return rep, nil
}

type ReportFilters struct {
	ProjectID       string
	Status          string
	Type            string
	Priority        string
	ReporterID      string
	AssigneeID      string
	IncludeDeleted  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListReports(ctx context.Context, f ReportFilters) ([]domain.Report, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.ReporterID != "" {
		clauses = append(clauses, "reporter_id=?")
		args = append(args, f.ReporterID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "is_deleted=0")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + reportColumns + ` FROM reports ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list reports", err)
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, storeErr("list reports", rows.Err())
}

// UpdateReportStatus performs the conditional write that serializes
// check-then-act for a single report: the row only changes if the stored
// status still equals the status the caller authorized against. Runs inside
// the caller's transaction so the change-log append commits with it.
func (r Repo) UpdateReportStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, updated_at=? WHERE id=? AND status=? AND is_deleted=0`,
		toStatus, updatedAt, id, fromStatus)
	if err != nil {
		return storeErr("update report status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("update report status", err)
	}
	if affected == 0 {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM reports WHERE id=?`, id).Scan(&n)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return storeErr("update report status", err)
		}
		return ErrConflict
	}
	return nil
}

// ReportFieldUpdates holds partial field edits; nil means leave unchanged.
type ReportFieldUpdates struct {
	Title       *string
	Description *string
	Notes       *string
	Priority    *domain.ReportPriority
	AssigneeID  *string
	Attachments *[]string
}

func (r Repo) UpdateReportFields(ctx context.Context, id string, u ReportFieldUpdates, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if u.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *u.Title)
	}
	if u.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*u.Description))
	}
	if u.Notes != nil {
		fields = append(fields, "notes=?")
		args = append(args, nullable(*u.Notes))
	}
	if u.Priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, string(*u.Priority))
	}
	if u.AssigneeID != nil {
		fields = append(fields, "assignee_id=?")
		args = append(args, nullable(*u.AssigneeID))
	}
	if u.Attachments != nil {
		attachments, err := marshalAttachments(*u.Attachments)
		if err != nil {
			return err
		}
		fields = append(fields, "attachments_json=?")
		args = append(args, attachments)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE reports SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return storeErr("update report fields", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteReport sets the delete flag; reports are never hard-deleted.
func (r Repo) SoftDeleteReport(ctx context.Context, id, deletedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE reports SET is_deleted=1, deleted_at=?, updated_at=? WHERE id=? AND is_deleted=0`,
		deletedAt, deletedAt, id)
	if err != nil {
		return storeErr("delete report", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- status change log (reads; appends go through changelog.Writer) ---

// ListStatusChanges returns the change log for a report, oldest first.
func (r Repo) ListStatusChanges(ctx context.Context, reportID string) ([]domain.StatusChange, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,report_id,actor_id,old_status,new_status,ts FROM status_changes WHERE report_id=? ORDER BY id ASC`, reportID)
	if err != nil {
		return nil, storeErr("list status changes", err)
	}
	defer rows.Close()
	var res []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		if err := rows.Scan(&c.ID, &c.ReportID, &c.ActorID, &c.OldStatus, &c.NewStatus, &c.TS); err != nil {
			return nil, storeErr("scan status change", err)
		}
		res = append(res, c)
	}
	return res, storeErr("list status changes", rows.Err())
}

func (r Repo) CountStatusChanges(ctx context.Context, reportID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM status_changes WHERE report_id=?`, reportID).Scan(&n)
	return n, storeErr("count status changes", err)
}

// --- helpers ---

func marshalAttachments(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
