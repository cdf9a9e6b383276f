package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/notify"
	"trackline/internal/repo"
	"trackline/internal/status"
)

var (
	dev    = domain.ActingUser{ID: "dev-1", Role: "developer"}
	rnDev  = domain.ActingUser{ID: "rn-1", Role: "react_native_developer"}
	tester = domain.ActingUser{ID: "qa-1", Role: "tester"}
	pm     = domain.ActingUser{ID: "pm-1", Role: "project_manager"}
	cons   = domain.ActingUser{ID: "con-1", Role: "consultant"}
	admin  = domain.ActingUser{ID: "adm-1", Role: "consultant", Admin: true}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("proj-1"))
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "Test Project", ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustCreate(t *testing.T, env testEnv, reporter domain.ActingUser) domain.Report {
	t.Helper()
	rep, err := env.Engine.CreateReport(env.Ctx, reporter, engine.ReportCreateOptions{
		ProjectID: "proj-1",
		Title:     "Login button does nothing",
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	return rep
}

func mustChange(t *testing.T, env testEnv, actor domain.ActingUser, id string, to status.Status) domain.Report {
	t.Helper()
	rep, _, err := env.Engine.ChangeStatus(env.Ctx, actor, id, to)
	if err != nil {
		t.Fatalf("change %s -> %s as %s: %v", id, to, actor.Role, err)
	}
	return rep
}

func TestCreateReportDefaults(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	if rep.Status != "open" {
		t.Fatalf("new report status = %q, want open", rep.Status)
	}
	if rep.Type != domain.TypeBug || rep.Priority != domain.PriorityMedium {
		t.Fatalf("defaults = %s/%s, want bug/medium", rep.Type, rep.Priority)
	}
	if rep.ReporterID != dev.ID {
		t.Fatalf("reporter = %q, want %q", rep.ReporterID, dev.ID)
	}
	changes, err := env.Engine.ChangeLog(env.Ctx, rep.ID)
	if err != nil {
		t.Fatalf("change log: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("creation must not log a transition, got %d entries", len(changes))
	}
}

func TestCreateReportValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateReport(env.Ctx, dev, engine.ReportCreateOptions{ProjectID: "proj-1"}); err == nil {
		t.Fatal("expected error for missing title")
	}
	_, err := env.Engine.CreateReport(env.Ctx, dev, engine.ReportCreateOptions{
		ProjectID: "proj-1", Title: "x", Type: "epic",
	})
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	_, err = env.Engine.CreateReport(env.Ctx, dev, engine.ReportCreateOptions{
		ProjectID: "nope", Title: "x",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown project: got %v, want ErrNotFound", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)

	rep = mustChange(t, env, dev, rep.ID, status.InProgress)
	rep = mustChange(t, env, rnDev, rep.ID, status.DoQC)
	rep = mustChange(t, env, tester, rep.ID, status.StillIssue)
	rep = mustChange(t, env, dev, rep.ID, status.InProgress)
	rep = mustChange(t, env, dev, rep.ID, status.DoQC)
	rep = mustChange(t, env, tester, rep.ID, status.Resolved)
	if rep.Status != "resolved" {
		t.Fatalf("final status = %q, want resolved", rep.Status)
	}

	changes, err := env.Engine.ChangeLog(env.Ctx, rep.ID)
	if err != nil {
		t.Fatalf("change log: %v", err)
	}
	want := [][2]string{
		{"open", "in_progress"},
		{"in_progress", "do_qc"},
		{"do_qc", "still_issue"},
		{"still_issue", "in_progress"},
		{"in_progress", "do_qc"},
		{"do_qc", "resolved"},
	}
	if len(changes) != len(want) {
		t.Fatalf("log has %d entries, want %d", len(changes), len(want))
	}
	for i, c := range changes {
		if c.OldStatus != want[i][0] || c.NewStatus != want[i][1] {
			t.Fatalf("entry %d = %s -> %s, want %s -> %s", i, c.OldStatus, c.NewStatus, want[i][0], want[i][1])
		}
		if i > 0 && changes[i-1].ID >= c.ID {
			t.Fatalf("log not ordered oldest first at entry %d", i)
		}
	}
}

func TestDeniedTransitionLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)

	_, _, err := env.Engine.ChangeStatus(env.Ctx, cons, rep.ID, status.InProgress)
	var fe status.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if got := err.Error(); got != "Only Developer, PM, or CTO can change status to In Progress" {
		t.Fatalf("denial message = %q", got)
	}

	reloaded, err := env.Engine.GetReport(env.Ctx, rep.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if reloaded.Status != "open" {
		t.Fatalf("status changed to %q after denied transition", reloaded.Status)
	}
	changes, _ := env.Engine.ChangeLog(env.Ctx, rep.ID)
	if len(changes) != 0 {
		t.Fatalf("denied transition logged %d entries", len(changes))
	}
}

func TestNoOpTransitionDenied(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	_, _, err := env.Engine.ChangeStatus(env.Ctx, pm, rep.ID, status.Open)
	var fe status.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("open -> open: expected ForbiddenError, got %v", err)
	}
}

func TestInvalidStatusRejected(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	_, _, err := env.Engine.ChangeStatus(env.Ctx, admin, rep.ID, status.Status("reopened"))
	var ie status.InvalidStatusError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvalidStatusError even for admin, got %v", err)
	}
}

func TestAdminBypassesPolicy(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	// resolved -> open has no policy row; only an admin can do it.
	mustChange(t, env, admin, rep.ID, status.Resolved)
	rep = mustChange(t, env, admin, rep.ID, status.Open)
	if rep.Status != "open" {
		t.Fatalf("status = %q, want open", rep.Status)
	}
	changes, _ := env.Engine.ChangeLog(env.Ctx, rep.ID)
	if len(changes) != 2 {
		t.Fatalf("log has %d entries, want 2", len(changes))
	}
}

func TestWontFixTerminalForNonAdmins(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	mustChange(t, env, pm, rep.ID, status.WontFix)
	_, _, err := env.Engine.ChangeStatus(env.Ctx, pm, rep.ID, status.InProgress)
	var fe status.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("wont_fix -> in_progress as PM: expected ForbiddenError, got %v", err)
	}
	mustChange(t, env, admin, rep.ID, status.InProgress)
}

func TestDeletedReportRefusesMutations(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	if err := env.Engine.DeleteReport(env.Ctx, dev, rep.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var fe status.ForbiddenError
	_, _, err := env.Engine.ChangeStatus(env.Ctx, admin, rep.ID, status.InProgress)
	if !errors.As(err, &fe) {
		t.Fatalf("status change on deleted report: got %v", err)
	}
	title := "new title"
	_, err = env.Engine.EditReport(env.Ctx, dev, rep.ID, engine.ReportEditOptions{Title: &title})
	if !errors.As(err, &fe) {
		t.Fatalf("edit on deleted report: got %v", err)
	}
	err = env.Engine.DeleteReport(env.Ctx, dev, rep.ID)
	if !errors.As(err, &fe) {
		t.Fatalf("double delete: got %v", err)
	}
}

func TestEditOwnership(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	title := "clearer title"

	_, err := env.Engine.EditReport(env.Ctx, pm, rep.ID, engine.ReportEditOptions{Title: &title})
	var fe status.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("non-reporter edit: got %v", err)
	}

	updated, err := env.Engine.EditReport(env.Ctx, dev, rep.ID, engine.ReportEditOptions{Title: &title})
	if err != nil {
		t.Fatalf("reporter edit: %v", err)
	}
	if updated.Title != title {
		t.Fatalf("title = %q, want %q", updated.Title, title)
	}

	notes := "checked on staging"
	if _, err := env.Engine.EditReport(env.Ctx, admin, rep.ID, engine.ReportEditOptions{Notes: &notes}); err != nil {
		t.Fatalf("admin edit: %v", err)
	}
}

func TestDeleteOwnership(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	err := env.Engine.DeleteReport(env.Ctx, tester, rep.ID)
	var fe status.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("non-reporter delete: got %v", err)
	}
	if err := env.Engine.DeleteReport(env.Ctx, admin, rep.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	reloaded, err := env.Engine.GetReport(env.Ctx, rep.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if !reloaded.IsDeleted || reloaded.DeletedAt == nil {
		t.Fatal("report not marked deleted")
	}
}

func TestConditionalUpdateConflict(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	mustChange(t, env, dev, rep.ID, status.InProgress)

	// The stored status is now in_progress; a writer that authorized
	// against open must lose.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	err = env.Engine.Repo.UpdateReportStatus(env.Ctx, tx, rep.ID, "open", "wont_fix", now)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestConcurrentStatusChange(t *testing.T) {
	env := newTestEnv(t)
	rep := mustCreate(t, env, dev)
	mustChange(t, env, dev, rep.ID, status.InProgress)
	mustChange(t, env, dev, rep.ID, status.DoQC)

	type result struct{ err error }
	results := make(chan result, 2)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, to := range []status.Status{status.Resolved, status.StillIssue} {
		wg.Add(1)
		go func(to status.Status) {
			defer wg.Done()
			<-start
			_, _, err := env.Engine.ChangeStatus(env.Ctx, tester, rep.ID, to)
			results <- result{err: err}
		}(to)
	}
	close(start)
	wg.Wait()
	close(results)

	var ok, lost int
	for r := range results {
		if r.err == nil {
			ok++
			continue
		}
		lost++
		var fe status.ForbiddenError
		if !errors.Is(r.err, repo.ErrConflict) && !errors.As(r.err, &fe) {
			t.Fatalf("loser error = %v, want conflict or forbidden", r.err)
		}
	}
	if ok != 1 || lost != 1 {
		t.Fatalf("ok=%d lost=%d, want exactly one winner", ok, lost)
	}
	changes, _ := env.Engine.ChangeLog(env.Ctx, rep.ID)
	if len(changes) != 3 {
		t.Fatalf("log has %d entries, want 3", len(changes))
	}
}

type recordingSender struct {
	mu      sync.Mutex
	changes []notify.Change
}

func (*recordingSender) Name() string { return "recording" }

func (s *recordingSender) Send(_ context.Context, c notify.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
	return nil
}

func TestNotificationFanOut(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingSender{}
	env.Engine.Notify = &notify.Dispatcher{Senders: []notify.Sender{rec}}

	rep := mustCreate(t, env, dev)
	mustChange(t, env, dev, rep.ID, status.InProgress)
	env.Engine.Notify.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.changes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(rec.changes))
	}
	c := rec.changes[0]
	if c.OldStatus != "open" || c.NewStatus != "in_progress" || c.Actor.ID != dev.ID {
		t.Fatalf("unexpected notification: %+v", c)
	}
}

func TestDeniedTransitionDoesNotNotify(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingSender{}
	env.Engine.Notify = &notify.Dispatcher{Senders: []notify.Sender{rec}}

	rep := mustCreate(t, env, dev)
	_, _, err := env.Engine.ChangeStatus(env.Ctx, cons, rep.ID, status.InProgress)
	if err == nil {
		t.Fatal("expected denial")
	}
	env.Engine.Notify.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.changes) != 0 {
		t.Fatalf("denied transition produced %d notifications", len(rec.changes))
	}
}

func TestMinimalWorkflowConfig(t *testing.T) {
	env := newTestEnv(t)
	extended := false
	cfg := config.Default("proj-1")
	cfg.Workflow.Extended = &extended
	eng := engine.New(env.Engine.DB, cfg)
	eng.Now = env.Engine.Now

	rep, err := eng.CreateReport(env.Ctx, dev, engine.ReportCreateOptions{ProjectID: "proj-1", Title: "minimal"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := eng.ChangeStatus(env.Ctx, dev, rep.ID, status.InProgress); err != nil {
		t.Fatalf("open -> in_progress: %v", err)
	}
	_, _, err = eng.ChangeStatus(env.Ctx, dev, rep.ID, status.DoQC)
	var ie status.InvalidStatusError
	if !errors.As(err, &ie) {
		t.Fatalf("do_qc in minimal workflow: got %v, want InvalidStatusError", err)
	}
	if _, _, err := eng.ChangeStatus(env.Ctx, dev, rep.ID, status.Resolved); err != nil {
		t.Fatalf("in_progress -> resolved: %v", err)
	}
}
