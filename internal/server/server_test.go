package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/engine"
	"trackline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("trackline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func actorHeaders(id, role string) map[string]string {
	return map[string]string{
		"X-Actor-Id":   id,
		"X-Actor-Role": role,
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func createTestReport(t *testing.T, srv *testServer) ReportResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/trackline/reports", map[string]any{
		"title": "Crash on startup",
	}, actorHeaders("dev-1", "developer"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create report status %d: %s", res.StatusCode, string(data))
	}
	var created ReportResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	return created
}

func TestReportLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestReport(t, srv)
	if created.Status != "open" {
		t.Fatalf("new report status = %q", created.Status)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/trackline/reports/"+created.ID+"/status",
		map[string]any{"status": "in_progress"}, actorHeaders("dev-1", "developer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status change: %d: %s", res.StatusCode, string(data))
	}
	var changed ChangeStatusResponse
	if err := json.Unmarshal(data, &changed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if changed.Report.Status != "in_progress" {
		t.Fatalf("report status = %q", changed.Report.Status)
	}
	if changed.Change.OldStatus != "open" || changed.Change.NewStatus != "in_progress" || changed.Change.ActorID != "dev-1" {
		t.Fatalf("change entry = %+v", changed.Change)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/trackline/reports/"+created.ID+"/log", nil, actorHeaders("con-1", "consultant"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("change log: %d: %s", res.StatusCode, string(data))
	}
	var log []StatusChangeResponse
	if err := json.Unmarshal(data, &log); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if len(log) != 1 || log[0].NewStatus != "in_progress" {
		t.Fatalf("log = %+v", log)
	}
}

func TestForbiddenTransitionReturnsPolicyMessage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestReport(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/trackline/reports/"+created.ID+"/status",
		map[string]any{"status": "in_progress"}, actorHeaders("con-1", "consultant"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != "forbidden" {
		t.Fatalf("code = %q", env.Error.Code)
	}
	if env.Error.Message != "Only Developer, PM, or CTO can change status to In Progress" {
		t.Fatalf("message = %q", env.Error.Message)
	}
}

func TestInvalidStatusReturns400(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestReport(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/trackline/reports/"+created.ID+"/status",
		map[string]any{"status": "不明"}, actorHeaders("dev-1", "developer"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != "invalid_status" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestUnknownReportReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/trackline/reports/missing", nil, actorHeaders("dev-1", "developer"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
}

func TestDeletedReportRefusesStatusChange(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestReport(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodDelete,
		srv.URL+"/v0/projects/trackline/reports/"+created.ID, nil, actorHeaders("dev-1", "developer"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/trackline/reports/"+created.ID+"/status",
		map[string]any{"status": "in_progress"}, actorHeaders("dev-1", "developer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
}

func TestEditRequiresReporterOrAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestReport(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPatch,
		srv.URL+"/v0/projects/trackline/reports/"+created.ID,
		map[string]any{"title": "hijacked"}, actorHeaders("other-1", "developer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch,
		srv.URL+"/v0/projects/trackline/reports/"+created.ID,
		map[string]any{"title": "clearer title"}, actorHeaders("dev-1", "developer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
	var updated ReportResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.Title != "clearer title" {
		t.Fatalf("title = %q", updated.Title)
	}
}

func TestMissingAuthReturns401(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/trackline/reports", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestJWTCarriesRoleAndAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createTestReport(t, srv)

	claims := jwt.MapClaims{
		"sub":   "boss-1",
		"role":  "consultant",
		"admin": true,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	// A consultant cannot do this; the admin claim can.
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/trackline/reports/"+created.ID+"/status",
		map[string]any{"status": "wont_fix"},
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
}

func TestMetricsNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}
