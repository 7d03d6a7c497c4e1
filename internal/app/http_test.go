package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"studiodesk/api/internal/store"
)

func newTestServer(t *testing.T, fake *fakeStore) *HTTPServer {
	t.Helper()
	return NewHTTPServer(newTestService(fake), "http://localhost:3000")
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func tokenFor(t *testing.T, server *HTTPServer, userID string) string {
	t.Helper()
	session, err := server.service.CreateSession(context.Background(), userID)
	if err != nil {
		t.Fatalf("create session for %s: %v", userID, err)
	}
	return session.Token
}

func TestHealthAndReady(t *testing.T) {
	fake := newFakeStore()
	server := newTestServer(t, fake)

	rec, body := doRequest(t, server, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, server, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready: %d %v", rec.Code, body)
	}

	fake.pingErr = errors.New("connection refused")
	rec, body = doRequest(t, server, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Fatalf("ready with dead database: %d %v", rec.Code, body)
	}
}

func TestRequestsWithoutTokenAreUnauthorized(t *testing.T) {
	fake := newFakeStore()
	seedWorkflow(fake)
	server := newTestServer(t, fake)

	for _, path := range []string{"/api/projects", "/api/dashboard", "/api/projects/prj_atlas/milestones"} {
		rec, body := doRequest(t, server, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: %d %v", path, rec.Code, body)
		}
	}
}

func TestSignUpAndSignIn(t *testing.T) {
	fake := newFakeStore()
	server := newTestServer(t, fake)

	rec, body := doRequest(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "lena@acme.dev",
		"password":    "correct-horse",
		"displayName": "Lena Fischer",
		"companyName": "Acme",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: %d %v", rec.Code, body)
	}
	if body["rank"] != "client" {
		t.Fatalf("new accounts must start as client, got %v", body["rank"])
	}

	rec, body = doRequest(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "lena@acme.dev",
		"password":    "correct-horse",
		"displayName": "Lena Fischer",
	})
	if rec.Code != http.StatusConflict || body["code"] != "EMAIL_EXISTS" {
		t.Fatalf("duplicate signup: %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "lena@acme.dev",
		"password": "correct-horse",
	})
	if rec.Code != http.StatusOK || body["accessToken"] == "" {
		t.Fatalf("signin: %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "lena@acme.dev",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized || body["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("bad signin: %d %v", rec.Code, body)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	fake := newFakeStore()
	server := newTestServer(t, fake)

	_, _ = doRequest(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "lena@acme.dev",
		"password":    "correct-horse",
		"displayName": "Lena Fischer",
	})

	// Without SMTP the token comes back in the response.
	rec, body := doRequest(t, server, http.MethodPost, "/api/auth/reset-password/request", "", map[string]any{"email": "lena@acme.dev"})
	if rec.Code != http.StatusOK {
		t.Fatalf("request reset: %d %v", rec.Code, body)
	}
	token, _ := body["devResetToken"].(string)
	if token == "" {
		t.Fatalf("expected a dev reset token, got %v", body)
	}

	// Unknown emails get the same answer, minus the token.
	rec, body = doRequest(t, server, http.MethodPost, "/api/auth/reset-password/request", "", map[string]any{"email": "nobody@acme.dev"})
	if rec.Code != http.StatusOK {
		t.Fatalf("request reset for unknown email: %d", rec.Code)
	}
	if _, ok := body["devResetToken"]; ok {
		t.Fatal("unknown email must not yield a token")
	}

	rec, body = doRequest(t, server, http.MethodPost, "/api/auth/reset-password", "", map[string]any{
		"token":       token,
		"newPassword": "battery-staple",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d %v", rec.Code, body)
	}

	rec, _ = doRequest(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "lena@acme.dev",
		"password": "battery-staple",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signin with new password: %d", rec.Code)
	}
}

func TestReviewApprovalOverHTTP(t *testing.T) {
	fake := newFakeStore()
	seedWorkflow(fake)
	server := newTestServer(t, fake)
	staff := tokenFor(t, server, "usr_staff")

	rec, body := doRequest(t, server, http.MethodPost, "/api/projects/prj_atlas/approvals/apv_design/review", staff, map[string]any{
		"decision": "approved",
		"comment":  "Ship it",
		"note":     "Invoicing can start next week",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("review: %d %v", rec.Code, body)
	}
	if body["status"] != "approved" || body["milestoneUpdated"] != true {
		t.Fatalf("review payload: %v", body)
	}
	if body["paymentsUnlocked"].(float64) != 2 {
		t.Fatalf("paymentsUnlocked = %v", body["paymentsUnlocked"])
	}

	// Second decision conflicts, whoever sends it.
	rec, body = doRequest(t, server, http.MethodPost, "/api/projects/prj_atlas/approvals/apv_design/review", staff, map[string]any{
		"decision": "changes_requested",
	})
	if rec.Code != http.StatusConflict || body["code"] != "ALREADY_DECIDED" {
		t.Fatalf("second review: %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, server, http.MethodGet, "/api/projects/prj_atlas/payments", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list payments: %d", rec.Code)
	}
	for _, item := range body["payments"].([]any) {
		payment := item.(map[string]any)
		if payment["unlocked"] != true {
			t.Fatalf("payment %v still locked", payment["id"])
		}
	}
}

func TestClientReviewForbiddenOverHTTP(t *testing.T) {
	fake := newFakeStore()
	seedWorkflow(fake)
	server := newTestServer(t, fake)
	owner := tokenFor(t, server, "usr_dana")

	rec, body := doRequest(t, server, http.MethodPost, "/api/projects/prj_atlas/approvals/apv_design/review", owner, map[string]any{
		"decision": "approved",
	})
	if rec.Code != http.StatusForbidden || body["code"] != "FORBIDDEN" {
		t.Fatalf("client review: %d %v", rec.Code, body)
	}
}

func TestNonOwnerClientNotFoundOverHTTP(t *testing.T) {
	fake := newFakeStore()
	seedWorkflow(fake)
	fake.addUser(store.User{ID: "usr_other", DisplayName: "Sam Okafor", Email: "sam@northwind.dev", Rank: "client"})
	server := newTestServer(t, fake)
	other := tokenFor(t, server, "usr_other")

	paths := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/projects/prj_atlas", nil},
		{http.MethodGet, "/api/projects/prj_atlas/milestones", nil},
		{http.MethodGet, "/api/projects/prj_atlas/approvals/apv_design", nil},
		{http.MethodPost, "/api/projects/prj_atlas/approvals/apv_design/review", map[string]any{"decision": "approved"}},
	}
	for _, tc := range paths {
		rec, body := doRequest(t, server, tc.method, tc.path, other, tc.body)
		if rec.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
			t.Fatalf("%s %s: %d %v, want 404 NOT_FOUND", tc.method, tc.path, rec.Code, body)
		}
	}
}

func TestMilestoneRoutesOverHTTP(t *testing.T) {
	fake := newFakeStore()
	seedWorkflow(fake)
	server := newTestServer(t, fake)
	staff := tokenFor(t, server, "usr_staff")

	rec, body := doRequest(t, server, http.MethodPost, "/api/projects/prj_atlas/milestones", staff, map[string]any{
		"title":     "Launch",
		"sortOrder": 3,
	})
	if rec.Code != http.StatusCreated || body["status"] != "not_started" {
		t.Fatalf("create milestone: %d %v", rec.Code, body)
	}
	milestoneID := body["id"].(string)

	rec, body = doRequest(t, server, http.MethodPut, "/api/projects/prj_atlas/milestones/"+milestoneID+"/status", staff, map[string]any{
		"status": "in_progress",
	})
	if rec.Code != http.StatusOK || body["status"] != "in_progress" {
		t.Fatalf("update status: %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, server, http.MethodPost, "/api/projects/prj_atlas/milestones/"+milestoneID+"/unlock-payments", staff, nil)
	if rec.Code != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("unlock unapproved milestone: %d %v", rec.Code, body)
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	fake := newFakeStore()
	seedWorkflow(fake)
	server := newTestServer(t, fake)
	staff := tokenFor(t, server, "usr_staff")

	rec, body := doRequest(t, server, http.MethodGet, "/api/projects/prj_atlas/timesheets", staff, nil)
	if rec.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("unknown route: %d %v", rec.Code, body)
	}
}

func TestRequestIDHeader(t *testing.T) {
	fake := newFakeStore()
	server := newTestServer(t, fake)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID = %q", got)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}
