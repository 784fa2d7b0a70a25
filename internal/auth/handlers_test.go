package auth

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/porthole-live/porthole/internal/logger"
)

func testRouter(t *testing.T) (*gin.Engine, *Service, *time.Time) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, now := testService()
	h := NewHandler(svc, "http://192.168.1.20:8787", 30*time.Second, "test", logger.New(logger.Config{Level: slog.LevelError}))
	mw := NewMiddleware(svc)

	r := gin.New()
	r.POST("/api/auth/qr", h.IssueQR)
	r.POST("/api/auth/mobile", h.Redeem)
	authed := r.Group("/api/auth", mw.RequireAuth())
	authed.POST("/refresh", h.Refresh)
	authed.POST("/revoke", h.Revoke)
	authed.GET("/info", h.Info)

	return r, svc, now
}

func doJSON(t *testing.T, r *gin.Engine, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %s", w.Body.String())
		}
	}
	return w, out
}

func TestIssueQR(t *testing.T) {
	r, _, _ := testRouter(t)

	w, body := doJSON(t, r, http.MethodPost, "/api/auth/qr", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	token, _ := body["token"].(string)
	if token == "" {
		t.Error("missing token")
	}
	if body["expires_in_s"].(float64) != 30 {
		t.Errorf("expected 30s expiry, got %v", body["expires_in_s"])
	}
	enrollURL, _ := body["enroll_url"].(string)
	if !strings.HasPrefix(enrollURL, "http://192.168.1.20:8787/enroll?token=") {
		t.Errorf("unexpected enroll_url: %s", enrollURL)
	}
	if !strings.Contains(enrollURL, token) {
		t.Errorf("enroll_url does not carry the token: %s", enrollURL)
	}
}

func TestRedeemFlow(t *testing.T) {
	r, _, now := testRouter(t)

	_, issued := doJSON(t, r, http.MethodPost, "/api/auth/qr", "", nil)
	token := issued["token"].(string)

	w, body := doJSON(t, r, http.MethodPost, "/api/auth/mobile", "", gin.H{
		"token": token, "device_id": "phone-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	key, _ := body["key"].(string)
	if key == "" {
		t.Fatal("missing credential key")
	}
	info, _ := body["server_info"].(map[string]any)
	if info == nil || info["name"] != "porthole" {
		t.Errorf("unexpected server_info: %v", body["server_info"])
	}

	// Second redemption conflicts.
	w, body = doJSON(t, r, http.MethodPost, "/api/auth/mobile", "", gin.H{
		"token": token, "device_id": "phone-2",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	if body["code"] != "already_consumed" {
		t.Errorf("expected already_consumed, got %v", body["code"])
	}

	// Unknown token.
	w, _ = doJSON(t, r, http.MethodPost, "/api/auth/mobile", "", gin.H{
		"token": "deadbeef", "device_id": "phone-1",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}

	// Expired token.
	_, issued = doJSON(t, r, http.MethodPost, "/api/auth/qr", "", nil)
	*now = now.Add(time.Minute)
	w, body = doJSON(t, r, http.MethodPost, "/api/auth/mobile", "", gin.H{
		"token": issued["token"].(string), "device_id": "phone-1",
	})
	if w.Code != http.StatusGone {
		t.Errorf("expected 410, got %d", w.Code)
	}
	if body["code"] != "expired" {
		t.Errorf("expected expired, got %v", body["code"])
	}
}

func TestRedeemValidation(t *testing.T) {
	r, _, _ := testRouter(t)

	w, _ := doJSON(t, r, http.MethodPost, "/api/auth/mobile", "", gin.H{"token": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing device_id should 400, got %d", w.Code)
	}
}

func TestAuthenticatedEndpoints(t *testing.T) {
	r, svc, _ := testRouter(t)

	et, _ := svc.IssueEnrollment()
	cred, _ := svc.RedeemEnrollment(et.Token, "phone-1")

	// No credential.
	w, _ := doJSON(t, r, http.MethodGet, "/api/auth/info", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credential, got %d", w.Code)
	}

	// Introspection.
	w, body := doJSON(t, r, http.MethodGet, "/api/auth/info", cred.Key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body["device_id"] != "phone-1" {
		t.Errorf("expected phone-1, got %v", body["device_id"])
	}
	if _, leaked := body["key"]; leaked {
		t.Error("credential key must not appear in introspection")
	}

	// Refresh.
	w, body = doJSON(t, r, http.MethodPost, "/api/auth/refresh", cred.Key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh expected 200, got %d", w.Code)
	}
	if body["expires_at"] == "" {
		t.Error("refresh response missing expires_at")
	}

	// Revoke, then everything fails with the revoked code.
	w, _ = doJSON(t, r, http.MethodPost, "/api/auth/revoke", cred.Key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke expected 200, got %d", w.Code)
	}
	w, body = doJSON(t, r, http.MethodGet, "/api/auth/info", cred.Key, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after revocation, got %d", w.Code)
	}
	if body["code"] != "revoked" {
		t.Errorf("expected revoked code, got %v", body["code"])
	}
}

func TestExtractKeyForms(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		header string
		query  string
		want   string
		ok     bool
	}{
		{"bearer", "Bearer abc", "", "abc", true},
		{"query", "", "abc", "abc", true},
		{"header wins", "Bearer abc", "other", "abc", true},
		{"wrong scheme", "Basic abc", "", "", false},
		{"empty bearer", "Bearer ", "", "", false},
		{"nothing", "", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			url := "/ws"
			if tc.query != "" {
				url += "?key=" + tc.query
			}
			c.Request = httptest.NewRequest(http.MethodGet, url, nil)
			if tc.header != "" {
				c.Request.Header.Set("Authorization", tc.header)
			}

			key, ok := ExtractKey(c)
			if ok != tc.ok || key != tc.want {
				t.Errorf("got (%q, %v), want (%q, %v)", key, ok, tc.want, tc.ok)
			}
		})
	}
}
