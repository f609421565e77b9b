package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/mock/gomock"

	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/internal/coordinator"
	"github.com/oyaguma3/captive-enforcer-poc/internal/enforce"
	"github.com/oyaguma3/captive-enforcer-poc/internal/store"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/logging"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testMAC = "AA:BB:CC:DD:EE:FF"

// apiFixture はminiredis実ストア＋モックバックエンドでAPI一式を組む。
type apiFixture struct {
	engine  *gin.Engine
	store   store.SessionStore
	backend *enforce.MockBackend
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	vc := store.NewValkeyClientFromRedis(client)
	ss := store.NewSessionStore(vc, 10*time.Minute)

	backend := enforce.NewMockBackend(ctrl)
	backend.EXPECT().Name().Return("test_backend").AnyTimes()

	cfg := &config.Config{AuthMethod: config.AuthMethodLinkLayer}
	masker := logging.NewMasker(false)
	coord := coordinator.New(ss, backend, 8*time.Hour, masker)

	engine := gin.New()
	SetupRouter(engine, NewGrantHandler(coord, cfg, masker))

	return &apiFixture{engine: engine, store: ss, backend: backend}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func grantBody() map[string]any {
	return map[string]any{
		"identity":        "aa:bb:cc:dd:ee:ff",
		"subject":         "alice",
		"idp_session_ref": "ref-001",
		"ttl_seconds":     3600,
		"client_ip":       "10.0.0.5",
	}
}

func TestHandleGrantCreated(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.EXPECT().Grant(gomock.Any(), gomock.Any()).Return(nil)

	w := f.do(t, http.MethodPost, "/api/v1/grants", grantBody())

	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201, body: %s", w.Code, w.Body.String())
	}

	var resp GrantResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Identity != testMAC {
		t.Errorf("identity not normalized: got %q", resp.Identity)
	}
	if resp.Status != string(model.StatusActive) {
		t.Errorf("status: got %q, want active", resp.Status)
	}
	if resp.ExpiresAt <= resp.CreatedAt {
		t.Errorf("expires_at %d not after created_at %d", resp.ExpiresAt, resp.CreatedAt)
	}
}

func TestHandleGrantInvalidBody(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/grants", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/problem+json" {
		t.Errorf("Content-Type: got %q", got)
	}
}

func TestHandleGrantMissingSubject(t *testing.T) {
	f := newAPIFixture(t)

	body := grantBody()
	delete(body, "subject")
	w := f.do(t, http.MethodPost, "/api/v1/grants", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandleGrantInvalidIdentity(t *testing.T) {
	f := newAPIFixture(t)

	body := grantBody()
	body["identity"] = "not-an-identity"
	w := f.do(t, http.MethodPost, "/api/v1/grants", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandleGrantBackendTransient(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.EXPECT().Grant(gomock.Any(), gomock.Any()).
		Return(enforce.NewTransientError("test_backend", "grant", context.DeadlineExceeded))

	w := f.do(t, http.MethodPost, "/api/v1/grants", grantBody())

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", w.Code)
	}

	// 失敗したGrantはレコードを残さない
	if _, err := f.store.Get(context.Background(), testMAC); err == nil {
		t.Error("record left behind after failed grant")
	}
}

func TestHandleGrantBackendPermanent(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.EXPECT().Grant(gomock.Any(), gomock.Any()).
		Return(enforce.NewPermanentError("test_backend", "grant", context.Canceled))

	w := f.do(t, http.MethodPost, "/api/v1/grants", grantBody())

	if w.Code != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", w.Code)
	}
}

func TestHandleRevokeNoContent(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.EXPECT().Grant(gomock.Any(), gomock.Any()).Return(nil)
	f.backend.EXPECT().Revoke(gomock.Any(), gomock.Any()).Return(nil)

	if w := f.do(t, http.MethodPost, "/api/v1/grants", grantBody()); w.Code != http.StatusCreated {
		t.Fatalf("setup grant failed: %d", w.Code)
	}

	w := f.do(t, http.MethodDelete, "/api/v1/grants/"+testMAC, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want 204, body: %s", w.Code, w.Body.String())
	}

	rec, err := f.store.Get(context.Background(), testMAC)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != model.StatusRevoked {
		t.Errorf("stored status: got %v, want revoked", rec.Status)
	}
}

func TestHandleRevokeUnknownIdentity(t *testing.T) {
	f := newAPIFixture(t)
	// レコードが無くても強制ポイントの剥奪は通す（孤児エントリ対応）
	f.backend.EXPECT().Revoke(gomock.Any(), gomock.Any()).Return(nil)

	w := f.do(t, http.MethodDelete, "/api/v1/grants/"+testMAC, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", w.Code)
	}
}

func TestHandleRevokeInvalidIdentity(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodDelete, "/api/v1/grants/bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandleStatusFound(t *testing.T) {
	f := newAPIFixture(t)
	f.backend.EXPECT().Grant(gomock.Any(), gomock.Any()).Return(nil)

	if w := f.do(t, http.MethodPost, "/api/v1/grants", grantBody()); w.Code != http.StatusCreated {
		t.Fatalf("setup grant failed: %d", w.Code)
	}

	w := f.do(t, http.MethodGet, "/api/v1/grants/"+testMAC, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}

	var resp GrantResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Subject != "alice" {
		t.Errorf("subject: got %q, want alice", resp.Subject)
	}
}

func TestHandleStatusNotFound(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/grants/"+testMAC, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field: got %q", resp.Status)
	}
	if resp.AuthMethod != config.AuthMethodLinkLayer {
		t.Errorf("auth_method: got %q", resp.AuthMethod)
	}
}

func TestTraceIDMiddlewareGeneratesID(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	if got := w.Header().Get("X-Trace-ID"); got == "" {
		t.Error("X-Trace-ID not set on response")
	}
}

func TestTraceIDMiddlewarePropagatesHeader(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Trace-ID", "trace-123")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	if got := w.Header().Get("X-Trace-ID"); got != "trace-123" {
		t.Errorf("X-Trace-ID: got %q, want trace-123", got)
	}
}
