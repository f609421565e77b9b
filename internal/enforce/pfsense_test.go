package enforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
)

// fakePfSense はpfSense APIのエイリアス操作を模擬するテストサーバ。
type fakePfSense struct {
	mu       sync.Mutex
	address  string
	detail   string
	applied  int
	puts     []aliasUpdateRequest
	failWith int
}

func (f *fakePfSense) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/firewall/alias", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			return
		}
		resp := map[string]any{
			"data": []map[string]any{
				{"name": "other_alias", "type": "host", "address": "172.16.0.1", "detail": ""},
				{"name": "captive_portal_allowed", "type": "host", "address": f.address, "detail": f.detail},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("PUT /api/v1/firewall/alias", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req aliasUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.puts = append(f.puts, req)
		f.address = req.Address
		f.detail = req.Detail
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200})
	})
	mux.HandleFunc("POST /api/v1/firewall/apply", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.applied++
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200})
	})
	return mux
}

// newPerimeterTest はリトライなしのpfSenseバックエンドをテストサーバへ向けて生成する。
func newPerimeterTest(t *testing.T, baseURL string) *perimeterBackend {
	t.Helper()
	httpClient := resty.New().
		SetBaseURL(baseURL + "/api/v1").
		SetTimeout(2 * time.Second).
		SetHeader("Authorization", "test-key test-secret").
		SetHeader("Content-Type", "application/json")
	return &perimeterBackend{
		httpClient: httpClient,
		alias:      "captive_portal_allowed",
		clock:      func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func perimeterRecord(ip string) *model.SessionRecord {
	return &model.SessionRecord{
		Identity: "AA:BB:CC:DD:EE:FF",
		Subject:  "alice",
		ClientIP: ip,
		Status:   model.StatusActive,
	}
}

func TestPerimeterGrant(t *testing.T) {
	fake := &fakePfSense{address: "10.0.0.1", detail: "bob@2024-01-01 10:00"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	if err := b.Grant(context.Background(), perimeterRecord("10.0.0.2")); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.puts) != 1 {
		t.Fatalf("expected 1 PUT, got %d", len(fake.puts))
	}
	if fake.puts[0].Address != "10.0.0.1 10.0.0.2" {
		t.Errorf("address: got %q", fake.puts[0].Address)
	}
	if !strings.HasPrefix(fake.puts[0].Detail, "bob@2024-01-01 10:00||alice@") {
		t.Errorf("detail: got %q", fake.puts[0].Detail)
	}
	if fake.applied != 1 {
		t.Errorf("apply count: got %d, want 1", fake.applied)
	}
}

func TestPerimeterGrantAlreadyPresent(t *testing.T) {
	fake := &fakePfSense{address: "10.0.0.2", detail: "alice@2024-01-01 10:00"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	if err := b.Grant(context.Background(), perimeterRecord("10.0.0.2")); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.puts) != 0 {
		t.Errorf("expected no PUT for already present IP, got %d", len(fake.puts))
	}
	if fake.applied != 0 {
		t.Errorf("expected no apply, got %d", fake.applied)
	}
}

func TestPerimeterGrantNoUsableIP(t *testing.T) {
	fake := &fakePfSense{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	err := b.Grant(context.Background(), perimeterRecord(""))
	if err == nil {
		t.Fatal("expected error for record without client IP")
	}
	if IsTransient(err) {
		t.Error("missing IP must be a permanent error")
	}
}

func TestPerimeterGrantIPIdentity(t *testing.T) {
	fake := &fakePfSense{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	// identityがIPの場合はclient_ipなしでも登録できる
	rec := &model.SessionRecord{Identity: "10.0.0.9", Subject: "carol", Status: model.StatusActive}
	if err := b.Grant(context.Background(), rec); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.address != "10.0.0.9" {
		t.Errorf("address: got %q", fake.address)
	}
}

func TestPerimeterRevoke(t *testing.T) {
	fake := &fakePfSense{
		address: "10.0.0.1 10.0.0.2 10.0.0.3",
		detail:  "a@x||b@y||c@z",
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	if err := b.Revoke(context.Background(), perimeterRecord("10.0.0.2")); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.address != "10.0.0.1 10.0.0.3" {
		t.Errorf("address: got %q", fake.address)
	}
	if fake.detail != "a@x||c@z" {
		t.Errorf("detail: got %q", fake.detail)
	}
	if fake.applied != 1 {
		t.Errorf("apply count: got %d", fake.applied)
	}
}

func TestPerimeterRevokeMisalignedDetail(t *testing.T) {
	// detailがaddressより短い場合でも、削除対象と同じ位置のdetailだけが消える
	fake := &fakePfSense{
		address: "10.0.0.1 10.0.0.2 10.0.0.3",
		detail:  "alice@2024-01-01 10:00",
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	if err := b.Revoke(context.Background(), perimeterRecord("10.0.0.2")); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.address != "10.0.0.1 10.0.0.3" {
		t.Errorf("address: got %q", fake.address)
	}
	if fake.detail != "alice@2024-01-01 10:00||" {
		t.Errorf("detail: got %q", fake.detail)
	}
}

func TestPerimeterGrantMisalignedDetail(t *testing.T) {
	fake := &fakePfSense{address: "10.0.0.1 10.0.0.2", detail: "bob@2024-01-01 10:00"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	if err := b.Grant(context.Background(), perimeterRecord("10.0.0.3")); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.address != "10.0.0.1 10.0.0.2 10.0.0.3" {
		t.Errorf("address: got %q", fake.address)
	}
	// 既存分のdetailを空で埋めてから追記する
	if !strings.HasPrefix(fake.detail, "bob@2024-01-01 10:00||||alice@") {
		t.Errorf("detail: got %q", fake.detail)
	}
}

func TestPerimeterRevokeAbsent(t *testing.T) {
	fake := &fakePfSense{address: "10.0.0.1", detail: "a@x"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	if err := b.Revoke(context.Background(), perimeterRecord("10.0.0.99")); err != nil {
		t.Errorf("Revoke should be idempotent, got: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.puts) != 0 {
		t.Errorf("expected no PUT for absent IP, got %d", len(fake.puts))
	}
}

func TestPerimeterList(t *testing.T) {
	fake := &fakePfSense{address: "10.0.0.1 10.0.0.2", detail: "a@x||b@y"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	ips, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ips) != 2 || ips[0] != "10.0.0.1" || ips[1] != "10.0.0.2" {
		t.Errorf("List: got %v", ips)
	}
}

func TestPerimeterListEmptyAlias(t *testing.T) {
	fake := &fakePfSense{address: "", detail: ""}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	ips, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ips) != 0 {
		t.Errorf("List: got %v, want empty", ips)
	}
}

func TestPerimeterServerErrorIsTransient(t *testing.T) {
	fake := &fakePfSense{failWith: http.StatusInternalServerError}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newPerimeterTest(t, srv.URL)

	_, err := b.List(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("5xx must be transient, got: %v", err)
	}
}

func TestPerimeterConnectionErrorIsTransient(t *testing.T) {
	fake := &fakePfSense{}
	srv := httptest.NewServer(fake.handler())
	b := newPerimeterTest(t, srv.URL)
	srv.Close()

	err := b.Grant(context.Background(), perimeterRecord("10.0.0.2"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("connection error must be transient, got: %v", err)
	}
}

func TestPerimeterAliasNotFound(t *testing.T) {
	fake := &fakePfSense{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	b := newPerimeterTest(t, srv.URL)
	b.alias = "missing_alias"

	_, err := b.List(context.Background())
	if err == nil {
		t.Fatal("expected error for missing alias")
	}
	if IsTransient(err) {
		t.Error("missing alias must be a permanent error")
	}
}

func TestNewPerimeterBackendConfig(t *testing.T) {
	cfg := &config.Config{
		AuthMethod:       config.AuthMethodPerimeterAPI,
		PfSenseHost:      "https://192.168.1.1",
		PfSenseAPIKey:    "key",
		PfSenseAPISecret: "secret",
		PfSenseAlias:     "captive_portal_allowed",
	}
	b := NewPerimeterBackend(cfg)
	if b.Name() != BackendNamePerimeterAPI {
		t.Errorf("Name: got %v", b.Name())
	}
}
