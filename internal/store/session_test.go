package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
	"github.com/redis/go-redis/v9"
)

const (
	testMAC       = "AA:BB:CC:DD:EE:FF"
	testRetention = 10 * time.Minute
)

var testNow = time.Unix(1700000000, 0)

// newTestStore はminiredisに接続したSessionStoreを生成する。
func newTestStore(t *testing.T, mr *miniredis.Miniredis) SessionStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	vc := NewValkeyClientFromRedis(client)
	return NewSessionStoreWithClock(vc, testRetention, func() time.Time { return testNow })
}

func newActiveRecord() *model.SessionRecord {
	return &model.SessionRecord{
		Identity:      testMAC,
		Subject:       "alice",
		IdPSessionRef: "kc-session-001",
		ClientIP:      "10.0.0.100",
		CreatedAt:     testNow.Unix(),
		ExpiresAt:     testNow.Add(8 * time.Hour).Unix(),
		Status:        model.StatusActive,
	}
}

func TestSessionStorePutAndGet(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	rec := newActiveRecord()
	if err := ss.Put(ctx, rec, model.StatusNone); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := ss.Get(ctx, testMAC)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Identity != testMAC {
		t.Errorf("Identity: got %v, want %v", got.Identity, testMAC)
	}
	if got.Subject != "alice" {
		t.Errorf("Subject: got %v, want alice", got.Subject)
	}
	if got.IdPSessionRef != "kc-session-001" {
		t.Errorf("IdPSessionRef: got %v", got.IdPSessionRef)
	}
	if got.Status != model.StatusActive {
		t.Errorf("Status: got %v, want active", got.Status)
	}
	if got.ExpiresAt != rec.ExpiresAt {
		t.Errorf("ExpiresAt: got %v, want %v", got.ExpiresAt, rec.ExpiresAt)
	}
}

func TestSessionStoreGetNotFound(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	_, err := ss.Get(ctx, "11:22:33:44:55:66")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got: %v", err)
	}
}

func TestSessionStorePutCASConflict(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	rec := newActiveRecord()
	if err := ss.Put(ctx, rec, model.StatusNone); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// 保存済みステータスはactiveなのにpending期待で書き込むと競合
	rec2 := newActiveRecord()
	rec2.Status = model.StatusRevoked
	err := ss.Put(ctx, rec2, model.StatusPending)
	if !errors.Is(err, ErrStoreConflict) {
		t.Errorf("expected ErrStoreConflict, got: %v", err)
	}

	// 元のレコードは変更されていない
	got, err := ss.Get(ctx, testMAC)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != model.StatusActive {
		t.Errorf("Status after conflict: got %v, want active", got.Status)
	}
}

func TestSessionStorePutCASExpectNoneOnExisting(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	if err := ss.Put(ctx, newActiveRecord(), model.StatusNone); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// 既存レコードがある状態でStatusNone期待は競合
	err := ss.Put(ctx, newActiveRecord(), model.StatusNone)
	if !errors.Is(err, ErrStoreConflict) {
		t.Errorf("expected ErrStoreConflict, got: %v", err)
	}
}

func TestSessionStorePutStatusTransition(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	pending := newActiveRecord()
	pending.Status = model.StatusPending
	if err := ss.Put(ctx, pending, model.StatusNone); err != nil {
		t.Fatalf("Put(pending) failed: %v", err)
	}

	active := newActiveRecord()
	if err := ss.Put(ctx, active, model.StatusPending); err != nil {
		t.Fatalf("Put(active, expect pending) failed: %v", err)
	}

	got, err := ss.Get(ctx, testMAC)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != model.StatusActive {
		t.Errorf("Status: got %v, want active", got.Status)
	}
}

func TestSessionStorePendingTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	rec := newActiveRecord()
	rec.Status = model.StatusPending
	if err := ss.Put(ctx, rec, model.StatusNone); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ttl := mr.TTL(KeyPrefixGrant + testMAC)
	if ttl != config.PendingTTL {
		t.Errorf("pending TTL: got %v, want %v", ttl, config.PendingTTL)
	}
}

func TestSessionStoreActiveTTLIncludesSlack(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	rec := newActiveRecord()
	rec.ExpiresAt = testNow.Add(time.Hour).Unix()
	if err := ss.Put(ctx, rec, model.StatusNone); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ttl := mr.TTL(KeyPrefixGrant + testMAC)
	want := time.Hour + config.ActiveTTLSlack
	if ttl != want {
		t.Errorf("active TTL: got %v, want %v", ttl, want)
	}
}

func TestSessionStoreRevokedTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	rec := newActiveRecord()
	rec.Status = model.StatusRevoked
	rec.RevokedAt = testNow.Unix()
	if err := ss.Put(ctx, rec, model.StatusNone); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ttl := mr.TTL(KeyPrefixGrant + testMAC)
	if ttl != testRetention {
		t.Errorf("revoked TTL: got %v, want %v", ttl, testRetention)
	}
}

func TestSessionStoreDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	if err := ss.Put(ctx, newActiveRecord(), model.StatusNone); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := ss.Delete(ctx, testMAC); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := ss.Get(ctx, testMAC); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound after delete, got: %v", err)
	}
}

func TestSessionStoreDeleteNonexistent(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	// 存在しないキーの削除も成功扱い
	if err := ss.Delete(ctx, "11:22:33:44:55:66"); err != nil {
		t.Errorf("Delete(nonexistent) failed: %v", err)
	}
}

func TestSessionStoreScanAll(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	macs := []string{"AA:BB:CC:00:00:01", "AA:BB:CC:00:00:02", "AA:BB:CC:00:00:03"}
	for _, mac := range macs {
		rec := newActiveRecord()
		rec.Identity = mac
		if err := ss.Put(ctx, rec, model.StatusNone); err != nil {
			t.Fatalf("Put(%s) failed: %v", mac, err)
		}
	}

	records, err := ss.ScanAll(ctx)
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ScanAll: got %d records, want 3", len(records))
	}

	seen := make(map[string]bool)
	for _, rec := range records {
		seen[rec.Identity] = true
	}
	for _, mac := range macs {
		if !seen[mac] {
			t.Errorf("ScanAll missing %s", mac)
		}
	}
}

func TestSessionStoreScanAllEmpty(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	records, err := ss.ScanAll(ctx)
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("ScanAll: got %d records, want 0", len(records))
	}
}

func TestSessionStoreValkeyError(t *testing.T) {
	mr := miniredis.RunT(t)
	ss := newTestStore(t, mr)
	ctx := context.Background()

	// Valkey停止
	mr.Close()

	_, err := ss.Get(ctx, testMAC)
	if err == nil {
		t.Fatal("expected error when Valkey is down")
	}
	if !errors.Is(err, ErrValkeyUnavailable) {
		t.Errorf("expected ErrValkeyUnavailable, got: %v", err)
	}

	// 操作名とキーはValkeyErrorとして取り出せる
	var verr *apperr.ValkeyError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValkeyError in chain, got: %v", err)
	}
	if verr.Operation != "HGETALL" {
		t.Errorf("Operation: got %q, want HGETALL", verr.Operation)
	}
	if verr.Key != KeyPrefixGrant+testMAC {
		t.Errorf("Key: got %q, want %q", verr.Key, KeyPrefixGrant+testMAC)
	}
}
