package enforce

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/internal/radiuscoa"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
)

// BackendNameRadiusCoA はRADIUS CoAバックエンドの名称
const BackendNameRadiusCoA = "radius_coa"

// coaBackend はRADIUS Dynamic Authorization（RFC 5176）で
// NASのセッションを操作するBackend実装。
//
// NASは自らの強制テーブルを公開しないためListは非対応。
// 許可は通常NAS側の認証フローで成立するため、GrantはcoaGrantが
// 有効な場合のみSession-Timeout再設定のCoA-Requestを送る。
type coaBackend struct {
	client   radiuscoa.Client
	nasIP    net.IP
	coaGrant bool
	clock    func() time.Time
}

// NewCoABackend はRADIUS CoAバックエンドを生成する。
func NewCoABackend(cfg *config.Config, client radiuscoa.Client) Backend {
	return &coaBackend{
		client:   client,
		nasIP:    net.ParseIP(cfg.RadiusNasIP),
		coaGrant: cfg.RadiusCoAGrant,
		clock:    time.Now,
	}
}

// Name はバックエンド名を返す。
func (b *coaBackend) Name() string {
	return BackendNameRadiusCoA
}

// Grant はcoaGrant有効時のみSession-Timeout付きCoA-Requestを送信する。
// 無効時は何もしない（許可はNASの認証フローに委ねる）。
func (b *coaBackend) Grant(ctx context.Context, rec *model.SessionRecord) error {
	if !b.coaGrant {
		return nil
	}

	remaining := rec.RemainingTTL(b.clock())
	if remaining <= 0 {
		return NewPermanentError(b.Name(), "grant", apperr.ErrRecordExpired)
	}

	if err := b.client.CoA(ctx, b.sessionOf(rec), remaining); err != nil {
		return b.classify("grant", err)
	}
	return nil
}

// Revoke はDisconnect-Requestを送信してNASのセッションを切断する。
// NAS側にセッションが無い場合（Error-Cause 503）は成功扱い。
func (b *coaBackend) Revoke(ctx context.Context, rec *model.SessionRecord) error {
	err := b.client.Disconnect(ctx, b.sessionOf(rec))
	if errors.Is(err, radiuscoa.ErrSessionContextNotFound) {
		slog.Debug("session already absent on nas",
			"event_id", "COA_SESSION_ABSENT",
		)
		return nil
	}
	if err != nil {
		return b.classify("revoke", err)
	}
	return nil
}

// List はNASのセッション列挙に対応しないため常にErrListUnsupportedを返す。
func (b *coaBackend) List(ctx context.Context) ([]string, error) {
	return nil, apperr.ErrListUnsupported
}

// sessionOf はレコードからNASのセッション特定属性を組み立てる。
func (b *coaBackend) sessionOf(rec *model.SessionRecord) *radiuscoa.Session {
	sess := &radiuscoa.Session{
		UserName:      rec.Subject,
		AcctSessionID: rec.IdPSessionRef,
		NasIP:         b.nasIP,
	}
	if model.IsMAC(rec.Identity) {
		sess.MAC = rec.Identity
	}
	return sess
}

// classify はCoAクライアントのエラーをBackendErrorに分類する。
// 無応答は再送で解決しうるため再試行可能、NAKと検証失敗は設定の問題と見なす。
func (b *coaBackend) classify(op string, err error) error {
	if errors.Is(err, apperr.ErrCoANoResponse) {
		return NewTransientError(b.Name(), op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTransientError(b.Name(), op, err)
	}
	return NewPermanentError(b.Name(), op, err)
}
