// Package coordinator は許可・剥奪操作の調停を提供する。
// ストアと強制ポイントの間の整合性を、identity単位の排他と
// ステータスCASの再試行で維持する。
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/internal/enforce"
	"github.com/oyaguma3/captive-enforcer-poc/internal/store"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/logging"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
)

// GrantRequest は許可付与の入力。
type GrantRequest struct {
	// Identity は対象のMACまたはIPアドレス（正規化前でよい）
	Identity string
	// Subject はIdP上のユーザー名
	Subject string
	// IdPSessionRef はIdPセッションの参照ID
	IdPSessionRef string
	// ClientIP はクライアントのIPアドレス（perimeter_apiで必須）
	ClientIP string
	// TTL は許可の有効期間。0またはSESSION_TIMEOUT超はSESSION_TIMEOUTに丸める。
	TTL time.Duration
}

// Coordinator はGrant/Revoke/Statusを直列化して実行する。
type Coordinator struct {
	store          store.SessionStore
	backend        enforce.Backend
	sessionTimeout time.Duration
	locks          *identityLocks
	fields         *logging.CommonFields
	clock          func() time.Time
}

// New はCoordinatorの新しいインスタンスを生成する。
func New(ss store.SessionStore, backend enforce.Backend, sessionTimeout time.Duration, masker *logging.Masker) *Coordinator {
	return &Coordinator{
		store:          ss,
		backend:        backend,
		sessionTimeout: sessionTimeout,
		locks:          newIdentityLocks(),
		fields:         logging.NewCommonFields(masker),
		clock:          time.Now,
	}
}

// Grant は許可を付与してactiveレコードを返す。
// 未失効のactiveレコードが既にある場合はそれを返す（冪等）。
// pendingで書き込んでから強制ポイントに反映し、成功後にactiveへ昇格する。
// 強制ポイントへの反映に失敗した場合はレコードを残さない。
func (c *Coordinator) Grant(ctx context.Context, req *GrantRequest) (*model.SessionRecord, error) {
	identity, err := model.NormalizeIdentity(req.Identity)
	if err != nil {
		return nil, err
	}

	release := c.locks.acquire(identity)
	defer release()

	var lastErr error
	for attempt := 0; attempt < config.CASRetryLimit; attempt++ {
		rec, err := c.grantOnce(ctx, identity, req)
		if errors.Is(err, store.ErrStoreConflict) {
			lastErr = err
			continue
		}
		return rec, err
	}
	return nil, fmt.Errorf("grant retry limit reached: %w", lastErr)
}

func (c *Coordinator) grantOnce(ctx context.Context, identity string, req *GrantRequest) (*model.SessionRecord, error) {
	now := c.clock()

	existing, err := c.store.Get(ctx, identity)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		existing = nil
	case err != nil:
		return nil, err
	}

	if existing != nil && existing.Status == model.StatusActive && !existing.Expired(now) {
		slog.Info("grant already active",
			logging.WithEventID("GRANT_IDEMPOTENT"),
			c.fields.WithIdentity(identity),
		)
		return existing, nil
	}

	expect := model.StatusNone
	if existing != nil {
		expect = existing.Status
	}

	ttl := req.TTL
	if ttl <= 0 || ttl > c.sessionTimeout {
		ttl = c.sessionTimeout
	}

	rec := &model.SessionRecord{
		Identity:      identity,
		Subject:       req.Subject,
		IdPSessionRef: req.IdPSessionRef,
		ClientIP:      req.ClientIP,
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(ttl).Unix(),
		Status:        model.StatusPending,
	}

	if err := c.store.Put(ctx, rec, expect); err != nil {
		return nil, err
	}

	if err := c.backend.Grant(ctx, rec); err != nil {
		// 反映失敗時はpendingレコードを残さない
		if delErr := c.store.Delete(ctx, identity); delErr != nil {
			slog.Error("pending record rollback failed",
				logging.WithEventID("GRANT_ROLLBACK_FAILED"),
				c.fields.WithIdentity(identity),
				logging.WithError(delErr),
			)
		}
		slog.Error("backend grant failed",
			logging.WithEventID("GRANT_BACKEND_FAILED"),
			c.fields.WithIdentity(identity),
			logging.WithBackend(c.backend.Name()),
			logging.WithError(err),
		)
		return nil, err
	}

	rec.Status = model.StatusActive
	if err := c.store.Put(ctx, rec, model.StatusPending); err != nil {
		return nil, err
	}

	slog.Info("grant activated",
		logging.WithEventID("GRANT_ACTIVATED"),
		c.fields.WithIdentity(identity),
		c.fields.WithSubject(req.Subject),
		logging.WithBackend(c.backend.Name()),
	)
	return rec, nil
}

// Revoke はidentityの許可を剥奪する。
// 強制ポイントの剥奪が成功したらレコードをrevokedへ遷移する。
// レコードが無い場合（孤児エントリ）は強制ポイントの剥奪のみ行う。
// Transientな失敗はレコードを変更せず返し、次の照合サイクルに委ねる。
// Permanentな失敗はレコードをrevokedにした上でエラーを返す。
func (c *Coordinator) Revoke(ctx context.Context, identity string) error {
	normalized, err := model.NormalizeIdentity(identity)
	if err != nil {
		return err
	}

	release := c.locks.acquire(normalized)
	defer release()

	var lastErr error
	for attempt := 0; attempt < config.CASRetryLimit; attempt++ {
		err := c.revokeOnce(ctx, normalized)
		if errors.Is(err, store.ErrStoreConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("revoke retry limit reached: %w", lastErr)
}

func (c *Coordinator) revokeOnce(ctx context.Context, identity string) error {
	rec, err := c.store.Get(ctx, identity)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		return c.revokeOrphan(ctx, identity)
	case err != nil:
		return err
	}

	if rec.Status == model.StatusRevoked {
		return nil
	}

	backendErr := c.backend.Revoke(ctx, rec)
	if backendErr != nil && enforce.IsTransient(backendErr) {
		slog.Warn("backend revoke failed, will retry next cycle",
			logging.WithEventID("REVOKE_RETRY_LATER"),
			c.fields.WithIdentity(identity),
			logging.WithBackend(c.backend.Name()),
			logging.WithError(backendErr),
		)
		return backendErr
	}

	if rec.Status == model.StatusPending {
		// 反映前のレコードは剥奪後に残す意味が無い
		if err := c.store.Delete(ctx, identity); err != nil {
			return err
		}
	} else {
		rec.Status = model.StatusRevoked
		rec.RevokedAt = c.clock().Unix()
		if err := c.store.Put(ctx, rec, model.StatusActive); err != nil {
			return err
		}
	}

	if backendErr != nil {
		slog.Error("backend revoke failed permanently, record marked revoked",
			logging.WithEventID("REVOKE_BACKEND_FAILED"),
			c.fields.WithIdentity(identity),
			logging.WithBackend(c.backend.Name()),
			logging.WithError(backendErr),
		)
		return backendErr
	}

	slog.Info("grant revoked",
		logging.WithEventID("REVOKE_DONE"),
		c.fields.WithIdentity(identity),
		logging.WithBackend(c.backend.Name()),
	)
	return nil
}

// revokeOrphan はレコードの無いidentityの強制ポイントエントリを剥奪する。
func (c *Coordinator) revokeOrphan(ctx context.Context, identity string) error {
	rec := &model.SessionRecord{Identity: identity}
	if net.ParseIP(identity) != nil {
		rec.ClientIP = identity
	}

	if err := c.backend.Revoke(ctx, rec); err != nil {
		return err
	}

	slog.Info("orphan entry revoked",
		logging.WithEventID("REVOKE_ORPHAN"),
		c.fields.WithIdentity(identity),
		logging.WithBackend(c.backend.Name()),
	)
	return nil
}

// Status はidentityのレコードを返す。
func (c *Coordinator) Status(ctx context.Context, identity string) (*model.SessionRecord, error) {
	normalized, err := model.NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	return c.store.Get(ctx, normalized)
}

// Delete はrevokedレコードを物理削除する（保持期間経過後のGC用）。
func (c *Coordinator) Delete(ctx context.Context, identity string) error {
	release := c.locks.acquire(identity)
	defer release()
	return c.store.Delete(ctx, identity)
}
