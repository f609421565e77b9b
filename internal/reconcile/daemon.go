// Package reconcile はストア・IdP・強制ポイント間の定期照合を提供する。
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oyaguma3/captive-enforcer-poc/internal/coordinator"
	"github.com/oyaguma3/captive-enforcer-poc/internal/enforce"
	"github.com/oyaguma3/captive-enforcer-poc/internal/idp"
	"github.com/oyaguma3/captive-enforcer-poc/internal/store"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/logging"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
)

// CycleStats は照合サイクル1回の実行結果。
type CycleStats struct {
	// Scanned はスキャンしたレコード数
	Scanned int
	// Revoked は剥奪したセッション数
	Revoked int
	// Orphans は剥奪した孤児エントリ数
	Orphans int
	// Deleted は削除したrevokedレコード数
	Deleted int
	// Errors は処理に失敗したレコード数
	Errors int
}

// Daemon は照合サイクルを定期実行する。
type Daemon struct {
	store            store.SessionStore
	coord            *coordinator.Coordinator
	backend          enforce.Backend
	idp              idp.Client
	interval         time.Duration
	sessionTimeout   time.Duration
	failThreshold    int
	revokedRetention time.Duration
	fields           *logging.CommonFields
	clock            func() time.Time

	// idpFailures はidentityごとのIdP照会連続失敗回数。
	// サイクルは単一goroutineで回るため排他は不要。
	idpFailures map[string]int
	cycle       uint64
}

// New はDaemonの新しいインスタンスを生成する。
func New(
	ss store.SessionStore,
	coord *coordinator.Coordinator,
	backend enforce.Backend,
	idpClient idp.Client,
	interval time.Duration,
	sessionTimeout time.Duration,
	failThreshold int,
	revokedRetention time.Duration,
	masker *logging.Masker,
) *Daemon {
	return &Daemon{
		store:            ss,
		coord:            coord,
		backend:          backend,
		idp:              idpClient,
		interval:         interval,
		sessionTimeout:   sessionTimeout,
		failThreshold:    failThreshold,
		revokedRetention: revokedRetention,
		fields:           logging.NewCommonFields(masker),
		clock:            time.Now,
		idpFailures:      make(map[string]int),
	}
}

// Run は照合サイクルをinterval間隔で繰り返す。
// 起動直後に1回実行し、ctxのキャンセルで停止する。
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("reconciliation daemon started",
		logging.WithEventID("RECONCILE_STARTED"),
		"interval", d.interval.String(),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil {
			slog.Error("reconciliation cycle failed",
				logging.WithEventID("RECONCILE_CYCLE_FAILED"),
				logging.WithCycle(d.cycle),
				logging.WithError(err),
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("reconciliation daemon stopped",
				logging.WithEventID("RECONCILE_STOPPED"),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce は照合サイクルを1回実行する。
// 個々のレコードの失敗はサイクル全体を止めず、統計に計上して続行する。
// ctxのキャンセルは操作の区切りでのみ反映し、実行中のバックエンド呼び出しは
// opCtxの下で最後まで完了させる（冪等性の前提となる中断禁止）。
func (d *Daemon) RunOnce(ctx context.Context) (*CycleStats, error) {
	d.cycle++
	stats := &CycleStats{}
	opCtx := context.WithoutCancel(ctx)

	records, err := d.store.ScanAll(ctx)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(records)

	// 孤児検出用: ストアが把握しているidentityとIPの集合
	known := make(map[string]bool)

	for _, rec := range records {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		switch rec.Status {
		case model.StatusActive, model.StatusPending:
			known[rec.Identity] = true
			if rec.ClientIP != "" {
				known[rec.ClientIP] = true
			}
		}

		switch rec.Status {
		case model.StatusActive:
			d.reconcileActive(opCtx, rec, stats)
		case model.StatusRevoked:
			d.reconcileRevoked(opCtx, rec, stats)
		}
	}

	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	d.reconcileOrphans(ctx, opCtx, known, stats)

	slog.Info("reconciliation cycle done",
		logging.WithEventID("RECONCILE_CYCLE_DONE"),
		logging.WithCycle(d.cycle),
		"scanned", stats.Scanned,
		"revoked", stats.Revoked,
		"orphans", stats.Orphans,
		"deleted", stats.Deleted,
		"errors", stats.Errors,
	)
	return stats, nil
}

// reconcileActive はactiveレコードのIdPセッション有無と失効を確認する。
// 失効判定はローカルの期限だけで確定せず、必ずIdPへの再照会を先に行う。
// IdPに到達できない場合に限り期限のみで剥奪する。
func (d *Daemon) reconcileActive(ctx context.Context, rec *model.SessionRecord, stats *CycleStats) {
	now := d.clock()
	expired := rec.Expired(now)

	info, err := d.idp.ValidateSession(ctx, rec.IdPSessionRef)
	if err != nil {
		if expired {
			// 失効済みレコードはIdP確認が取れないまま残さない
			delete(d.idpFailures, rec.Identity)
			d.revoke(ctx, rec.Identity, "expired", stats)
			return
		}
		d.handleIdPFailure(ctx, rec, err, stats)
		return
	}
	delete(d.idpFailures, rec.Identity)

	if !info.Active {
		reason := "idp_session_gone"
		if expired {
			reason = "expired"
		}
		d.revoke(ctx, rec.Identity, reason, stats)
		return
	}

	d.syncExpiry(ctx, rec, info, now, stats)
}

// syncExpiry はレコード期限をIdP報告期限とローカル上限のminに同期する。
// IdP側でセッションが延長されていれば失効済みレコードも延命される。
func (d *Daemon) syncExpiry(ctx context.Context, rec *model.SessionRecord, info *idp.SessionInfo, now time.Time, stats *CycleStats) {
	want := rec.ExpiresAt
	if info.ExpiresAt > 0 {
		want = info.ExpiresAt
		if limit := rec.CreatedAt + int64(d.sessionTimeout/time.Second); want > limit {
			want = limit
		}
	}

	if now.Unix() >= want {
		d.revoke(ctx, rec.Identity, "expired", stats)
		return
	}
	if want == rec.ExpiresAt {
		return
	}

	rec.ExpiresAt = want
	if err := d.store.Put(ctx, rec, model.StatusActive); err != nil {
		stats.Errors++
		slog.Error("session expiry sync failed",
			logging.WithEventID("IDP_EXPIRY_SYNC_FAILED"),
			d.fields.WithIdentity(rec.Identity),
			logging.WithError(err),
		)
		return
	}
	slog.Info("session expiry synced",
		logging.WithEventID("IDP_EXPIRY_SYNCED"),
		d.fields.WithIdentity(rec.Identity),
		"expires_at", want,
	)
}

// handleIdPFailure はIdP照会失敗時の連続失敗回数を更新する。
// 閾値を超えたセッションはIdP側の状態が確認できないまま残すより
// 安全側に倒して強制剥奪する。
func (d *Daemon) handleIdPFailure(ctx context.Context, rec *model.SessionRecord, err error, stats *CycleStats) {
	d.idpFailures[rec.Identity]++
	count := d.idpFailures[rec.Identity]

	if errors.Is(err, idp.ErrUnauthorized) {
		slog.Error("idp admin credentials rejected",
			logging.WithEventID("IDP_UNAUTHORIZED"),
			logging.WithError(err),
		)
	}

	if count <= d.failThreshold {
		slog.Warn("idp check failed, keeping session",
			logging.WithEventID("IDP_CHECK_FAILED"),
			d.fields.WithIdentity(rec.Identity),
			logging.WithRetryCount(count),
			logging.WithError(err),
		)
		return
	}

	slog.Warn("idp failure threshold exceeded, force revoking",
		logging.WithEventID("IDP_FORCE_REVOKE"),
		d.fields.WithIdentity(rec.Identity),
		logging.WithRetryCount(count),
	)
	delete(d.idpFailures, rec.Identity)
	d.revoke(ctx, rec.Identity, "idp_unreachable", stats)
}

// reconcileRevoked は保持期間を過ぎたrevokedレコードを削除する。
func (d *Daemon) reconcileRevoked(ctx context.Context, rec *model.SessionRecord, stats *CycleStats) {
	retained := time.Unix(rec.RevokedAt, 0).Add(d.revokedRetention)
	if d.clock().Before(retained) {
		return
	}

	if err := d.coord.Delete(ctx, rec.Identity); err != nil {
		stats.Errors++
		slog.Error("revoked record cleanup failed",
			logging.WithEventID("RECONCILE_GC_FAILED"),
			d.fields.WithIdentity(rec.Identity),
			logging.WithError(err),
		)
		return
	}
	stats.Deleted++
}

// reconcileOrphans は強制ポイント側にだけ存在するエントリを剥奪する。
// ctxは中断判定のみに使い、実行中の呼び出しはopCtxの下で完了させる。
func (d *Daemon) reconcileOrphans(ctx, opCtx context.Context, known map[string]bool, stats *CycleStats) {
	entries, err := d.backend.List(opCtx)
	if errors.Is(err, apperr.ErrListUnsupported) {
		return
	}
	if err != nil {
		stats.Errors++
		slog.Error("backend list failed",
			logging.WithEventID("RECONCILE_LIST_FAILED"),
			logging.WithBackend(d.backend.Name()),
			logging.WithError(err),
		)
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if known[entry] {
			continue
		}

		if err := d.coord.Revoke(opCtx, entry); err != nil {
			stats.Errors++
			slog.Error("orphan revoke failed",
				logging.WithEventID("RECONCILE_ORPHAN_FAILED"),
				d.fields.WithIdentity(entry),
				logging.WithError(err),
			)
			continue
		}
		stats.Orphans++
	}
}

// revoke はCoordinator経由で剥奪し、統計を更新する。
func (d *Daemon) revoke(ctx context.Context, identity, reason string, stats *CycleStats) {
	if err := d.coord.Revoke(ctx, identity); err != nil {
		stats.Errors++
		slog.Error("session revoke failed",
			logging.WithEventID("RECONCILE_REVOKE_FAILED"),
			d.fields.WithIdentity(identity),
			"reason", reason,
			logging.WithError(err),
		)
		return
	}
	stats.Revoked++
	slog.Info("session revoked",
		logging.WithEventID("RECONCILE_REVOKED"),
		d.fields.WithIdentity(identity),
		"reason", reason,
	)
}
