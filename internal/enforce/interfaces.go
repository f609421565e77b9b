// Package enforce はネットワーク強制ポイントへの許可・剥奪操作を提供する。
package enforce

//go:generate mockgen -source=interfaces.go -destination=mock_interfaces.go -package=enforce

import (
	"context"

	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
)

// Backend は強制ポイント（nftables / NAS / pfSense）への操作を定義する。
// GrantとRevokeは冪等であり、既に反映済みの状態への再適用は成功扱いとする。
type Backend interface {
	// Name はバックエンド名（ログ用）を返す。
	Name() string
	// Grant はレコードのidentityに対して通信許可を付与する。
	Grant(ctx context.Context, rec *model.SessionRecord) error
	// Revoke はレコードのidentityの通信許可を剥奪する。
	Revoke(ctx context.Context, rec *model.SessionRecord) error
	// List は強制ポイント側で現在許可されているエントリ一覧を返す。
	// 列挙非対応のバックエンドはapperr.ErrListUnsupportedを返す。
	List(ctx context.Context) ([]string, error)
}
