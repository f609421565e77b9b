// Package model はアクセス許可レコードのドメインモデルを提供する。
package model

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
)

// Status はセッションレコードの状態を表す。
// 遷移は pending → active → revoked の一方向のみ。
type Status string

const (
	// StatusNone はレコードが存在しないことを表す（CASの期待値専用）。
	StatusNone Status = ""
	// StatusPending はバックエンド呼び出し中の仮状態。
	StatusPending Status = "pending"
	// StatusActive はネットワークアクセス許可済みの状態。
	StatusActive Status = "active"
	// StatusRevoked は剥奪済み（削除猶予期間中）の状態。
	StatusRevoked Status = "revoked"
)

// IsValid は既知のステータス値かどうかを返す。
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRevoked:
		return true
	}
	return false
}

// CanTransitionTo は state machine 上で許される遷移かどうかを返す。
// revoked から active への直接遷移は存在しない（新規Grantで別レコードを作る）。
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusNone:
		return next == StatusPending
	case StatusPending:
		return next == StatusActive || next == StatusNone
	case StatusActive:
		return next == StatusRevoked
	case StatusRevoked:
		return next == StatusNone
	}
	return false
}

// SessionRecord はidentity単位のアクセス許可レコードを表す。
// Valkey上ではハッシュとして保存される。
type SessionRecord struct {
	Identity      string `redis:"identity"`        // 強制キー（MACまたはIPアドレス）
	Subject       string `redis:"subject"`         // IdP上のユーザー識別子
	IdPSessionRef string `redis:"idp_session_ref"` // IdPセッション再照会用の参照
	ClientIP      string `redis:"client_ip"`       // perimeter_api用のクライアントIP
	CreatedAt     int64  `redis:"created_at"`      // 作成時刻（Unix秒）
	ExpiresAt     int64  `redis:"expires_at"`      // 有効期限（Unix秒）
	RevokedAt     int64  `redis:"revoked_at"`      // 剥奪時刻（Unix秒、未剥奪は0）
	Status        Status `redis:"status"`          // 現在の状態
}

// Expired は指定時刻においてレコードの有効期限が切れているかを返す。
func (r *SessionRecord) Expired(now time.Time) bool {
	return now.Unix() >= r.ExpiresAt
}

// RemainingTTL は指定時刻からの残り有効期間を返す。
// 期限切れの場合は0を返す。
func (r *SessionRecord) RemainingTTL(now time.Time) time.Duration {
	remain := r.ExpiresAt - now.Unix()
	if remain <= 0 {
		return 0
	}
	return time.Duration(remain) * time.Second
}

// NormalizeIdentity はidentityを正規化する。
// MACアドレスはコロン区切り大文字に統一し、IPアドレスはそのまま返す。
// どちらでもない場合はErrInvalidIdentityを返す。
func NormalizeIdentity(identity string) (string, error) {
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", apperr.ErrInvalidIdentity)
	}

	if hw, err := net.ParseMAC(trimmed); err == nil {
		return strings.ToUpper(hw.String()), nil
	}
	if ip := net.ParseIP(trimmed); ip != nil {
		return ip.String(), nil
	}
	return "", fmt.Errorf("%w: %q", apperr.ErrInvalidIdentity, identity)
}

// IsMAC はidentityがMACアドレス形式かどうかを返す。
func IsMAC(identity string) bool {
	_, err := net.ParseMAC(identity)
	return err == nil
}
