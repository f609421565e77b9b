// Package idp はIdPセッションの有効性照会を提供する。
package idp

//go:generate mockgen -source=interfaces.go -destination=mock_interfaces.go -package=idp

import "context"

// SessionInfo はIdP側セッションの照会結果。
type SessionInfo struct {
	// Active はセッションがIdP側で有効か
	Active bool
	// Subject はセッション所有者のユーザー名（Activeな場合のみ設定）
	Subject string
	// ExpiresAt はIdP側セッションの有効期限（Unix秒）。
	// IdPが期限を報告しない場合は0。
	ExpiresAt int64
}

// Client はIdPへのセッション照会を定義する。
type Client interface {
	// ValidateSession はセッション参照refがIdP側で有効かを照会する。
	// IdPに到達できない場合はErrUnreachable、管理API認証に失敗した
	// 場合はErrUnauthorizedを返す。refが見つからない場合はエラーではなく
	// Active=falseを返す。
	ValidateSession(ctx context.Context, ref string) (*SessionInfo, error)
}
