// Package apperr は共通エラー定義を提供する。
package apperr

import "errors"

// セッションレコード関連エラー
var (
	// ErrRecordExpired はセッションレコード有効期限切れエラー
	ErrRecordExpired = errors.New("session record expired")
)

// 強制バックエンド関連エラー
var (
	// ErrListUnsupported はList非対応バックエンドへのList呼び出しエラー
	ErrListUnsupported = errors.New("list is not supported by this backend")
	// ErrPrivilegeMissing はネットワーク管理権限が無い場合のエラー
	ErrPrivilegeMissing = errors.New("network admin privilege missing")
	// ErrUnknownAuthMethod は未知のAUTH_METHOD指定エラー
	ErrUnknownAuthMethod = errors.New("unknown auth method")
)

// IdP関連エラー
var (
	// ErrIdPUnreachable はIdPに到達できない場合のエラー
	ErrIdPUnreachable = errors.New("identity provider unreachable")
	// ErrIdPUnauthorized はIdP管理APIの認証失敗エラー
	ErrIdPUnauthorized = errors.New("identity provider unauthorized")
)

// RADIUS CoA関連エラー
var (
	// ErrCoANoResponse は再送上限到達まで正規のACK/NAKを受信できなかった
	// 場合のエラー。Authenticator検証に失敗した応答は受信数に入らない。
	ErrCoANoResponse = errors.New("no valid CoA response before retransmit limit")
)

// バリデーション関連エラー
var (
	// ErrInvalidIdentity は不正なidentity（MAC/IP）形式エラー
	ErrInvalidIdentity = errors.New("invalid identity format")
)
