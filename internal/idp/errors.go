package idp

import "github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"

var (
	// ErrUnreachable はIdPに到達できない場合のエラー
	ErrUnreachable = apperr.ErrIdPUnreachable
	// ErrUnauthorized は管理APIクレデンシャルが無効な場合のエラー
	ErrUnauthorized = apperr.ErrIdPUnauthorized
)
