package radiuscoa

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionContextNotFound はNAS側に対象セッションが存在しない場合のエラー
	//（Error-Cause 503）。剥奪は冪等扱いで成功と見なせる。
	ErrSessionContextNotFound = errors.New("session context not found on NAS")
)

// NAKError はNASがNAKで要求を拒否した場合のエラー
type NAKError struct {
	// Op は拒否された操作（"disconnect" / "coa"）
	Op string
	// ErrorCause はNAKに含まれるError-Cause値（RFC 5176 Section 3.5）。未設定は0。
	ErrorCause int
}

func (e *NAKError) Error() string {
	if e.ErrorCause != 0 {
		return fmt.Sprintf("%s rejected by NAS (error-cause=%d)", e.Op, e.ErrorCause)
	}
	return fmt.Sprintf("%s rejected by NAS", e.Op)
}

// NewNAKError はNAKErrorの新しいインスタンスを生成する。
func NewNAKError(op string, errorCause int) *NAKError {
	return &NAKError{Op: op, ErrorCause: errorCause}
}
