package enforce

import (
	"errors"
	"fmt"
)

// BackendError は強制ポイント操作の失敗を表す。
// Transientなエラーは次の照合サイクルで再試行されるが、
// Permanentなエラーは再試行しても解決しない設定・権限の問題を示す。
type BackendError struct {
	// Backend はバックエンド名
	Backend string
	// Op は失敗した操作（"grant" / "revoke" / "list"）
	Op string
	// Transient は再試行で解決しうるエラーか
	Transient bool
	// Cause は原因エラー
	Cause error
}

func (e *BackendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Backend, e.Op, kind, e.Cause)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// NewTransientError は再試行可能なBackendErrorを生成する。
func NewTransientError(backend, op string, cause error) *BackendError {
	return &BackendError{Backend: backend, Op: op, Transient: true, Cause: cause}
}

// NewPermanentError は再試行不能なBackendErrorを生成する。
func NewPermanentError(backend, op string, cause error) *BackendError {
	return &BackendError{Backend: backend, Op: op, Transient: false, Cause: cause}
}

// IsTransient はerrが再試行可能なバックエンドエラーかを判定する。
func IsTransient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}
