package apperr

import "fmt"

// ValkeyError はValkeyとの操作エラーを表す。
type ValkeyError struct {
	Operation string // 操作名（HGETALL, WATCH, DEL等）
	Key       string // 操作対象のキー
	Cause     error  // 根本原因
}

// Error はerrorインターフェースを実装する。
func (e *ValkeyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("valkey error: operation=%s, key=%s, cause=%v",
			e.Operation, e.Key, e.Cause)
	}
	return fmt.Sprintf("valkey error: operation=%s, key=%s", e.Operation, e.Key)
}

// Unwrap は根本原因を返す。
func (e *ValkeyError) Unwrap() error {
	return e.Cause
}

// NewValkeyError はValkeyErrorを生成する。
func NewValkeyError(operation, key string, cause error) *ValkeyError {
	return &ValkeyError{
		Operation: operation,
		Key:       key,
		Cause:     cause,
	}
}

// IdPError はIdP管理APIとの通信エラーを表す。
type IdPError struct {
	Endpoint   string // 呼び出したエンドポイント
	StatusCode int    // HTTPステータスコード（接続失敗時は0）
	Cause      error  // 根本原因
}

// Error はerrorインターフェースを実装する。
func (e *IdPError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("idp error: endpoint=%s, statusCode=%d, cause=%v",
			e.Endpoint, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("idp error: endpoint=%s, statusCode=%d", e.Endpoint, e.StatusCode)
}

// Unwrap は根本原因を返す。
func (e *IdPError) Unwrap() error {
	return e.Cause
}

// NewIdPError はIdPErrorを生成する。
func NewIdPError(endpoint string, statusCode int, cause error) *IdPError {
	return &IdPError{
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Cause:      cause,
	}
}
