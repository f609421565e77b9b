package logging

import "log/slog"

// ログフィールド名の定数
const (
	FieldTraceID    = "trace_id"
	FieldEventID    = "event_id"
	FieldError      = "error"
	FieldIdentity   = "identity"
	FieldSubject    = "subject"
	FieldBackend    = "backend"
	FieldLatencyMs  = "latency_ms"
	FieldHTTPStatus = "http_status"
	FieldRetryCount = "retry_count"
	FieldCycle      = "cycle"
)

// WithTraceID はトレースIDのslog.Attrを返す。
func WithTraceID(traceID string) slog.Attr {
	return slog.String(FieldTraceID, traceID)
}

// WithEventID はイベントIDのslog.Attrを返す。
func WithEventID(eventID string) slog.Attr {
	return slog.String(FieldEventID, eventID)
}

// WithError はエラーのslog.Attrを返す。
func WithError(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// WithBackend はバックエンドIDのslog.Attrを返す。
func WithBackend(id string) slog.Attr {
	return slog.String(FieldBackend, id)
}

// WithLatency はレイテンシ（ミリ秒）のslog.Attrを返す。
func WithLatency(ms int64) slog.Attr {
	return slog.Int64(FieldLatencyMs, ms)
}

// WithHTTPStatus はHTTPステータスコードのslog.Attrを返す。
func WithHTTPStatus(status int) slog.Attr {
	return slog.Int(FieldHTTPStatus, status)
}

// WithRetryCount はリトライ回数のslog.Attrを返す。
func WithRetryCount(count int) slog.Attr {
	return slog.Int(FieldRetryCount, count)
}

// WithCycle は照合サイクル番号のslog.Attrを返す。
func WithCycle(n uint64) slog.Attr {
	return slog.Uint64(FieldCycle, n)
}

// CommonFields はマスキング設定を保持するログフィールド生成器。
type CommonFields struct {
	masker *Masker
}

// NewCommonFields は新しいCommonFieldsを生成する。
func NewCommonFields(masker *Masker) *CommonFields {
	if masker == nil {
		masker = NewMasker(false)
	}
	return &CommonFields{masker: masker}
}

// WithIdentity はマスキングされたidentityのslog.Attrを返す。
func (cf *CommonFields) WithIdentity(identity string) slog.Attr {
	return slog.String(FieldIdentity, cf.masker.Identity(identity))
}

// WithSubject はマスキングされたsubjectのslog.Attrを返す。
func (cf *CommonFields) WithSubject(subject string) slog.Attr {
	return slog.String(FieldSubject, cf.masker.Subject(subject))
}

// GrantLogFields は付与・剥奪ログ用の共通フィールドを返す。
func (cf *CommonFields) GrantLogFields(traceID, eventID, identity string) []any {
	return []any{
		WithTraceID(traceID),
		WithEventID(eventID),
		cf.WithIdentity(identity),
	}
}
