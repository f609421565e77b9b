package store

import "errors"

var (
	// ErrValkeyUnavailable はValkeyへの接続・コマンド実行に失敗した場合のエラー
	ErrValkeyUnavailable = errors.New("valkey unavailable")

	// ErrRecordNotFound はセッションレコードが存在しない場合のエラー
	ErrRecordNotFound = errors.New("session record not found")

	// ErrStoreConflict はPutのCAS（期待ステータス比較）が失敗した場合のエラー。
	// 呼び出し側は再読込して操作全体をやり直す。
	ErrStoreConflict = errors.New("session record status conflict")
)
