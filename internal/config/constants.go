package config

import "time"

// Valkey接続設定
const (
	ValkeyConnectTimeout = 3 * time.Second
	ValkeyCommandTimeout = 2 * time.Second
	ValkeyPoolSize       = 10
	ValkeyMaxRetries     = 3
	ValkeyMinRetryDelay  = 8 * time.Millisecond
	ValkeyMaxRetryDelay  = 512 * time.Millisecond
)

// レコードTTL設定
const (
	// PendingTTL はバックエンド呼び出し中に放置されたpendingレコードのGC期限
	PendingTTL = 60 * time.Second
	// ActiveTTLSlack はactiveレコードTTLに上乗せする猶予。
	// 期限切れ直後にレコードが消えると孤児検出まで剥奪が遅れるため、
	// 照合サイクルが拾えるだけの余裕を持たせる。
	ActiveTTLSlack = 15 * time.Minute
)

// pfSense API接続設定
const (
	PfSenseRequestTimeout = 10 * time.Second
	PfSenseRetryCount     = 3
	PfSenseRetryWait      = 500 * time.Millisecond
	PfSenseRetryMaxWait   = 5 * time.Second
)

// Keycloak管理API接続設定
const (
	KeycloakRequestTimeout = 10 * time.Second
	// KeycloakTokenEarlyRenew はトークン有効期限の何秒前に再取得するか
	KeycloakTokenEarlyRenew = 60 * time.Second
	// KeycloakSessionCacheTTL はアクティブセッション一覧のキャッシュ期間
	KeycloakSessionCacheTTL = 30 * time.Second
)

// Circuit Breaker設定（Keycloak管理API向け）
const (
	CBName             = "keycloak-admin"
	CBMaxRequests      = 3
	CBInterval         = 10 * time.Second
	CBTimeout          = 30 * time.Second
	CBFailureThreshold = 5
)

// nftables実行設定
const (
	NftCommandTimeout = 10 * time.Second
)

// CoA再送設定
const (
	// CoABackoffStep は再送間隔の増分（線形バックオフ）
	CoABackoffStep = 1 * time.Second
)

// Coordinator設定
const (
	// CASRetryLimit はStoreConflict時の操作全体の再試行上限
	CASRetryLimit = 3
)

// サーバーシャットダウン設定
const (
	ShutdownTimeout = 5 * time.Second
)
