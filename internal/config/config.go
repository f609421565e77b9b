// Package config はアプリケーション設定を提供する。
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AUTH_METHODで選択可能な強制バックエンド
const (
	AuthMethodLinkLayer    = "link_layer"    // nftablesによるMACアドレス許可リスト
	AuthMethodRadiusCoA    = "radius_coa"    // RADIUS CoA / Disconnect-Request
	AuthMethodPerimeterAPI = "perimeter_api" // pfSense REST APIのエイリアス操作
)

// Config はアプリケーション設定を保持する
type Config struct {
	// 強制バックエンド選択
	AuthMethod string `envconfig:"AUTH_METHOD" required:"true"`

	// セッション・照合設定
	SessionTimeout    time.Duration `envconfig:"SESSION_TIMEOUT" default:"8h"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	IdPFailThreshold  int           `envconfig:"IDP_FAIL_THRESHOLD" default:"5"`
	RevokedRetention  time.Duration `envconfig:"REVOKED_RETENTION" default:"10m"`

	// HTTP API設定
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Valkey接続設定
	RedisHost string `envconfig:"REDIS_HOST" required:"true"`
	RedisPort string `envconfig:"REDIS_PORT" required:"true"`
	RedisPass string `envconfig:"REDIS_PASS" required:"true"`

	// link_layer（nftables）設定
	NftFamily string `envconfig:"NFT_FAMILY" default:"inet"`
	NftTable  string `envconfig:"NFT_TABLE" default:"filter"`
	NftSet    string `envconfig:"NFT_SET" default:"allowed_macs"`

	// radius_coa設定
	RadiusNasIP          string        `envconfig:"RADIUS_NAS_IP"`
	RadiusSecret         string        `envconfig:"RADIUS_SECRET"`
	RadiusCoAPort        int           `envconfig:"RADIUS_COA_PORT" default:"3799"`
	RadiusCoAGrant       bool          `envconfig:"RADIUS_COA_GRANT" default:"false"`
	RadiusCoAMaxAttempts int           `envconfig:"RADIUS_COA_MAX_ATTEMPTS" default:"3"`
	RadiusCoATimeout     time.Duration `envconfig:"RADIUS_COA_TIMEOUT" default:"5s"`

	// perimeter_api（pfSense）設定
	PfSenseHost      string `envconfig:"PFSENSE_HOST"`
	PfSenseAPIKey    string `envconfig:"PFSENSE_API_KEY"`
	PfSenseAPISecret string `envconfig:"PFSENSE_API_SECRET"`
	PfSenseAlias     string `envconfig:"PFSENSE_ALIAS" default:"captive_portal_allowed"`
	PfSenseVerifySSL bool   `envconfig:"PFSENSE_VERIFY_SSL" default:"false"`

	// Keycloak（IdPセッション照会）設定
	KeycloakURL               string `envconfig:"KEYCLOAK_URL" required:"true"`
	KeycloakRealm             string `envconfig:"KEYCLOAK_REALM" required:"true"`
	KeycloakClientID          string `envconfig:"KEYCLOAK_CLIENT_ID" required:"true"`
	KeycloakAdminClientID     string `envconfig:"KEYCLOAK_ADMIN_CLIENT_ID" required:"true"`
	KeycloakAdminClientSecret string `envconfig:"KEYCLOAK_ADMIN_CLIENT_SECRET" required:"true"`

	// ログ設定
	LogLevel        string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogMaskIdentity bool   `envconfig:"LOG_MASK_IDENTITY" default:"true"`
}

// Load は環境変数から設定を読み込む
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ValkeyAddr はValkey接続アドレスを "host:port" 形式で返す
func (c *Config) ValkeyAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// validate は設定値のバリデーションを行う
func (c *Config) validate() error {
	switch c.AuthMethod {
	case AuthMethodLinkLayer:
		if strings.TrimSpace(c.NftSet) == "" {
			return fmt.Errorf("NFT_SET must not be empty")
		}
	case AuthMethodRadiusCoA:
		if net.ParseIP(c.RadiusNasIP) == nil {
			return fmt.Errorf("RADIUS_NAS_IP must be a valid IP address")
		}
		if c.RadiusSecret == "" {
			return fmt.Errorf("RADIUS_SECRET must not be empty")
		}
		if c.RadiusCoAMaxAttempts < 1 {
			return fmt.Errorf("RADIUS_COA_MAX_ATTEMPTS must be >= 1")
		}
	case AuthMethodPerimeterAPI:
		if !strings.HasPrefix(c.PfSenseHost, "http://") && !strings.HasPrefix(c.PfSenseHost, "https://") {
			return fmt.Errorf("PFSENSE_HOST must start with http:// or https://")
		}
		if c.PfSenseAPIKey == "" || c.PfSenseAPISecret == "" {
			return fmt.Errorf("PFSENSE_API_KEY and PFSENSE_API_SECRET must not be empty")
		}
	default:
		return fmt.Errorf("AUTH_METHOD must be one of %s, %s, %s",
			AuthMethodLinkLayer, AuthMethodRadiusCoA, AuthMethodPerimeterAPI)
	}

	if !strings.HasPrefix(c.KeycloakURL, "http://") && !strings.HasPrefix(c.KeycloakURL, "https://") {
		return fmt.Errorf("KEYCLOAK_URL must start with http:// or https://")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.IdPFailThreshold < 1 {
		return fmt.Errorf("IDP_FAIL_THRESHOLD must be >= 1")
	}
	return nil
}
