package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
	"github.com/sony/gobreaker"
)

// keycloakClient はKeycloak管理APIによるClient実装。
//
// 照会のたびに管理APIを叩くと照合サイクルでIdPに負荷が集中するため、
// クライアントのアクティブセッション一覧を短期間キャッシュして
// その中からセッション参照を引く。
type keycloakClient struct {
	httpClient *resty.Client
	cb         *gobreaker.CircuitBreaker
	baseURL    string
	realm      string
	clientID   string
	adminID    string
	adminSec   string
	clock      func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	clientUUID  string
	ssoMax      time.Duration // realmのSSOセッション最大寿命（0=不明）
	ssoMaxKnown bool
	sessions    map[string]sessionEntry // session ref -> セッション情報
	sessExpiry  time.Time
}

// sessionEntry はキャッシュされたIdPセッション1件分の情報。
type sessionEntry struct {
	Username  string
	ExpiresAt int64 // Unix秒。導出できない場合は0
}

// tokenResponse はトークンエンドポイントの応答。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// clientRepresentation は/admin/realms/{realm}/clientsの応答要素。
type clientRepresentation struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

// userSession は/clients/{uuid}/user-sessionsの応答要素。
// startはミリ秒単位のUnix時刻。
type userSession struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Start    int64  `json:"start"`
}

// realmRepresentation は/admin/realms/{realm}の応答のうち必要な部分。
type realmRepresentation struct {
	SSOSessionMaxLifespan int `json:"ssoSessionMaxLifespan"`
}

// NewKeycloakClient はKeycloak管理APIクライアントを生成する。
func NewKeycloakClient(cfg *config.Config) Client {
	httpClient := resty.New().
		SetTimeout(config.KeycloakRequestTimeout)

	cbSettings := gobreaker.Settings{
		Name:        config.CBName,
		MaxRequests: config.CBMaxRequests,
		Interval:    config.CBInterval,
		Timeout:     config.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.CBFailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				slog.Warn("circuit breaker opened",
					"event_id", "CB_OPEN",
					"cb_name", name,
				)
			case gobreaker.StateHalfOpen:
				slog.Info("circuit breaker half-open",
					"event_id", "CB_HALF_OPEN",
					"cb_name", name,
				)
			case gobreaker.StateClosed:
				slog.Info("circuit breaker closed",
					"event_id", "CB_CLOSE",
					"cb_name", name,
				)
			}
		},
	}

	return &keycloakClient{
		httpClient: httpClient,
		cb:         gobreaker.NewCircuitBreaker(cbSettings),
		baseURL:    strings.TrimRight(cfg.KeycloakURL, "/"),
		realm:      cfg.KeycloakRealm,
		clientID:   cfg.KeycloakClientID,
		adminID:    cfg.KeycloakAdminClientID,
		adminSec:   cfg.KeycloakAdminClientSecret,
		clock:      time.Now,
	}
}

// ValidateSession はセッション参照の有効性をキャッシュ済み一覧から照会する。
func (c *keycloakClient) ValidateSession(ctx context.Context, ref string) (*SessionInfo, error) {
	if ref == "" {
		return &SessionInfo{Active: false}, nil
	}

	sessions, err := c.activeSessions(ctx)
	if err != nil {
		return nil, err
	}

	entry, ok := sessions[ref]
	if !ok {
		return &SessionInfo{Active: false}, nil
	}
	return &SessionInfo{Active: true, Subject: entry.Username, ExpiresAt: entry.ExpiresAt}, nil
}

// activeSessions はクライアントのアクティブセッション一覧を返す。
// キャッシュが新しい場合は管理APIを呼ばない。
func (c *keycloakClient) activeSessions(ctx context.Context) (map[string]sessionEntry, error) {
	c.mu.Lock()
	if c.sessions != nil && c.clock().Before(c.sessExpiry) {
		cached := c.sessions
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	result, err := c.cb.Execute(func() (any, error) {
		return c.fetchSessions(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrUnreachable)
		}
		return nil, err
	}

	sessions := result.(map[string]sessionEntry)

	c.mu.Lock()
	c.sessions = sessions
	c.sessExpiry = c.clock().Add(config.KeycloakSessionCacheTTL)
	c.mu.Unlock()

	return sessions, nil
}

// fetchSessions はクライアントUUIDを解決してアクティブセッション一覧を取得する。
// 各セッションの有効期限はセッション開始時刻とrealmのSSO最大寿命から導出する。
func (c *keycloakClient) fetchSessions(ctx context.Context) (map[string]sessionEntry, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	uuid, err := c.resolveClientUUID(ctx, token)
	if err != nil {
		return nil, err
	}

	ssoMax, err := c.resolveSSOMaxLifespan(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get(fmt.Sprintf("%s/admin/realms/%s/clients/%s/user-sessions", c.baseURL, c.realm, uuid))
	if err != nil {
		return nil, apperr.NewIdPError("user-sessions", 0, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	if err := c.checkStatus("user-sessions", resp); err != nil {
		return nil, err
	}

	var list []userSession
	if err := json.Unmarshal(resp.Body(), &list); err != nil {
		return nil, fmt.Errorf("parse user-sessions response: %w", err)
	}

	sessions := make(map[string]sessionEntry, len(list))
	for _, s := range list {
		entry := sessionEntry{Username: s.Username}
		if s.Start > 0 && ssoMax > 0 {
			entry.ExpiresAt = s.Start/1000 + int64(ssoMax/time.Second)
		}
		sessions[s.ID] = entry
	}

	slog.Debug("idp sessions fetched",
		"event_id", "IDP_SESSIONS_FETCHED",
		"session_count", len(sessions),
	)
	return sessions, nil
}

// resolveSSOMaxLifespan はrealm設定からSSOセッション最大寿命を取得する。
// 不変な設定なので一度解決したらプロセス終了まで使い回す。
// 管理クライアントにrealm参照権限が無い場合は期限不明（0）として続行する。
func (c *keycloakClient) resolveSSOMaxLifespan(ctx context.Context, token string) (time.Duration, error) {
	c.mu.Lock()
	if c.ssoMaxKnown {
		ssoMax := c.ssoMax
		c.mu.Unlock()
		return ssoMax, nil
	}
	c.mu.Unlock()

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get(fmt.Sprintf("%s/admin/realms/%s", c.baseURL, c.realm))
	if err != nil {
		return 0, apperr.NewIdPError("realm", 0, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	if resp.StatusCode() == 403 {
		slog.Warn("realm settings not readable, session expiry unavailable",
			"event_id", "IDP_REALM_FORBIDDEN",
			"realm", c.realm,
		)
		c.mu.Lock()
		c.ssoMaxKnown = true
		c.mu.Unlock()
		return 0, nil
	}
	if err := c.checkStatus("realm", resp); err != nil {
		return 0, err
	}

	var realm realmRepresentation
	if err := json.Unmarshal(resp.Body(), &realm); err != nil {
		return 0, fmt.Errorf("parse realm response: %w", err)
	}

	ssoMax := time.Duration(realm.SSOSessionMaxLifespan) * time.Second
	c.mu.Lock()
	c.ssoMax = ssoMax
	c.ssoMaxKnown = true
	c.mu.Unlock()

	return ssoMax, nil
}

// getToken はclient_credentialsで管理トークンを取得する。
// 有効期限の60秒前までキャッシュを使う。
func (c *keycloakClient) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.clock().Before(c.tokenExpiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.adminID,
			"client_secret": c.adminSec,
		}).
		Post(fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.realm))
	if err != nil {
		return "", apperr.NewIdPError("token", 0, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	if err := c.checkStatus("token", resp); err != nil {
		return "", err
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= config.KeycloakTokenEarlyRenew {
		expiresIn = config.KeycloakTokenEarlyRenew + time.Second
	}

	c.mu.Lock()
	c.token = tr.AccessToken
	c.tokenExpiry = c.clock().Add(expiresIn - config.KeycloakTokenEarlyRenew)
	c.mu.Unlock()

	return tr.AccessToken, nil
}

// resolveClientUUID はclientIdから内部UUIDを解決する。UUIDは不変なので
// 一度解決したらプロセス終了まで使い回す。
func (c *keycloakClient) resolveClientUUID(ctx context.Context, token string) (string, error) {
	c.mu.Lock()
	if c.clientUUID != "" {
		uuid := c.clientUUID
		c.mu.Unlock()
		return uuid, nil
	}
	c.mu.Unlock()

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("clientId", c.clientID).
		Get(fmt.Sprintf("%s/admin/realms/%s/clients", c.baseURL, c.realm))
	if err != nil {
		return "", apperr.NewIdPError("clients", 0, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	if err := c.checkStatus("clients", resp); err != nil {
		return "", err
	}

	var clients []clientRepresentation
	if err := json.Unmarshal(resp.Body(), &clients); err != nil {
		return "", fmt.Errorf("parse clients response: %w", err)
	}
	if len(clients) == 0 {
		return "", fmt.Errorf("client %q not found in realm %q", c.clientID, c.realm)
	}

	c.mu.Lock()
	c.clientUUID = clients[0].ID
	c.mu.Unlock()

	return clients[0].ID, nil
}

// checkStatus はHTTPステータスをエラーに変換する。
// 401/403はクレデンシャルの問題、5xxは到達性の問題として分類する。
func (c *keycloakClient) checkStatus(endpoint string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code == 200:
		return nil
	case code == 401 || code == 403:
		return apperr.NewIdPError(endpoint, code, ErrUnauthorized)
	case code >= 500:
		return apperr.NewIdPError(endpoint, code, ErrUnreachable)
	}
	return apperr.NewIdPError(endpoint, code,
		fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(resp.Body()))))
}
