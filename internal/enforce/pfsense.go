package enforce

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
)

// BackendNamePerimeterAPI はpfSense APIバックエンドの名称
const BackendNamePerimeterAPI = "perimeter_api"

// perimeterBackend はpfSenseのfirewallエイリアスを操作するBackend実装。
// エイリアスはIPアドレスのリストを保持し、更新はread-modify-writeで行う。
type perimeterBackend struct {
	httpClient *resty.Client
	alias      string
	clock      func() time.Time
}

// aliasData はpfSense APIのエイリアス表現。
// addressは空白区切り、detailは"||"区切りの文字列で返ることがある。
type aliasData struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Descr   string `json:"descr"`
	Address string `json:"address"`
	Detail  string `json:"detail"`
}

// aliasUpdateRequest はエイリアス更新（PUT）のリクエストボディ。
type aliasUpdateRequest struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Address string `json:"address"`
	Detail  string `json:"detail"`
}

// NewPerimeterBackend はpfSense APIバックエンドを生成する。
func NewPerimeterBackend(cfg *config.Config) Backend {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.PfSenseHost, "/") + "/api/v1").
		SetTimeout(config.PfSenseRequestTimeout).
		SetRetryCount(config.PfSenseRetryCount).
		SetRetryWaitTime(config.PfSenseRetryWait).
		SetRetryMaxWaitTime(config.PfSenseRetryMaxWait).
		SetHeader("Authorization", fmt.Sprintf("%s %s", cfg.PfSenseAPIKey, cfg.PfSenseAPISecret)).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	if !cfg.PfSenseVerifySSL {
		// pfSenseは自己署名証明書の運用が多い
		httpClient.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &perimeterBackend{
		httpClient: httpClient,
		alias:      cfg.PfSenseAlias,
		clock:      time.Now,
	}
}

// Name はバックエンド名を返す。
func (b *perimeterBackend) Name() string {
	return BackendNamePerimeterAPI
}

// Grant はクライアントIPをエイリアスに追加して設定を適用する。
// 既にエイリアスに含まれる場合は何もしない。
func (b *perimeterBackend) Grant(ctx context.Context, rec *model.SessionRecord) error {
	ip, err := b.addressOf(rec)
	if err != nil {
		return NewPermanentError(b.Name(), "grant", err)
	}

	alias, err := b.getAlias(ctx)
	if err != nil {
		return b.wrap("grant", err)
	}

	addresses := splitAddresses(alias.Address)
	details := alignDetails(addresses, splitDetails(alias.Detail))

	for _, a := range addresses {
		if a == ip {
			return nil
		}
	}

	addresses = append(addresses, ip)
	details = append(details, fmt.Sprintf("%s@%s", rec.Subject, b.clock().Format("2006-01-02 15:04")))

	if err := b.putAlias(ctx, addresses, details); err != nil {
		return b.wrap("grant", err)
	}
	if err := b.applyChanges(ctx); err != nil {
		return b.wrap("grant", err)
	}

	slog.Debug("pfsense alias updated",
		"event_id", "PF_ALIAS_ADD",
		"alias", b.alias,
	)
	return nil
}

// Revoke はクライアントIPをエイリアスから削除して設定を適用する。
// エイリアスに含まれない場合は成功扱い。
func (b *perimeterBackend) Revoke(ctx context.Context, rec *model.SessionRecord) error {
	ip, err := b.addressOf(rec)
	if err != nil {
		return NewPermanentError(b.Name(), "revoke", err)
	}

	alias, err := b.getAlias(ctx)
	if err != nil {
		return b.wrap("revoke", err)
	}

	addresses := splitAddresses(alias.Address)
	details := alignDetails(addresses, splitDetails(alias.Detail))

	idx := -1
	for i, a := range addresses {
		if a == ip {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	addresses = append(addresses[:idx], addresses[idx+1:]...)
	details = append(details[:idx], details[idx+1:]...)

	if err := b.putAlias(ctx, addresses, details); err != nil {
		return b.wrap("revoke", err)
	}
	if err := b.applyChanges(ctx); err != nil {
		return b.wrap("revoke", err)
	}

	slog.Debug("pfsense alias updated",
		"event_id", "PF_ALIAS_DEL",
		"alias", b.alias,
	)
	return nil
}

// List はエイリアスに登録されている全IPアドレスを返す。
func (b *perimeterBackend) List(ctx context.Context) ([]string, error) {
	alias, err := b.getAlias(ctx)
	if err != nil {
		return nil, b.wrap("list", err)
	}
	return splitAddresses(alias.Address), nil
}

// addressOf はレコードからエイリアスに登録するIPアドレスを取り出す。
// pfSenseのhostエイリアスはMACを扱えないため、client_ipが必須となる。
func (b *perimeterBackend) addressOf(rec *model.SessionRecord) (string, error) {
	if rec.ClientIP != "" {
		return rec.ClientIP, nil
	}
	if net.ParseIP(rec.Identity) != nil {
		return rec.Identity, nil
	}
	return "", fmt.Errorf("%w: no usable IP address for %q", apperr.ErrInvalidIdentity, rec.Identity)
}

// getAlias は対象エイリアスの現在値を取得する。
func (b *perimeterBackend) getAlias(ctx context.Context) (*aliasData, error) {
	resp, err := b.httpClient.R().
		SetContext(ctx).
		Get("/firewall/alias")
	if err != nil {
		return nil, &transientCause{err}
	}
	if resp.StatusCode() != 200 {
		return nil, httpStatusError(resp.StatusCode(), resp.Body())
	}

	var body struct {
		Data []aliasData `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("parse alias response: %w", err)
	}

	for i := range body.Data {
		if body.Data[i].Name == b.alias {
			return &body.Data[i], nil
		}
	}
	return nil, fmt.Errorf("alias %q not found", b.alias)
}

// putAlias はエイリアスのアドレスリストを書き換える。
func (b *perimeterBackend) putAlias(ctx context.Context, addresses, details []string) error {
	req := aliasUpdateRequest{
		Name:    b.alias,
		Type:    "host",
		Address: strings.Join(addresses, " "),
		Detail:  strings.Join(details, "||"),
	}

	resp, err := b.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		Put("/firewall/alias")
	if err != nil {
		return &transientCause{err}
	}
	if resp.StatusCode() != 200 {
		return httpStatusError(resp.StatusCode(), resp.Body())
	}
	return nil
}

// applyChanges は保留中のfirewall設定変更を反映する。
func (b *perimeterBackend) applyChanges(ctx context.Context) error {
	resp, err := b.httpClient.R().
		SetContext(ctx).
		Post("/firewall/apply")
	if err != nil {
		return &transientCause{err}
	}
	if resp.StatusCode() != 200 {
		return httpStatusError(resp.StatusCode(), resp.Body())
	}
	return nil
}

// wrap は下位エラーをBackendErrorに分類する。
// 接続エラーと5xxは再試行可能、4xxと応答解釈エラーは設定の問題と見なす。
func (b *perimeterBackend) wrap(op string, err error) error {
	var tc *transientCause
	if errors.As(err, &tc) {
		return NewTransientError(b.Name(), op, tc.cause)
	}
	var se *statusError
	if errors.As(err, &se) && se.code >= 500 {
		return NewTransientError(b.Name(), op, err)
	}
	return NewPermanentError(b.Name(), op, err)
}

// splitAddresses は空白区切りのアドレス文字列をリストに変換する。
func splitAddresses(s string) []string {
	return splitNonEmpty(s, " ")
}

// splitDetails は"||"区切りの説明文字列をリストに変換する。
// addressとの位置対応を保つため、空の要素も落とさず保持する。
func splitDetails(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, "||")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// alignDetails はdetailリストをaddressリストと同じ長さに揃える。
// pfSense側で手動編集されるとdetailの要素数がaddressとずれることがある。
func alignDetails(addresses, details []string) []string {
	for len(details) < len(addresses) {
		details = append(details, "")
	}
	return details[:len(addresses)]
}

func splitNonEmpty(s, sep string) []string {
	var result []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// transientCause は接続レベルの失敗を示す内部マーカー。
type transientCause struct {
	cause error
}

func (e *transientCause) Error() string { return e.cause.Error() }
func (e *transientCause) Unwrap() error { return e.cause }

// statusError はHTTPステータス異常を示す内部マーカー。
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func httpStatusError(code int, body []byte) *statusError {
	return &statusError{code: code, body: strings.TrimSpace(string(body))}
}
