package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
)

// BackendNameLinkLayer はnftablesバックエンドの名称
const BackendNameLinkLayer = "link_layer"

// CommandRunner はnftコマンドの実行を抽象化する（テスト差し替え用）。
type CommandRunner interface {
	// Run はnftをargsで実行し、標準出力と標準エラーの結合を返す。
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// execRunner はCommandRunnerのos/exec実装。
type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, config.NftCommandTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "nft", args...).CombinedOutput()
}

// linkLayerFilter はnftablesのMAC許可セットを操作するBackend実装。
type linkLayerFilter struct {
	runner CommandRunner
	family string
	table  string
	set    string
}

// NewLinkLayerFilter はnftablesバックエンドを生成する。
// 生成時に対象セットへアクセスして権限とセットの存在を確認する。
func NewLinkLayerFilter(ctx context.Context, cfg *config.Config, runner CommandRunner) (Backend, error) {
	if runner == nil {
		runner = execRunner{}
	}
	b := &linkLayerFilter{
		runner: runner,
		family: cfg.NftFamily,
		table:  cfg.NftTable,
		set:    cfg.NftSet,
	}

	out, err := runner.Run(ctx, "list", "set", b.family, b.table, b.set)
	if err != nil {
		if isPermissionDenied(out) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrPrivilegeMissing, strings.TrimSpace(string(out)))
		}
		return nil, fmt.Errorf("nft set %s %s %s not accessible: %v: %s",
			b.family, b.table, b.set, err, strings.TrimSpace(string(out)))
	}
	return b, nil
}

// Name はバックエンド名を返す。
func (b *linkLayerFilter) Name() string {
	return BackendNameLinkLayer
}

// Grant はMACアドレスを許可セットに追加する。既存要素の追加は成功扱い。
func (b *linkLayerFilter) Grant(ctx context.Context, rec *model.SessionRecord) error {
	mac, err := b.macOf(rec)
	if err != nil {
		return NewPermanentError(b.Name(), "grant", err)
	}

	out, err := b.runner.Run(ctx, "add", "element", b.family, b.table, b.set, "{", mac, "}")
	if err != nil {
		// 要素が既に存在する場合は冪等扱い
		if strings.Contains(string(out), "File exists") {
			return nil
		}
		return b.classify(ctx, "grant", out, err)
	}

	slog.Debug("nft element added",
		"event_id", "NFT_ELEM_ADD",
		"set", b.set,
	)
	return nil
}

// Revoke はMACアドレスを許可セットから削除する。要素が無い場合も成功扱い。
func (b *linkLayerFilter) Revoke(ctx context.Context, rec *model.SessionRecord) error {
	mac, err := b.macOf(rec)
	if err != nil {
		return NewPermanentError(b.Name(), "revoke", err)
	}

	out, err := b.runner.Run(ctx, "delete", "element", b.family, b.table, b.set, "{", mac, "}")
	if err != nil {
		// 要素が存在しない場合は冪等扱い
		if strings.Contains(string(out), "No such file or directory") {
			return nil
		}
		return b.classify(ctx, "revoke", out, err)
	}

	slog.Debug("nft element deleted",
		"event_id", "NFT_ELEM_DEL",
		"set", b.set,
	)
	return nil
}

// List は許可セットの全MACアドレスを正規化済み形式で返す。
func (b *linkLayerFilter) List(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, "-j", "list", "set", b.family, b.table, b.set)
	if err != nil {
		return nil, b.classify(ctx, "list", out, err)
	}

	macs, err := parseSetElements(out)
	if err != nil {
		return nil, NewPermanentError(b.Name(), "list", err)
	}

	result := make([]string, 0, len(macs))
	for _, mac := range macs {
		normalized, err := model.NormalizeIdentity(mac)
		if err != nil {
			// ether_addr以外の要素が混入したセットは設定ミス
			return nil, NewPermanentError(b.Name(), "list",
				fmt.Errorf("unexpected set element %q: %w", mac, err))
		}
		result = append(result, normalized)
	}
	return result, nil
}

// macOf はレコードからnftに渡すMACアドレス表記を取り出す。
func (b *linkLayerFilter) macOf(rec *model.SessionRecord) (string, error) {
	if !model.IsMAC(rec.Identity) {
		return "", fmt.Errorf("%w: %q is not a MAC address", apperr.ErrInvalidIdentity, rec.Identity)
	}
	return strings.ToLower(rec.Identity), nil
}

// classify はnft実行エラーをBackendErrorに分類する。
// 呼び出しコンテキストの期限切れ・キャンセルのみ再試行可能と見なす。
func (b *linkLayerFilter) classify(ctx context.Context, op string, out []byte, err error) error {
	msg := strings.TrimSpace(string(out))
	if isPermissionDenied(out) {
		return NewPermanentError(b.Name(), op, fmt.Errorf("%w: %s", apperr.ErrPrivilegeMissing, msg))
	}
	if ctx.Err() != nil {
		return NewTransientError(b.Name(), op, fmt.Errorf("%v: %v", ctx.Err(), err))
	}
	return NewPermanentError(b.Name(), op, fmt.Errorf("%v: %s", err, msg))
}

func isPermissionDenied(out []byte) bool {
	return strings.Contains(string(out), "Operation not permitted") ||
		strings.Contains(string(out), "Permission denied")
}

// nftOutput はnft -j出力のトップレベル構造。
type nftOutput struct {
	Nftables []json.RawMessage `json:"nftables"`
}

// nftSet はnft -j出力のsetオブジェクト。
// elemは文字列または{"elem": {"val": ..., "expires": ...}}形式が混在する。
type nftSet struct {
	Set struct {
		Name string            `json:"name"`
		Elem []json.RawMessage `json:"elem"`
	} `json:"set"`
}

// parseSetElements はnft -j list setのJSON出力からセット要素を取り出す。
func parseSetElements(out []byte) ([]string, error) {
	var top nftOutput
	if err := json.Unmarshal(out, &top); err != nil {
		return nil, fmt.Errorf("parse nft output: %w", err)
	}

	var elems []string
	for _, raw := range top.Nftables {
		var s nftSet
		if err := json.Unmarshal(raw, &s); err != nil || s.Set.Name == "" {
			continue
		}
		for _, e := range s.Set.Elem {
			var str string
			if err := json.Unmarshal(e, &str); err == nil {
				elems = append(elems, str)
				continue
			}
			// timeout付き要素は{"elem": {"val": ...}}形式
			var wrapped struct {
				Elem struct {
					Val string `json:"val"`
				} `json:"elem"`
			}
			if err := json.Unmarshal(e, &wrapped); err == nil && wrapped.Elem.Val != "" {
				elems = append(elems, wrapped.Elem.Val)
			}
		}
	}
	return elems, nil
}
