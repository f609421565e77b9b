package enforce

import (
	"context"
	"fmt"

	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/internal/radiuscoa"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
)

// New はAUTH_METHOD設定に対応するBackendを生成する。
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.AuthMethod {
	case config.AuthMethodLinkLayer:
		return NewLinkLayerFilter(ctx, cfg, nil)
	case config.AuthMethodRadiusCoA:
		return NewCoABackend(cfg, radiuscoa.NewClient(cfg)), nil
	case config.AuthMethodPerimeterAPI:
		return NewPerimeterBackend(cfg), nil
	}
	return nil, fmt.Errorf("%w: %q", apperr.ErrUnknownAuthMethod, cfg.AuthMethod)
}
