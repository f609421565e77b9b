package enforce

import (
	"context"
	"errors"
	"testing"

	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
)

func TestNewRadiusCoA(t *testing.T) {
	cfg := &config.Config{
		AuthMethod:           config.AuthMethodRadiusCoA,
		RadiusNasIP:          "192.168.1.1",
		RadiusSecret:         "testing123",
		RadiusCoAPort:        3799,
		RadiusCoAMaxAttempts: 3,
	}

	b, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if b.Name() != BackendNameRadiusCoA {
		t.Errorf("Name: got %v", b.Name())
	}
}

func TestNewPerimeterAPI(t *testing.T) {
	cfg := &config.Config{
		AuthMethod:       config.AuthMethodPerimeterAPI,
		PfSenseHost:      "https://192.168.1.1",
		PfSenseAPIKey:    "key",
		PfSenseAPISecret: "secret",
		PfSenseAlias:     "captive_portal_allowed",
	}

	b, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if b.Name() != BackendNamePerimeterAPI {
		t.Errorf("Name: got %v", b.Name())
	}
}

func TestNewUnknownAuthMethod(t *testing.T) {
	cfg := &config.Config{AuthMethod: "iptables"}

	_, err := New(context.Background(), cfg)
	if !errors.Is(err, apperr.ErrUnknownAuthMethod) {
		t.Errorf("expected ErrUnknownAuthMethod, got: %v", err)
	}
}
