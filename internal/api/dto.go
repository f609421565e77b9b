package api

import (
	"time"

	"github.com/oyaguma3/captive-enforcer-poc/internal/coordinator"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
)

// GrantRequest はPOST /api/v1/grants のリクエストボディ。
type GrantRequest struct {
	Identity      string `json:"identity" binding:"required"`
	Subject       string `json:"subject" binding:"required"`
	IdPSessionRef string `json:"idp_session_ref"`
	TTLSeconds    int64  `json:"ttl_seconds"`
	ClientIP      string `json:"client_ip"`
}

// ToCoordinatorRequest はDTOをCoordinatorへの入力に変換する。
func (r *GrantRequest) ToCoordinatorRequest() *coordinator.GrantRequest {
	return &coordinator.GrantRequest{
		Identity:      r.Identity,
		Subject:       r.Subject,
		IdPSessionRef: r.IdPSessionRef,
		ClientIP:      r.ClientIP,
		TTL:           time.Duration(r.TTLSeconds) * time.Second,
	}
}

// GrantResponse はセッションレコードのレスポンス表現。
type GrantResponse struct {
	Identity  string `json:"identity"`
	Subject   string `json:"subject"`
	ClientIP  string `json:"client_ip,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	RevokedAt int64  `json:"revoked_at,omitempty"`
}

// NewGrantResponse はSessionRecordからレスポンスを生成する。
func NewGrantResponse(rec *model.SessionRecord) *GrantResponse {
	return &GrantResponse{
		Identity:  rec.Identity,
		Subject:   rec.Subject,
		ClientIP:  rec.ClientIP,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		RevokedAt: rec.RevokedAt,
	}
}

// HealthResponse はGET /health のレスポンス。
type HealthResponse struct {
	Status     string `json:"status"`
	AuthMethod string `json:"auth_method"`
}
