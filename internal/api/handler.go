// Package api はログインフロー向けHTTP APIを提供する。
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/internal/coordinator"
	"github.com/oyaguma3/captive-enforcer-poc/internal/enforce"
	"github.com/oyaguma3/captive-enforcer-poc/internal/store"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/httputil"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/logging"
)

// GrantHandler は許可操作APIのハンドラー。
type GrantHandler struct {
	coord  *coordinator.Coordinator
	cfg    *config.Config
	fields *logging.CommonFields
}

// NewGrantHandler は新しいGrantHandlerを生成する。
func NewGrantHandler(coord *coordinator.Coordinator, cfg *config.Config, masker *logging.Masker) *GrantHandler {
	return &GrantHandler{
		coord:  coord,
		cfg:    cfg,
		fields: logging.NewCommonFields(masker),
	}
}

// HandleGrant はPOST /api/v1/grants のハンドラー。
func (h *GrantHandler) HandleGrant(c *gin.Context) {
	traceID := c.GetString(TraceIDKey)
	ctx := c.Request.Context()

	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("invalid request body",
			logging.WithTraceID(traceID),
			logging.WithEventID("API_BAD_REQUEST"),
			logging.WithError(err),
		)
		httputil.WriteError(c, httputil.BadRequest("Invalid request body"))
		return
	}

	rec, err := h.coord.Grant(ctx, req.ToCoordinatorRequest())
	if err != nil {
		h.handleError(c, traceID, req.Identity, err)
		return
	}

	fields := append(h.fields.GrantLogFields(traceID, "API_GRANT_OK", rec.Identity),
		logging.WithHTTPStatus(http.StatusCreated))
	slog.Info("grant accepted", fields...)
	c.JSON(http.StatusCreated, NewGrantResponse(rec))
}

// HandleRevoke はDELETE /api/v1/grants/:identity のハンドラー。
func (h *GrantHandler) HandleRevoke(c *gin.Context) {
	traceID := c.GetString(TraceIDKey)
	ctx := c.Request.Context()
	identity := c.Param("identity")

	if err := h.coord.Revoke(ctx, identity); err != nil {
		h.handleError(c, traceID, identity, err)
		return
	}

	fields := append(h.fields.GrantLogFields(traceID, "API_REVOKE_OK", identity),
		logging.WithHTTPStatus(http.StatusNoContent))
	slog.Info("revoke accepted", fields...)
	c.Status(http.StatusNoContent)
}

// HandleStatus はGET /api/v1/grants/:identity のハンドラー。
func (h *GrantHandler) HandleStatus(c *gin.Context) {
	traceID := c.GetString(TraceIDKey)
	ctx := c.Request.Context()
	identity := c.Param("identity")

	rec, err := h.coord.Status(ctx, identity)
	if err != nil {
		h.handleError(c, traceID, identity, err)
		return
	}
	c.JSON(http.StatusOK, NewGrantResponse(rec))
}

// HandleHealth はGET /health のハンドラー。
func (h *GrantHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		AuthMethod: h.cfg.AuthMethod,
	})
}

// handleError はエラーをRFC 7807レスポンスへ変換する。
func (h *GrantHandler) handleError(c *gin.Context, traceID, identity string, err error) {
	problem := problemFor(err)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(c.Request.Context(), level, "request failed",
		logging.WithTraceID(traceID),
		logging.WithEventID("API_REQUEST_FAILED"),
		h.fields.WithIdentity(identity),
		logging.WithHTTPStatus(problem.Status),
		logging.WithError(err),
	)
	httputil.WriteError(c, problem)
}

// problemFor はエラー種別をHTTPステータスへ対応付ける。
func problemFor(err error) *httputil.ProblemDetail {
	switch {
	case errors.Is(err, apperr.ErrInvalidIdentity):
		return httputil.BadRequest("identity must be a MAC or IP address")
	case errors.Is(err, store.ErrRecordNotFound):
		return httputil.NotFound("no session record for this identity")
	case errors.Is(err, store.ErrStoreConflict):
		return httputil.Conflict("session record changed concurrently, retry the request")
	case errors.Is(err, store.ErrValkeyUnavailable):
		return httputil.ServiceUnavailable("session store unavailable")
	}

	var backendErr *enforce.BackendError
	if errors.As(err, &backendErr) {
		if backendErr.Transient {
			return httputil.ServiceUnavailable("enforcement point temporarily unavailable")
		}
		return httputil.BadGateway("enforcement point rejected the operation")
	}

	return httputil.InternalServerError("An unexpected error occurred")
}
