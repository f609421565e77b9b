package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter はルーティングを設定する。
func SetupRouter(engine *gin.Engine, h *GrantHandler) {
	engine.Use(TraceIDMiddleware(), LoggingMiddleware(), RecoveryMiddleware())

	// ヘルスチェック
	engine.GET("/health", h.HandleHealth)

	// API v1
	v1 := engine.Group("/api/v1")
	{
		v1.POST("/grants", h.HandleGrant)
		v1.DELETE("/grants/:identity", h.HandleRevoke)
		v1.GET("/grants/:identity", h.HandleStatus)
	}
}
