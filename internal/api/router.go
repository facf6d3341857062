package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter 建立 gin engine 並註冊所有路由；metricsHandler 為 nil 時不暴露 /metrics
func NewRouter(a *API, metricsHandler http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	RegisterRoutes(router, a)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}
	return router
}

// RegisterRoutes registers the claim and admin routes under /v1.
func RegisterRoutes(router *gin.Engine, a *API) {
	v1 := router.Group("/v1")

	claims := v1.Group("/claims")
	{
		claims.POST("", a.SubmitClaimHandler)
		claims.GET("/:handle", a.AwaitClaimHandler)
	}

	admin := v1.Group("/admin")
	{
		admin.GET("/stats", a.StatsHandler)
		admin.POST("/pause", a.PauseHandler)
		admin.POST("/resume", a.ResumeHandler)
		admin.POST("/purge", a.PurgeHandler)
		admin.POST("/tasks/:id/cancel", a.CancelTaskHandler)
		admin.POST("/tasks/:id/complete", a.CompleteTaskHandler)
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
