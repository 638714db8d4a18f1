package http

import (
	"github.com/gin-gonic/gin"

	"docchat/internal/bootstrap"
	"docchat/internal/transport/http/handler"
	"docchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	cfg := app.Config
	gin.SetMode(cfg.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.MaxMultipartMemory = 8 << 20

	healthHandler := handler.NewHealthHandler(cfg.App.Name, cfg.App.Env, app.StartedAt, healthChecks(app))
	router.GET("/healthz", healthHandler.Check)

	uploadHandler := handler.NewUploadHandler(app.UploadService(), int64(cfg.Ingestion.MaxUploadMB)<<20)
	queryHandler := handler.NewQueryHandler(app.ConversationService(), app.Logger)

	v1 := router.Group("/api/v1")
	uploads := v1.Group("/uploads")
	uploads.Use(middleware.AuthJWT(cfg.Auth.JWTSecret))
	uploads.POST("", uploadHandler.Submit)
	uploads.GET("", uploadHandler.List)
	uploads.GET("/stats", uploadHandler.Stats)
	uploads.GET("/:id", uploadHandler.View)
	uploads.DELETE("/:id", uploadHandler.Delete)
	uploads.POST("/:id/query", queryHandler.Query)

	return router
}

func healthChecks(app *bootstrap.App) map[string]handler.Check {
	checks := map[string]handler.Check{}
	for name, fn := range app.Checks() {
		checks[name] = fn
	}
	return checks
}
