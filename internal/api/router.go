package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"sitter-tracking-backend/config"
	"sitter-tracking-backend/internal/mw"
)

// NewRouter creates and configures the gin router. ws serves the dashboard's rendering
// socket and may be nil.
func NewRouter(cfg config.ServerConfig, handler *Handler, ws gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), mw.Prometheus())

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition", mw.CacheHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if ws != nil {
		r.GET("/ws", ws)
	}

	api := r.Group("/api")
	{
		api.GET("/locations", handler.GetLocations)
		api.GET("/tracking", handler.GetTracking)
		api.GET("/stats", caching, handler.GetStats)
		api.GET("/visits/:id/export", caching, handler.ExportVisit)
		api.GET("/diagnostics", handler.GetDiagnostics)
		api.GET("/notices", handler.GetNotices)
		api.DELETE("/notices/:id", handler.DismissNotice)
	}

	limited := api.Group("")
	limited.Use(rateLimiter)
	{
		limited.POST("/refresh", handler.PostRefresh)
		limited.POST("/workers/:id/location", handler.PostWorkerLocation)
		limited.POST("/visits/:id/points", handler.PostVisitPoint)

		limited.GET("/subscriptions", handler.GetSubscription)
		limited.PUT("/subscriptions", handler.PutSubscription)
		limited.DELETE("/subscriptions", handler.DeleteSubscription)
		limited.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
