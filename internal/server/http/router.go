// Package http exposes the hook-facing REST endpoints, the dashboard
// websocket feed and the Prometheus scrape endpoint. It is thin glue: every
// queue semantic lives in the observer packages.
package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	observer "warden/internal/observer/app"
	serverapp "warden/internal/server/app"
)

// RouterDeps holds the service dependencies needed to construct the router.
type RouterDeps struct {
	Manager     *observer.Manager
	Broadcaster *serverapp.StatusBroadcaster
}

// NewRouter builds the gin engine with all warden routes mounted.
func NewRouter(deps RouterDeps, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	hooks := NewHooksHandler(deps.Manager)
	api := NewAPIHandler(deps.Manager)
	ws := NewWSHandler(deps.Broadcaster)

	engine.POST("/api/hooks/observation", hooks.HandleObservation)
	engine.POST("/api/hooks/summarize", hooks.HandleSummarize)

	engine.GET("/api/stats", api.HandleStats)
	engine.GET("/api/sessions/:id/queue", api.HandleQueueDepth)
	engine.DELETE("/api/sessions/:id", api.HandleDeleteSession)
	engine.GET("/api/health", api.HandleHealth)

	engine.GET("/ws", ws.HandleDashboardFeed)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}
