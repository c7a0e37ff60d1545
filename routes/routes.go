package routes

import (
	"time"

	"github.com/gin-gonic/gin"

	"stock_crawler/controllers"
	"stock_crawler/middleware"
)

// SyncTriggersPerWindow bounds manual sync requests per client
const (
	SyncTriggersPerWindow = 5
	SyncTriggerWindow     = 15 * time.Minute
)

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, status *controllers.StatusController, jwtSecret string) {
	router.GET("/health", status.Health)
	router.GET("/ready", status.Ready)

	// API v1 group
	api := router.Group("/api/v1")
	{
		api.GET("/symbols", status.GetSymbols)
		api.GET("/stats", status.GetStats)

		stocks := api.Group("/stocks")
		{
			stocks.GET("/:symbol/prices", status.GetPrices)
			stocks.GET("/:symbol/raw/latest", status.GetLatestRaw)
		}

		sync := api.Group("/sync")
		{
			sync.GET("/last", status.GetLastSync)
			sync.POST("",
				middleware.JWTAuthMiddleware(jwtSecret),
				middleware.NewRateLimiter(SyncTriggersPerWindow, SyncTriggerWindow).Middleware(),
				status.TriggerSync,
			)
		}
	}
}
