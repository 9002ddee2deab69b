package router

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smart-mail-sorter-go/internal/handler"
	"smart-mail-sorter-go/internal/middleware"
)

// Options configure authentication and metrics exposure
type Options struct {
	JWTSecret   string
	AdminAPIKey string
	// Gatherer backs /metrics; the default registry when nil
	Gatherer prometheus.Gatherer
}

// SetupRouter configures the Gin router with routes and middleware
func SetupRouter(h *handler.Handlers, opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggerMiddleware())
	SetupRoutes(r, h, opts)
	return r
}

// SetupRoutes registers every HTTP route on r
func SetupRoutes(r *gin.Engine, h *handler.Handlers, opts Options) {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.GET("/healthz", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")

	// reached by the provider redirect, authenticated by the state parameter
	api.GET("/oauth/:provider/callback", h.OAuthCallback)
	api.GET("/providers/available", h.GetAvailableProviders)

	customer := api.Group("", middleware.RequireCustomer(opts.JWTSecret))
	{
		customer.POST("/oauth/:provider/connect", h.InitiateConnect)

		customer.GET("/email-connections", h.ListConnections)
		customer.GET("/email-connections/:id", h.GetConnection)
		customer.DELETE("/email-connections/:id", h.DisconnectConnection)
		customer.POST("/email-connections/:id/test", h.TestConnection)

		customer.POST("/emails/categorize", h.CategorizeEmails)
		customer.GET("/emails", h.ListEmails)
		customer.GET("/emails/credits", h.GetCredits)
		customer.GET("/emails/logs", h.GetLogs)
	}

	admin := api.Group("/admin", middleware.RequireAdminKey(opts.AdminAPIKey))
	{
		admin.POST("/customers/:id/credits", h.GrantCredits)

		admin.POST("/scheduler/start", h.StartScheduler)
		admin.POST("/scheduler/stop", h.StopScheduler)
		admin.POST("/scheduler/run-once", h.RunOnce)
		admin.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

func loggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	})
}
