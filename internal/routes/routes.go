package routes

import (
	"github.com/gin-gonic/gin"

	"numerusx/internal/handlers"
	"numerusx/internal/middleware"
)

// Config tunes the router's middleware.
type Config struct {
	// AllowedOrigins are echoed back in Access-Control-Allow-Origin.
	AllowedOrigins []string
	RateLimit      middleware.RateLimiterConfig
}

// SetupRouter initializes and returns the Gin router with all routes configured
func SetupRouter(h *handlers.Handler, cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// Add health check endpoint
	r.Any("/health", func(c *gin.Context) {
		c.String(200, "ok")
	})

	r.Use(cors(cfg.AllowedOrigins))
	r.Use(middleware.RateLimiterMiddleware(cfg.RateLimit))

	SetupLedgerRoutes(r, h)
	return r
}

// SetupLedgerRoutes sets up the read-only audit routes
func SetupLedgerRoutes(r *gin.Engine, h *handlers.Handler) {
	entries := r.Group("/ledger")
	{
		entries.GET("", h.ListLedgerEntries)
		entries.GET("/:id", h.GetLedgerEntry)
	}
	r.GET("/pairs", h.ListPairs)
	r.GET("/portfolio", h.GetPortfolio)
}

func cors(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		if origin := c.Request.Header.Get("Origin"); allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		// Handle preflight requests
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
