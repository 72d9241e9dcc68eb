// Package ledgerapi serves the read-only ops surface of ledgerd: health,
// Prometheus metrics and the ledger audit endpoints.
package ledgerapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agentledger/internal/audit"
	"github.com/jmerrifield20/agentledger/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options configures the router.
type Options struct {
	// RateLimitRPS is the per-IP request rate; 0 disables limiting.
	RateLimitRPS int
	// Auditor, when set, backs GET /api/v1/integrity/last.
	Auditor *audit.Auditor
}

// NewRouter builds the ops HTTP handler. ctx bounds background goroutines
// owned by the middleware.
func NewRouter(ctx context.Context, svc Service, opts Options, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Cache-Control", "no-store")
		c.Next()
	})

	if opts.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, opts.RateLimitRPS, opts.RateLimitRPS*2))
	}
	router.Use(requestLogger(logger))
	router.Use(prometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		if err := svc.Ping(c.Request.Context()); err != nil {
			logger.Warn("health check: database unreachable", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	NewLedgerHandler(svc, logger).Register(v1)
	if opts.Auditor != nil {
		v1.GET("/integrity/last", lastAudit(opts.Auditor))
	}
	return router
}

func lastAudit(a *audit.Auditor) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := a.Last()
		if res == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no audit has completed yet"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// prometheusMiddleware records per-request metrics by route template.
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
