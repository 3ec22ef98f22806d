// Package http exposes the tab payment engine over gin.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/facilitator"
	"github.com/x402-foundation/x402-tabs/internal/payment"
	"github.com/x402-foundation/x402-tabs/internal/protocol"
	"github.com/x402-foundation/x402-tabs/internal/refund"
	"github.com/x402-foundation/x402-tabs/internal/settlement"
	"github.com/x402-foundation/x402-tabs/internal/tab"
)

// APIPrefix is where every business route is mounted.
const APIPrefix = "/api/v1"

// FacilitatorStatus is the diagnostics side of facilitator.Facilitator.
type FacilitatorStatus interface {
	CheckFacilitatorBalance(ctx context.Context) ([]facilitator.BalanceStatus, error)
	GetTokenBalance(ctx context.Context, network x402.Network, token, address string) (decimal.Decimal, error)
	IsGasSponsorshipAvailable(ctx context.Context) bool
}

// Deps are the services the routes dispatch to.
type Deps struct {
	Tabs        *tab.Service
	Payments    *payment.Service
	Protocol    *protocol.Adapter
	Settlements *settlement.Service
	Refunds     *refund.Service
	Facilitator FacilitatorStatus

	// Ping reports whether the database is reachable.
	Ping func(ctx context.Context) error

	ServiceName string
	Logger      zerolog.Logger

	// AllowOrigins enables CORS for browser clients. Empty disables it.
	AllowOrigins []string
}

// Server holds the handlers.
type Server struct {
	deps   Deps
	logger zerolog.Logger
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(deps Deps) *gin.Engine {
	s := &Server{deps: deps, logger: deps.Logger.With().Str("component", "http").Logger()}

	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("request panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "a panic occurred, request aborted",
			"traceId": traceID(c),
		})
	}))
	if len(deps.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  deps.AllowOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowHeaders:  []string{"Content-Type", x402.HeaderPayment},
			ExposeHeaders: []string{x402.HeaderPaymentRequired, x402.HeaderPaymentReceipt},
			MaxAge:        12 * time.Hour,
		}))
	}
	r.Use(otelgin.Middleware(deps.ServiceName))
	r.Use(requestLogger(s.logger))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": x402.ErrCodeNotFound, "message": "route not found"})
	})

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group(APIPrefix)
	s.registerTabs(api)
	s.registerPayments(api)
	s.registerX402(api)
	s.registerSettlements(api)
	s.registerRefunds(api)
	return r
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("latency", time.Since(started)).
			Str("client_ip", c.ClientIP()).
			Str("trace_id", traceID(c)).
			Msg("request")
	}
}
