// Package api exposes the engine over HTTP: synchronous transaction
// evaluation, the reviewer case API and rule-set management.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/banking/txmonitor/internal/cases"
	"github.com/banking/txmonitor/internal/config"
	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/metrics"
	"github.com/banking/txmonitor/internal/pkg/logger"
	"github.com/banking/txmonitor/internal/rules"
)

// Evaluator scores transactions synchronously
type Evaluator interface {
	Submit(ctx context.Context, tx *domain.Transaction) (*domain.Evaluation, error)
	Ready(ctx context.Context) error
}

// Deps are the components served by the API
type Deps struct {
	Evaluator Evaluator
	Cases     *cases.Manager
	Rules     *rules.Engine
	Metrics   *metrics.Metrics
	Log       *logger.Logger
}

// Handler holds the HTTP handlers
type Handler struct {
	evaluator Evaluator
	cases     *cases.Manager
	rules     *rules.Engine
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewServer builds the echo instance with middleware and routes
func NewServer(cfg *config.Config, deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout
	e.Server.IdleTimeout = cfg.Server.IdleTimeout

	log := deps.Log.Named("api")
	e.HTTPErrorHandler = errorHandler(log)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Secure())
	e.Use(middleware.BodyLimit(strconv.FormatInt(cfg.Server.MaxRequestSize, 10) + "B"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Security.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
	}))
	e.Use(requestContext())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogMethod:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	}))

	h := &Handler{
		evaluator: deps.Evaluator,
		cases:     deps.Cases,
		rules:     deps.Rules,
		metrics:   deps.Metrics,
		log:       log,
	}

	e.GET("/health", h.Health)
	e.GET("/ready", h.Ready)

	v1 := e.Group("/v1")
	v1.POST("/transactions", h.SubmitTransaction)

	auth := Authenticator(cfg.Security)

	cg := v1.Group("/cases", auth)
	cg.GET("", h.ListCases)
	cg.GET("/:id", h.GetCase)
	cg.GET("/:id/events", h.CaseEvents)
	cg.POST("/:id/acknowledge", h.transition(domain.CaseStatusAcknowledged))
	cg.POST("/:id/escalate", h.transition(domain.CaseStatusEscalated))
	cg.POST("/:id/close", h.transition(domain.CaseStatusClosed))

	rg := v1.Group("/rules", auth)
	rg.GET("", h.ActiveRules)
	rg.PUT("", h.ReplaceRules)

	return e
}

// requestContext copies the request id into the request context for logging
func requestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			if id != "" {
				req := c.Request()
				c.SetRequest(req.WithContext(context.WithValue(req.Context(), logger.RequestIDKey, id)))
			}
			return next(c)
		}
	}
}
