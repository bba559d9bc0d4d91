package facilitator

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/logger"
)

// APIKeyHeader carries the shared secret when the server requires one.
const APIKeyHeader = "X-API-Key"

// ServerConfig configures NewServer.
type ServerConfig struct {
	// APIKey, when set, must be presented in APIKeyHeader on /verify and
	// /settle.
	APIKey string
	// RequestTimeout bounds a single verify or settle.
	RequestTimeout time.Duration
	Logger         logger.Logger
}

// NewServer exposes f over HTTP:
//
//	POST /verify     {x402Version, paymentPayload, paymentRequirements}
//	POST /settle     {x402Version, paymentPayload, paymentRequirements}
//	GET  /supported
//	GET  /health
func NewServer(f *Local, config ServerConfig) *echo.Echo {
	log := logger.OrNoop(config.Logger)
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/supported", func(c echo.Context) error {
		return c.JSON(http.StatusOK, f.Supported())
	})

	api := e.Group("", apiKeyAuth(config.APIKey))
	api.POST("/verify", func(c echo.Context) error {
		req, err := bindRequest(c)
		if err != nil {
			return err
		}
		ctx, cancel := contextWithTimeout(c, timeout)
		defer cancel()

		resp, err := f.Verify(ctx, req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			log.Error("verify failed", map[string]any{"error": err})
			return echo.NewHTTPError(http.StatusInternalServerError, "verification unavailable")
		}
		return c.JSON(http.StatusOK, resp)
	})
	api.POST("/settle", func(c echo.Context) error {
		req, err := bindRequest(c)
		if err != nil {
			return err
		}
		ctx, cancel := contextWithTimeout(c, timeout)
		defer cancel()

		resp, err := f.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			log.Error("settle failed", map[string]any{"error": err})
			return echo.NewHTTPError(http.StatusInternalServerError, "settlement unavailable")
		}
		return c.JSON(http.StatusOK, resp)
	})

	return e
}

func bindRequest(c echo.Context) (*x402.FacilitatorRequest, error) {
	var req x402.FacilitatorRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PaymentPayload == nil || req.PaymentRequirements == nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "paymentPayload and paymentRequirements are required")
	}
	// Older clients omit the payload's own version and send it at the top level.
	if req.PaymentPayload.X402Version == 0 {
		req.PaymentPayload.X402Version = req.X402Version
	}
	return &req, nil
}

func apiKeyAuth(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			provided := c.Request().Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

func requestLogger(log logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.Info("request", map[string]any{
				"method":   c.Request().Method,
				"path":     c.Path(),
				"status":   c.Response().Status,
				"duration": time.Since(start).String(),
			})
			return nil
		}
	}
}

func contextWithTimeout(c echo.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), timeout)
}
