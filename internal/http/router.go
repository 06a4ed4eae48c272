// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Never log callback bodies or query tokens in the clear
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/laf070810/icbc-payment-gateway/internal/config"
	"github.com/laf070810/icbc-payment-gateway/internal/domain"
	"github.com/laf070810/icbc-payment-gateway/internal/http/handlers"
	"github.com/laf070810/icbc-payment-gateway/internal/http/middleware"
	"github.com/laf070810/icbc-payment-gateway/internal/icbc"
	"github.com/laf070810/icbc-payment-gateway/internal/repo"
	"github.com/laf070810/icbc-payment-gateway/internal/services"
)

// regRepoShim adapts the repository free functions to the
// services.RegistrationRepo interface expected by the PaymentService. This
// keeps services decoupled from the concrete repo package while reusing
// existing functions.
type regRepoShim struct{}

// GetByToken proxies repo.GetRegistrationByToken.
func (regRepoShim) GetByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Registration, error) {
	return repo.GetRegistrationByToken(ctx, db, token)
}

// GetEvent proxies repo.GetEvent.
func (regRepoShim) GetEvent(ctx context.Context, db *gorm.DB, id uint) (*domain.Event, error) {
	return repo.GetEvent(ctx, db, id)
}

// FindActive proxies repo.FindActiveRegistration.
func (regRepoShim) FindActive(ctx context.Context, db *gorm.DB, email string, formID int64) (*domain.Registration, error) {
	return repo.FindActiveRegistration(ctx, db, email, formID)
}

// txRepoShim adapts the transaction repo free functions to
// services.TransactionRepo.
type txRepoShim struct{}

// Current proxies repo.CurrentTransaction.
func (txRepoShim) Current(ctx context.Context, db *gorm.DB, registrationID string) (*domain.PaymentTransaction, error) {
	return repo.CurrentTransaction(ctx, db, registrationID)
}

// List proxies repo.ListTransactions.
func (txRepoShim) List(ctx context.Context, db *gorm.DB, registrationID string) ([]domain.PaymentTransaction, error) {
	return repo.ListTransactions(ctx, db, registrationID)
}

// Register proxies repo.RegisterTransaction.
func (txRepoShim) Register(ctx context.Context, db *gorm.DB, registrationID string, amount float64, currency string, action domain.TransactionAction, provider string, data map[string]string) (*domain.PaymentTransaction, error) {
	return repo.RegisterTransaction(ctx, db, registrationID, amount, currency, action, provider, data)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), rate limiting,
// CORS and security headers, health and metrics endpoints, and then mounts
// the payment API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with token/signature scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Gzip compression
//  7. Metrics
//  8. Rate limiter (per registration token/IP)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB; gateway callbacks are a few KiB)
	r.Use(limitBody(1 << 20))

	// 6) Response compression (admin listings benefit; callbacks are tiny)
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Token-bucket rate limiter per registration token/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByTokenOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true, // payment responses must never be cached
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/config
	paySvc := services.NewPaymentService(db, regRepoShim{}, txRepoShim{}, services.GatewayOptions{
		Endpoints: icbc.Endpoints{
			PaymentURL:        cfg.Gateway.PaymentURL,
			ForeignPaymentURL: cfg.Gateway.ForeignPaymentURL,
			OrderQueryURL:     cfg.Gateway.OrderQueryURL,
		},
		ProviderPublicKey: cfg.Gateway.ProviderPublicKey,
		NotifySignPath:    cfg.Gateway.NotifySignPath,
		VerifyPolicy:      verifyPolicy(cfg.Gateway.VerifyPolicy),
		Provider:          cfg.Gateway.Provider,
		PublicBaseURL:     cfg.PublicBaseURL,
		Client:            &http.Client{Timeout: cfg.Gateway.QueryTimeout},
	})
	h := handlers.New(paySvc)

	// Public API
	apiBase := cfg.APIBasePath
	api := groupWithPrefix(r, apiBase)
	{
		pay := api.Group("/events/:event/registrations/:regform/icbc")
		pay.GET("/checkout", h.Checkout)
		pay.POST("/notify", h.Notify)
		pay.GET("/success", h.Success)
		pay.POST("/success", h.Success)

		api.GET("/admin/registrations/:token/transactions", h.ListTransactions)
	}
}

// verifyPolicy maps the config string onto the signing policy enum.
func verifyPolicy(s string) icbc.SigningPolicy {
	if s == "fixed" {
		return icbc.PolicyFixedFields
	}
	return icbc.PolicyAllButSign
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
