package app

import (
	"errors"
	"time"

	"example/mixreport-api/app/logging"
	"example/mixreport-api/auth"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the shared HTTP router for both local and Lambda execution.
func NewRouter(d Deps) (*gin.Engine, error) {
	if d.Config == nil || d.Resolver == nil || d.Jobs == nil || d.Migration == nil || d.Ledger == nil {
		return nil, errors.New("router: missing dependencies")
	}
	s := newServer(d)

	router := gin.New()
	router.Use(logging.GinLogger(s.log), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Stripe-Signature"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	if err := router.SetTrustedProxies(d.Config.Abuse.TrustedProxies); err != nil {
		return nil, err
	}

	router.GET("/health", Health)
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	if d.Billing != nil {
		router.POST("/api/stripe/webhook", d.Billing.StripeWebhook)
	}

	disabled := d.Config.Auth.Disabled
	if d.Verifier == nil && !disabled {
		return nil, errors.New("router: token verifier required unless AUTH_DISABLED")
	}

	optional := router.Group("/api")
	optional.Use(auth.Middleware(d.Verifier, auth.MiddlewareConfig{
		DisableAuth: disabled,
		Optional:    true,
		Logger:      s.log,
	}))
	optional.GET("/entitlement", s.Entitlement)
	optional.POST("/analyses", s.SubmitAnalysis)
	optional.GET("/jobs/:jobid", s.GetJobStatus)

	protected := router.Group("/")
	protected.Use(auth.Middleware(d.Verifier, auth.MiddlewareConfig{
		DisableAuth:     disabled,
		OnAuthenticated: s.upsertAccount,
		Logger:          s.log,
	}))
	protected.GET("/me", s.Me)
	protected.GET("/api/analyses", s.ListAnalyses)
	protected.POST("/api/session/authenticated", s.SessionAuthenticated)
	if d.Billing != nil {
		protected.POST("/api/billing/create-checkout-session", d.Billing.CreateCheckoutSession)
		protected.POST("/api/billing/portal-session", d.Billing.CreatePortalSession)
	}

	return router, nil
}
