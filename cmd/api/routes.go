package main

import (
	"consult-platform/internal/httpapi"
	"consult-platform/internal/metrics"
	"consult-platform/internal/rbac"
	"consult-platform/internal/wallet"

	"github.com/gin-gonic/gin"
)

type routeOptions struct {
	// MinBalanceMinutes is how many minutes of the consultant's rate a seeker must
	// hold before a call request is accepted.
	MinBalanceMinutes int64
	Metrics           *metrics.Metrics
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, opts routeOptions) {
	// public
	r.GET("/healthz", h.Health)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	// Media service webhooks, verified by signature inside the handler.
	r.POST("/webhooks/media", h.MediaWebhook)

	v1 := r.Group("/v1")

	// Development token issuance; answers 404 when disabled.
	v1.POST("/auth/login", h.Login)
	v1.POST("/auth/refresh", h.Refresh)

	protected := v1.Group("")
	protected.Use(authMW)
	{
		protected.GET("/me", h.Me)

		// CALLS routes
		callsGroup := protected.Group("/calls")
		{
			callsGroup.GET("/feed", h.CallFeed)
			callsGroup.GET("/history", h.CallHistory)
			callsGroup.GET("/queue", rbac.RequireAnyRole(rbac.RoleConsultant), h.CallQueue)

			callsGroup.GET("/:call_id", h.GetCall)
			callsGroup.GET("/:call_id/join", h.JoinCall)
			callsGroup.POST("/:call_id/accept", rbac.RequireAnyRole(rbac.RoleConsultant), h.AcceptCall)
			callsGroup.POST("/:call_id/reject", rbac.RequireAnyRole(rbac.RoleConsultant), h.RejectCall)
			callsGroup.POST("/:call_id/cancel", rbac.RequireAnyRole(rbac.RoleSeeker), h.CancelCall)
			callsGroup.POST("/:call_id/end", h.EndCall)
		}

		// CONSULTANT routes
		consultants := protected.Group("/consultants")
		{
			consultants.GET("/me/summary", rbac.RequireAnyRole(rbac.RoleConsultant), h.ConsultantSummary)
			consultants.POST("/:"+wallet.ConsultantParam+"/calls",
				rbac.RequireAnyRole(rbac.RoleSeeker),
				wallet.RequireSufficientBalance(h.Wallet, h.Pricing, opts.MinBalanceMinutes),
				h.RequestCall,
			)
		}

		// WALLET routes
		wallets := protected.Group("/wallets")
		{
			wallets.GET("/me/balance", h.GetMyBalance)
		}

		// ADMIN routes
		admin := protected.Group("/admin")
		admin.Use(rbac.RequireAdmin())
		{
			admin.POST("/calls/:call_id/settle", h.SettleCall)
			admin.POST("/calls/:call_id/reconcile", h.ReconcileCall)
			admin.POST("/wallets/manual-credit", h.AdminManualCredit)
			admin.PUT("/consultants/:"+wallet.ConsultantParam+"/rate", h.SetConsultantRate)
		}
	}
}
