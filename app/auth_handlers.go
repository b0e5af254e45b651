// Package app serves the HTTP API: entitlement checks, analysis jobs, the
// sign-in migration hook and payment webhooks.
package app

import (
	"net/http"

	"example/mixreport-api/app/models"

	"github.com/gin-gonic/gin"
)

// Health is a public health check endpoint.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

type meResponse struct {
	AccountID          string                    `json:"account_id"`
	Plan               models.Plan               `json:"plan"`
	SubscriptionStatus models.SubscriptionStatus `json:"subscription_status"`
	Usage              *models.Usage             `json:"usage"`
}

// Me returns plan and usage for the authenticated account.
func (s *Server) Me(c *gin.Context) {
	actor, _ := s.requester(c)
	if actor.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	usage, account, err := s.resolver.Usage(c.Request.Context(), actor)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	resp := meResponse{AccountID: actor.AccountID, Plan: models.PlanFree, SubscriptionStatus: models.SubscriptionNone, Usage: usage}
	if account != nil {
		resp.Plan, resp.SubscriptionStatus = account.Plan, account.Status
	}
	c.JSON(http.StatusOK, resp)
}

// SessionAuthenticated is called by the client once per completed sign-in.
// It settles the anonymous result waiting in the caller's slot, if any.
func (s *Server) SessionAuthenticated(c *gin.Context) {
	actor, _ := s.requester(c)
	if actor.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	res, err := s.migration.OnAuthenticated(c.Request.Context(), s.slot(c, false), actor)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}
