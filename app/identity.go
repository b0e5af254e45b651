package app

import (
	"net/http"

	"example/mixreport-api/app/abuse"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/models"
	"example/mixreport-api/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// slotCookie names the browser's pending-result slot.
const slotCookie = "mx_slot"

const slotMaxAge = 30 * 24 * 60 * 60

// requester works out who is calling. Signed-in callers are metered by
// account; everyone else by the fingerprint of their origin.
func (s *Server) requester(c *gin.Context) (models.Actor, abuse.Origin) {
	o := abuse.Origin{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
	fp := abuse.Fingerprint(o, s.cfg.Abuse.FingerprintSalt)
	if claims, ok := auth.ClaimsFromContext(c.Request.Context()); ok && claims.Subject != "" {
		return models.AccountActor(claims.Subject, "").WithFingerprint(fp), o
	}
	return models.Anonymous(fp), o
}

// slot returns the caller's slot key, issuing one when create is set.
func (s *Server) slot(c *gin.Context, create bool) string {
	if v, err := c.Cookie(slotCookie); err == nil && v != "" {
		return v
	}
	if !create {
		return ""
	}
	key := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(slotCookie, key, slotMaxAge, "/", "", s.cfg.Env != "local", true)
	return key
}

// upsertAccount keeps the account row in step with the identity provider.
func (s *Server) upsertAccount(c *gin.Context, claims *auth.Claims) error {
	if claims == nil || claims.Subject == "" {
		return nil
	}
	return s.ledger.EnsureAccount(c.Request.Context(), ledger.AccountProfile{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
	})
}
