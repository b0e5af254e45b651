package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const localSubject = "local-dev"

// TokenVerifier turns a bearer token into verified claims.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// MiddlewareConfig controls auth enforcement behavior.
type MiddlewareConfig struct {
	RequireScopes []string
	PublicPaths   map[string]bool
	// DisableAuth runs every request carrying a header, and every request on
	// a required route, as the local-dev subject.
	DisableAuth bool
	// Optional lets requests without an Authorization header through with no
	// claims. A header that is present must still verify.
	Optional bool
	// OnAuthenticated runs after claims are verified. An error aborts with 500.
	OnAuthenticated func(c *gin.Context, claims *Claims) error
	Logger          *zap.Logger
}

// Middleware enforces bearer token auth and injects claims into the request context.
func Middleware(verifier TokenVerifier, cfg MiddlewareConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DisableAuth {
		log.Warn("token verification disabled, requests run as " + localSubject)
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		if cfg.DisableAuth {
			if cfg.Optional && authHeader == "" {
				c.Next()
				return
			}
			accept(c, &Claims{Subject: localSubject}, cfg, log)
			return
		}

		if cfg.PublicPaths != nil && cfg.PublicPaths[c.FullPath()] {
			c.Next()
			return
		}

		if authHeader == "" {
			if cfg.Optional {
				c.Next()
				return
			}
			log.Info("auth failure: missing Authorization header", zap.String("path", c.Request.URL.Path))
			respondUnauthorized(c, "missing authorization header")
			return
		}

		if verifier == nil {
			respondUnauthorized(c, "auth verifier not configured")
			return
		}

		token, ok := extractBearerToken(authHeader)
		if !ok {
			log.Info("auth failure: malformed Authorization header", zap.String("path", c.Request.URL.Path))
			respondUnauthorized(c, "invalid authorization header")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			log.Info("auth failure: token invalid", zap.String("path", c.Request.URL.Path), zap.Error(err))
			respondUnauthorized(c, "invalid token")
			return
		}

		if len(cfg.RequireScopes) > 0 && !hasScopes(claims.Scope, cfg.RequireScopes) {
			log.Info("auth failure: missing scopes", zap.String("path", c.Request.URL.Path))
			respondUnauthorized(c, "insufficient scope")
			return
		}

		accept(c, claims, cfg, log)
	}
}

func accept(c *gin.Context, claims *Claims, cfg MiddlewareConfig, log *zap.Logger) {
	ctx := WithClaims(c.Request.Context(), claims)
	c.Request = c.Request.WithContext(ctx)
	if cfg.OnAuthenticated != nil {
		if err := cfg.OnAuthenticated(c, claims); err != nil {
			log.Error("post-auth hook failed", zap.String("sub", claims.Subject), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
			return
		}
	}
	c.Next()
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func hasScopes(scopeClaim string, required []string) bool {
	if scopeClaim == "" {
		return false
	}
	available := map[string]struct{}{}
	for _, s := range strings.Fields(scopeClaim) {
		available[s] = struct{}{}
	}
	for _, scope := range required {
		if _, ok := available[scope]; !ok {
			return false
		}
	}
	return true
}

func respondUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": message,
	})
}
