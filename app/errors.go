package app

import (
	"errors"
	"net/http"

	"example/mixreport-api/app/engine"
	"example/mixreport-api/app/entitlement"
	"example/mixreport-api/app/jobs"
	"example/mixreport-api/app/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorResponse maps the error taxonomy onto an HTTP status and body.
func errorResponse(err error) (int, models.ErrorResponse) {
	body := models.ErrorResponse{Error: err.Error(), Remedy: models.RemedyOf(err)}

	var (
		qd *entitlement.QuotaDeniedError
		ab *entitlement.AbuseDetectedError
		vf *entitlement.VerificationFailedError
		tr *jobs.TransportError
		ee *jobs.EngineError
		to *jobs.TimeoutError
	)
	switch {
	case errors.As(err, &qd):
		body.Reason, body.Usage = qd.Reason, qd.Usage
		switch {
		case qd.Reason == models.ReasonSubscriptionInactive:
			return http.StatusForbidden, body
		case qd.Retryable:
			return http.StatusTooManyRequests, body
		}
		return http.StatusPaymentRequired, body
	case errors.As(err, &ab):
		body.Reason, body.Service = models.ReasonVPNDetected, ab.Service
		return http.StatusForbidden, body
	case errors.As(err, &vf):
		body.Reason = models.ReasonVerificationFailed
		return http.StatusServiceUnavailable, body
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, jobs.ErrEmptyUpload):
		return http.StatusBadRequest, body
	case errors.Is(err, engine.ErrRejected), errors.As(err, &ee):
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &tr):
		return http.StatusBadGateway, body
	case errors.As(err, &to):
		return http.StatusGatewayTimeout, body
	}
	body.Error = "internal error"
	return http.StatusInternalServerError, body
}

func (s *Server) fail(c *gin.Context, err error, job *models.Job) {
	status, body := errorResponse(err)
	if job != nil && job.ID != "" {
		body.Job = job
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{Error: msg, Remedy: models.RemedyNone})
}
