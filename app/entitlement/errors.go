package entitlement

import (
	"fmt"

	"example/mixreport-api/app/models"
)

// QuotaDeniedError is a user-actionable denial: upgrade, buy an add-on or
// sign up.
type QuotaDeniedError struct {
	Reason    models.ReasonCode
	Anonymous bool
	// Retryable is set when the denial came from an origin that could not be
	// verified rather than from the ledger.
	Retryable bool
	Usage     *models.Usage
}

func (e *QuotaDeniedError) Error() string {
	return "quota denied: " + string(e.Reason)
}

func (e *QuotaDeniedError) Remedy() models.Remedy {
	switch {
	case e.Retryable:
		return models.RemedyRetry
	case e.Anonymous:
		return models.RemedySignUp
	default:
		return models.RemedyUpgrade
	}
}

type AbuseDetectedError struct {
	Service string
}

func (e *AbuseDetectedError) Error() string {
	if e.Service == "" {
		return "anonymizing network detected"
	}
	return fmt.Sprintf("anonymizing network detected: %s", e.Service)
}

func (e *AbuseDetectedError) Remedy() models.Remedy { return models.RemedyDisableVPN }

// VerificationFailedError means the quota state could not be read. It is
// never turned into a grant.
type VerificationFailedError struct {
	Err error
}

func (e *VerificationFailedError) Error() string {
	if e.Err == nil {
		return "entitlement could not be verified"
	}
	return "entitlement could not be verified: " + e.Err.Error()
}

func (e *VerificationFailedError) Unwrap() error { return e.Err }

func (e *VerificationFailedError) Remedy() models.Remedy { return models.RemedyRetry }

// DecisionError turns a denied decision into the matching taxonomy error and
// returns nil for an allowed one.
func DecisionError(d models.Decision, actor models.Actor) error {
	if d.CanConsume {
		return nil
	}
	switch d.Reason {
	case models.ReasonVPNDetected:
		return &AbuseDetectedError{Service: d.Service}
	case models.ReasonVerificationFailed:
		return &VerificationFailedError{}
	default:
		return &QuotaDeniedError{
			Reason:    d.Reason,
			Anonymous: actor.IsAnonymous(),
			Retryable: d.Retryable,
			Usage:     d.Usage,
		}
	}
}
