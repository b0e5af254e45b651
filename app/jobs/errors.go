package jobs

import (
	"errors"
	"fmt"

	"example/mixreport-api/app/entitlement"
	"example/mixreport-api/app/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrEmptyUpload = errors.New("empty upload")
)

// SubmissionRejectedError is returned before any bytes reach the engine, or
// when the engine refuses the file. It is not retryable.
type SubmissionRejectedError struct {
	Reason models.ReasonCode
	Err    error
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("submission rejected: %v", e.Err)
}

func (e *SubmissionRejectedError) Unwrap() error { return e.Err }

func (e *SubmissionRejectedError) Remedy() models.Remedy { return models.RemedyOf(e.Err) }

type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("engine unreachable: %v", e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Remedy() models.Remedy { return models.RemedyRetry }

// EngineError carries the engine's failure message verbatim.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string { return e.Message }

func (e *EngineError) Remedy() models.Remedy { return models.RemedyNone }

// TimeoutError means this caller stopped waiting. The job itself was not
// cancelled and may still finish.
type TimeoutError struct {
	JobID    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s still running after %d polls", e.JobID, e.Attempts)
}

func (e *TimeoutError) Remedy() models.Remedy { return models.RemedyResubmit }

// Retryable reports whether a status call may be repeated as is.
func Retryable(err error) bool {
	var te *TransportError
	var vf *entitlement.VerificationFailedError
	return errors.As(err, &te) || errors.As(err, &vf)
}

func reasonOf(err error) models.ReasonCode {
	var qd *entitlement.QuotaDeniedError
	var ab *entitlement.AbuseDetectedError
	var vf *entitlement.VerificationFailedError
	switch {
	case errors.As(err, &qd):
		return qd.Reason
	case errors.As(err, &ab):
		return models.ReasonVPNDetected
	case errors.As(err, &vf):
		return models.ReasonVerificationFailed
	}
	return ""
}

type errString string

func (e errString) Error() string { return string(e) }
