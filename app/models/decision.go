package models

import (
	"errors"
	"time"
)

type ReasonCode string

const (
	ReasonLimitReached         ReasonCode = "LIMIT_REACHED"
	ReasonSubscriptionInactive ReasonCode = "SUBSCRIPTION_INACTIVE"
	ReasonVPNDetected          ReasonCode = "VPN_DETECTED"
	ReasonVerificationFailed   ReasonCode = "VERIFICATION_FAILED"
)

// Decision is the outcome of an entitlement check. It is advisory; only a
// committed consume spends a unit.
type Decision struct {
	CanConsume bool       `json:"can_consume"`
	Reason     ReasonCode `json:"reason,omitempty"`
	// Service names the anonymizer when Reason is VPN_DETECTED and it is known.
	Service   string `json:"service,omitempty"`
	Retryable bool   `json:"retryable"`
	Usage     *Usage `json:"usage,omitempty"`
}

func Allow(usage *Usage) Decision {
	return Decision{CanConsume: true, Usage: usage}
}

func Deny(reason ReasonCode) Decision {
	return Decision{Reason: reason, Retryable: reason == ReasonVerificationFailed}
}

// Usage summarises the ledger for UI gating.
type Usage struct {
	Plan           Plan       `json:"plan,omitempty"`
	LifetimeUsed   int        `json:"lifetime_used"`
	LifetimeCap    *int       `json:"lifetime_cap,omitempty"`
	CycleUsed      int        `json:"cycle_used"`
	CycleCap       *int       `json:"cycle_cap,omitempty"`
	AddonRemaining int        `json:"addon_remaining"`
	Remaining      *int       `json:"remaining,omitempty"`
	CycleResetsAt  *time.Time `json:"cycle_resets_at,omitempty"`
}

// Remedy tells the presentation layer which path to offer for a failure.
type Remedy string

const (
	RemedyUpgrade    Remedy = "upgrade"
	RemedySignUp     Remedy = "sign_up"
	RemedyDisableVPN Remedy = "disable_vpn"
	RemedyRetry      Remedy = "retry"
	RemedyResubmit   Remedy = "resubmit"
	RemedyNone       Remedy = "none"
)

type remedier interface {
	Remedy() Remedy
}

// RemedyOf returns the remedy of the first error in the chain that has one.
func RemedyOf(err error) Remedy {
	var r remedier
	if errors.As(err, &r) {
		return r.Remedy()
	}
	return RemedyNone
}
