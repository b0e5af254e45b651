// Package models defines plans, quota policies and the account fields the
// entitlement subsystem reads.
package models

import (
	"fmt"
	"strings"
	"time"
)

type Plan string

const (
	PlanFree   Plan = "free"
	PlanPro    Plan = "pro"
	PlanStudio Plan = "studio"
)

// ParsePlan is the only place plan strings are compared.
func ParsePlan(s string) (Plan, error) {
	switch Plan(strings.ToLower(strings.TrimSpace(s))) {
	case PlanFree, "":
		return PlanFree, nil
	case PlanPro:
		return PlanPro, nil
	case PlanStudio:
		return PlanStudio, nil
	}
	return "", fmt.Errorf("unknown plan %q", s)
}

// Paid reports whether the plan is billed per cycle.
func (p Plan) Paid() bool {
	return p == PlanPro || p == PlanStudio
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionNone     SubscriptionStatus = "none"
)

// Unlimited marks a cap that never denies.
const Unlimited = -1

// Cycle is a billing period length. Months and Days add up.
type Cycle struct {
	Months int `yaml:"months" json:"months"`
	Days   int `yaml:"days" json:"days"`
}

func (c Cycle) IsZero() bool { return c.Months == 0 && c.Days == 0 }

// Advance returns t moved forward by n cycles.
func (c Cycle) Advance(t time.Time, n int) time.Time {
	return t.AddDate(0, c.Months*n, c.Days*n)
}

// QuotaPolicy is what a plan resolves to. A policy is either lifetime-capped
// (free, anonymous) or cycle-capped (pro, studio), never both.
type QuotaPolicy struct {
	LifetimeCap   int   `yaml:"lifetime_cap" json:"lifetime_cap"`
	CycleCap      int   `yaml:"cycle_cap" json:"cycle_cap"`
	CycleLength   Cycle `yaml:"cycle_length" json:"cycle_length"`
	AddonsAllowed bool  `yaml:"addons_allowed" json:"addons_allowed"`
}

// Cycled reports whether the policy meters per billing cycle.
func (p QuotaPolicy) Cycled() bool {
	return !p.CycleLength.IsZero()
}

// Policies holds one policy per actor tier.
type Policies struct {
	Anonymous QuotaPolicy `yaml:"anonymous"`
	Free      QuotaPolicy `yaml:"free"`
	Pro       QuotaPolicy `yaml:"pro"`
	Studio    QuotaPolicy `yaml:"studio"`
}

func DefaultPolicies() Policies {
	monthly := Cycle{Months: 1}
	return Policies{
		Anonymous: QuotaPolicy{LifetimeCap: 1},
		Free:      QuotaPolicy{LifetimeCap: 2},
		Pro:       QuotaPolicy{CycleCap: 30, CycleLength: monthly, AddonsAllowed: true},
		Studio:    QuotaPolicy{CycleCap: 100, CycleLength: monthly, AddonsAllowed: true},
	}
}

// For resolves the policy of an actor. Anonymous actors always get the
// anonymous policy regardless of plan.
func (p Policies) For(actor Actor) QuotaPolicy {
	if actor.Kind == ActorAnonymous {
		return p.Anonymous
	}
	switch actor.Plan {
	case PlanPro:
		return p.Pro
	case PlanStudio:
		return p.Studio
	default:
		return p.Free
	}
}

// Account is the durable identity row. Plan and status are written only by
// payment webhooks.
type Account struct {
	ID               string             `db:"account_id" json:"id"`
	Plan             Plan               `db:"plan" json:"plan"`
	Status           SubscriptionStatus `db:"subscription_status" json:"subscription_status"`
	CycleCapOverride *int               `db:"cycle_cap" json:"cycle_cap,omitempty"`
	StripeCustomerID string             `db:"stripe_customer_id" json:"-"`
}

// Entitled reports whether the subscription state allows new consumption.
// Free accounts carry no subscription; paid plans need an active one.
func (a Account) Entitled() bool {
	switch a.Status {
	case SubscriptionActive:
		return true
	case SubscriptionNone, "":
		return !a.Plan.Paid()
	default:
		return false
	}
}

// Policy applies the account's cap override, if any, to the plan policy.
func (a Account) Policy(p Policies) QuotaPolicy {
	policy := p.For(AccountActor(a.ID, a.Plan))
	if a.CycleCapOverride != nil && policy.Cycled() {
		policy.CycleCap = *a.CycleCapOverride
	}
	return policy
}
