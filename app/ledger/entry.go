// Package ledger holds the per-actor usage counters and the one operation
// allowed to spend from them.
//
// The decision logic is pure (Rollover, Check, Consume) and shared by every
// Store so the memory and Postgres stores cannot disagree on arithmetic.
package ledger

import (
	"errors"
	"time"

	"example/mixreport-api/app/models"
)

var (
	ErrLimitReached         = errors.New("ledger: limit reached")
	ErrSubscriptionInactive = errors.New("ledger: subscription inactive")
	// ErrUnavailable wraps every failure to reach the backing store.
	ErrUnavailable = errors.New("ledger: store unavailable")
	// ErrDuplicateRecord means the job was already charged to the actor or its
	// result was already persisted. Nothing was spent.
	ErrDuplicateRecord = errors.New("ledger: analysis already persisted")
	// ErrDuplicateEvent means a payment event was already applied.
	ErrDuplicateEvent = errors.New("ledger: payment event already applied")
)

// Entry is one row of the rate ledger. All counters are non-negative.
type Entry struct {
	ActorID        string    `json:"actor_id"`
	LifetimeUsed   int       `json:"lifetime_used"`
	CycleUsed      int       `json:"cycle_used"`
	CycleStartedAt time.Time `json:"cycle_started_at"`
	AddonRemaining int       `json:"addon_remaining"`
}

// Snapshot is an entry plus, for accounts, the account row it was read with.
type Snapshot struct {
	Entry   Entry           `json:"entry"`
	Account *models.Account `json:"account,omitempty"`
}

// Policy resolves the quota policy that governs this snapshot.
func (s Snapshot) Policy(p models.Policies) models.QuotaPolicy {
	if s.Account == nil {
		return p.Anonymous
	}
	return s.Account.Policy(p)
}

// Rollover moves the cycle forward to the latest boundary not after now and
// zeroes CycleUsed if a boundary was crossed. It never moves backwards.
func Rollover(e Entry, policy models.QuotaPolicy, now time.Time) Entry {
	if !policy.Cycled() {
		return e
	}
	if e.CycleStartedAt.IsZero() {
		e.CycleStartedAt = now
		return e
	}
	n := 0
	for !policy.CycleLength.Advance(e.CycleStartedAt, n+1).After(now) {
		n++
	}
	if n > 0 {
		e.CycleStartedAt = policy.CycleLength.Advance(e.CycleStartedAt, n)
		e.CycleUsed = 0
	}
	return e
}

// Check is the advisory form of Consume.
func Check(s Snapshot, policies models.Policies, now time.Time) error {
	_, err := Consume(s, policies, now)
	return err
}

// Consume returns the entry after spending one unit, or the reason it cannot.
// Lifetime policies spend LifetimeUsed. Cycle policies spend CycleUsed until
// the cap and then one add-on unit.
func Consume(s Snapshot, policies models.Policies, now time.Time) (Entry, error) {
	if s.Account != nil && !s.Account.Entitled() {
		return s.Entry, ErrSubscriptionInactive
	}
	policy := s.Policy(policies)
	e := Rollover(s.Entry, policy, now)

	if !policy.Cycled() {
		if under(e.LifetimeUsed, policy.LifetimeCap) {
			e.LifetimeUsed++
			return e, nil
		}
		return s.Entry, ErrLimitReached
	}

	switch {
	case under(e.CycleUsed, policy.CycleCap):
		e.CycleUsed++
	case policy.AddonsAllowed && e.AddonRemaining > 0:
		e.AddonRemaining--
	default:
		return s.Entry, ErrLimitReached
	}
	return e, nil
}

func under(used, limit int) bool {
	return limit == models.Unlimited || used < limit
}

// Summarize reports usage as seen at now, without mutating anything.
func Summarize(s Snapshot, policies models.Policies, now time.Time) *models.Usage {
	policy := s.Policy(policies)
	e := Rollover(s.Entry, policy, now)
	u := &models.Usage{
		LifetimeUsed:   e.LifetimeUsed,
		CycleUsed:      e.CycleUsed,
		AddonRemaining: e.AddonRemaining,
	}
	if s.Account != nil {
		u.Plan = s.Account.Plan
	}

	var remaining int
	if policy.Cycled() {
		if policy.CycleCap != models.Unlimited {
			c := policy.CycleCap
			u.CycleCap = &c
			remaining = max(c-e.CycleUsed, 0)
			if policy.AddonsAllowed {
				remaining += e.AddonRemaining
			}
			u.Remaining = &remaining
		}
		resets := policy.CycleLength.Advance(e.CycleStartedAt, 1)
		u.CycleResetsAt = &resets
		return u
	}
	if policy.LifetimeCap != models.Unlimited {
		c := policy.LifetimeCap
		u.LifetimeCap = &c
		remaining = max(c-e.LifetimeUsed, 0)
		u.Remaining = &remaining
	}
	return u
}
