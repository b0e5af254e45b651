package ledger

import (
	"context"
	"errors"
	"time"

	"example/mixreport-api/app/models"
)

var ErrAccountNotFound = errors.New("ledger: account not found")

// CommitRequest spends one unit for Actor. When Record is set it is persisted
// in the same transaction, so a result is never saved without being paid for
// and never paid for without being saved.
//
// A non-empty JobID charges the job at most once per actor: a repeat returns
// ErrDuplicateRecord before the ledger is consulted.
type CommitRequest struct {
	Actor    models.Actor
	Policies models.Policies
	Now      time.Time
	JobID    string
	Record   *models.AnalysisRecord
}

// SubscriptionUpdate is what a payment webhook changes on an account. Zero
// values leave the field untouched.
type SubscriptionUpdate struct {
	EventID     string
	AccountID   string
	Plan        models.Plan
	Status      models.SubscriptionStatus
	CycleCap    *int
	PeriodStart time.Time
}

// AccountProfile is the identity provider's view of an account.
type AccountProfile struct {
	ID    string
	Email string
	Name  string
}

type Store interface {
	// Load never fails for an unknown actor: a missing anonymous entry is
	// zero and a missing account is a free account without subscription.
	Load(ctx context.Context, actor models.Actor) (Snapshot, error)
	Commit(ctx context.Context, req CommitRequest) (Entry, error)
	GrantAddon(ctx context.Context, accountID string, units int, eventID string) error
	ApplySubscription(ctx context.Context, u SubscriptionUpdate) error
	EnsureAccount(ctx context.Context, p AccountProfile) error
	AccountByCustomer(ctx context.Context, customerID string) (models.Account, error)
	SetCustomer(ctx context.Context, accountID, customerID string) error
	Records(ctx context.Context, accountID string) ([]models.AnalysisRecord, error)
}

func defaultAccount(id string) models.Account {
	return models.Account{ID: id, Plan: models.PlanFree, Status: models.SubscriptionNone}
}

// applySubscription mutates a and reports whether the subscription went from
// not active to active, which starts a fresh cycle.
func applySubscription(a *models.Account, u SubscriptionUpdate) bool {
	wasActive := a.Status == models.SubscriptionActive
	if u.Plan != "" {
		a.Plan = u.Plan
	}
	if u.Status != "" {
		a.Status = u.Status
	}
	if u.CycleCap != nil {
		c := *u.CycleCap
		a.CycleCapOverride = &c
	}
	return !wasActive && a.Status == models.SubscriptionActive
}

func accountActorID(accountID string) string {
	return models.AccountActor(accountID, "").ID()
}
