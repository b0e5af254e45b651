package app

import (
	"context"
	"errors"
	"time"

	"example/mixreport-api/app/config"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/logging"
	"example/mixreport-api/app/models"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/customer"
	"go.uber.org/zap"
)

// Billing is the boundary with Stripe. Webhooks are the only writers of plan
// and subscription status; nothing on the request path calls Stripe to
// decide entitlement.
type Billing struct {
	store ledger.Store
	cfg   config.StripeConfig
	log   *zap.Logger
	now   func() time.Time
}

// NewBilling wires the Stripe API key into the SDK.
func NewBilling(store ledger.Store, cfg config.StripeConfig, logger *zap.Logger) *Billing {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	return &Billing{store: store, cfg: cfg, log: logging.OrNop(logger), now: time.Now}
}

// ensureStripeCustomer finds or creates the Stripe Customer for an account
// and remembers the mapping so webhooks can find the account again.
func (b *Billing) ensureStripeCustomer(ctx context.Context, accountID, email string) (string, error) {
	if accountID == "" {
		return "", errors.New("missing account id")
	}
	snap, err := b.store.Load(ctx, models.AccountActor(accountID, ""))
	if err != nil {
		return "", err
	}
	if snap.Account != nil && snap.Account.StripeCustomerID != "" {
		return snap.Account.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Metadata: map[string]string{
			"account_id": accountID,
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}
	if err := b.store.SetCustomer(ctx, accountID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (b *Billing) priceFor(plan models.Plan) string {
	switch plan {
	case models.PlanPro:
		return b.cfg.PriceIDProMonthly
	case models.PlanStudio:
		return b.cfg.PriceIDStudio
	}
	return ""
}

func (b *Billing) planForPrice(priceID string) models.Plan {
	switch {
	case priceID == "":
		return ""
	case priceID == b.cfg.PriceIDProMonthly:
		return models.PlanPro
	case priceID == b.cfg.PriceIDStudio:
		return models.PlanStudio
	}
	return ""
}

func subscriptionStatus(s stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionPastDue
	}
}
