package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/models"
	"example/mixreport-api/auth"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"
	portal "github.com/stripe/stripe-go/v79/billingportal/session"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"
)

type checkoutRequest struct {
	Kind  string `json:"kind" binding:"required,oneof=pro studio addon"`
	Packs int64  `json:"packs" binding:"omitempty,min=1,max=20"`
}

// CreateCheckoutSession starts a Stripe Checkout Session for a plan or an
// add-on pack.
func (b *Billing) CreateCheckoutSession(c *gin.Context) {
	claims, ok := auth.ClaimsFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	frontendURL := strings.TrimRight(b.cfg.FrontendURL, "/")
	if frontendURL == "" {
		b.log.Error("missing Stripe config", zap.Bool("frontend_url", false))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "billing not configured"})
		return
	}

	stripeCustomerID, err := b.ensureStripeCustomer(c.Request.Context(), claims.Subject, claims.Email)
	if err != nil {
		b.log.Error("ensureStripeCustomer failed", zap.String("actor", claims.Subject), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare billing"})
		return
	}

	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(stripeCustomerID),
		ClientReferenceID: stripe.String(claims.Subject),
		SuccessURL:        stripe.String(frontendURL + "/billing/success"),
		CancelURL:         stripe.String(frontendURL + "/billing/cancel"),
	}

	if req.Kind == "addon" {
		packs := max(req.Packs, 1)
		if b.cfg.PriceIDAddonPack == "" || b.cfg.AddonUnitsPerPack <= 0 {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "billing not configured"})
			return
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(b.cfg.PriceIDAddonPack),
			Quantity: stripe.Int64(packs),
		}}
		params.AddMetadata("addon_units", strconv.FormatInt(packs*int64(b.cfg.AddonUnitsPerPack), 10))
	} else {
		plan, _ := models.ParsePlan(req.Kind)
		priceID := b.priceFor(plan)
		if priceID == "" {
			b.log.Error("missing Stripe price", zap.String("plan", string(plan)))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "billing not configured"})
			return
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(priceID),
			Quantity: stripe.Int64(1),
		}}
		params.AddMetadata("plan", string(plan))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"plan": string(plan), "account_id": claims.Subject},
		}
	}

	sess, err := session.New(params)
	if err != nil {
		b.log.Error("stripe checkout session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": sess.URL})
}

// CreatePortalSession creates a Stripe Customer Portal session for the
// authenticated account.
func (b *Billing) CreatePortalSession(c *gin.Context) {
	claims, ok := auth.ClaimsFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
		return
	}
	snap, err := b.store.Load(c.Request.Context(), models.AccountActor(claims.Subject, ""))
	if err != nil {
		b.log.Error("portal lookup failed", zap.String("actor", claims.Subject), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load customer"})
		return
	}
	if snap.Account == nil || snap.Account.StripeCustomerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stripe customer missing for account"})
		return
	}

	frontendURL := strings.TrimRight(b.cfg.FrontendURL, "/")
	if frontendURL == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "billing not configured"})
		return
	}

	sess, err := portal.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(snap.Account.StripeCustomerID),
		ReturnURL: stripe.String(frontendURL + "/settings/billing"),
	})
	if err != nil {
		b.log.Error("stripe portal session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create portal session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": sess.URL})
}

// errIgnoredEvent marks a well-formed event this service has nothing to do
// with. Stripe gets a 200 so it stops retrying.
var errIgnoredEvent = errors.New("event ignored")

// StripeWebhook ingests subscription and add-on purchase events. Every
// ledger write is keyed by the event id, so replays change nothing.
func (b *Billing) StripeWebhook(c *gin.Context) {
	const maxBodyBytes = int64(65536)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if b.cfg.WebhookSecret == "" {
		b.log.Error("stripe webhook secret missing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook not configured"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		c.GetHeader("Stripe-Signature"),
		b.cfg.WebhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		b.log.Warn("stripe webhook signature failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
		return
	}

	err = b.apply(c.Request.Context(), event)
	switch {
	case err == nil, errors.Is(err, ledger.ErrDuplicateEvent):
	case errors.Is(err, errIgnoredEvent):
		b.log.Info("stripe event ignored", zap.String("event", event.ID), zap.String("type", string(event.Type)), zap.Error(err))
	case errors.Is(err, errBadPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		b.log.Error("stripe event failed", zap.String("event", event.ID), zap.String("type", string(event.Type)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update account"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var errBadPayload = errors.New("invalid event payload")

func (b *Billing) apply(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return errBadPayload
	}
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		return b.checkoutCompleted(ctx, event.ID, &sess)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		return b.subscriptionChanged(ctx, event.ID, &sub, event.Type == "customer.subscription.deleted")
	}
	return nil
}

func (b *Billing) checkoutCompleted(ctx context.Context, eventID string, sess *stripe.CheckoutSession) error {
	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	accountID := sess.ClientReferenceID
	if accountID == "" {
		acct, err := b.store.AccountByCustomer(ctx, customerID)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return fmt.Errorf("%w: unknown customer %q", errIgnoredEvent, customerID)
		}
		if err != nil {
			return err
		}
		accountID = acct.ID
	}
	if customerID != "" {
		if err := b.store.SetCustomer(ctx, accountID, customerID); err != nil {
			return err
		}
	}

	switch sess.Mode {
	case stripe.CheckoutSessionModeSubscription:
		plan, err := models.ParsePlan(sess.Metadata["plan"])
		if err != nil || !plan.Paid() {
			return fmt.Errorf("%w: checkout without a paid plan", errIgnoredEvent)
		}
		start := b.now()
		if sess.Created > 0 {
			start = time.Unix(sess.Created, 0).UTC()
		}
		return b.store.ApplySubscription(ctx, ledger.SubscriptionUpdate{
			EventID:     eventID,
			AccountID:   accountID,
			Plan:        plan,
			Status:      models.SubscriptionActive,
			PeriodStart: start,
		})
	case stripe.CheckoutSessionModePayment:
		units, err := strconv.Atoi(sess.Metadata["addon_units"])
		if err != nil || units <= 0 {
			return fmt.Errorf("%w: payment without add-on units", errIgnoredEvent)
		}
		return b.store.GrantAddon(ctx, accountID, units, eventID)
	}
	return fmt.Errorf("%w: checkout mode %q", errIgnoredEvent, sess.Mode)
}

func (b *Billing) subscriptionChanged(ctx context.Context, eventID string, sub *stripe.Subscription, deleted bool) error {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("%w: missing customer id", errBadPayload)
	}
	acct, err := b.store.AccountByCustomer(ctx, sub.Customer.ID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return fmt.Errorf("%w: unknown customer %q", errIgnoredEvent, sub.Customer.ID)
	}
	if err != nil {
		return err
	}

	u := ledger.SubscriptionUpdate{
		EventID:   eventID,
		AccountID: acct.ID,
		Status:    subscriptionStatus(sub.Status),
	}
	if deleted {
		u.Status = models.SubscriptionCanceled
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		u.Plan = b.planForPrice(sub.Items.Data[0].Price.ID)
	}
	if u.Plan == "" {
		if p, err := models.ParsePlan(sub.Metadata["plan"]); err == nil && p.Paid() {
			u.Plan = p
		}
	}
	if sub.CurrentPeriodStart > 0 {
		u.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	return b.store.ApplySubscription(ctx, u)
}
