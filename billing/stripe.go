/*
Package billing receives payment-provider webhooks and turns them into plan
operations.

EVENTS:
  Stripe (signature verified with the endpoint secret)
    checkout.session.completed     -> plans.Manager.Activate
    invoice.paid                   -> plans.Manager.Renew
    customer.subscription.deleted  -> plans.Manager.CancelByExternalID

  PayPal (shared token header)
    BILLING.SUBSCRIPTION.ACTIVATED -> plans.Manager.Activate
    BILLING.SUBSCRIPTION.CANCELLED -> plans.Manager.CancelByExternalID
    BILLING.SUBSCRIPTION.EXPIRED   -> plans.Manager.CancelByExternalID

RETRIES:
  Providers retry anything but 2xx. Malformed or unverifiable payloads get
  4xx; storage failures get 5xx so the event is redelivered. Redelivery is
  safe: activation and cancellation are idempotent per subscription id.
*/
package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/plans"
)

const maxBodyBytes = int64(65536)

// Stripe checkout metadata keys set when the session is created.
const (
	MetadataAccountID = "account_id"
	MetadataPlanID    = "plan_id"
	MetadataPriceID   = "price_id"
)

// StripeWebhook handles Stripe subscription events.
type StripeWebhook struct {
	Secret  string
	Plans   *plans.Manager
	Catalog credits.Reader
	Log     logrus.FieldLogger
}

func NewStripeWebhook(secret string, manager *plans.Manager, catalog credits.Reader, log logrus.FieldLogger) *StripeWebhook {
	return &StripeWebhook{Secret: secret, Plans: manager, Catalog: catalog, Log: log}
}

func (h *StripeWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Secret == "" {
		h.Log.Error("stripe webhook secret missing")
		respondError(w, http.StatusInternalServerError, "webhook not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		r.Header.Get("Stripe-Signature"),
		h.Secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		h.Log.WithField("error", err).Warn("stripe webhook signature failed")
		respondError(w, http.StatusBadRequest, "signature verification failed")
		return
	}

	log := h.Log.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	switch event.Type {
	case "checkout.session.completed":
		err = h.checkoutCompleted(r, event)
	case "invoice.paid":
		err = h.invoicePaid(r, event)
	case "customer.subscription.deleted":
		err = h.subscriptionDeleted(r, event)
	default:
		log.Debug("ignoring stripe event")
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err != nil {
		status := statusFor(err)
		log.WithField("error", err).Error("stripe webhook failed")
		respondError(w, status, err.Error())
		return
	}

	log.Info("stripe webhook processed")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *StripeWebhook) checkoutCompleted(r *http.Request, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return badRequest("invalid session payload")
	}

	accountID := sess.Metadata[MetadataAccountID]
	if accountID == "" {
		accountID = sess.ClientReferenceID
	}
	if accountID == "" {
		return badRequest("missing account_id metadata")
	}

	planID := credits.PlanID(sess.Metadata[MetadataPlanID])
	if planID == "" {
		priceID := sess.Metadata[MetadataPriceID]
		if priceID == "" {
			return badRequest("missing plan_id metadata")
		}
		plan, err := h.Catalog.GetPlanByExternalID(r.Context(), credits.ProviderStripe, priceID)
		if err != nil {
			return err
		}
		planID = plan.ID
	}

	a := plans.Activation{
		AccountID: credits.AccountID(accountID),
		PlanID:    planID,
		Provider:  credits.ProviderStripe,
	}
	if sess.Subscription != nil {
		a.ExternalSubscriptionID = sess.Subscription.ID
		if sess.Subscription.CurrentPeriodEnd > 0 {
			next := time.Unix(sess.Subscription.CurrentPeriodEnd, 0).UTC()
			a.NextBillingAt = &next
		}
	}

	_, err := h.Plans.Activate(r.Context(), a)
	return err
}

func (h *StripeWebhook) invoicePaid(r *http.Request, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return badRequest("invalid invoice payload")
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		// One-off invoice, nothing to renew.
		return nil
	}

	var periodEnd int64
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.End > periodEnd {
				periodEnd = line.Period.End
			}
		}
	}
	if periodEnd == 0 {
		periodEnd = inv.PeriodEnd
	}
	if periodEnd == 0 {
		return badRequest("invoice has no billing period")
	}

	_, err := h.Plans.Renew(r.Context(), credits.ProviderStripe, inv.Subscription.ID, time.Unix(periodEnd, 0).UTC())
	if errors.Is(err, credits.ErrUserPlanNotFound) {
		// The first invoice can arrive before checkout completes; activation
		// sets the initial period.
		h.Log.WithField("subscription_id", inv.Subscription.ID).Warn("invoice for unknown subscription")
		return nil
	}
	return err
}

func (h *StripeWebhook) subscriptionDeleted(r *http.Request, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return badRequest("invalid subscription payload")
	}
	if sub.ID == "" {
		return badRequest("missing subscription id")
	}

	_, err := h.Plans.CancelByExternalID(r.Context(), credits.ProviderStripe, sub.ID)
	if errors.Is(err, credits.ErrUserPlanNotFound) {
		h.Log.WithField("subscription_id", sub.ID).Warn("cancel for unknown subscription")
		return nil
	}
	return err
}
