package billing

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/plans"
)

// PayPalTokenHeader carries the shared webhook token.
const PayPalTokenHeader = "X-Webhook-Token"

const (
	paypalActivated = "BILLING.SUBSCRIPTION.ACTIVATED"
	paypalCancelled = "BILLING.SUBSCRIPTION.CANCELLED"
	paypalExpired   = "BILLING.SUBSCRIPTION.EXPIRED"
)

type paypalEvent struct {
	ID        string             `json:"id"`
	EventType string             `json:"event_type"`
	Resource  paypalSubscription `json:"resource"`
}

type paypalSubscription struct {
	ID          string `json:"id"`
	PlanID      string `json:"plan_id"`
	CustomID    string `json:"custom_id"` // our account id
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
	} `json:"billing_info"`
}

// PayPalWebhook handles PayPal subscription events. When Token is set the
// request must carry it in PayPalTokenHeader.
type PayPalWebhook struct {
	Token   string
	Plans   *plans.Manager
	Catalog credits.Reader
	Log     logrus.FieldLogger
}

func NewPayPalWebhook(token string, manager *plans.Manager, catalog credits.Reader, log logrus.FieldLogger) *PayPalWebhook {
	return &PayPalWebhook{Token: token, Plans: manager, Catalog: catalog, Log: log}
}

func (h *PayPalWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Token != "" {
		got := r.Header.Get(PayPalTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Token)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid webhook token")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var event paypalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	log := h.Log.WithFields(logrus.Fields{
		"event_id":        event.ID,
		"event_type":      event.EventType,
		"subscription_id": event.Resource.ID,
	})

	switch event.EventType {
	case paypalActivated:
		err = h.activated(r, event.Resource)
	case paypalCancelled, paypalExpired:
		_, err = h.Plans.CancelByExternalID(r.Context(), credits.ProviderPayPal, event.Resource.ID)
		if errors.Is(err, credits.ErrUserPlanNotFound) {
			log.Warn("cancel for unknown subscription")
			err = nil
		}
	default:
		log.Debug("ignoring paypal event")
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err != nil {
		log.WithField("error", err).Error("paypal webhook failed")
		respondError(w, statusFor(err), err.Error())
		return
	}

	log.Info("paypal webhook processed")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *PayPalWebhook) activated(r *http.Request, sub paypalSubscription) error {
	if sub.ID == "" || sub.CustomID == "" || sub.PlanID == "" {
		return badRequest("subscription id, plan_id and custom_id are required")
	}

	plan, err := h.Catalog.GetPlanByExternalID(r.Context(), credits.ProviderPayPal, sub.PlanID)
	if err != nil {
		return err
	}

	a := plans.Activation{
		AccountID:              credits.AccountID(sub.CustomID),
		PlanID:                 plan.ID,
		Provider:               credits.ProviderPayPal,
		ExternalSubscriptionID: sub.ID,
	}
	if sub.BillingInfo.NextBillingTime != "" {
		next, err := time.Parse(time.RFC3339, sub.BillingInfo.NextBillingTime)
		if err != nil {
			return badRequest("invalid next_billing_time")
		}
		a.NextBillingAt = &next
	}

	_, err = h.Plans.Activate(r.Context(), a)
	return err
}
