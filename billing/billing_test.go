package billing_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/warp/credit-engine/billing"
	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/plans"
	"github.com/warp/credit-engine/store/sqlite"
)

const stripeSecret = "whsec_test_secret"

var now = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	store   *sqlite.Store
	ledger  *credits.Ledger
	manager *plans.Manager
	stripe  *billing.StripeWebhook
	paypal  *billing.PayPalWebhook
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SavePlan(ctx, credits.Plan{ID: "free", Name: "Free", Tier: credits.TierFree, CreditsPerMonth: 50}))
	require.NoError(t, store.SavePlan(ctx, credits.Plan{
		ID: "premium", Name: "Premium", Tier: credits.TierPremium, CreditsPerMonth: 1000,
		StripePriceID: "price_premium", PayPalPlanID: "P-PREMIUM",
	}))

	clock := credits.NewManualClock(now)
	logger, _ := test.NewNullLogger()
	manager := plans.NewManager(store, clock, logger)
	return &fixture{
		ctx:     ctx,
		store:   store,
		ledger:  credits.NewLedger(store, clock, logger),
		manager: manager,
		stripe:  billing.NewStripeWebhook(stripeSecret, manager, store, logger),
		paypal:  billing.NewPayPalWebhook("pp-token", manager, store, logger),
	}
}

func (f *fixture) balance(t *testing.T, account credits.AccountID) int64 {
	t.Helper()
	b, err := f.ledger.CurrentBalance(f.ctx, account)
	require.NoError(t, err)
	return b
}

func stripeEvent(eventType, object string) string {
	return fmt.Sprintf(`{"id":"evt_test","object":"event","api_version":"2024-06-20","type":%q,"data":{"object":%s}}`, eventType, object)
}

func postStripe(h http.Handler, payload string, secret string) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func postPayPal(h http.Handler, payload, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(payload))
	req.Header.Set(billing.PayPalTokenHeader, token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// =============================================================================
// STRIPE
// =============================================================================

func TestStripe_CheckoutCompletedActivates(t *testing.T) {
	// GIVEN: A signed checkout.session.completed for the premium plan
	// WHEN: The webhook is delivered twice
	// THEN: Premium is active with 1000 credits granted exactly once

	f := newFixture(t)
	payload := stripeEvent("checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","subscription":"sub_1","metadata":{"account_id":"user-1","plan_id":"premium"}}`)

	w := postStripe(f.stripe, payload, stripeSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(1000), f.balance(t, "user-1"))

	w = postStripe(f.stripe, payload, stripeSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1000), f.balance(t, "user-1"))

	up, err := f.store.GetUserPlanBySubscription(f.ctx, credits.ProviderStripe, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, credits.UserPlanActive, up.Status)
	assert.Equal(t, credits.PlanID("premium"), up.PlanID)
}

func TestStripe_CheckoutResolvesPriceID(t *testing.T) {
	f := newFixture(t)
	payload := stripeEvent("checkout.session.completed",
		`{"id":"cs_2","object":"checkout.session","client_reference_id":"user-2","metadata":{"price_id":"price_premium"}}`)

	w := postStripe(f.stripe, payload, stripeSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(1000), f.balance(t, "user-2"))
}

func TestStripe_CheckoutUnknownPlan(t *testing.T) {
	f := newFixture(t)
	payload := stripeEvent("checkout.session.completed",
		`{"id":"cs_3","object":"checkout.session","metadata":{"account_id":"user-1","plan_id":"gold"}}`)

	w := postStripe(f.stripe, payload, stripeSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, int64(0), f.balance(t, "user-1"))
}

func TestStripe_CheckoutMissingMetadata(t *testing.T) {
	f := newFixture(t)
	payload := stripeEvent("checkout.session.completed", `{"id":"cs_4","object":"checkout.session"}`)

	w := postStripe(f.stripe, payload, stripeSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStripe_BadSignatureRejected(t *testing.T) {
	f := newFixture(t)
	payload := stripeEvent("checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","metadata":{"account_id":"user-1","plan_id":"premium"}}`)

	w := postStripe(f.stripe, payload, "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int64(0), f.balance(t, "user-1"))
}

func TestStripe_InvoicePaidRenews(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Activate(f.ctx, plans.Activation{
		AccountID: "user-1", PlanID: "premium",
		Provider: credits.ProviderStripe, ExternalSubscriptionID: "sub_1",
	})
	require.NoError(t, err)

	periodEnd := now.AddDate(0, 2, 0)
	payload := stripeEvent("invoice.paid", fmt.Sprintf(
		`{"id":"in_1","object":"invoice","subscription":"sub_1","lines":{"object":"list","data":[{"id":"il_1","object":"line_item","period":{"start":%d,"end":%d}}]}}`,
		now.Unix(), periodEnd.Unix()))

	w := postStripe(f.stripe, payload, stripeSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	up, err := f.store.GetUserPlanBySubscription(f.ctx, credits.ProviderStripe, "sub_1")
	require.NoError(t, err)
	assert.True(t, up.CurrentPeriodEnd.Equal(periodEnd))
	assert.Equal(t, int64(1000), f.balance(t, "user-1"), "renewal does not grant credits")
}

func TestStripe_SubscriptionDeletedCancels(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Activate(f.ctx, plans.Activation{
		AccountID: "user-1", PlanID: "premium",
		Provider: credits.ProviderStripe, ExternalSubscriptionID: "sub_1",
	})
	require.NoError(t, err)

	payload := stripeEvent("customer.subscription.deleted", `{"id":"sub_1","object":"subscription"}`)
	w := postStripe(f.stripe, payload, stripeSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cur, err := f.manager.CurrentPlan(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, credits.TierFree, cur.Plan.Tier)
}

func TestStripe_UnhandledEventIgnored(t *testing.T) {
	f := newFixture(t)
	w := postStripe(f.stripe, stripeEvent("customer.created", `{"id":"cus_1","object":"customer"}`), stripeSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

// =============================================================================
// PAYPAL
// =============================================================================

func TestPayPal_ActivatedThenCancelled(t *testing.T) {
	f := newFixture(t)
	next := now.AddDate(0, 1, 0).Format(time.RFC3339)

	activated := fmt.Sprintf(`{"id":"WH-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED",
		"resource":{"id":"I-SUB","plan_id":"P-PREMIUM","custom_id":"user-1","billing_info":{"next_billing_time":%q}}}`, next)
	w := postPayPal(f.paypal, activated, "pp-token")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(1000), f.balance(t, "user-1"))

	up, err := f.store.GetUserPlanBySubscription(f.ctx, credits.ProviderPayPal, "I-SUB")
	require.NoError(t, err)
	assert.Equal(t, next, up.CurrentPeriodEnd.Format(time.RFC3339))

	cancelled := `{"id":"WH-2","event_type":"BILLING.SUBSCRIPTION.CANCELLED","resource":{"id":"I-SUB"}}`
	w = postPayPal(f.paypal, cancelled, "pp-token")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cur, err := f.manager.CurrentPlan(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, credits.TierFree, cur.Plan.Tier)
}

func TestPayPal_RejectsBadToken(t *testing.T) {
	f := newFixture(t)
	w := postPayPal(f.paypal, `{"event_type":"BILLING.SUBSCRIPTION.ACTIVATED"}`, "nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPayPal_UnknownPlan(t *testing.T) {
	f := newFixture(t)
	payload := `{"event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{"id":"I-SUB","plan_id":"P-NOPE","custom_id":"user-1"}}`

	w := postPayPal(f.paypal, payload, "pp-token")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, int64(0), f.balance(t, "user-1"))
}

func TestPayPal_MalformedBody(t *testing.T) {
	f := newFixture(t)
	w := postPayPal(f.paypal, `{"event_type":`, "pp-token")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
