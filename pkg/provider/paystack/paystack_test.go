package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paywelt/billingcore/pkg/engine"
)

const testSecret = "sk_test_secret"

func sign(t *testing.T, body []byte) string {
	t.Helper()
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestNew(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	a, err := New(testSecret)
	require.NoError(t, err)
	assert.Equal(t, engine.ProviderPaystack, a.Name())
}

func TestVerify(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)

	body := []byte(`{"event":"charge.success","data":{}}`)
	require.NoError(t, a.Verify(body, sign(t, body)))

	// Paystack sends lowercase hex; accept uppercase too.
	upper := []byte(`{"event":"charge.success"}`)
	sig := sign(t, upper)
	require.NoError(t, a.Verify(upper, "  "+sig+"  "))

	assert.ErrorIs(t, a.Verify(body, ""), engine.ErrInvalidSignature)
	assert.ErrorIs(t, a.Verify(body, "deadbeef"), engine.ErrInvalidSignature)
	assert.ErrorIs(t, a.Verify([]byte(`tampered`), sign(t, body)), engine.ErrInvalidSignature)
}

func TestNormalize_ChargeSuccess(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)

	body := []byte(`{
		"event": "charge.success",
		"data": {
			"id": 302961,
			"reference": "ref_abc123",
			"amount": 500000,
			"currency": "ngn",
			"paid_at": "2026-02-10T15:04:05Z",
			"subscription_code": "SUB_vsyqdmlzble3uii",
			"metadata": {"creator_id": "creator_1", "subscriber_id": "subscriber_1"},
			"plan": {"plan_code": "PLN_gx2wn530m0i3w3m", "interval": "monthly"}
		}
	}`)

	ev, err := a.Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, engine.EventChargeSucceeded, ev.Kind)
	assert.Equal(t, "charge.success:ref_abc123", ev.ExternalID)
	assert.Equal(t, "ref_abc123", ev.ProviderReference)
	assert.Equal(t, "SUB_vsyqdmlzble3uii", ev.ProviderSubscriptionID)
	assert.Equal(t, int64(500000), ev.AmountMinor)
	assert.Equal(t, "NGN", ev.Currency)
	assert.Equal(t, "creator_1", ev.CreatorID)
	assert.Equal(t, "subscriber_1", ev.SubscriberID)
	assert.Equal(t, "month", ev.IntervalUnit)
	assert.Equal(t, time.Date(2026, 2, 10, 15, 4, 5, 0, time.UTC), ev.OccurredAt)
}

func TestNormalize_InvoicePaymentSucceeded(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)

	body := []byte(`{
		"event": "invoice.payment_succeeded",
		"data": {
			"invoice_code": "INV_001",
			"amount": 500000,
			"currency": "NGN",
			"period_end": "2026-03-10T00:00:00Z",
			"subscription": {"subscription_code": "SUB_vsyqdmlzble3uii"},
			"transaction": {"reference": "ref_renewal_1"}
		}
	}`)

	ev, err := a.Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, engine.EventInvoicePaid, ev.Kind)
	assert.Equal(t, "invoice.payment_succeeded:ref_renewal_1", ev.ExternalID)
	assert.Equal(t, "SUB_vsyqdmlzble3uii", ev.ProviderSubscriptionID)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), ev.PeriodEnd)
}

func TestNormalize_SubscriptionNotRenew(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)

	body := []byte(`{
		"event": "subscription.not_renew",
		"data": {
			"subscription_code": "SUB_vsyqdmlzble3uii",
			"status": "non-renewing",
			"next_payment_date": "2026-03-10T00:00:00Z"
		}
	}`)

	ev, err := a.Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, engine.EventSubscriptionUpdated, ev.Kind)
	require.NotNil(t, ev.CancelAtPeriodEnd)
	assert.True(t, *ev.CancelAtPeriodEnd)
}

func TestNormalize_SubscriptionDisable(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)

	body := []byte(`{"event":"subscription.disable","data":{"subscription_code":"SUB_x"}}`)
	ev, err := a.Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, engine.EventSubscriptionDeleted, ev.Kind)
	assert.Equal(t, "SUB_x", ev.ProviderSubscriptionID)
}

func TestNormalize_Dispute(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)

	body := []byte(`{
		"event": "charge.dispute.create",
		"data": {
			"transaction": {"reference": "ref_abc123"},
			"category": "fraudulent",
			"amount": 500000,
			"currency": "NGN"
		}
	}`)
	ev, err := a.Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, engine.EventDisputeCreated, ev.Kind)
	assert.Equal(t, "ref_abc123", ev.ProviderReference)
	assert.Equal(t, "fraudulent", ev.DisputeReason)
}

func TestNormalize_Transfer(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)

	body := []byte(`{
		"event": "transfer.success",
		"data": {
			"reference": "trf_1",
			"amount": 450000,
			"currency": "NGN",
			"recipient": {"recipient_code": "RCP_creator"}
		}
	}`)
	ev, err := a.Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, engine.EventTransferSucceeded, ev.Kind)
	assert.Equal(t, "RCP_creator", ev.ProviderAccountID)

	body = []byte(`{"event":"transfer.reversed","data":{"reference":"trf_2","recipient":{"recipient_code":"RCP_creator"}}}`)
	ev, err = a.Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, engine.EventTransferFailed, ev.Kind)
}

func TestNormalize_UnknownEvent(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)

	body := []byte(`{"event":"customeridentification.success","data":{"customer_code":"CUS_1"}}`)
	ev, err := a.Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, engine.EventUnhandled, ev.Kind)
	assert.Equal(t, "customeridentification.success", ev.ProviderType)
	assert.NotEmpty(t, ev.ExternalID)

	// The fingerprint-based dedup key is stable across redeliveries.
	again, err := a.Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, ev.ExternalID, again.ExternalID)
}

func TestNormalize_InvalidPayload(t *testing.T) {
	a, err := New(testSecret)
	require.NoError(t, err)

	_, err = a.Normalize([]byte(`not json`))
	assert.ErrorIs(t, err, engine.ErrInvalidPayload)

	_, err = a.Normalize([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, engine.ErrInvalidPayload)
}
