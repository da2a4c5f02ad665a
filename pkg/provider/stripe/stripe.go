// Package stripe implements the engine.Adapter for Stripe webhooks.
// Signature verification uses the official SDK; payload fields are read
// from the raw event JSON because several of them (invoice subscription
// references, period dates) are only reliable there.
package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/paywelt/billingcore/pkg/engine"
)

const providerName = engine.ProviderStripe

// Adapter implements engine.Adapter for Stripe.
type Adapter struct {
	webhookSecret string
}

// New creates a Stripe adapter with the given webhook signing secret.
func New(webhookSecret string) (*Adapter, error) {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("stripe webhook secret is required")
	}
	return &Adapter{webhookSecret: secret}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() engine.Provider { return providerName }

// Verify checks the Stripe-Signature header against the raw body.
func (a *Adapter) Verify(body []byte, signature string) error {
	if _, err := stripe.ConstructEvent(body, signature, a.webhookSecret); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidSignature, err)
	}
	return nil
}

// Normalize maps a Stripe event to the canonical taxonomy. Unknown event
// types normalize to EventUnhandled.
func (a *Adapter) Normalize(body []byte) (*engine.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", engine.ErrInvalidPayload)
	}

	var data map[string]interface{}
	if len(event.Data.Raw) > 0 {
		if err := json.Unmarshal(event.Data.Raw, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
		}
	}

	ev := &engine.Event{
		Provider:     providerName,
		ExternalID:   event.ID,
		ProviderType: string(event.Type),
		OccurredAt:   time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "checkout.session.completed":
		ev.Kind = engine.EventChargeSucceeded
		ev.AmountMinor = asInt64(data["amount_total"])
		ev.Currency = strings.ToUpper(asString(data["currency"]))
		ev.ProviderSubscriptionID = refID(data["subscription"])
		ev.ProviderReference = refID(data["payment_intent"])
		if ev.ProviderReference == "" {
			ev.ProviderReference = asString(data["id"])
		}
		ev.CreatorID, ev.SubscriberID = metadataIDs(data)
		ev.IntervalUnit = asString(dig(data, "metadata", "interval_unit"))

	case "invoice.paid", "invoice.payment_succeeded":
		ev.Kind = engine.EventInvoicePaid
		ev.AmountMinor = asInt64(data["amount_paid"])
		ev.Currency = strings.ToUpper(asString(data["currency"]))
		ev.ProviderSubscriptionID = refID(data["subscription"])
		ev.ProviderReference = asString(data["id"])
		ev.PeriodEnd = invoicePeriodEnd(data)

	case "customer.subscription.updated":
		ev.Kind = engine.EventSubscriptionUpdated
		ev.ProviderSubscriptionID = asString(data["id"])
		if flag, ok := data["cancel_at_period_end"].(bool); ok {
			ev.CancelAtPeriodEnd = &flag
		}
		if end := asInt64(data["current_period_end"]); end > 0 {
			ev.PeriodEnd = time.Unix(end, 0).UTC()
		}

	case "customer.subscription.deleted":
		ev.Kind = engine.EventSubscriptionDeleted
		ev.ProviderSubscriptionID = asString(data["id"])

	case "charge.refunded":
		ev.Kind = engine.EventChargeRefunded
		ev.ProviderReference = refID(data["payment_intent"])
		if ev.ProviderReference == "" {
			ev.ProviderReference = asString(data["id"])
		}
		ev.AmountMinor = asInt64(data["amount_refunded"])
		ev.Currency = strings.ToUpper(asString(data["currency"]))

	case "charge.dispute.created":
		ev.Kind = engine.EventDisputeCreated
		ev.ProviderReference = refID(data["payment_intent"])
		if ev.ProviderReference == "" {
			ev.ProviderReference = refID(data["charge"])
		}
		ev.AmountMinor = asInt64(data["amount"])
		ev.Currency = strings.ToUpper(asString(data["currency"]))
		ev.DisputeReason = asString(data["reason"])

	case "payout.paid":
		ev.Kind = engine.EventPayoutPaid
		a.fillPayout(ev, &event, data)

	case "payout.failed":
		ev.Kind = engine.EventPayoutFailed
		a.fillPayout(ev, &event, data)

	default:
		ev.Kind = engine.EventUnhandled
	}

	return ev, nil
}

func (a *Adapter) fillPayout(ev *engine.Event, event *stripe.Event, data map[string]interface{}) {
	ev.ProviderAccountID = event.Account
	ev.ProviderReference = asString(data["id"])
	ev.AmountMinor = asInt64(data["amount"])
	ev.Currency = strings.ToUpper(asString(data["currency"]))
}

// refID handles fields Stripe delivers either as an id string or as an
// expanded object.
func refID(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		return asString(t["id"])
	default:
		return ""
	}
}

func invoicePeriodEnd(data map[string]interface{}) time.Time {
	// Prefer the service period on the first line item; the top-level
	// period_end is the invoicing period, which can lag.
	if lines, ok := data["lines"].(map[string]interface{}); ok {
		if items, ok := lines["data"].([]interface{}); ok && len(items) > 0 {
			if item, ok := items[0].(map[string]interface{}); ok {
				if end := asInt64(dig(item, "period", "end")); end > 0 {
					return time.Unix(end, 0).UTC()
				}
			}
		}
	}
	if end := asInt64(data["period_end"]); end > 0 {
		return time.Unix(end, 0).UTC()
	}
	return time.Time{}
}

func metadataIDs(data map[string]interface{}) (creatorID, subscriberID string) {
	return asString(dig(data, "metadata", "creator_id")), asString(dig(data, "metadata", "subscriber_id"))
}

func dig(data map[string]interface{}, keys ...string) interface{} {
	var cur interface{} = data
	for _, k := range keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}
