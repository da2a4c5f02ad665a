// Package paystack implements the engine.Adapter for Paystack webhooks.
// Paystack signs the raw body with HMAC-SHA512 and sends the hex digest
// in X-Paystack-Signature. Payloads carry no global event id, so the
// dedup key is derived from the event name and the transaction reference.
package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paywelt/billingcore/pkg/engine"
)

const providerName = engine.ProviderPaystack

// Adapter implements engine.Adapter for Paystack.
type Adapter struct {
	secret []byte
}

// New creates a Paystack adapter with the given secret key.
func New(secret string) (*Adapter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("paystack secret is required")
	}
	return &Adapter{secret: []byte(secret)}, nil
}

// Name returns the provider name.
func (a *Adapter) Name() engine.Provider { return providerName }

// Verify checks the X-Paystack-Signature header against the raw body.
func (a *Adapter) Verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing signature", engine.ErrInvalidSignature)
	}
	mac := hmac.New(sha512.New, a.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return engine.ErrInvalidSignature
	}
	return nil
}

type payload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type chargeData struct {
	ID        int64  `json:"id"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	PaidAt    string `json:"paid_at"`
	Metadata  struct {
		CreatorID    string `json:"creator_id"`
		SubscriberID string `json:"subscriber_id"`
		IntervalUnit string `json:"interval_unit"`
	} `json:"metadata"`
	Plan struct {
		PlanCode string `json:"plan_code"`
		Interval string `json:"interval"`
	} `json:"plan"`
	SubscriptionCode string `json:"subscription_code"`
}

type invoiceData struct {
	InvoiceCode  string `json:"invoice_code"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	PeriodEnd    string `json:"period_end"`
	Subscription struct {
		SubscriptionCode string `json:"subscription_code"`
	} `json:"subscription"`
	Transaction struct {
		Reference string `json:"reference"`
	} `json:"transaction"`
}

type subscriptionData struct {
	SubscriptionCode string `json:"subscription_code"`
	Status           string `json:"status"`
	NextPaymentDate  string `json:"next_payment_date"`
}

type refundData struct {
	TransactionReference string `json:"transaction_reference"`
	Amount               int64  `json:"amount"`
	Currency             string `json:"currency"`
}

type disputeData struct {
	Transaction struct {
		Reference string `json:"reference"`
	} `json:"transaction"`
	Category string `json:"category"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type transferData struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Recipient struct {
		RecipientCode string `json:"recipient_code"`
	} `json:"recipient"`
}

// Normalize maps a Paystack event to the canonical taxonomy. Unknown
// event types normalize to EventUnhandled.
func (a *Adapter) Normalize(body []byte) (*engine.Event, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
	}
	if p.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", engine.ErrInvalidPayload)
	}

	ev := &engine.Event{
		Provider:     providerName,
		ProviderType: p.Event,
	}

	switch p.Event {
	case "charge.success":
		var d chargeData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
		}
		ev.Kind = engine.EventChargeSucceeded
		ev.ExternalID = p.Event + ":" + d.Reference
		ev.ProviderReference = d.Reference
		ev.ProviderSubscriptionID = d.SubscriptionCode
		ev.AmountMinor = d.Amount
		ev.Currency = strings.ToUpper(d.Currency)
		ev.CreatorID = d.Metadata.CreatorID
		ev.SubscriberID = d.Metadata.SubscriberID
		ev.IntervalUnit = firstNonEmpty(d.Metadata.IntervalUnit, intervalUnit(d.Plan.Interval))
		ev.OccurredAt = parseTime(d.PaidAt)

	case "invoice.payment_succeeded", "invoice.update":
		var d invoiceData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
		}
		ev.Kind = engine.EventInvoicePaid
		ev.ExternalID = p.Event + ":" + firstNonEmpty(d.Transaction.Reference, d.InvoiceCode)
		ev.ProviderReference = firstNonEmpty(d.Transaction.Reference, d.InvoiceCode)
		ev.ProviderSubscriptionID = d.Subscription.SubscriptionCode
		ev.AmountMinor = d.Amount
		ev.Currency = strings.ToUpper(d.Currency)
		ev.PeriodEnd = parseTime(d.PeriodEnd)

	case "subscription.not_renew":
		var d subscriptionData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
		}
		flag := true
		ev.Kind = engine.EventSubscriptionUpdated
		ev.ExternalID = p.Event + ":" + d.SubscriptionCode
		ev.ProviderSubscriptionID = d.SubscriptionCode
		ev.CancelAtPeriodEnd = &flag
		ev.PeriodEnd = parseTime(d.NextPaymentDate)

	case "subscription.disable":
		var d subscriptionData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
		}
		ev.Kind = engine.EventSubscriptionDeleted
		ev.ExternalID = p.Event + ":" + d.SubscriptionCode
		ev.ProviderSubscriptionID = d.SubscriptionCode

	case "refund.processed":
		var d refundData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
		}
		ev.Kind = engine.EventChargeRefunded
		ev.ExternalID = p.Event + ":" + d.TransactionReference
		ev.ProviderReference = d.TransactionReference
		ev.AmountMinor = d.Amount
		ev.Currency = strings.ToUpper(d.Currency)

	case "charge.dispute.create":
		var d disputeData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
		}
		ev.Kind = engine.EventDisputeCreated
		ev.ExternalID = p.Event + ":" + d.Transaction.Reference
		ev.ProviderReference = d.Transaction.Reference
		ev.DisputeReason = d.Category
		ev.AmountMinor = d.Amount
		ev.Currency = strings.ToUpper(d.Currency)

	case "transfer.success", "transfer.failed", "transfer.reversed":
		var d transferData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidPayload, err)
		}
		if p.Event == "transfer.success" {
			ev.Kind = engine.EventTransferSucceeded
		} else {
			ev.Kind = engine.EventTransferFailed
		}
		ev.ExternalID = p.Event + ":" + d.Reference
		ev.ProviderReference = d.Reference
		ev.ProviderAccountID = d.Recipient.RecipientCode
		ev.AmountMinor = d.Amount
		ev.Currency = strings.ToUpper(d.Currency)

	default:
		ev.Kind = engine.EventUnhandled
		ev.ExternalID = p.Event + ":" + fingerprint(body)
	}

	return ev, nil
}

// fingerprint derives a stable dedup key for events with no usable
// reference, so retries of the same unhandled payload stay idempotent.
func fingerprint(body []byte) string {
	sum := sha512.Sum512_256(body)
	return hex.EncodeToString(sum[:8])
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func intervalUnit(interval string) string {
	switch strings.ToLower(interval) {
	case "weekly":
		return "week"
	case "annually", "yearly":
		return "year"
	case "monthly":
		return "month"
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
