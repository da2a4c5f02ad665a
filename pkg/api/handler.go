// Package api exposes the engine over HTTP: webhook ingress, job
// triggers, audit reads, public payroll verification and the token-based
// unsubscribe flow.
package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/paywelt/billingcore/pkg/engine"
	"github.com/paywelt/billingcore/pkg/jobs"
	"github.com/paywelt/billingcore/pkg/token"
)

// Stable error codes returned to callers.
const (
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeUnknownJob       = "UNKNOWN_JOB"
	CodeJobLocked        = "JOB_LOCKED"
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInternal         = "INTERNAL"
)

const maxWebhookBody = 256 * 1024

// signatureHeaders maps providers to their signature header names.
var signatureHeaders = map[engine.Provider]string{
	engine.ProviderStripe:   "Stripe-Signature",
	engine.ProviderPaystack: "X-Paystack-Signature",
}

// Config holds configuration for the HTTP handler.
type Config struct {
	// Engine is the webhook ingestion pipeline (required)
	Engine *engine.Engine

	// Coordinator runs the job catalog (required)
	Coordinator *jobs.Coordinator

	// Tokens parses unsubscribe tokens (required)
	Tokens *token.Manager

	// JobKey is the internal credential required by /jobs (required)
	JobKey string

	// Logger is used for structured logging (default: NoopLogger)
	Logger engine.Logger
}

// Handler serves the engine's HTTP surface.
type Handler struct {
	config Config
}

// NewHandler validates the config and creates a handler.
func NewHandler(config Config) (*Handler, error) {
	if config.Engine == nil || config.Coordinator == nil || config.Tokens == nil {
		return nil, fmt.Errorf("engine, coordinator and tokens are required")
	}
	if config.JobKey == "" {
		return nil, fmt.Errorf("job key is required")
	}
	if config.Logger == nil {
		config.Logger = &engine.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Routes returns the HTTP routes for the engine.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", h.handleWebhook)
	r.Post("/jobs/{jobName}", h.handleJob)
	r.Get("/webhook-event/{id}", h.handleWebhookEvent)
	r.Get("/payroll/verify/{code}", h.handlePayrollVerify)
	r.Get("/unsubscribe/{token}", h.handleUnsubscribeGet)
	r.Post("/unsubscribe/{token}", h.handleUnsubscribePost)
	r.Get("/healthz", h.handleHealthz)
	return r
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := engine.Provider(chi.URLParam(r, "provider"))
	header, ok := signatureHeaders[provider]
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown provider")
		return
	}

	body, err := readBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, errPayloadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeValidation, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	receipt, err := h.config.Engine.HandleWebhook(r.Context(), provider, body, r.Header.Get(header))
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, CodeInvalidSignature, "signature verification failed")
		case errors.Is(err, engine.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, CodeValidation, "payload could not be parsed")
		case engine.IsRetryable(err):
			// Non-2xx makes the provider redeliver; transient failures
			// heal on retry.
			h.config.Logger.Error("webhook processing failed",
				engine.Field{Key: "provider", Value: provider},
				engine.Field{Key: "error", Value: err.Error()},
			)
			writeError(w, http.StatusInternalServerError, CodeInternal, "processing failed, retry")
		default:
			// Permanent failure; redelivering would only fail again.
			h.config.Logger.Error("webhook rejected",
				engine.Field{Key: "provider", Value: provider},
				engine.Field{Key: "error", Value: err.Error()},
			)
			writeError(w, http.StatusBadRequest, CodeValidation, "event could not be applied")
		}
		return
	}

	status := string(receipt.Status)
	if receipt.AlreadyProcessed {
		status = "already_processed"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"status":         status,
		"webhookEventId": receipt.EventID,
	})
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Job-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.config.JobKey)) != 1 {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid job credential")
		return
	}

	var now time.Time
	if raw := r.URL.Query().Get("now"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "now must be RFC 3339")
			return
		}
		now = parsed.UTC()
	}

	jobName := chi.URLParam(r, "jobName")
	result, err := h.config.Coordinator.Run(r.Context(), jobName, now)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrUnknownJob):
			writeError(w, http.StatusNotFound, CodeUnknownJob, "no such job")
		case errors.Is(err, jobs.ErrJobLocked):
			// The other runner completes the work; this caller yields.
			writeError(w, http.StatusConflict, CodeJobLocked, "job is already running")
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"success": false,
				"code":    CodeInternal,
				"error":   err.Error(),
			})
		}
		return
	}

	resp := map[string]interface{}{
		"success":  true,
		"job":      result.Job,
		"counters": result.Counters,
	}
	if result.Rates != nil {
		resp["rates"] = result.Rates
	}
	if result.Health != "" {
		resp["health"] = result.Health
	}
	if len(result.Errors) > 0 {
		resp["errors"] = result.Errors
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	entry, err := h.config.Engine.Ledger().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown webhook event")
		return
	}
	resp := map[string]interface{}{
		"status":           entry.Status,
		"eventType":        entry.Kind,
		"provider":         entry.Provider,
		"processingTimeMs": entry.ProcessingTime.Milliseconds(),
		"unmatched":        entry.Unmatched,
	}
	if entry.ProcessedAt != nil {
		resp["processedAt"] = entry.ProcessedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePayrollVerify(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if len(code) < jobs.VerificationCodeLength {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed verification code")
		return
	}
	period, err := h.config.Engine.Storage().GetPayrollByCode(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown verification code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"verificationCode": period.VerificationCode,
		"periodStart":      period.PeriodStart.UTC().Format(time.RFC3339),
		"periodEnd":        period.PeriodEnd.UTC().Format(time.RFC3339),
		"currency":         period.Currency,
		"grossMinorUnits":  period.GrossMinor,
		"netMinorUnits":    period.NetMinor,
		"paymentCount":     period.PaymentCount,
		"generatedAt":      period.GeneratedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleUnsubscribeGet(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscriptionFromToken(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptionId":    sub.ID,
		"status":            sub.Status,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
	})
}

func (h *Handler) handleUnsubscribePost(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscriptionFromToken(w, r)
	if !ok {
		return
	}
	res, err := h.config.Engine.StateMachine().RequestCancellation(r.Context(), sub.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "cancellation failed, retry")
		return
	}

	// Re-read so the response reflects the stored flag. A subscription
	// that is already status canceled never gets the flag set.
	cancelAtPeriodEnd := true
	if after, err := h.config.Engine.Storage().GetSubscription(r.Context(), sub.ID); err == nil {
		cancelAtPeriodEnd = after.CancelAtPeriodEnd
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"alreadyCanceled":   res.AlreadyCanceled,
		"cancelAtPeriodEnd": cancelAtPeriodEnd,
	})
}

func (h *Handler) subscriptionFromToken(w http.ResponseWriter, r *http.Request) (*engine.Subscription, bool) {
	subID, err := h.config.Tokens.Parse(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidToken, "token is invalid or expired")
		return nil, false
	}
	sub, err := h.config.Engine.Storage().GetSubscription(r.Context(), subID)
	if err != nil {
		// A validly signed token for a subscription that no longer
		// exists reads the same as a bad token, to avoid probing.
		writeError(w, http.StatusBadRequest, CodeInvalidToken, "token is invalid or expired")
		return nil, false
	}
	return sub, true
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
