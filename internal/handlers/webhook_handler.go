package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/clearspend/backend/internal/models"
	"github.com/clearspend/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/viper"
)

// WebhookHandler is the single ingest point for partner event feeds:
// record raw, normalize, record normalized, apply. Each stage is
// dedup-guarded, so a crash anywhere is safe to retry from the top.
type WebhookHandler struct {
	normalizer *services.Normalizer
	events     *services.EventStore
	kernel     *services.ReconciliationKernel
	validator  *services.ValidationHelper
}

func NewWebhookHandler(normalizer *services.Normalizer, events *services.EventStore, kernel *services.ReconciliationKernel) *WebhookHandler {
	return &WebhookHandler{
		normalizer: normalizer,
		events:     events,
		kernel:     kernel,
		validator:  services.NewValidationHelper(),
	}
}

// HandleWebhook ingests one partner event delivery.
// @Summary Ingest a partner webhook event
// @Description Deduplicate, normalize, and apply one partner event
// @Tags webhooks
// @Accept json
// @Produce json
// @Param source path string true "Partner feed name"
// @Success 200 {object} map[string]string
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /webhooks/{source} [post]
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		services.SendErrorResponse(w, "Failed to read request body", http.StatusBadRequest, nil)
		return
	}

	if secret := viper.GetString("webhook.secret"); secret != "" {
		if !verifySignature(body, r.Header.Get("X-Webhook-Signature"), secret) {
			log.Printf("[WEBHOOK] Signature mismatch on %s delivery from %s", source, r.RemoteAddr)
			services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
			return
		}
	}

	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		services.SendErrorResponse(w, "Invalid event envelope", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&env); err != nil {
		services.SendErrorResponse(w, "Invalid event envelope", http.StatusBadRequest, err)
		return
	}

	raw, isNew, err := h.events.RecordRawEvent(source, env.Data.Type, env.Data.ID, body)
	if err != nil {
		log.Printf("[WEBHOOK] Failed to record raw event: %v", err)
		services.SendErrorResponse(w, "Failed to record event", http.StatusInternalServerError, nil)
		return
	}
	if !isNew && raw.ProcessedAt != nil {
		// Redelivery of an already-applied event; acknowledge without
		// re-applying economic effects.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "duplicate"})
		return
	}

	status, userID, err := h.process(source, raw, &env)
	if err != nil {
		// 5xx so the partner's retry mechanism redelivers; the raw
		// event keeps the failure reason and stays unprocessed.
		log.Printf("[WEBHOOK] Processing failed for %s/%s: %v", source, env.Data.ID, err)
		services.SendErrorResponse(w, "Event processing failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status, "userId": userID})
}

// process runs normalize-store-apply for one raw event. Used by both
// live deliveries and the replay path.
func (h *WebhookHandler) process(source string, raw *models.RawEvent, env *models.Envelope) (status, userID string, err error) {
	norm, err := h.normalizer.Normalize(source, env)
	if err != nil {
		if markErr := h.events.MarkFailed(raw.ID, err.Error()); markErr != nil {
			log.Printf("[WEBHOOK] Failed to record normalization error: %v", markErr)
		}
		return "", "", err
	}
	if norm == nil {
		// Unknown event type: not an error, nothing to do.
		if err := h.events.MarkProcessed(raw.ID); err != nil {
			return "", "", err
		}
		return "ignored", "", nil
	}

	isNew, err := h.events.RecordNormalizedEvent(norm)
	if err != nil {
		return "", "", err
	}
	if !isNew {
		if raw.ProcessedAt != nil {
			return "duplicate", "", nil
		}
		// The normalized row exists but the raw event never finished: a
		// prior delivery failed between the store and the apply. The
		// kernel converges under re-application, so run it again rather
		// than acknowledging an event whose effects never landed.
		log.Printf("[WEBHOOK] Resuming incomplete apply for %s/%s", source, norm.ExternalID)
	}

	kernelEvent, err := buildKernelEvent(raw.ID, norm)
	if err != nil {
		if markErr := h.events.MarkFailed(raw.ID, err.Error()); markErr != nil {
			log.Printf("[WEBHOOK] Failed to record build error: %v", markErr)
		}
		return "", "", err
	}

	userID, err = h.kernel.ProcessEvent(kernelEvent)
	if err != nil {
		return "", "", err
	}

	if err := h.events.TouchFeedHealth(source, norm.OccurredAt); err != nil {
		// Feed health is freshness telemetry; never fail the apply on it.
		log.Printf("[WEBHOOK] Failed to touch feed health for %s: %v", source, err)
	}
	return "processed", userID, nil
}

// ReplayUnprocessed re-runs raw events that never completed, using the
// same dedup-guarded path as live deliveries.
// @Summary Replay unprocessed raw events
// @Tags webhooks
// @Produce json
// @Param limit query int false "Maximum events to replay (default 50)"
// @Success 200 {object} map[string]int
// @Failure 500 {object} services.ErrorResponse
// @Router /admin/replay [post]
func (h *WebhookHandler) ReplayUnprocessed(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if parsed, err := parsePositiveInt(q); err == nil {
			limit = parsed
		}
	}

	events, err := h.events.ListUnprocessed(limit)
	if err != nil {
		services.SendErrorResponse(w, "Failed to list unprocessed events", http.StatusInternalServerError, nil)
		return
	}

	replayed, failed := 0, 0
	for i := range events {
		raw := &events[i]
		var env models.Envelope
		if err := json.Unmarshal(raw.Payload, &env); err != nil {
			failed++
			continue
		}
		if _, _, err := h.process(raw.Source, raw, &env); err != nil {
			failed++
			continue
		}
		replayed++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"replayed": replayed, "failed": failed})
}

// buildKernelEvent lifts a normalized event into the kernel's tagged
// union using the metadata the normalizer extracted.
func buildKernelEvent(rawEventID int64, norm *models.NormalizedEvent) (*services.KernelEvent, error) {
	meta := map[string]string{}
	if len(norm.Metadata) > 0 {
		if err := json.Unmarshal(norm.Metadata, &meta); err != nil {
			return nil, err
		}
	}

	evt := &services.KernelEvent{
		Kind:            norm.Kind,
		Provider:        norm.Source,
		ProviderEventID: norm.ExternalID,
		OccurredAt:      norm.OccurredAt,
		AccountID:       meta["account_id"],
		RawEventID:      rawEventID,
	}

	switch norm.Kind {
	case models.EventHoldCreated, models.EventHoldChanged, models.EventHoldCanceled, models.EventHoldDeclined:
		evt.Hold = &services.HoldEvent{
			HoldID:       meta["authorization_id"],
			AmountCents:  norm.AmountCents,
			Status:       models.HoldStatus(norm.Status),
			MerchantName: meta["merchant_name"],
		}
	case models.EventTxnPosted:
		direction := meta["direction"]
		if direction == "" {
			direction = "DEBIT"
		}
		category := ""
		switch norm.Domain {
		case models.DomainACH:
			category = "withdrawal_posted"
			if direction == "CREDIT" {
				category = "deposit_posted"
			}
		case models.DomainTrade:
			category = "trade_filled"
		}
		evt.Transaction = &services.TransactionEvent{
			TransactionID:          meta["transaction_id"],
			AmountCents:            norm.AmountCents,
			Direction:              direction,
			RelatedAuthorizationID: meta["authorization_id"],
			Description:            meta["merchant_name"],
			Category:               category,
		}
	case models.EventDisputeCreated, models.EventDisputeUpdated:
		evt.Dispute = &services.DisputeEvent{
			RelatedTransactionID: meta["related_transaction_id"],
			ProviderStatus:       norm.Status,
		}
	default:
		return nil, errors.New("unmapped event kind " + string(norm.Kind))
	}
	return evt, nil
}

func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
