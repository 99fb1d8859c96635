package handlers

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/clearspend/backend/internal/models"
	"github.com/clearspend/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

// BalanceHandler serves the JWT-protected ops API: balance reads,
// receipts, authorization checks, and manual job triggers.
type BalanceHandler struct {
	db          *sql.DB
	spend       *services.SpendPowerService
	card        *services.CardService
	reconcile   *services.ReconcileService
	liquidation *services.LiquidationService
	validator   *services.ValidationHelper
}

func NewBalanceHandler(db *sql.DB, spend *services.SpendPowerService, card *services.CardService, reconcile *services.ReconcileService, liquidation *services.LiquidationService) *BalanceHandler {
	return &BalanceHandler{
		db:          db,
		spend:       spend,
		card:        card,
		reconcile:   reconcile,
		liquidation: liquidation,
		validator:   services.NewValidationHelper(),
	}
}

func requestUserID(r *http.Request) string {
	userID, _ := r.Context().Value("userID").(string)
	return userID
}

// GetBalance returns the balance for the configured mode, either the
// debit-mode spendable figure or the full spend-power derivation.
// @Summary Get balance in the configured mode
// @Tags balance
// @Produce json
// @Success 200 {object} services.SpendPowerResult
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /balance [get]
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	result, err := h.spend.Compute(r.Context(), userID)
	if err != nil {
		log.Printf("[BALANCE] Balance computation failed for %s: %v", userID, err)
		services.SendErrorResponse(w, "Failed to compute balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetSpendable returns the debit-mode spendable balance.
// @Summary Get spendable balance
// @Tags balance
// @Produce json
// @Success 200 {object} services.SpendPowerResult
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /balance/spendable [get]
func (h *BalanceHandler) GetSpendable(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	result, err := h.spend.ComputeSpendableNow(userID)
	if err != nil {
		log.Printf("[BALANCE] Spendable computation failed for %s: %v", userID, err)
		services.SendErrorResponse(w, "Failed to compute spendable", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetSpendPower returns the spend-power-mode derivation with freshness flags.
// @Summary Get spend power
// @Tags balance
// @Produce json
// @Success 200 {object} services.SpendPowerResult
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /balance/spend-power [get]
func (h *BalanceHandler) GetSpendPower(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	result, err := h.spend.CalculateSpendPower(r.Context(), userID)
	if err != nil {
		log.Printf("[BALANCE] Spend power computation failed for %s: %v", userID, err)
		services.SendErrorResponse(w, "Failed to compute spend power", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// AuthorizeSpend runs the authorization-time decision.
// @Summary Check whether an authorization would be approved
// @Tags balance
// @Accept json
// @Produce json
// @Param request body object{requestId=string,amountCents=int64} true "Authorization request"
// @Success 200 {object} services.AuthorizationDecision
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /authorizations/check [post]
func (h *BalanceHandler) AuthorizeSpend(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		RequestID   string `json:"requestId" validate:"required"`
		AmountCents int64  `json:"amountCents" validate:"required,gt=0"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	decision, err := h.card.AuthorizeSpend(r.Context(), userID, req.RequestID, req.AmountCents)
	if err != nil {
		log.Printf("[BALANCE] Authorization check failed for %s: %v", userID, err)
		services.SendErrorResponse(w, "Authorization check failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

// ListReceipts returns the most recent receipts for the caller.
// @Summary List receipts
// @Tags balance
// @Produce json
// @Param limit query int false "Number of receipts (default 20, max 100)"
// @Success 200 {object} object{receipts=[]models.Receipt,count=int}
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /receipts [get]
func (h *BalanceHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, type, source, provider_event_id, what_happened, why_changed,
		       what_happens_next, delta_spend_power_cents, created_at
		FROM receipts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch receipts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	receipts := []models.Receipt{}
	for rows.Next() {
		rec := models.Receipt{}
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Type, &rec.Source, &rec.ProviderEventID,
			&rec.WhatHappened, &rec.WhyChanged, &rec.WhatHappensNext,
			&rec.DeltaSpendPowerCents, &rec.CreatedAt,
		); err != nil {
			services.SendErrorResponse(w, "Failed to read receipts", http.StatusInternalServerError, nil)
			return
		}
		receipts = append(receipts, rec)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// TriggerReconcile runs the drift check for one user on demand.
// @Summary Reconcile one user against partner balance truth
// @Tags reconcile
// @Produce json
// @Param userId path string true "User ID"
// @Success 200 {object} services.ReconcileResult
// @Failure 500 {object} services.ErrorResponse
// @Router /reconcile/{userId} [post]
func (h *BalanceHandler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	result, err := h.reconcile.ReconcileUser(userID)
	if err != nil {
		log.Printf("[BALANCE] Reconcile failed for %s: %v", userID, err)
		services.SendErrorResponse(w, "Reconciliation failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// TriggerReconcileAll runs the drift check across every user with a
// cash account.
// @Summary Reconcile all users against partner balance truth
// @Tags reconcile
// @Produce json
// @Success 200 {object} models.ReconciliationReport
// @Failure 500 {object} services.ErrorResponse
// @Router /reconcile [post]
func (h *BalanceHandler) TriggerReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconcile.ReconcileAll()
	if err != nil {
		log.Printf("[BALANCE] Full reconcile run failed: %v", err)
		services.SendErrorResponse(w, "Reconciliation run failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// TriggerSettlementExport ships pending outbound transfers to the
// settlement partner.
// @Summary Export pending settlement transfers as pacs.008
// @Tags reconcile
// @Produce json
// @Success 200 {object} map[string]int
// @Failure 500 {object} services.ErrorResponse
// @Router /settlement/export [post]
func (h *BalanceHandler) TriggerSettlementExport(w http.ResponseWriter, r *http.Request) {
	sent, err := h.reconcile.ExportPendingSettlements()
	if err != nil {
		log.Printf("[BALANCE] Settlement export failed: %v", err)
		services.SendErrorResponse(w, "Settlement export failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"sent": sent})
}

// TriggerLiquidation drains the liquidation queue on demand.
// @Summary Process queued liquidation jobs
// @Tags liquidation
// @Produce json
// @Success 200 {object} map[string]int
// @Failure 500 {object} services.ErrorResponse
// @Router /liquidation/process [post]
func (h *BalanceHandler) TriggerLiquidation(w http.ResponseWriter, r *http.Request) {
	processed, err := h.liquidation.ProcessQueued(r.Context())
	if err != nil {
		log.Printf("[BALANCE] Liquidation batch failed: %v", err)
		services.SendErrorResponse(w, "Liquidation batch failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"processed": processed})
}
