package services

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/clearspend/backend/internal/models"
	"github.com/google/uuid"
)

// KernelEvent is the tagged union the kernel accepts. Exactly one of
// Hold, Transaction, Dispute is set, matching Kind.
type KernelEvent struct {
	Kind            models.EventKind
	Provider        string
	ProviderEventID string
	OccurredAt      time.Time
	AccountID       string
	UserID          string
	RawEventID      int64
	ReceiptSource   string
	Hold            *HoldEvent
	Transaction     *TransactionEvent
	Dispute         *DisputeEvent
}

type HoldEvent struct {
	HoldID       string
	AmountCents  int64
	Status       models.HoldStatus
	MerchantName string
}

type TransactionEvent struct {
	TransactionID          string
	AmountCents            int64
	Direction              string // DEBIT or CREDIT
	RelatedAuthorizationID string
	Description            string
	// Category picks the receipt type; empty derives from Direction
	// (DEBIT settlement, CREDIT refund).
	Category string
}

type DisputeEvent struct {
	RelatedTransactionID string
	ProviderStatus       string
}

// ReconciliationKernel is the state-convergence engine. It applies
// normalized events to the mutable projections using
// last-event-wins-by-timestamp, computes the economic delta, and
// triggers ledger postings and receipts exactly once per event.
type ReconciliationKernel struct {
	db     *sql.DB
	ledger *LedgerService
	events *EventStore
	card   *CardService
}

func NewReconciliationKernel(db *sql.DB, ledger *LedgerService, events *EventStore, card *CardService) *ReconciliationKernel {
	return &ReconciliationKernel{db: db, ledger: ledger, events: events, card: card}
}

// ProcessEvent applies one event. An unresolvable user marks the raw
// event failed and drops the event without raising: repeated identical
// failures on every retry would be infinite noise with no path to
// resolution. Every other error re-raises so the webhook handler can
// 5xx and the partner redelivers.
func (k *ReconciliationKernel) ProcessEvent(e *KernelEvent) (string, error) {
	userID := e.UserID
	if userID == "" {
		resolved, err := k.resolveUser(e.Provider, e.AccountID)
		if err != nil {
			reason := fmt.Sprintf("no user for account %s via %s: %v", e.AccountID, e.Provider, err)
			log.Printf("[KERNEL] %s, dropping event %s", reason, e.ProviderEventID)
			if e.RawEventID != 0 {
				if markErr := k.events.MarkFailed(e.RawEventID, reason); markErr != nil {
					return "", markErr
				}
			}
			return "", nil
		}
		userID = resolved
	}

	if e.RawEventID != 0 {
		if err := k.events.SetUserID(e.RawEventID, userID); err != nil {
			return "", err
		}
	}

	var delta int64
	var receiptType string
	var emitReceipt bool
	var err error

	switch e.Kind {
	case models.EventHoldCreated, models.EventHoldChanged, models.EventHoldCanceled, models.EventHoldDeclined:
		delta, receiptType, emitReceipt, err = k.applyHoldUpdate(userID, e)
	case models.EventTxnPosted:
		delta, receiptType, emitReceipt, err = k.applyTransactionUpdate(userID, e)
	case models.EventDisputeCreated, models.EventDisputeUpdated:
		receiptType, emitReceipt, err = k.applyDisputeUpdate(userID, e)
	default:
		err = fmt.Errorf("unhandled event kind %q", e.Kind)
	}
	if err != nil {
		if e.RawEventID != 0 {
			if markErr := k.events.MarkFailed(e.RawEventID, err.Error()); markErr != nil {
				log.Printf("[KERNEL] Failed to record processing error: %v", markErr)
			}
		}
		return "", err
	}

	if emitReceipt {
		// A failed receipt must not fail the apply; the entity state
		// above is already converged and retry-safe.
		if err := k.emitReceipt(userID, e, receiptType, delta); err != nil {
			log.Printf("[KERNEL] Receipt emission failed for %s/%s: %v", e.Provider, e.ProviderEventID, err)
		}
	}

	if e.RawEventID != 0 {
		if err := k.events.MarkProcessed(e.RawEventID); err != nil {
			return "", err
		}
	}
	return userID, nil
}

// applyHoldUpdate converges one hold to its latest known state. Only an
// event at or past the stored high-water mark may overwrite status and
// amount; a stale event is kept for merchant metadata only and never
// regresses status. Convergence is therefore independent of delivery
// order for the same hold.
func (k *ReconciliationKernel) applyHoldUpdate(userID string, e *KernelEvent) (int64, string, bool, error) {
	h := e.Hold
	if h == nil {
		return 0, "", false, fmt.Errorf("hold event %s missing hold data", e.ProviderEventID)
	}

	existing, err := k.fetchHold(h.HoldID)
	if err != nil && err != sql.ErrNoRows {
		return 0, "", false, err
	}

	isNewer := existing == nil ||
		existing.LastEventOccurredAt == nil ||
		!e.OccurredAt.Before(*existing.LastEventOccurredAt)

	var previousActive int64
	if existing != nil && existing.Status == models.HoldActive {
		previousActive = existing.AmountCents
	}

	nextStatus := h.Status
	nextAmount := h.AmountCents
	if existing != nil && !isNewer {
		nextStatus = existing.Status
		nextAmount = existing.AmountCents
	}

	if existing == nil {
		_, err = k.db.Exec(`
			INSERT INTO auth_holds
				(hold_id, account_id, user_id, amount_cents, status, merchant_name, last_event_occurred_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		`, h.HoldID, e.AccountID, userID, nextAmount, nextStatus, h.MerchantName, e.OccurredAt)
	} else if isNewer {
		_, err = k.db.Exec(`
			UPDATE auth_holds
			SET amount_cents = $2, status = $3, merchant_name = COALESCE(NULLIF($4, ''), merchant_name),
			    last_event_occurred_at = $5, updated_at = NOW()
			WHERE hold_id = $1
		`, h.HoldID, nextAmount, nextStatus, h.MerchantName, e.OccurredAt)
	} else {
		_, err = k.db.Exec(`
			UPDATE auth_holds
			SET merchant_name = COALESCE(NULLIF($2, ''), merchant_name), updated_at = NOW()
			WHERE hold_id = $1
		`, h.HoldID, h.MerchantName)
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("upserting hold %s: %w", h.HoldID, err)
	}

	var nextActive int64
	if nextStatus == models.HoldActive {
		nextActive = nextAmount
	}
	delta := previousActive - nextActive

	if !isNewer && delta == 0 {
		return 0, "", false, nil
	}
	if e.Kind == models.EventHoldChanged && delta == 0 {
		// An amountChanged that changes nothing would be a noisy no-op.
		return 0, "", false, nil
	}

	receiptType := map[models.EventKind]string{
		models.EventHoldCreated:  "auth_hold",
		models.EventHoldChanged:  "auth_updated",
		models.EventHoldCanceled: "auth_canceled",
		models.EventHoldDeclined: "auth_declined",
	}[e.Kind]

	log.Printf("[KERNEL] Hold %s converged to %s/%d (delta %d)", h.HoldID, nextStatus, nextAmount, delta)
	return delta, receiptType, true, nil
}

// applyTransactionUpdate upserts the posted transaction, releases a
// linked active hold when the settlement is newer than the hold's
// high-water mark, and posts the cash movement to the ledger. The hold
// release and the settlement are two independent effects captured in
// one receipt so spend power never looks transiently wrong.
func (k *ReconciliationKernel) applyTransactionUpdate(userID string, e *KernelEvent) (int64, string, bool, error) {
	t := e.Transaction
	if t == nil {
		return 0, "", false, fmt.Errorf("transaction event %s missing transaction data", e.ProviderEventID)
	}

	_, err := k.db.Exec(`
		INSERT INTO transactions
			(transaction_id, account_id, user_id, amount_cents, direction, related_authorization_id, status, description, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'posted', $7, $8, NOW())
		ON CONFLICT (transaction_id) DO UPDATE
		SET amount_cents = EXCLUDED.amount_cents, status = 'posted'
	`, t.TransactionID, e.AccountID, userID, t.AmountCents, t.Direction,
		t.RelatedAuthorizationID, t.Description, e.OccurredAt)
	if err != nil {
		return 0, "", false, fmt.Errorf("upserting transaction %s: %w", t.TransactionID, err)
	}

	var releasedAmount int64
	if t.RelatedAuthorizationID != "" {
		hold, err := k.fetchHold(t.RelatedAuthorizationID)
		if err != nil && err != sql.ErrNoRows {
			return 0, "", false, err
		}
		if hold != nil && hold.Status == models.HoldActive &&
			(hold.LastEventOccurredAt == nil || !e.OccurredAt.Before(*hold.LastEventOccurredAt)) {
			_, err = k.db.Exec(`
				UPDATE auth_holds
				SET status = $2, last_event_occurred_at = $3, updated_at = NOW()
				WHERE hold_id = $1
			`, hold.HoldID, models.HoldCaptured, e.OccurredAt)
			if err != nil {
				return 0, "", false, fmt.Errorf("releasing hold %s: %w", hold.HoldID, err)
			}
			releasedAmount = hold.AmountCents
			log.Printf("[KERNEL] Released hold %s (%d cents) against transaction %s",
				hold.HoldID, releasedAmount, t.TransactionID)
		}
	}

	// A debit settles real money out; a credit (refund, deposit) brings
	// it in. Both flow through clearing so cash stays a pure asset fold.
	postings := []models.PostingInput{
		{Account: models.AccountCash, Direction: "CREDIT", AmountCents: t.AmountCents},
		{Account: models.AccountClearing, Direction: "DEBIT", AmountCents: t.AmountCents},
	}
	signedAmount := -t.AmountCents
	if t.Direction == "CREDIT" {
		postings = []models.PostingInput{
			{Account: models.AccountCash, Direction: "DEBIT", AmountCents: t.AmountCents},
			{Account: models.AccountClearing, Direction: "CREDIT", AmountCents: t.AmountCents},
		}
		signedAmount = t.AmountCents
	}

	_, posted, err := k.ledger.PostJournalEntry(&models.JournalEntryInput{
		UserID:         userID,
		ExternalSource: e.Provider,
		ExternalID:     e.ProviderEventID,
		Description:    t.Description,
		Postings:       postings,
	})
	if err != nil {
		return 0, "", false, err
	}

	// Capture state accumulates, so it rides the journal dedup: a
	// replayed settlement must not count twice.
	if posted && t.RelatedAuthorizationID != "" {
		if t.Direction == "CREDIT" {
			err = k.card.ApplyRefund(t.RelatedAuthorizationID, userID, t.AmountCents)
		} else {
			err = k.card.ApplyCapture(t.RelatedAuthorizationID, userID, t.AmountCents)
		}
		if err != nil {
			return 0, "", false, err
		}
	}

	delta := signedAmount + releasedAmount

	receiptType := t.Category
	if receiptType == "" {
		receiptType = "settlement"
		if t.Direction == "CREDIT" {
			receiptType = "refund"
		}
	}
	return delta, receiptType, true, nil
}

// applyDisputeUpdate upserts the user-facing dispute case. Disputes
// never move spend power directly; any financial effect arrives as
// later hold or transaction events.
func (k *ReconciliationKernel) applyDisputeUpdate(userID string, e *KernelEvent) (string, bool, error) {
	d := e.Dispute
	if d == nil {
		return "", false, fmt.Errorf("dispute event %s missing dispute data", e.ProviderEventID)
	}

	status := MapDisputeStatus(d.ProviderStatus)
	_, err := k.db.Exec(`
		INSERT INTO issues
			(id, user_id, related_transaction_id, category, status, provider_status, created_at, updated_at)
		VALUES ($1, $2, $3, 'dispute', $4, $5, NOW(), NOW())
		ON CONFLICT (user_id, related_transaction_id, category) DO UPDATE
		SET status = EXCLUDED.status, provider_status = EXCLUDED.provider_status, updated_at = NOW()
	`, uuid.New().String(), userID, d.RelatedTransactionID, status, d.ProviderStatus)
	if err != nil {
		return "", false, fmt.Errorf("upserting dispute issue for %s: %w", d.RelatedTransactionID, err)
	}

	// Flag the authorization behind the disputed transaction, when the
	// transaction has landed and carries one.
	var authID string
	err = k.db.QueryRow(`
		SELECT COALESCE(related_authorization_id, '')
		FROM transactions
		WHERE transaction_id = $1
	`, d.RelatedTransactionID).Scan(&authID)
	if err != nil && err != sql.ErrNoRows {
		return "", false, fmt.Errorf("resolving disputed transaction %s: %w", d.RelatedTransactionID, err)
	}
	if authID != "" {
		if err := k.card.MarkDisputed(authID, userID); err != nil {
			return "", false, err
		}
	}

	receiptType := "dispute_opened"
	if e.Kind == models.EventDisputeUpdated {
		receiptType = "dispute_updated"
	}
	return receiptType, true, nil
}

// MapDisputeStatus maps a partner dispute status string onto the 5-state
// issue lifecycle by case-insensitive substring, in priority order.
func MapDisputeStatus(providerStatus string) models.IssueStatus {
	s := strings.ToLower(providerStatus)
	switch {
	case strings.Contains(s, "resolved"), strings.Contains(s, "closed"), strings.Contains(s, "won"):
		return models.IssueResolved
	case strings.Contains(s, "submitted"):
		return models.IssueSubmitted
	case strings.Contains(s, "open"):
		return models.IssueOpened
	case strings.Contains(s, "triage"):
		return models.IssueTriaging
	}
	return models.IssueWaiting
}

func (k *ReconciliationKernel) resolveUser(provider, accountID string) (string, error) {
	if accountID == "" {
		return "", fmt.Errorf("event carries no account id")
	}
	var userID string
	err := k.db.QueryRow(`
		SELECT user_id FROM external_links
		WHERE provider = $1 AND link_field = 'account_id' AND external_value = $2
	`, provider, accountID).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (k *ReconciliationKernel) fetchHold(holdID string) (*models.AuthorizationHold, error) {
	h := &models.AuthorizationHold{}
	err := k.db.QueryRow(`
		SELECT hold_id, account_id, user_id, amount_cents, status,
		       COALESCE(merchant_name, ''), last_event_occurred_at, created_at, updated_at
		FROM auth_holds
		WHERE hold_id = $1
	`, holdID).Scan(
		&h.HoldID, &h.AccountID, &h.UserID, &h.AmountCents, &h.Status,
		&h.MerchantName, &h.LastEventOccurredAt, &h.CreatedAt, &h.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("fetching hold %s: %w", holdID, err)
	}
	return h, nil
}

// emitReceipt writes one user-facing receipt, skipping entirely when a
// receipt already exists for (user, source, provider event). State
// convergence above and receipt-emission-once here are two separate
// idempotence guarantees.
func (k *ReconciliationKernel) emitReceipt(userID string, e *KernelEvent, receiptType string, delta int64) error {
	source := e.ReceiptSource
	if source == "" {
		source = e.Provider
	}

	var existingID string
	err := k.db.QueryRow(`
		SELECT id FROM receipts
		WHERE user_id = $1 AND source = $2 AND provider_event_id = $3
	`, userID, source, e.ProviderEventID).Scan(&existingID)
	if err == nil {
		log.Printf("[KERNEL] Receipt already emitted for %s/%s, skipping", source, e.ProviderEventID)
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	what, why, next := receiptCopy(receiptType, e, delta)
	_, err = k.db.Exec(`
		INSERT INTO receipts
			(id, user_id, type, source, provider_event_id, what_happened, why_changed, what_happens_next, delta_spend_power_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, uuid.New().String(), userID, receiptType, source, e.ProviderEventID, what, why, next, delta)
	return err
}

func receiptCopy(receiptType string, e *KernelEvent, delta int64) (what, why, next string) {
	switch receiptType {
	case "auth_hold":
		what = fmt.Sprintf("A card authorization of %s was placed", formatCents(e.Hold.AmountCents))
		why = "The held amount is reserved and removed from your spendable balance"
		next = "The hold clears when the merchant settles or cancels it"
	case "auth_updated":
		what = fmt.Sprintf("A card authorization changed to %s", formatCents(e.Hold.AmountCents))
		why = "The merchant adjusted the reserved amount"
		next = "The hold clears when the merchant settles or cancels it"
	case "auth_canceled", "auth_declined":
		what = "A card authorization was released"
		why = "The reserved amount is back in your spendable balance"
		next = "Nothing to do"
	case "settlement":
		what = fmt.Sprintf("A purchase of %s settled", formatCents(e.Transaction.AmountCents))
		why = "The settled amount is now posted and any matching hold was released"
		next = "Nothing to do"
	case "refund":
		what = fmt.Sprintf("A refund of %s posted", formatCents(e.Transaction.AmountCents))
		why = "The refunded amount was added back to your balance"
		next = "Nothing to do"
	case "deposit_posted":
		what = fmt.Sprintf("A deposit of %s posted", formatCents(e.Transaction.AmountCents))
		why = "The transfer cleared into your cash balance"
		next = "Nothing to do"
	case "trade_filled":
		what = fmt.Sprintf("A trade of %s filled", formatCents(e.Transaction.AmountCents))
		why = "Cash moved between your balance and your investments"
		next = "Nothing to do"
	case "dispute_opened", "dispute_updated":
		what = "Your dispute case was updated"
		why = "The card network reported a status change"
		next = "We will notify you when the case resolves"
	default:
		what = "Your balance activity was updated"
		why = "An account event was processed"
		next = "Nothing to do"
	}
	if delta != 0 {
		why = fmt.Sprintf("%s (spend power %+d cents)", why, delta)
	}
	return what, why, next
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
