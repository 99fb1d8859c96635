package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/clearspend/backend/internal/models"
)

// AuthorizationDecision is the outcome of an authorization-time check.
type AuthorizationDecision struct {
	Approved     bool   `json:"approved"`
	BridgedCents int64  `json:"bridged_cents"`
	Reason       string `json:"reason"`
}

// CardService tracks per-authorization capture state across partial
// settlements and makes the authorization-time approve/decline call,
// advancing against invested assets through the bridge when policy
// allows.
type CardService struct {
	db          *sql.DB
	ledger      *LedgerService
	spend       *SpendPowerService
	liquidation *LiquidationService
}

func NewCardService(db *sql.DB, ledger *LedgerService, spend *SpendPowerService, liquidation *LiquidationService) *CardService {
	return &CardService{db: db, ledger: ledger, spend: spend, liquidation: liquidation}
}

// ApplyCapture accumulates a (possibly partial) settlement against the
// authorization.
func (cs *CardService) ApplyCapture(authID, userID string, amountCents int64) error {
	return cs.accumulate(authID, userID, "captured_cents", amountCents)
}

// ApplyRefund accumulates a refund against the authorization.
func (cs *CardService) ApplyRefund(authID, userID string, amountCents int64) error {
	return cs.accumulate(authID, userID, "refunded_cents", amountCents)
}

// ApplyBridge accumulates bridged cents advanced for the authorization.
func (cs *CardService) ApplyBridge(authID, userID string, amountCents int64) error {
	return cs.accumulate(authID, userID, "bridge_cents", amountCents)
}

func (cs *CardService) accumulate(authID, userID, column string, amountCents int64) error {
	query := fmt.Sprintf(`
		INSERT INTO card_auth_state (auth_id, user_id, %s, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (auth_id) DO UPDATE
		SET %s = card_auth_state.%s + EXCLUDED.%s, updated_at = NOW()
	`, column, column, column, column)
	if _, err := cs.db.Exec(query, authID, userID, amountCents); err != nil {
		return fmt.Errorf("accumulating %s on auth %s: %w", column, authID, err)
	}
	return nil
}

// MarkDisputed flags the authorization as disputed.
func (cs *CardService) MarkDisputed(authID, userID string) error {
	return cs.setFlag(authID, userID, "disputed")
}

// MarkReversed flags the authorization as reversed.
func (cs *CardService) MarkReversed(authID, userID string) error {
	return cs.setFlag(authID, userID, "reversed")
}

// MarkExpired flags the authorization as expired.
func (cs *CardService) MarkExpired(authID, userID string) error {
	return cs.setFlag(authID, userID, "expired")
}

func (cs *CardService) setFlag(authID, userID, column string) error {
	query := fmt.Sprintf(`
		INSERT INTO card_auth_state (auth_id, user_id, %s, updated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (auth_id) DO UPDATE SET %s = TRUE, updated_at = NOW()
	`, column, column)
	if _, err := cs.db.Exec(query, authID, userID); err != nil {
		return fmt.Errorf("flagging %s on auth %s: %w", column, authID, err)
	}
	return nil
}

// GetAuthState fetches the cumulative capture state for one authorization.
func (cs *CardService) GetAuthState(authID string) (*models.CardAuthState, error) {
	state := &models.CardAuthState{}
	err := cs.db.QueryRow(`
		SELECT auth_id, user_id, amount_cents, captured_cents, refunded_cents, bridge_cents,
		       disputed, reversed, expired, updated_at
		FROM card_auth_state
		WHERE auth_id = $1
	`, authID).Scan(
		&state.AuthID, &state.UserID, &state.AmountCents, &state.CapturedCents,
		&state.RefundedCents, &state.BridgeCents, &state.Disputed, &state.Reversed,
		&state.Expired, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// AuthorizeSpend decides whether a new authorization may be approved.
// Cash covers it outright, or the bridge advances the shortfall when
// policy enables it, spend power covers the amount, and the shortfall
// stays inside the bridge limit. Bridged shortfalls are posted as
// bridge_receivable/bridge_offset so the liquidation engine can repay
// them.
func (cs *CardService) AuthorizeSpend(ctx context.Context, userID, authRequestID string, amountCents int64) (*AuthorizationDecision, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("authorization amount must be positive")
	}

	debit, err := cs.spend.ComputeSpendableNow(userID)
	if err != nil {
		return nil, err
	}
	if debit.SpendableCents >= amountCents {
		return &AuthorizationDecision{Approved: true, Reason: "cash covers amount"}, nil
	}

	policy := cs.spend.fetchPolicy(userID)
	if !policy.BridgeEnabled {
		return &AuthorizationDecision{Approved: false, Reason: "insufficient cash, bridge disabled"}, nil
	}

	power, err := cs.spend.CalculateSpendPower(ctx, userID)
	if err != nil {
		return nil, err
	}
	if power.BlockHighRisk {
		return &AuthorizationDecision{Approved: false, Reason: "feed freshness unknown, high-risk spend blocked"}, nil
	}
	if power.SpendPowerCents < amountCents {
		return &AuthorizationDecision{Approved: false, Reason: "spend power does not cover amount"}, nil
	}

	shortfall := amountCents - debit.SpendableCents
	if shortfall > policy.BridgeLimitCents {
		return &AuthorizationDecision{Approved: false, Reason: "shortfall exceeds bridge limit"}, nil
	}

	// Money advanced against illiquid assets, to be repaid by liquidation.
	_, posted, err := cs.ledger.PostJournalEntry(&models.JournalEntryInput{
		UserID:         userID,
		ExternalSource: "bridge",
		ExternalID:     authRequestID,
		Description:    "bridge advance against invested assets",
		Postings: []models.PostingInput{
			{Account: models.AccountBridgeReceivable, Direction: "DEBIT", AmountCents: shortfall},
			{Account: models.AccountBridgeOffset, Direction: "CREDIT", AmountCents: shortfall},
		},
	})
	if err != nil {
		return nil, err
	}
	if posted {
		if err := cs.ApplyBridge(authRequestID, userID, shortfall); err != nil {
			return nil, err
		}

		// Queue the sale that repays the advance. The posting above
		// stands either way; an ops-triggered batch can drain the
		// deficit later.
		if cs.liquidation != nil {
			if _, err := cs.liquidation.EnqueueDeficit(ctx, userID, shortfall); err != nil {
				log.Printf("[CARD] Deficit enqueue failed for %s, advance stays outstanding: %v", userID, err)
			}
		}
	}

	log.Printf("[CARD] Approved %d cents for %s with %d bridged", amountCents, userID, shortfall)
	return &AuthorizationDecision{Approved: true, BridgedCents: shortfall, Reason: "bridge covers shortfall"}, nil
}
