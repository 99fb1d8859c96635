package models

import "time"

// HoldStatus is the lifecycle of a card authorization hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldDeclined HoldStatus = "declined"
	HoldCanceled HoldStatus = "canceled"
	HoldExpired  HoldStatus = "expired"
	HoldReleased HoldStatus = "released"
	HoldCaptured HoldStatus = "captured"
)

// Terminal reports whether the hold can no longer count against spendable.
func (s HoldStatus) Terminal() bool {
	switch s {
	case HoldCanceled, HoldExpired, HoldReleased, HoldCaptured:
		return true
	}
	return false
}

// AuthorizationHold is the mutable projection of a pending card
// authorization. LastEventOccurredAt is the high-water mark of applied
// event time; only events at or past it may overwrite status/amount.
type AuthorizationHold struct {
	HoldID              string     `json:"hold_id" db:"hold_id"`
	AccountID           string     `json:"account_id" db:"account_id"`
	UserID              string     `json:"user_id" db:"user_id"`
	AmountCents         int64      `json:"amount_cents" db:"amount_cents"`
	Status              HoldStatus `json:"status" db:"status"`
	MerchantName        string     `json:"merchant_name" db:"merchant_name"`
	LastEventOccurredAt *time.Time `json:"last_event_occurred_at" db:"last_event_occurred_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// Transaction is a posted settlement record keyed by the partner's
// transaction id.
type Transaction struct {
	TransactionID          string    `json:"transaction_id" db:"transaction_id"`
	AccountID              string    `json:"account_id" db:"account_id"`
	UserID                 string    `json:"user_id" db:"user_id"`
	AmountCents            int64     `json:"amount_cents" db:"amount_cents"`
	Direction              string    `json:"direction" db:"direction"` // DEBIT or CREDIT
	RelatedAuthorizationID string    `json:"related_authorization_id" db:"related_authorization_id"`
	Status                 string    `json:"status" db:"status"`
	Description            string    `json:"description" db:"description"`
	OccurredAt             time.Time `json:"occurred_at" db:"occurred_at"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
}

// CardAuthState tracks cumulative capture/refund/bridge amounts per
// authorization across partial settlements.
type CardAuthState struct {
	AuthID        string    `json:"auth_id" db:"auth_id"`
	UserID        string    `json:"user_id" db:"user_id"`
	AmountCents   int64     `json:"amount_cents" db:"amount_cents"`
	CapturedCents int64     `json:"captured_cents" db:"captured_cents"`
	RefundedCents int64     `json:"refunded_cents" db:"refunded_cents"`
	BridgeCents   int64     `json:"bridge_cents" db:"bridge_cents"`
	Disputed      bool      `json:"disputed" db:"disputed"`
	Reversed      bool      `json:"reversed" db:"reversed"`
	Expired       bool      `json:"expired" db:"expired"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// DerivedStatus collapses the cumulative counters into a single status,
// in priority order disputed > refunded > settled > reversed/expired > held.
func (c *CardAuthState) DerivedStatus() string {
	switch {
	case c.Disputed:
		return "disputed"
	case c.CapturedCents > 0 && c.RefundedCents >= c.CapturedCents:
		return "refunded"
	case c.CapturedCents > 0:
		return "settled"
	case c.Reversed:
		return "reversed"
	case c.Expired:
		return "expired"
	}
	return "held"
}
