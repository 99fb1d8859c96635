package models

import (
	"time"
)

// AccountKind identifies one of a user's ledger accounts. Accounts are
// created lazily on first posting.
type AccountKind string

const (
	AccountCash             AccountKind = "cash"
	AccountClearing         AccountKind = "clearing"
	AccountFees             AccountKind = "fees"
	AccountBridgeReceivable AccountKind = "bridge_receivable"
	AccountBridgeOffset     AccountKind = "bridge_offset"
)

type LedgerAccount struct {
	ID        int64       `json:"id" db:"id"`
	UserID    string      `json:"user_id" db:"user_id"`
	Kind      AccountKind `json:"kind" db:"kind"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// JournalEntry groups one or more balanced postings. Unique on
// (external_source, external_id) so replaying the same economic event
// returns the existing entry instead of double-posting.
type JournalEntry struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	ExternalSource string    `json:"external_source" db:"external_source"`
	ExternalID     string    `json:"external_id" db:"external_id"`
	Description    string    `json:"description" db:"description"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	Postings       []Posting `json:"postings" db:"-"`
}

type Posting struct {
	ID          int64  `json:"id" db:"id"`
	EntryID     string `json:"entry_id" db:"entry_id"`
	AccountID   int64  `json:"account_id" db:"account_id"`
	Direction   string `json:"direction" db:"direction"` // DEBIT or CREDIT
	AmountCents int64  `json:"amount_cents" db:"amount_cents"`
}

// PostingInput is one leg of a requested journal entry.
type PostingInput struct {
	Account     AccountKind `json:"account" validate:"required"`
	Direction   string      `json:"direction" validate:"required,oneof=DEBIT CREDIT"`
	AmountCents int64       `json:"amount_cents" validate:"required,gt=0"`
}

// JournalEntryInput is the request shape for posting an entry.
type JournalEntryInput struct {
	UserID         string         `json:"user_id" validate:"required"`
	ExternalSource string         `json:"external_source" validate:"required"`
	ExternalID     string         `json:"external_id" validate:"required"`
	Description    string         `json:"description"`
	Postings       []PostingInput `json:"postings" validate:"required,min=1,dive"`
}
