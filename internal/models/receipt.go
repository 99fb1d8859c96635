package models

import (
	"encoding/json"
	"time"
)

// Receipt is the user-facing audit trail entry for one economic event.
// Deduplicated by (user_id, source, provider_event_id).
type Receipt struct {
	ID                   string          `json:"id" db:"id"`
	UserID               string          `json:"user_id" db:"user_id"`
	Type                 string          `json:"type" db:"type"`
	Source               string          `json:"source" db:"source"`
	ProviderEventID      string          `json:"provider_event_id" db:"provider_event_id"`
	WhatHappened         string          `json:"what_happened" db:"what_happened"`
	WhyChanged           string          `json:"why_changed" db:"why_changed"`
	WhatHappensNext      string          `json:"what_happens_next" db:"what_happens_next"`
	DeltaSpendPowerCents int64           `json:"delta_spend_power_cents" db:"delta_spend_power_cents"`
	Metadata             json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// IssueStatus is the 5-state dispute case lifecycle.
type IssueStatus string

const (
	IssueWaiting   IssueStatus = "waiting"
	IssueTriaging  IssueStatus = "triaging"
	IssueOpened    IssueStatus = "opened"
	IssueSubmitted IssueStatus = "submitted"
	IssueResolved  IssueStatus = "resolved"
)

// Issue is a user-facing case record, one per
// (user_id, related_transaction_id, category).
type Issue struct {
	ID                   string      `json:"id" db:"id"`
	UserID               string      `json:"user_id" db:"user_id"`
	RelatedTransactionID string      `json:"related_transaction_id" db:"related_transaction_id"`
	Category             string      `json:"category" db:"category"`
	Status               IssueStatus `json:"status" db:"status"`
	ProviderStatus       string      `json:"provider_status" db:"provider_status"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`
}
