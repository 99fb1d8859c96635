package models

import (
	"encoding/json"
	"time"
)

// EventKind is the provider-agnostic event taxonomy. Partner event-type
// strings are mapped onto this closed set by the normalizer; anything
// outside it normalizes to nothing.
type EventKind string

const (
	EventHoldCreated    EventKind = "HOLD_CREATED"
	EventHoldChanged    EventKind = "HOLD_CHANGED"
	EventHoldCanceled   EventKind = "HOLD_CANCELED"
	EventHoldDeclined   EventKind = "HOLD_DECLINED"
	EventTxnPosted      EventKind = "TXN_POSTED"
	EventDisputeCreated EventKind = "DISPUTE_CREATED"
	EventDisputeUpdated EventKind = "DISPUTE_UPDATED"
)

// EventDomain groups event kinds by product area.
type EventDomain string

const (
	DomainCard  EventDomain = "card"
	DomainACH   EventDomain = "ach"
	DomainTrade EventDomain = "trade"
)

// RawEvent is the immutable record of one inbound webhook delivery.
// Unique on (source, event_type, external_id); mutated only to stamp
// processed_at / processing_error / user_id.
type RawEvent struct {
	ID              int64      `json:"id" db:"id"`
	Source          string     `json:"source" db:"source"`
	EventType       string     `json:"event_type" db:"event_type"`
	ExternalID      string     `json:"external_id" db:"external_id"`
	Payload         []byte     `json:"payload" db:"payload"`
	UserID          string     `json:"user_id" db:"user_id"`
	ProcessedAt     *time.Time `json:"processed_at" db:"processed_at"`
	ProcessingError string     `json:"processing_error" db:"processing_error"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// NormalizedEvent is the provider-agnostic projection of a RawEvent.
// Same uniqueness key as the raw layer; immutable once written.
type NormalizedEvent struct {
	ID          int64           `json:"id" db:"id"`
	Source      string          `json:"source" db:"source"`
	EventType   string          `json:"event_type" db:"event_type"`
	ExternalID  string          `json:"external_id" db:"external_id"`
	Domain      EventDomain     `json:"domain" db:"domain"`
	Kind        EventKind       `json:"kind" db:"kind"`
	Status      string          `json:"status" db:"status"`
	AmountCents int64           `json:"amount_cents" db:"amount_cents"`
	OccurredAt  time.Time       `json:"occurred_at" db:"occurred_at"`
	Metadata    json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Envelope is the JSON:API-shaped partner payload the normalizer accepts.
type Envelope struct {
	Data     EnvelopeResource   `json:"data" validate:"required"`
	Included []EnvelopeResource `json:"included,omitempty"`
}

type EnvelopeResource struct {
	ID            string                     `json:"id" validate:"required"`
	Type          string                     `json:"type" validate:"required"`
	Attributes    map[string]json.RawMessage `json:"attributes"`
	Relationships map[string]Relationship    `json:"relationships"`
}

type Relationship struct {
	Data *RelationshipData `json:"data"`
}

type RelationshipData struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// FeedHealth is one row per named feed; status is recomputed from
// elapsed time on every read rather than by a scheduled job.
type FeedHealth struct {
	Feed                string     `json:"feed" db:"feed"`
	LastEventReceivedAt *time.Time `json:"last_event_received_at" db:"last_event_received_at"`
	LastEventOccurredAt *time.Time `json:"last_event_occurred_at" db:"last_event_occurred_at"`
	Status              string     `json:"status" db:"status"` // fresh, stale, unknown
}
