package services

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/clearspend/backend/internal/models"
)

// EventStore persists every inbound raw payload and every normalized
// event. It is the single source of truth for deduplication and replay:
// both layers are unique on (source, event_type, external_id).
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// RecordRawEvent inserts or fetches the raw event for this delivery.
// isNew=false means the exact payload key was seen before; callers
// check ProcessedAt on the returned row to tell a finished apply from
// one that died mid-way.
func (s *EventStore) RecordRawEvent(source, eventType, externalID string, payload []byte) (*models.RawEvent, bool, error) {
	evt := &models.RawEvent{
		Source:     source,
		EventType:  eventType,
		ExternalID: externalID,
		Payload:    payload,
	}

	err := s.db.QueryRow(`
		INSERT INTO raw_events (source, event_type, external_id, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (source, event_type, external_id) DO NOTHING
		RETURNING id, created_at
	`, source, eventType, externalID, payload).Scan(&evt.ID, &evt.CreatedAt)

	if err == sql.ErrNoRows {
		existing, fetchErr := s.fetchRawEvent(source, eventType, externalID)
		if fetchErr != nil {
			return nil, false, fetchErr
		}
		log.Printf("[EVENT_STORE] Duplicate raw event %s/%s/%s, short-circuiting", source, eventType, externalID)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("recording raw event: %w", err)
	}

	return evt, true, nil
}

func (s *EventStore) fetchRawEvent(source, eventType, externalID string) (*models.RawEvent, error) {
	evt := &models.RawEvent{}
	err := s.db.QueryRow(`
		SELECT id, source, event_type, external_id, payload,
		       COALESCE(user_id, ''), processed_at, COALESCE(processing_error, ''), created_at
		FROM raw_events
		WHERE source = $1 AND event_type = $2 AND external_id = $3
	`, source, eventType, externalID).Scan(
		&evt.ID, &evt.Source, &evt.EventType, &evt.ExternalID, &evt.Payload,
		&evt.UserID, &evt.ProcessedAt, &evt.ProcessingError, &evt.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching raw event: %w", err)
	}
	return evt, nil
}

// RecordNormalizedEvent has the identical contract at the normalized
// layer. The second dedup boundary guards against replays of old raw
// events after normalization-logic upgrades.
func (s *EventStore) RecordNormalizedEvent(evt *models.NormalizedEvent) (bool, error) {
	err := s.db.QueryRow(`
		INSERT INTO normalized_events
			(source, event_type, external_id, domain, kind, status, amount_cents, occurred_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (source, event_type, external_id) DO NOTHING
		RETURNING id, created_at
	`, evt.Source, evt.EventType, evt.ExternalID, evt.Domain, evt.Kind,
		evt.Status, evt.AmountCents, evt.OccurredAt, evt.Metadata).Scan(&evt.ID, &evt.CreatedAt)

	if err == sql.ErrNoRows {
		log.Printf("[EVENT_STORE] Duplicate normalized event %s/%s/%s, short-circuiting", evt.Source, evt.EventType, evt.ExternalID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recording normalized event: %w", err)
	}
	return true, nil
}

// MarkProcessed stamps a successful apply and clears any prior error.
func (s *EventStore) MarkProcessed(rawEventID int64) error {
	_, err := s.db.Exec(`
		UPDATE raw_events
		SET processed_at = NOW(), processing_error = NULL
		WHERE id = $1
	`, rawEventID)
	if err != nil {
		return fmt.Errorf("marking raw event %d processed: %w", rawEventID, err)
	}
	return nil
}

// MarkFailed records the last failure reason without stamping processed_at,
// leaving the event eligible for partner redelivery.
func (s *EventStore) MarkFailed(rawEventID int64, reason string) error {
	_, err := s.db.Exec(`
		UPDATE raw_events
		SET processing_error = $2
		WHERE id = $1
	`, rawEventID, reason)
	if err != nil {
		return fmt.Errorf("marking raw event %d failed: %w", rawEventID, err)
	}
	return nil
}

// SetUserID stores the lazily-resolved owner of a raw event.
func (s *EventStore) SetUserID(rawEventID int64, userID string) error {
	_, err := s.db.Exec(`UPDATE raw_events SET user_id = $2 WHERE id = $1`, rawEventID, userID)
	if err != nil {
		return fmt.Errorf("setting user on raw event %d: %w", rawEventID, err)
	}
	return nil
}

// ListUnprocessed returns raw events never successfully applied, oldest
// first, for the manual replay path.
func (s *EventStore) ListUnprocessed(limit int) ([]models.RawEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, source, event_type, external_id, payload,
		       COALESCE(user_id, ''), processed_at, COALESCE(processing_error, ''), created_at
		FROM raw_events
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.RawEvent{}
	for rows.Next() {
		evt := models.RawEvent{}
		if err := rows.Scan(
			&evt.ID, &evt.Source, &evt.EventType, &evt.ExternalID, &evt.Payload,
			&evt.UserID, &evt.ProcessedAt, &evt.ProcessingError, &evt.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// TouchFeedHealth records receipt of one event on a named feed.
func (s *EventStore) TouchFeedHealth(feed string, occurredAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO feed_health (feed, last_event_received_at, last_event_occurred_at)
		VALUES ($1, NOW(), $2)
		ON CONFLICT (feed) DO UPDATE
		SET last_event_received_at = NOW(),
		    last_event_occurred_at = GREATEST(feed_health.last_event_occurred_at, EXCLUDED.last_event_occurred_at)
	`, feed, occurredAt)
	if err != nil {
		return fmt.Errorf("touching feed health for %s: %w", feed, err)
	}
	return nil
}
