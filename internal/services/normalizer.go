package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/clearspend/backend/internal/models"
)

// ErrNormalization marks a malformed or incomplete partner payload,
// e.g. a hold event missing its authorization relationship.
var ErrNormalization = errors.New("normalization failed")

// Normalizer translates partner webhook envelopes into the
// provider-agnostic event taxonomy. Pure: no storage access.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

var kindByEventType = map[string]models.EventKind{
	"authorization.created":       models.EventHoldCreated,
	"authorization.amountChanged": models.EventHoldChanged,
	"authorization.updated":       models.EventHoldChanged,
	"authorization.canceled":      models.EventHoldCanceled,
	"authorization.declined":      models.EventHoldDeclined,
	"transaction.created":         models.EventTxnPosted,
	"dispute.created":             models.EventDisputeCreated,
	"dispute.status.change":       models.EventDisputeUpdated,
}

// Normalize maps one envelope to a NormalizedEvent. Unknown event types
// return (nil, nil): not an error, nothing to do, the caller must mark
// the raw event processed with no side effects.
func (n *Normalizer) Normalize(source string, env *models.Envelope) (*models.NormalizedEvent, error) {
	kind, ok := kindByEventType[env.Data.Type]
	if !ok {
		log.Printf("[NORMALIZER] Unrecognized event type %q from %s, skipping", env.Data.Type, source)
		return nil, nil
	}

	evt := &models.NormalizedEvent{
		Source:     source,
		EventType:  env.Data.Type,
		ExternalID: env.Data.ID,
		Domain:     domainForSource(source),
		Kind:       kind,
		OccurredAt: n.extractOccurredAt(env),
	}

	meta := map[string]string{}

	switch kind {
	case models.EventHoldCreated, models.EventHoldChanged, models.EventHoldCanceled, models.EventHoldDeclined:
		authID, err := relationshipID(env.Data, "authorization")
		if err != nil {
			return nil, fmt.Errorf("%w: %s event %s: %v", ErrNormalization, env.Data.Type, env.Data.ID, err)
		}
		meta["authorization_id"] = authID
		evt.Status = string(holdStatusForKind(kind))

	case models.EventTxnPosted:
		txnID, err := relationshipID(env.Data, "transaction")
		if err != nil {
			// Some partners put the transaction id on the event itself.
			txnID = env.Data.ID
		}
		meta["transaction_id"] = txnID
		if authID, err := relationshipID(env.Data, "authorization"); err == nil {
			meta["authorization_id"] = authID
		}
		evt.Status = "posted"
		meta["direction"] = strings.ToUpper(stringAttr(env.Data.Attributes, "direction", "DEBIT"))

	case models.EventDisputeCreated, models.EventDisputeUpdated:
		txnID, err := relationshipID(env.Data, "transaction")
		if err != nil {
			return nil, fmt.Errorf("%w: %s event %s: %v", ErrNormalization, env.Data.Type, env.Data.ID, err)
		}
		meta["related_transaction_id"] = txnID
		evt.Status = stringAttr(env.Data.Attributes, "status", "")
	}

	if amount, ok := n.extractAmountCents(env); ok {
		evt.AmountCents = amount
	}
	if accountID := n.extractAccountID(env); accountID != "" {
		meta["account_id"] = accountID
	}
	if merchant := stringAttr(env.Data.Attributes, "merchantName", ""); merchant != "" {
		meta["merchant_name"] = merchant
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling metadata: %v", ErrNormalization, err)
	}
	evt.Metadata = raw

	return evt, nil
}

// domainForSource buckets a partner feed by product area so downstream
// consumers can pick receipt types without knowing partner names.
func domainForSource(source string) models.EventDomain {
	switch source {
	case "ach", "bank":
		return models.DomainACH
	case "brokerage", "crypto", "trade":
		return models.DomainTrade
	}
	return models.DomainCard
}

func holdStatusForKind(kind models.EventKind) models.HoldStatus {
	switch kind {
	case models.EventHoldCanceled:
		return models.HoldCanceled
	case models.EventHoldDeclined:
		return models.HoldDeclined
	}
	return models.HoldActive
}

// extractOccurredAt takes the partner-asserted event time by priority:
// event attribute, then a linked included resource's attribute, then now.
func (n *Normalizer) extractOccurredAt(env *models.Envelope) time.Time {
	if ts, ok := timeAttr(env.Data.Attributes); ok {
		return ts
	}
	for _, rel := range env.Data.Relationships {
		if rel.Data == nil {
			continue
		}
		if res, ok := findIncluded(env, rel.Data.ID, rel.Data.Type); ok {
			if ts, ok := timeAttr(res.Attributes); ok {
				return ts
			}
		}
	}
	return time.Now().UTC()
}

// extractAmountCents tolerates numeric cents and decimal-string dollars.
func (n *Normalizer) extractAmountCents(env *models.Envelope) (int64, bool) {
	for _, key := range []string{"amount", "amountCents"} {
		raw, ok := env.Data.Attributes[key]
		if !ok {
			continue
		}
		if cents, ok := parseAmountCents(raw); ok {
			return cents, true
		}
	}
	return 0, false
}

func parseAmountCents(raw json.RawMessage) (int64, bool) {
	var num int64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		if f < 0 {
			return int64(f*100 - 0.5), true
		}
		return int64(f*100 + 0.5), true
	}
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return num, true
}

// extractAccountID walks relationship -> included-resource chains since
// partner envelopes vary in whether the account id is inline or requires
// a join through an included authorization/transaction resource.
func (n *Normalizer) extractAccountID(env *models.Envelope) string {
	if rel, ok := env.Data.Relationships["account"]; ok && rel.Data != nil {
		return rel.Data.ID
	}
	for _, name := range []string{"authorization", "transaction"} {
		rel, ok := env.Data.Relationships[name]
		if !ok || rel.Data == nil {
			continue
		}
		res, ok := findIncluded(env, rel.Data.ID, rel.Data.Type)
		if !ok {
			continue
		}
		if acct, ok := res.Relationships["account"]; ok && acct.Data != nil {
			return acct.Data.ID
		}
	}
	return ""
}

func relationshipID(res models.EnvelopeResource, name string) (string, error) {
	rel, ok := res.Relationships[name]
	if !ok || rel.Data == nil || rel.Data.ID == "" {
		return "", fmt.Errorf("missing %s relationship", name)
	}
	return rel.Data.ID, nil
}

func findIncluded(env *models.Envelope, id, typ string) (models.EnvelopeResource, bool) {
	for _, res := range env.Included {
		if res.ID == id && (typ == "" || res.Type == typ) {
			return res, true
		}
	}
	return models.EnvelopeResource{}, false
}

func stringAttr(attrs map[string]json.RawMessage, key, fallback string) string {
	raw, ok := attrs[key]
	if !ok {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fallback
	}
	return s
}

func timeAttr(attrs map[string]json.RawMessage) (time.Time, bool) {
	for _, key := range []string{"occurredAt", "createdAt", "timestamp"} {
		raw, ok := attrs[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
