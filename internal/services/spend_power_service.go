package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/clearspend/backend/internal/models"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// SpendPowerResult is one derived balance computation.
type SpendPowerResult struct {
	UserID            string `json:"userId"`
	Mode              string `json:"mode"`
	SpendableCents    int64  `json:"spendableCents"`
	SpendPowerCents   int64  `json:"spendPowerCents"`
	CashCents         int64  `json:"cashCents"`
	ActiveHoldsCents  int64  `json:"activeHoldsCents"`
	BufferCents       int64  `json:"bufferCents"`
	DegradationCents  int64  `json:"degradationCents"`
	BridgeOutstanding int64  `json:"bridgeOutstandingCents"`
	FreshnessStatus   string `json:"freshnessStatus"`
	BlockHighRisk     bool   `json:"blockHighRisk"`
	RequiresStepUp    bool   `json:"requiresStepUp"`
}

// SpendPowerService derives the number that gates new authorizations
// from ledger balance, active holds, policy buffers, asset haircuts,
// and feed freshness. Computations never fail on missing or stale
// data; absence degrades the freshness flag and widens the buffer.
type SpendPowerService struct {
	db     *sql.DB
	ledger *LedgerService
	broker BrokerageAdapter
}

func NewSpendPowerService(db *sql.DB, ledger *LedgerService, broker BrokerageAdapter) *SpendPowerService {
	viper.SetDefault("spend.fresh_max_seconds", 60)
	viper.SetDefault("spend.stale_max_seconds", 300)
	viper.SetDefault("spend.unknown_max_seconds", 900)
	viper.SetDefault("spend.degradation_buffer_cents", 500)
	viper.SetDefault("spend.balance_mode", "debit")
	viper.SetDefault("spend.feed_name", "card_processor")
	return &SpendPowerService{db: db, ledger: ledger, broker: broker}
}

// ComputeSpendableNow is the debit-mode derivation:
// max(0, cash - active holds - buffer). Never negative.
func (s *SpendPowerService) ComputeSpendableNow(userID string) (*SpendPowerResult, error) {
	cash, err := s.ledger.GetAccountBalanceCents(userID, models.AccountCash)
	if err != nil {
		return nil, err
	}
	holds, err := s.ActiveHoldsCents(userID)
	if err != nil {
		return nil, err
	}
	policy := s.fetchPolicy(userID)
	buffer := policyBufferCents(policy, cash)

	spendable := cash - holds - buffer
	if spendable < 0 {
		spendable = 0
	}

	result := &SpendPowerResult{
		UserID:           userID,
		Mode:             "debit",
		SpendableCents:   spendable,
		SpendPowerCents:  spendable,
		CashCents:        cash,
		ActiveHoldsCents: holds,
		BufferCents:      buffer,
		FreshnessStatus:  "fresh",
	}
	s.persistSnapshot(result)
	return result, nil
}

// CalculateSpendPower is the spend-power-mode derivation:
// cash + haircut-discounted asset values - holds - buffer - bridge
// outstanding - any freshness degradation, clamped to [0, cap].
func (s *SpendPowerService) CalculateSpendPower(ctx context.Context, userID string) (*SpendPowerResult, error) {
	cash, err := s.ledger.GetAccountBalanceCents(userID, models.AccountCash)
	if err != nil {
		return nil, err
	}
	holds, err := s.ActiveHoldsCents(userID)
	if err != nil {
		return nil, err
	}
	bridgeOutstanding, err := s.ledger.GetAccountBalanceCents(userID, models.AccountBridgeReceivable)
	if err != nil {
		return nil, err
	}
	if bridgeOutstanding < 0 {
		bridgeOutstanding = 0
	}

	policy := s.fetchPolicy(userID)
	buffer := policyBufferCents(policy, cash)
	haircuts := policyHaircuts(policy)

	var assetValue int64
	if s.broker != nil {
		positions, err := s.broker.GetPositions(ctx, userID)
		if err != nil {
			// Degraded valuation, not a failed read.
			log.Printf("[SPEND] Position fetch failed for %s, valuing assets at zero: %v", userID, err)
		} else {
			for _, pos := range positions {
				haircut, ok := haircuts[pos.AssetClass]
				if !ok {
					continue
				}
				assetValue += int64(float64(pos.MarketValueCents) * haircut)
			}
		}
	}

	freshness := s.FeedFreshness(viper.GetString("spend.feed_name"))
	var degradation int64
	if freshness != "fresh" {
		degradation = viper.GetInt64("spend.degradation_buffer_cents")
	}

	power := cash + assetValue - holds - buffer - bridgeOutstanding - degradation
	if power < 0 {
		power = 0
	}
	if cap := policy.SpendPowerLimit; cap > 0 && power > cap {
		power = cap
	}

	result := &SpendPowerResult{
		UserID:            userID,
		Mode:              "spend_power",
		SpendableCents:    power,
		SpendPowerCents:   power,
		CashCents:         cash,
		ActiveHoldsCents:  holds,
		BufferCents:       buffer,
		DegradationCents:  degradation,
		BridgeOutstanding: bridgeOutstanding,
		FreshnessStatus:   freshness,
		BlockHighRisk:     freshness == "unknown",
		RequiresStepUp:    freshness == "unknown",
	}
	s.persistSnapshot(result)
	return result, nil
}

// Compute picks the policy/env-selected balance mode.
func (s *SpendPowerService) Compute(ctx context.Context, userID string) (*SpendPowerResult, error) {
	if viper.GetString("spend.balance_mode") == "spend_power" {
		return s.CalculateSpendPower(ctx, userID)
	}
	return s.ComputeSpendableNow(userID)
}

// ActiveHoldsCents sums the amounts of the user's active holds.
func (s *SpendPowerService) ActiveHoldsCents(userID string) (int64, error) {
	var total int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM auth_holds
		WHERE user_id = $1 AND status = 'active'
	`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing active holds for %s: %w", userID, err)
	}
	return total, nil
}

// FeedFreshness recomputes feed status from elapsed time on every read,
// monotonic with age: fresh, then stale, then unknown. A missing row is
// unknown outright.
func (s *SpendPowerService) FeedFreshness(feed string) string {
	var receivedAt *time.Time
	err := s.db.QueryRow(`
		SELECT last_event_received_at FROM feed_health WHERE feed = $1
	`, feed).Scan(&receivedAt)
	if err != nil || receivedAt == nil {
		return "unknown"
	}

	age := time.Since(*receivedAt)
	switch {
	case age <= time.Duration(viper.GetInt64("spend.fresh_max_seconds"))*time.Second:
		return "fresh"
	case age <= time.Duration(viper.GetInt64("spend.unknown_max_seconds"))*time.Second:
		if age > time.Duration(viper.GetInt64("spend.stale_max_seconds"))*time.Second {
			log.Printf("[SPEND] Feed %s lagging %s, well past the stale threshold", feed, age)
		}
		return "stale"
	}
	log.Printf("[SPEND] Feed %s silent for %s, treating ledger as potentially incomplete", feed, age)
	return "unknown"
}

func (s *SpendPowerService) fetchPolicy(userID string) *models.Policy {
	policy := &models.Policy{UserID: userID}
	err := s.db.QueryRow(`
		SELECT buffer_cents, buffer_percent, bridge_enabled, bridge_limit_cents,
		       spend_power_limit_cents, COALESCE(liquidation_order, '[]'), COALESCE(haircuts, '{}')
		FROM policy
		WHERE user_id = $1
	`, userID).Scan(
		&policy.BufferCents, &policy.BufferPercent, &policy.BridgeEnabled,
		&policy.BridgeLimitCents, &policy.SpendPowerLimit,
		&policy.LiquidationOrder, &policy.Haircuts,
	)
	if err != nil {
		// No policy row means defaults: no buffer, no bridge, no cap.
		return &models.Policy{UserID: userID}
	}
	return policy
}

func policyBufferCents(policy *models.Policy, cash int64) int64 {
	buffer := policy.BufferCents
	if policy.BufferPercent > 0 && cash > 0 {
		buffer += int64(float64(cash) * policy.BufferPercent / 100)
	}
	return buffer
}

func policyHaircuts(policy *models.Policy) map[string]float64 {
	haircuts := map[string]float64{"stocks": 0.90, "crypto": 0.50}
	if len(policy.Haircuts) == 0 {
		return haircuts
	}
	parsed := map[string]float64{}
	if err := json.Unmarshal(policy.Haircuts, &parsed); err != nil {
		return haircuts
	}
	for class, h := range parsed {
		haircuts[class] = h
	}
	return haircuts
}

func (s *SpendPowerService) persistSnapshot(result *SpendPowerResult) {
	_, err := s.db.Exec(`
		INSERT INTO spend_power_snapshots
			(id, user_id, spend_power_cents, spendable_cents, cash_cents, active_holds_cents,
			 buffer_cents, degradation_cents, bridge_outstanding_cents, freshness_status,
			 block_high_risk, requires_step_up, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`, uuid.New().String(), result.UserID, result.SpendPowerCents, result.SpendableCents,
		result.CashCents, result.ActiveHoldsCents, result.BufferCents, result.DegradationCents,
		result.BridgeOutstanding, result.FreshnessStatus, result.BlockHighRisk, result.RequiresStepUp)
	if err != nil {
		// Snapshots are telemetry; never fail the balance read over them.
		log.Printf("[SPEND] Failed to persist snapshot for %s: %v", result.UserID, err)
	}
}
