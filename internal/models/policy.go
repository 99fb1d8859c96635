package models

import (
	"encoding/json"
	"time"
)

// Policy is per-user spending configuration.
type Policy struct {
	UserID           string          `json:"user_id" db:"user_id"`
	BufferCents      int64           `json:"buffer_cents" db:"buffer_cents"`
	BufferPercent    float64         `json:"buffer_percent" db:"buffer_percent"`
	BridgeEnabled    bool            `json:"bridge_enabled" db:"bridge_enabled"`
	BridgeLimitCents int64           `json:"bridge_limit_cents" db:"bridge_limit_cents"`
	SpendPowerLimit  int64           `json:"spend_power_limit_cents" db:"spend_power_limit_cents"`
	LiquidationOrder json.RawMessage `json:"liquidation_order" db:"liquidation_order"`
	Haircuts         json.RawMessage `json:"haircuts" db:"haircuts"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// SpendPowerSnapshot records one spend-power computation.
type SpendPowerSnapshot struct {
	ID                 string    `json:"id" db:"id"`
	UserID             string    `json:"user_id" db:"user_id"`
	SpendPowerCents    int64     `json:"spend_power_cents" db:"spend_power_cents"`
	SpendableCents     int64     `json:"spendable_cents" db:"spendable_cents"`
	CashCents          int64     `json:"cash_cents" db:"cash_cents"`
	ActiveHoldsCents   int64     `json:"active_holds_cents" db:"active_holds_cents"`
	BufferCents        int64     `json:"buffer_cents" db:"buffer_cents"`
	DegradationCents   int64     `json:"degradation_cents" db:"degradation_cents"`
	BridgeOutstanding  int64     `json:"bridge_outstanding_cents" db:"bridge_outstanding_cents"`
	FreshnessStatus    string    `json:"freshness_status" db:"freshness_status"`
	BlockHighRisk      bool      `json:"block_high_risk" db:"block_high_risk"`
	RequiresStepUp     bool      `json:"requires_step_up" db:"requires_step_up"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// LiquidationJob records one buffer-restoration sale.
type LiquidationJob struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	DeficitCents   int64      `json:"deficit_cents" db:"deficit_cents"`
	RaisedCents    int64      `json:"raised_cents" db:"raised_cents"`
	Status         string     `json:"status" db:"status"` // queued, processing, completed, failed
	ErrorMessage   string     `json:"error_message" db:"error_message"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at" db:"completed_at"`
}

// ReconciliationMismatch is one detected drift between partner truth
// and the internal ledger.
type ReconciliationMismatch struct {
	ID                int64     `json:"id" db:"id"`
	UserID            string    `json:"user_id" db:"user_id"`
	PartnerCashCents  int64     `json:"partner_cash_cents" db:"partner_cash_cents"`
	LedgerCashCents   int64     `json:"ledger_cash_cents" db:"ledger_cash_cents"`
	DriftCents        int64     `json:"drift_cents" db:"drift_cents"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// ReconciliationReport summarizes one reconciliation run.
type ReconciliationReport struct {
	ID             string    `json:"id" db:"id"`
	UsersChecked   int       `json:"users_checked" db:"users_checked"`
	UsersDrifted   int       `json:"users_drifted" db:"users_drifted"`
	TotalDriftAbs  int64     `json:"total_drift_abs_cents" db:"total_drift_abs_cents"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
