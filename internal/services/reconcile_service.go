package services

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/clearspend/backend/internal/models"
	"github.com/google/uuid"
)

// ReconcileResult is the drift check outcome for one user.
type ReconcileResult struct {
	UserID           string `json:"userId"`
	PartnerCashCents int64  `json:"partnerCashCents"`
	LedgerCashCents  int64  `json:"ledgerCashCents"`
	DriftCents       int64  `json:"driftCents"`
	Drifted          bool   `json:"drifted"`
}

// ReconcileService periodically compares partner-reported balance truth
// against the internal ledger and surfaces drift. It never corrects the
// ledger itself; mismatches are recorded for manual triage.
type ReconcileService struct {
	db     *sql.DB
	ledger *LedgerService
	bank   BankAdapter
	bankIO *BankService
}

func NewReconcileService(db *sql.DB, ledger *LedgerService, bank BankAdapter, bankIO *BankService) *ReconcileService {
	return &ReconcileService{db: db, ledger: ledger, bank: bank, bankIO: bankIO}
}

// ReconcileUser compares one user's partner cash truth to the ledger
// cash balance, recording any drift.
func (rs *ReconcileService) ReconcileUser(userID string) (*ReconcileResult, error) {
	truth, err := rs.bank.GetBalanceTruth(userID)
	if err != nil {
		return nil, fmt.Errorf("fetching balance truth for %s: %w", userID, err)
	}

	ledgerCash, err := rs.ledger.GetAccountBalanceCents(userID, models.AccountCash)
	if err != nil {
		return nil, err
	}

	drift := truth.CashBalanceCents - ledgerCash
	result := &ReconcileResult{
		UserID:           userID,
		PartnerCashCents: truth.CashBalanceCents,
		LedgerCashCents:  ledgerCash,
		DriftCents:       drift,
		Drifted:          drift != 0,
	}

	if drift != 0 {
		log.Printf("[RECONCILE] Drift for %s: partner=%d ledger=%d drift=%d",
			userID, truth.CashBalanceCents, ledgerCash, drift)
		_, err := rs.db.Exec(`
			INSERT INTO reconciliation_mismatches
				(user_id, partner_cash_cents, ledger_cash_cents, drift_cents, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, userID, truth.CashBalanceCents, ledgerCash, drift)
		if err != nil {
			return nil, fmt.Errorf("recording mismatch: %w", err)
		}
	}
	return result, nil
}

// ReconcileAll runs the drift check across every user with a cash
// account and writes one summary report row.
func (rs *ReconcileService) ReconcileAll() (*models.ReconciliationReport, error) {
	rows, err := rs.db.Query(`
		SELECT DISTINCT user_id FROM ledger_accounts WHERE kind = 'cash'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &models.ReconciliationReport{ID: uuid.New().String()}
	for _, userID := range userIDs {
		result, err := rs.ReconcileUser(userID)
		if err != nil {
			// One unreachable user must not sink the run.
			log.Printf("[RECONCILE] Skipping %s: %v", userID, err)
			continue
		}
		report.UsersChecked++
		if result.Drifted {
			report.UsersDrifted++
			if result.DriftCents < 0 {
				report.TotalDriftAbs += -result.DriftCents
			} else {
				report.TotalDriftAbs += result.DriftCents
			}
		}
	}

	_, err = rs.db.Exec(`
		INSERT INTO reconciliation_reports (id, users_checked, users_drifted, total_drift_abs_cents, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, report.ID, report.UsersChecked, report.UsersDrifted, report.TotalDriftAbs)
	if err != nil {
		return nil, fmt.Errorf("recording reconciliation report: %w", err)
	}

	log.Printf("[RECONCILE] Checked %d users, %d drifted, |drift|=%d cents",
		report.UsersChecked, report.UsersDrifted, report.TotalDriftAbs)
	return report, nil
}

// ExportPendingSettlements loads every pending outbound transfer,
// converts each to a pacs.008 message and ships it to the partner.
// A transfer that fails stays pending and is retried on the next run.
func (rs *ReconcileService) ExportPendingSettlements() (int, error) {
	rows, err := rs.db.Query(`
		SELECT transfer_id, reference, from_account, to_account, to_bank_code, amount_dollar, currency
		FROM ach_transfers
		WHERE status = 'pending'
		ORDER BY created_at
	`)
	if err != nil {
		return 0, fmt.Errorf("loading pending transfers: %w", err)
	}
	defer rows.Close()

	var transfers []ACHTransfer
	for rows.Next() {
		var t ACHTransfer
		if err := rows.Scan(&t.TransferID, &t.Reference, &t.FromAccount, &t.ToAccount,
			&t.ToBankCode, &t.AmountDollar, &t.Currency); err != nil {
			return 0, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sent := 0
	for i := range transfers {
		if err := rs.exportTransfer(&transfers[i]); err != nil {
			log.Printf("[RECONCILE] Transfer %s stays pending: %v", transfers[i].TransferID, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		log.Printf("[RECONCILE] Exported %d of %d pending transfers", sent, len(transfers))
	}
	return sent, nil
}

func (rs *ReconcileService) exportTransfer(t *ACHTransfer) error {
	doc, err := rs.bankIO.CreatePacs008(t)
	if err != nil {
		return fmt.Errorf("converting to pacs.008: %w", err)
	}
	if err := rs.bankIO.SendToSettlement(doc); err != nil {
		return fmt.Errorf("sending to settlement: %w", err)
	}
	_, err = rs.db.Exec(`
		UPDATE ach_transfers SET status = 'sent', exported_at = NOW()
		WHERE transfer_id = $1
	`, t.TransferID)
	if err != nil {
		return fmt.Errorf("marking transfer sent: %w", err)
	}
	return nil
}
