package services

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/clearspend/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func newKernelForTest(t *testing.T) (*ReconciliationKernel, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	ledger := NewLedgerService(db)
	spend := NewSpendPowerService(db, ledger, NewBrokerageAdapter())
	card := NewCardService(db, ledger, spend, nil)
	kernel := NewReconciliationKernel(db, ledger, NewEventStore(db), card)
	return kernel, mock, func() { db.Close() }
}

func expectHoldMiss(mock sqlmock.Sqlmock, holdID string) {
	mock.ExpectQuery("SELECT hold_id, account_id, user_id, amount_cents, status").
		WithArgs(holdID).
		WillReturnError(sql.ErrNoRows)
}

func expectHoldRow(mock sqlmock.Sqlmock, h *models.AuthorizationHold) {
	mock.ExpectQuery("SELECT hold_id, account_id, user_id, amount_cents, status").
		WithArgs(h.HoldID).
		WillReturnRows(sqlmock.NewRows([]string{"hold_id", "account_id", "user_id", "amount_cents", "status", "merchant_name", "last_event_occurred_at", "created_at", "updated_at"}).
			AddRow(h.HoldID, h.AccountID, h.UserID, h.AmountCents, h.Status, h.MerchantName, h.LastEventOccurredAt, time.Now(), time.Now()))
}

func expectReceipt(mock sqlmock.Sqlmock, userID, source, providerEventID string) {
	mock.ExpectQuery("SELECT id FROM receipts").
		WithArgs(userID, source, providerEventID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO receipts").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestKernel_HoldLifecycleInOrder(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	t.Run("create places the hold", func(t *testing.T) {
		expectHoldMiss(mock, "auth_1")
		mock.ExpectExec("INSERT INTO auth_holds").
			WithArgs("auth_1", "acct_1", "user1", int64(1200), models.HoldActive, "Blue Bottle", t1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		expectReceipt(mock, "user1", "card_processor", "evt_1")

		userID, err := kernel.ProcessEvent(&KernelEvent{
			Kind:            models.EventHoldCreated,
			Provider:        "card_processor",
			ProviderEventID: "evt_1",
			OccurredAt:      t1,
			AccountID:       "acct_1",
			UserID:          "user1",
			Hold:            &HoldEvent{HoldID: "auth_1", AmountCents: 1200, Status: models.HoldActive, MerchantName: "Blue Bottle"},
		})
		assert.NoError(t, err)
		assert.Equal(t, "user1", userID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancel releases the hold", func(t *testing.T) {
		expectHoldRow(mock, &models.AuthorizationHold{
			HoldID: "auth_1", AccountID: "acct_1", UserID: "user1",
			AmountCents: 1200, Status: models.HoldActive, LastEventOccurredAt: &t1,
		})
		mock.ExpectExec("UPDATE auth_holds").
			WithArgs("auth_1", int64(1200), models.HoldCanceled, "", t2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectReceipt(mock, "user1", "card_processor", "evt_2")

		_, err := kernel.ProcessEvent(&KernelEvent{
			Kind:            models.EventHoldCanceled,
			Provider:        "card_processor",
			ProviderEventID: "evt_2",
			OccurredAt:      t2,
			AccountID:       "acct_1",
			UserID:          "user1",
			Hold:            &HoldEvent{HoldID: "auth_1", AmountCents: 1200, Status: models.HoldCanceled},
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestKernel_HoldLifecycleOutOfOrder(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	t.Run("cancel arriving first records the terminal state", func(t *testing.T) {
		expectHoldMiss(mock, "auth_2")
		mock.ExpectExec("INSERT INTO auth_holds").
			WithArgs("auth_2", "acct_1", "user1", int64(1200), models.HoldCanceled, "", t2).
			WillReturnResult(sqlmock.NewResult(1, 1))
		expectReceipt(mock, "user1", "card_processor", "evt_2")

		_, err := kernel.ProcessEvent(&KernelEvent{
			Kind:            models.EventHoldCanceled,
			Provider:        "card_processor",
			ProviderEventID: "evt_2",
			OccurredAt:      t2,
			AccountID:       "acct_1",
			UserID:          "user1",
			Hold:            &HoldEvent{HoldID: "auth_2", AmountCents: 1200, Status: models.HoldCanceled},
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("late create never resurrects the hold", func(t *testing.T) {
		expectHoldRow(mock, &models.AuthorizationHold{
			HoldID: "auth_2", AccountID: "acct_1", UserID: "user1",
			AmountCents: 1200, Status: models.HoldCanceled, LastEventOccurredAt: &t2,
		})
		// Stale event: metadata-only update, no status or amount change,
		// no receipt.
		mock.ExpectExec("UPDATE auth_holds").
			WithArgs("auth_2", "Blue Bottle").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := kernel.ProcessEvent(&KernelEvent{
			Kind:            models.EventHoldCreated,
			Provider:        "card_processor",
			ProviderEventID: "evt_1",
			OccurredAt:      t1,
			AccountID:       "acct_1",
			UserID:          "user1",
			Hold:            &HoldEvent{HoldID: "auth_2", AmountCents: 1200, Status: models.HoldActive, MerchantName: "Blue Bottle"},
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestKernel_StaleAmountChangeKeepsNewerAmount(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	expectHoldRow(mock, &models.AuthorizationHold{
		HoldID: "auth_3", AccountID: "acct_1", UserID: "user1",
		AmountCents: 1500, Status: models.HoldActive, LastEventOccurredAt: &t2,
	})
	mock.ExpectExec("UPDATE auth_holds").
		WithArgs("auth_3", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := kernel.ProcessEvent(&KernelEvent{
		Kind:            models.EventHoldChanged,
		Provider:        "card_processor",
		ProviderEventID: "evt_old",
		OccurredAt:      t1,
		AccountID:       "acct_1",
		UserID:          "user1",
		Hold:            &HoldEvent{HoldID: "auth_3", AmountCents: 1000, Status: models.HoldActive},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKernel_SettlementReleasesLinkedHold(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	mock.ExpectExec("INSERT INTO transactions").
		WithArgs("txn_1", "acct_1", "user1", int64(1200), "DEBIT", "auth_1", "coffee", t2).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectHoldRow(mock, &models.AuthorizationHold{
		HoldID: "auth_1", AccountID: "acct_1", UserID: "user1",
		AmountCents: 1200, Status: models.HoldActive, LastEventOccurredAt: &t1,
	})
	mock.ExpectExec("UPDATE auth_holds").
		WithArgs("auth_1", models.HoldCaptured, t2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Cash credit and clearing debit, posted in one balanced entry.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_journal_entries").
		WithArgs(sqlmock.AnyArg(), "user1", "card_processor", "evt_settle", "coffee").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectQuery("INSERT INTO ledger_accounts").
		WithArgs("user1", models.AccountCash).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery("INSERT INTO ledger_postings").
		WithArgs(sqlmock.AnyArg(), int64(1), "CREDIT", int64(1200)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectQuery("INSERT INTO ledger_accounts").
		WithArgs("user1", models.AccountClearing).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectQuery("INSERT INTO ledger_postings").
		WithArgs(sqlmock.AnyArg(), int64(2), "DEBIT", int64(1200)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	// A freshly posted settlement accumulates onto the capture state.
	mock.ExpectExec("INSERT INTO card_auth_state").
		WithArgs("auth_1", "user1", int64(1200)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	expectReceipt(mock, "user1", "card_processor", "evt_settle")

	_, err := kernel.ProcessEvent(&KernelEvent{
		Kind:            models.EventTxnPosted,
		Provider:        "card_processor",
		ProviderEventID: "evt_settle",
		OccurredAt:      t2,
		AccountID:       "acct_1",
		UserID:          "user1",
		Transaction: &TransactionEvent{
			TransactionID:          "txn_1",
			AmountCents:            1200,
			Direction:              "DEBIT",
			RelatedAuthorizationID: "auth_1",
			Description:            "coffee",
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKernel_UnresolvableUserDropsWithoutError(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT user_id FROM external_links").
		WithArgs("card_processor", "acct_unknown").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE raw_events").
		WithArgs(int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	userID, err := kernel.ProcessEvent(&KernelEvent{
		Kind:            models.EventHoldCreated,
		Provider:        "card_processor",
		ProviderEventID: "evt_x",
		OccurredAt:      time.Now(),
		AccountID:       "acct_unknown",
		RawEventID:      42,
		Hold:            &HoldEvent{HoldID: "auth_x", AmountCents: 100, Status: models.HoldActive},
	})
	assert.NoError(t, err)
	assert.Empty(t, userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKernel_DisputeUpsert(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO issues").
		WithArgs(sqlmock.AnyArg(), "user1", "txn_1", models.IssueOpened, "Open: awaiting merchant").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// The disputed transaction has not landed yet, so no authorization
	// gets flagged.
	mock.ExpectQuery("SELECT COALESCE\\(related_authorization_id").
		WithArgs("txn_1").
		WillReturnError(sql.ErrNoRows)
	expectReceipt(mock, "user1", "card_processor", "evt_d1")

	_, err := kernel.ProcessEvent(&KernelEvent{
		Kind:            models.EventDisputeCreated,
		Provider:        "card_processor",
		ProviderEventID: "evt_d1",
		OccurredAt:      time.Now(),
		UserID:          "user1",
		Dispute:         &DisputeEvent{RelatedTransactionID: "txn_1", ProviderStatus: "Open: awaiting merchant"},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKernel_DisputeFlagsLandedAuthorization(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO issues").
		WithArgs(sqlmock.AnyArg(), "user1", "txn_9", models.IssueSubmitted, "Submitted to network").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT COALESCE\\(related_authorization_id").
		WithArgs("txn_9").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("auth_9"))
	mock.ExpectExec("INSERT INTO card_auth_state").
		WithArgs("auth_9", "user1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectReceipt(mock, "user1", "card_processor", "evt_d2")

	_, err := kernel.ProcessEvent(&KernelEvent{
		Kind:            models.EventDisputeUpdated,
		Provider:        "card_processor",
		ProviderEventID: "evt_d2",
		OccurredAt:      time.Now(),
		UserID:          "user1",
		Dispute:         &DisputeEvent{RelatedTransactionID: "txn_9", ProviderStatus: "Submitted to network"},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectReceiptDelta(mock sqlmock.Sqlmock, userID, source, providerEventID, receiptType string, delta int64) {
	mock.ExpectQuery("SELECT id FROM receipts").
		WithArgs(userID, source, providerEventID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO receipts").
		WithArgs(sqlmock.AnyArg(), userID, receiptType, source, providerEventID,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), delta).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

// TestKernel_MixedActivityScenario runs a realistic week of account
// activity through the kernel and checks every receipt delta: the
// deltas must fold to the spendable balance a fresh ledger read would
// report.
func TestKernel_MixedActivityScenario(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	base := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

	expectJournal := func(provider, eventID, desc, cashDir, clearingDir string, amount int64) {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO ledger_journal_entries").
			WithArgs(sqlmock.AnyArg(), "user1", provider, eventID, desc).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectQuery("INSERT INTO ledger_accounts").
			WithArgs("user1", models.AccountCash).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		mock.ExpectQuery("INSERT INTO ledger_postings").
			WithArgs(sqlmock.AnyArg(), int64(1), cashDir, amount).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		mock.ExpectQuery("INSERT INTO ledger_accounts").
			WithArgs("user1", models.AccountClearing).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
		mock.ExpectQuery("INSERT INTO ledger_postings").
			WithArgs(sqlmock.AnyArg(), int64(2), clearingDir, amount).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
		mock.ExpectCommit()
	}

	var deltas []int64
	apply := func(e *KernelEvent, wantDelta int64) {
		t.Helper()
		_, err := kernel.ProcessEvent(e)
		assert.NoError(t, err)
		deltas = append(deltas, wantDelta)
	}

	// Payday deposit lands.
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs("txn_dep", "acct_1", "user1", int64(20000), "CREDIT", "", "payroll deposit", at(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectJournal("bank", "evt_dep", "payroll deposit", "DEBIT", "CREDIT", 20000)
	expectReceiptDelta(mock, "user1", "bank", "evt_dep", "deposit_posted", 20000)
	apply(&KernelEvent{
		Kind: models.EventTxnPosted, Provider: "bank", ProviderEventID: "evt_dep",
		OccurredAt: at(0), AccountID: "acct_1", UserID: "user1",
		Transaction: &TransactionEvent{
			TransactionID: "txn_dep", AmountCents: 20000, Direction: "CREDIT",
			Description: "payroll deposit", Category: "deposit_posted",
		},
	}, 20000)

	// A buy order fills, moving cash into investments.
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs("txn_trade", "acct_2", "user1", int64(5000), "DEBIT", "", "buy VTI", at(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectJournal("brokerage", "evt_trade", "buy VTI", "CREDIT", "DEBIT", 5000)
	expectReceiptDelta(mock, "user1", "brokerage", "evt_trade", "trade_filled", -5000)
	apply(&KernelEvent{
		Kind: models.EventTxnPosted, Provider: "brokerage", ProviderEventID: "evt_trade",
		OccurredAt: at(1), AccountID: "acct_2", UserID: "user1",
		Transaction: &TransactionEvent{
			TransactionID: "txn_trade", AmountCents: 5000, Direction: "DEBIT",
			Description: "buy VTI", Category: "trade_filled",
		},
	}, -5000)

	// A card authorization reserves dinner money.
	expectHoldMiss(mock, "auth_din")
	mock.ExpectExec("INSERT INTO auth_holds").
		WithArgs("auth_din", "acct_3", "user1", int64(1200), models.HoldActive, "Noodle Bar", at(2)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectReceiptDelta(mock, "user1", "card_processor", "evt_auth", "auth_hold", -1200)
	apply(&KernelEvent{
		Kind: models.EventHoldCreated, Provider: "card_processor", ProviderEventID: "evt_auth",
		OccurredAt: at(2), AccountID: "acct_3", UserID: "user1",
		Hold: &HoldEvent{HoldID: "auth_din", AmountCents: 1200, Status: models.HoldActive, MerchantName: "Noodle Bar"},
	}, -1200)

	// The dinner settles for exactly the held amount: the release and
	// the posting cancel, so the receipt delta is zero.
	holdAt := at(2)
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs("txn_din", "acct_3", "user1", int64(1200), "DEBIT", "auth_din", "Noodle Bar", at(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectHoldRow(mock, &models.AuthorizationHold{
		HoldID: "auth_din", AccountID: "acct_3", UserID: "user1",
		AmountCents: 1200, Status: models.HoldActive, LastEventOccurredAt: &holdAt,
	})
	mock.ExpectExec("UPDATE auth_holds").
		WithArgs("auth_din", models.HoldCaptured, at(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectJournal("card_processor", "evt_settle", "Noodle Bar", "CREDIT", "DEBIT", 1200)
	mock.ExpectExec("INSERT INTO card_auth_state").
		WithArgs("auth_din", "user1", int64(1200)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectReceiptDelta(mock, "user1", "card_processor", "evt_settle", "settlement", 0)
	apply(&KernelEvent{
		Kind: models.EventTxnPosted, Provider: "card_processor", ProviderEventID: "evt_settle",
		OccurredAt: at(3), AccountID: "acct_3", UserID: "user1",
		Transaction: &TransactionEvent{
			TransactionID: "txn_din", AmountCents: 1200, Direction: "DEBIT",
			RelatedAuthorizationID: "auth_din", Description: "Noodle Bar",
		},
	}, 0)

	// The merchant refunds part of the charge.
	settledAt := at(3)
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs("txn_ref", "acct_3", "user1", int64(600), "CREDIT", "auth_din", "partial refund", at(4)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectHoldRow(mock, &models.AuthorizationHold{
		HoldID: "auth_din", AccountID: "acct_3", UserID: "user1",
		AmountCents: 1200, Status: models.HoldCaptured, LastEventOccurredAt: &settledAt,
	})
	expectJournal("card_processor", "evt_ref", "partial refund", "DEBIT", "CREDIT", 600)
	mock.ExpectExec("INSERT INTO card_auth_state").
		WithArgs("auth_din", "user1", int64(600)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectReceiptDelta(mock, "user1", "card_processor", "evt_ref", "refund", 600)
	apply(&KernelEvent{
		Kind: models.EventTxnPosted, Provider: "card_processor", ProviderEventID: "evt_ref",
		OccurredAt: at(4), AccountID: "acct_3", UserID: "user1",
		Transaction: &TransactionEvent{
			TransactionID: "txn_ref", AmountCents: 600, Direction: "CREDIT",
			RelatedAuthorizationID: "auth_din", Description: "partial refund",
		},
	}, 600)

	var total int64
	for _, d := range deltas {
		total += d
	}
	assert.Equal(t, int64(14400), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestKernel_PartialCaptureReinstatesHold covers a merchant settling
// less than the authorized amount and then adjusting the hold down to
// the remainder: the hold must end active at the reduced amount.
func TestKernel_PartialCaptureReinstatesHold(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	t0 := time.Date(2026, 8, 12, 18, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t1.Add(time.Hour)

	// Hold for $10.00.
	expectHoldMiss(mock, "auth_fuel")
	mock.ExpectExec("INSERT INTO auth_holds").
		WithArgs("auth_fuel", "acct_1", "user1", int64(1000), models.HoldActive, "Gas Station", t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectReceiptDelta(mock, "user1", "card_processor", "evt_f1", "auth_hold", -1000)

	_, err := kernel.ProcessEvent(&KernelEvent{
		Kind: models.EventHoldCreated, Provider: "card_processor", ProviderEventID: "evt_f1",
		OccurredAt: t0, AccountID: "acct_1", UserID: "user1",
		Hold: &HoldEvent{HoldID: "auth_fuel", AmountCents: 1000, Status: models.HoldActive, MerchantName: "Gas Station"},
	})
	assert.NoError(t, err)

	// $6.00 settles against it, releasing the full $10.00 hold.
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs("txn_fuel", "acct_1", "user1", int64(600), "DEBIT", "auth_fuel", "fuel", t1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectHoldRow(mock, &models.AuthorizationHold{
		HoldID: "auth_fuel", AccountID: "acct_1", UserID: "user1",
		AmountCents: 1000, Status: models.HoldActive, LastEventOccurredAt: &t0,
	})
	mock.ExpectExec("UPDATE auth_holds").
		WithArgs("auth_fuel", models.HoldCaptured, t1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_journal_entries").
		WithArgs(sqlmock.AnyArg(), "user1", "card_processor", "evt_f2", "fuel").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectQuery("INSERT INTO ledger_accounts").
		WithArgs("user1", models.AccountCash).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery("INSERT INTO ledger_postings").
		WithArgs(sqlmock.AnyArg(), int64(1), "CREDIT", int64(600)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectQuery("INSERT INTO ledger_accounts").
		WithArgs("user1", models.AccountClearing).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectQuery("INSERT INTO ledger_postings").
		WithArgs(sqlmock.AnyArg(), int64(2), "DEBIT", int64(600)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO card_auth_state").
		WithArgs("auth_fuel", "user1", int64(600)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectReceiptDelta(mock, "user1", "card_processor", "evt_f2", "settlement", 400)

	_, err = kernel.ProcessEvent(&KernelEvent{
		Kind: models.EventTxnPosted, Provider: "card_processor", ProviderEventID: "evt_f2",
		OccurredAt: t1, AccountID: "acct_1", UserID: "user1",
		Transaction: &TransactionEvent{
			TransactionID: "txn_fuel", AmountCents: 600, Direction: "DEBIT",
			RelatedAuthorizationID: "auth_fuel", Description: "fuel",
		},
	})
	assert.NoError(t, err)

	// The processor then re-pins the remaining $4.00: the hold must end
	// active at the reduced amount, not captured.
	expectHoldRow(mock, &models.AuthorizationHold{
		HoldID: "auth_fuel", AccountID: "acct_1", UserID: "user1",
		AmountCents: 1000, Status: models.HoldCaptured, LastEventOccurredAt: &t1,
	})
	mock.ExpectExec("UPDATE auth_holds").
		WithArgs("auth_fuel", int64(400), models.HoldActive, "", t2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectReceiptDelta(mock, "user1", "card_processor", "evt_f3", "auth_updated", -400)

	_, err = kernel.ProcessEvent(&KernelEvent{
		Kind: models.EventHoldChanged, Provider: "card_processor", ProviderEventID: "evt_f3",
		OccurredAt: t2, AccountID: "acct_1", UserID: "user1",
		Hold: &HoldEvent{HoldID: "auth_fuel", AmountCents: 400, Status: models.HoldActive},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestKernel_ReapplySkipsSecondReceipt re-applies the identical event:
// state converges to the same values and the existing receipt row
// suppresses a second emission.
func TestKernel_ReapplySkipsSecondReceipt(t *testing.T) {
	kernel, mock, closeDB := newKernelForTest(t)
	defer closeDB()

	t1 := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	event := &KernelEvent{
		Kind: models.EventHoldCreated, Provider: "card_processor", ProviderEventID: "evt_r1",
		OccurredAt: t1, AccountID: "acct_1", UserID: "user1",
		Hold: &HoldEvent{HoldID: "auth_r", AmountCents: 1200, Status: models.HoldActive, MerchantName: "Blue Bottle"},
	}

	// First apply.
	expectHoldMiss(mock, "auth_r")
	mock.ExpectExec("INSERT INTO auth_holds").
		WithArgs("auth_r", "acct_1", "user1", int64(1200), models.HoldActive, "Blue Bottle", t1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectReceiptDelta(mock, "user1", "card_processor", "evt_r1", "auth_hold", -1200)

	_, err := kernel.ProcessEvent(event)
	assert.NoError(t, err)

	// Second apply: same timestamp rewrites the same state, and the
	// receipt lookup finds the earlier row so nothing new is inserted.
	expectHoldRow(mock, &models.AuthorizationHold{
		HoldID: "auth_r", AccountID: "acct_1", UserID: "user1",
		AmountCents: 1200, Status: models.HoldActive, LastEventOccurredAt: &t1,
	})
	mock.ExpectExec("UPDATE auth_holds").
		WithArgs("auth_r", int64(1200), models.HoldActive, "Blue Bottle", t1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM receipts").
		WithArgs("user1", "card_processor", "evt_r1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("receipt-1"))

	_, err = kernel.ProcessEvent(event)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapDisputeStatus(t *testing.T) {
	cases := []struct {
		provider string
		want     models.IssueStatus
	}{
		{"Resolved in your favor", models.IssueResolved},
		{"Case Closed", models.IssueResolved},
		{"dispute won", models.IssueResolved},
		{"Submitted to network", models.IssueSubmitted},
		{"Open: awaiting merchant", models.IssueOpened},
		{"Reopened", models.IssueOpened},
		{"In triage", models.IssueTriaging},
		{"pending partner review", models.IssueWaiting},
		{"", models.IssueWaiting},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MapDisputeStatus(tc.provider), tc.provider)
	}
}
