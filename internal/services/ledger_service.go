package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/clearspend/backend/internal/models"
	"github.com/google/uuid"
)

// ErrUnbalancedEntry is the hard invariant violation: an entry whose
// debit and credit legs do not sum equal. Never suppressed.
var ErrUnbalancedEntry = errors.New("journal entry debits do not equal credits")

// ErrEmptyEntry rejects an entry with no postings.
var ErrEmptyEntry = errors.New("journal entry has no postings")

// LedgerService is the append-only double-entry journal. Balance is a
// fold over the posting log; there is no mutable balance column.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// PostJournalEntry validates and posts one balanced entry. The balance
// check happens before any database write, so an unbalanced entry never
// partially persists. Dedup on (external_source, external_id): replaying
// the same economic event returns the existing entry unchanged with
// posted=false, so callers can skip follow-on effects on replay.
func (s *LedgerService) PostJournalEntry(input *models.JournalEntryInput) (*models.JournalEntry, bool, error) {
	if len(input.Postings) == 0 {
		return nil, false, ErrEmptyEntry
	}

	var debits, credits int64
	for _, p := range input.Postings {
		switch p.Direction {
		case "DEBIT":
			debits += p.AmountCents
		case "CREDIT":
			credits += p.AmountCents
		default:
			return nil, false, fmt.Errorf("invalid posting direction %q", p.Direction)
		}
	}
	if debits != credits {
		return nil, false, fmt.Errorf("%w: debits=%d credits=%d (%s/%s)",
			ErrUnbalancedEntry, debits, credits, input.ExternalSource, input.ExternalID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	entry := &models.JournalEntry{
		ID:             uuid.New().String(),
		UserID:         input.UserID,
		ExternalSource: input.ExternalSource,
		ExternalID:     input.ExternalID,
		Description:    input.Description,
	}

	err = tx.QueryRow(`
		INSERT INTO ledger_journal_entries (id, user_id, external_source, external_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (external_source, external_id) DO NOTHING
		RETURNING created_at
	`, entry.ID, entry.UserID, entry.ExternalSource, entry.ExternalID, entry.Description).Scan(&entry.CreatedAt)

	if err == sql.ErrNoRows {
		// Already posted for this economic event; return it untouched.
		existing, fetchErr := s.fetchEntryByExternalKey(input.ExternalSource, input.ExternalID)
		if fetchErr != nil {
			return nil, false, fetchErr
		}
		log.Printf("[LEDGER] Duplicate journal entry %s/%s, returning existing %s",
			input.ExternalSource, input.ExternalID, existing.ID)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inserting journal entry: %w", err)
	}

	for _, p := range input.Postings {
		accountID, err := s.ensureAccountTx(tx, input.UserID, p.Account)
		if err != nil {
			return nil, false, err
		}
		var postingID int64
		err = tx.QueryRow(`
			INSERT INTO ledger_postings (entry_id, account_id, direction, amount_cents)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, entry.ID, accountID, p.Direction, p.AmountCents).Scan(&postingID)
		if err != nil {
			return nil, false, fmt.Errorf("inserting posting: %w", err)
		}
		entry.Postings = append(entry.Postings, models.Posting{
			ID:          postingID,
			EntryID:     entry.ID,
			AccountID:   accountID,
			Direction:   p.Direction,
			AmountCents: p.AmountCents,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing journal entry: %w", err)
	}

	log.Printf("[LEDGER] Posted entry %s (%s/%s): %d cents balanced",
		entry.ID, entry.ExternalSource, entry.ExternalID, debits)
	return entry, true, nil
}

// ensureAccountTx creates the (user, kind) account lazily on first use.
func (s *LedgerService) ensureAccountTx(tx *sql.Tx, userID string, kind models.AccountKind) (int64, error) {
	var id int64
	err := tx.QueryRow(`
		INSERT INTO ledger_accounts (user_id, kind, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, kind) DO UPDATE SET kind = EXCLUDED.kind
		RETURNING id
	`, userID, kind).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensuring account %s/%s: %w", userID, kind, err)
	}
	return id, nil
}

// GetAccountBalanceCents sums all postings for the account on every
// call. Debits increase, credits decrease, consistent with cash being
// an asset account.
func (s *LedgerService) GetAccountBalanceCents(userID string, kind models.AccountKind) (int64, error) {
	var balance int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(CASE WHEN p.direction = 'DEBIT' THEN p.amount_cents ELSE -p.amount_cents END), 0)
		FROM ledger_postings p
		JOIN ledger_accounts a ON a.id = p.account_id
		WHERE a.user_id = $1 AND a.kind = $2
	`, userID, kind).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("reading %s balance for %s: %w", kind, userID, err)
	}
	return balance, nil
}

// TrialBalance returns the signed balance of every account the user has.
func (s *LedgerService) TrialBalance(userID string) (map[models.AccountKind]int64, error) {
	rows, err := s.db.Query(`
		SELECT a.kind,
		       COALESCE(SUM(CASE WHEN p.direction = 'DEBIT' THEN p.amount_cents ELSE -p.amount_cents END), 0)
		FROM ledger_accounts a
		LEFT JOIN ledger_postings p ON p.account_id = a.id
		WHERE a.user_id = $1
		GROUP BY a.kind
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := map[models.AccountKind]int64{}
	for rows.Next() {
		var kind models.AccountKind
		var balance int64
		if err := rows.Scan(&kind, &balance); err != nil {
			return nil, err
		}
		balances[kind] = balance
	}
	return balances, rows.Err()
}

func (s *LedgerService) fetchEntryByExternalKey(externalSource, externalID string) (*models.JournalEntry, error) {
	entry := &models.JournalEntry{}
	err := s.db.QueryRow(`
		SELECT id, user_id, external_source, external_id, COALESCE(description, ''), created_at
		FROM ledger_journal_entries
		WHERE external_source = $1 AND external_id = $2
	`, externalSource, externalID).Scan(
		&entry.ID, &entry.UserID, &entry.ExternalSource, &entry.ExternalID,
		&entry.Description, &entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching journal entry %s/%s: %w", externalSource, externalID, err)
	}

	rows, err := s.db.Query(`
		SELECT id, entry_id, account_id, direction, amount_cents
		FROM ledger_postings
		WHERE entry_id = $1
		ORDER BY id
	`, entry.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p := models.Posting{}
		if err := rows.Scan(&p.ID, &p.EntryID, &p.AccountID, &p.Direction, &p.AmountCents); err != nil {
			return nil, err
		}
		entry.Postings = append(entry.Postings, p)
	}
	return entry, rows.Err()
}
