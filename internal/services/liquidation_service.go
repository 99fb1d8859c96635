package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/clearspend/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	liquidationQueueKey = "liquidation_queue"
	liquidationLockKey  = "liquidation_batch_lock"
	liquidationLockTTL  = 5 * time.Minute
)

type liquidationJobMessage struct {
	JobID        string `json:"job_id"`
	UserID       string `json:"user_id"`
	DeficitCents int64  `json:"deficit_cents"`
}

// LiquidationService restores buffer deficits by selling assets in the
// policy-configured order and repaying bridge advances from the
// proceeds. Jobs flow through a redis queue; batch runs hold an
// advisory lock so scheduled runs never overlap.
type LiquidationService struct {
	db     *sql.DB
	redis  *redis.Client
	ledger *LedgerService
	broker BrokerageAdapter
}

func NewLiquidationService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, broker BrokerageAdapter) *LiquidationService {
	return &LiquidationService{db: db, redis: redisClient, ledger: ledger, broker: broker}
}

// EnqueueDeficit records a liquidation job and queues it for the next
// batch run.
func (ls *LiquidationService) EnqueueDeficit(ctx context.Context, userID string, deficitCents int64) (string, error) {
	if deficitCents <= 0 {
		return "", fmt.Errorf("deficit must be positive")
	}
	if ls.redis == nil {
		return "", fmt.Errorf("liquidation queue unavailable")
	}

	jobID := uuid.New().String()
	_, err := ls.db.Exec(`
		INSERT INTO liquidation_jobs (id, user_id, deficit_cents, status, created_at)
		VALUES ($1, $2, $3, 'queued', NOW())
	`, jobID, userID, deficitCents)
	if err != nil {
		return "", fmt.Errorf("recording liquidation job: %w", err)
	}

	msg, err := json.Marshal(liquidationJobMessage{JobID: jobID, UserID: userID, DeficitCents: deficitCents})
	if err != nil {
		return "", err
	}
	if err := ls.redis.RPush(ctx, liquidationQueueKey, string(msg)).Err(); err != nil {
		return "", fmt.Errorf("queueing liquidation job: %w", err)
	}

	log.Printf("[LIQUIDATION] Queued job %s: %d cents deficit for %s", jobID, deficitCents, userID)
	return jobID, nil
}

// ProcessQueued drains the queue under an advisory lock. Each job is
// independent; one failed job is recorded and does not stop the batch.
func (ls *LiquidationService) ProcessQueued(ctx context.Context) (int, error) {
	if ls.redis == nil {
		return 0, fmt.Errorf("liquidation queue unavailable")
	}
	locked, err := ls.redis.SetNX(ctx, liquidationLockKey, "1", liquidationLockTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("acquiring liquidation lock: %w", err)
	}
	if !locked {
		log.Printf("[LIQUIDATION] Batch already running, skipping")
		return 0, nil
	}
	defer ls.redis.Del(ctx, liquidationLockKey)

	processed := 0
	for {
		raw, err := ls.redis.LPop(ctx, liquidationQueueKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return processed, fmt.Errorf("popping liquidation queue: %w", err)
		}

		var msg liquidationJobMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Printf("[LIQUIDATION] Dropping malformed job message: %v", err)
			continue
		}

		if err := ls.runJob(ctx, &msg); err != nil {
			log.Printf("[LIQUIDATION] Job %s failed: %v", msg.JobID, err)
			if _, dbErr := ls.db.Exec(`
				UPDATE liquidation_jobs SET status = 'failed', error_message = $2 WHERE id = $1
			`, msg.JobID, err.Error()); dbErr != nil {
				log.Printf("[LIQUIDATION] Failed to record job failure: %v", dbErr)
			}
			continue
		}
		processed++
	}
	return processed, nil
}

// runJob sells down positions in the policy's liquidation order until
// the deficit is covered or positions run out, then posts the proceeds:
// cash up, bridge receivable repaid first, remainder through clearing.
func (ls *LiquidationService) runJob(ctx context.Context, msg *liquidationJobMessage) error {
	if _, err := ls.db.Exec(`
		UPDATE liquidation_jobs SET status = 'processing' WHERE id = $1
	`, msg.JobID); err != nil {
		return err
	}

	order := ls.liquidationOrder(msg.UserID)
	positions, err := ls.broker.GetPositions(ctx, msg.UserID)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}

	byClass := map[string][]Position{}
	for _, pos := range positions {
		byClass[pos.AssetClass] = append(byClass[pos.AssetClass], pos)
	}

	var raised int64
	remaining := msg.DeficitCents
	for _, class := range order {
		for _, pos := range byClass[class] {
			if remaining <= 0 {
				break
			}
			sell := pos.MarketValueCents
			if sell > remaining {
				sell = remaining
			}
			if sell <= 0 {
				continue
			}
			orderID, err := ls.broker.PlaceOrder(ctx, msg.UserID, pos.Symbol, "SELL", sell)
			if err != nil {
				return fmt.Errorf("placing sell order for %s: %w", pos.Symbol, err)
			}
			fill, err := ls.broker.FillOrder(ctx, orderID)
			if err != nil {
				return fmt.Errorf("filling sell order %s: %w", orderID, err)
			}
			raised += fill.AmountCents
			remaining -= fill.AmountCents
			log.Printf("[LIQUIDATION] Sold %d cents of %s for %s", fill.AmountCents, pos.Symbol, msg.UserID)
		}
	}

	if raised > 0 {
		bridgeOutstanding, err := ls.ledger.GetAccountBalanceCents(msg.UserID, models.AccountBridgeReceivable)
		if err != nil {
			return err
		}
		repay := bridgeOutstanding
		if repay > raised {
			repay = raised
		}
		if repay < 0 {
			repay = 0
		}

		postings := []models.PostingInput{
			{Account: models.AccountCash, Direction: "DEBIT", AmountCents: raised},
		}
		if repay > 0 {
			postings = append(postings, models.PostingInput{
				Account: models.AccountBridgeReceivable, Direction: "CREDIT", AmountCents: repay,
			})
		}
		if raised-repay > 0 {
			postings = append(postings, models.PostingInput{
				Account: models.AccountClearing, Direction: "CREDIT", AmountCents: raised - repay,
			})
		}
		if _, _, err := ls.ledger.PostJournalEntry(&models.JournalEntryInput{
			UserID:         msg.UserID,
			ExternalSource: "liquidation",
			ExternalID:     msg.JobID,
			Description:    "asset sale to restore buffer",
			Postings:       postings,
		}); err != nil {
			return err
		}
	}

	if _, err := ls.db.Exec(`
		UPDATE liquidation_jobs
		SET status = 'completed', raised_cents = $2, completed_at = NOW()
		WHERE id = $1
	`, msg.JobID, raised); err != nil {
		return err
	}
	log.Printf("[LIQUIDATION] Job %s completed: raised %d of %d cents", msg.JobID, raised, msg.DeficitCents)
	return nil
}

// liquidationOrder reads the policy asset-class priority, defaulting to
// stocks before crypto.
func (ls *LiquidationService) liquidationOrder(userID string) []string {
	var raw []byte
	err := ls.db.QueryRow(`
		SELECT COALESCE(liquidation_order, '[]') FROM policy WHERE user_id = $1
	`, userID).Scan(&raw)
	if err != nil {
		return []string{"stocks", "crypto"}
	}
	var order []string
	if err := json.Unmarshal(raw, &order); err != nil || len(order) == 0 {
		return []string{"stocks", "crypto"}
	}
	return order
}
