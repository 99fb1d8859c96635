package services

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Position is one asset holding as the brokerage reports it.
type Position struct {
	Symbol           string `json:"symbol"`
	AssetClass       string `json:"asset_class"` // stocks, crypto
	QuantityMilli    int64  `json:"quantity_milli"`
	MarketValueCents int64  `json:"market_value_cents"`
}

// Quote is a current price for one symbol.
type Quote struct {
	Symbol     string `json:"symbol"`
	PriceCents int64  `json:"price_cents"`
}

// Fill is the result of executing an order.
type Fill struct {
	OrderID     string `json:"order_id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"` // BUY or SELL
	AmountCents int64  `json:"amount_cents"`
}

// BrokerageAdapter is the capability surface the liquidation and
// spend-power paths depend on. Implementations (paper, live) are
// selected by configuration at construction time.
type BrokerageAdapter interface {
	PlaceOrder(ctx context.Context, userID, symbol, side string, amountCents int64) (string, error)
	FillOrder(ctx context.Context, orderID string) (*Fill, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetPositions(ctx context.Context, userID string) ([]Position, error)
}

// NewBrokerageAdapter selects the configured implementation.
func NewBrokerageAdapter() BrokerageAdapter {
	viper.SetDefault("brokerage.mode", "paper")
	mode := viper.GetString("brokerage.mode")
	if mode != "paper" {
		log.Printf("[BROKERAGE] Unsupported mode %q, falling back to paper", mode)
	}
	return NewPaperBrokerage()
}

type paperOrder struct {
	userID      string
	symbol      string
	side        string
	amountCents int64
}

// PaperBrokerage simulates execution against in-memory positions with
// flat quotes. Orders fill in full at the quoted price.
type PaperBrokerage struct {
	mu        sync.Mutex
	orders    map[string]paperOrder
	positions map[string][]Position
	quotes    map[string]int64
}

func NewPaperBrokerage() *PaperBrokerage {
	return &PaperBrokerage{
		orders:    map[string]paperOrder{},
		positions: map[string][]Position{},
		quotes: map[string]int64{
			"SPY": 50000,
			"BTC": 6500000,
		},
	}
}

// SeedPosition injects a holding, used by tests and local setups.
func (b *PaperBrokerage) SeedPosition(userID string, pos Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[userID] = append(b.positions[userID], pos)
}

func (b *PaperBrokerage) PlaceOrder(_ context.Context, userID, symbol, side string, amountCents int64) (string, error) {
	if side != "BUY" && side != "SELL" {
		return "", fmt.Errorf("invalid order side %q", side)
	}
	if amountCents <= 0 {
		return "", fmt.Errorf("order amount must be positive")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	orderID := uuid.New().String()
	b.orders[orderID] = paperOrder{userID: userID, symbol: symbol, side: side, amountCents: amountCents}
	log.Printf("[BROKERAGE] Placed paper order %s: %s %s %d cents for %s", orderID, side, symbol, amountCents, userID)
	return orderID, nil
}

func (b *PaperBrokerage) FillOrder(_ context.Context, orderID string) (*Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	delete(b.orders, orderID)

	sign := int64(1)
	if order.side == "SELL" {
		sign = -1
	}
	positions := b.positions[order.userID]
	found := false
	for i := range positions {
		if positions[i].Symbol == order.symbol {
			positions[i].MarketValueCents += sign * order.amountCents
			if positions[i].MarketValueCents < 0 {
				positions[i].MarketValueCents = 0
			}
			found = true
			break
		}
	}
	if !found && order.side == "BUY" {
		assetClass := "stocks"
		if order.symbol == "BTC" || order.symbol == "ETH" {
			assetClass = "crypto"
		}
		positions = append(positions, Position{
			Symbol:           order.symbol,
			AssetClass:       assetClass,
			MarketValueCents: order.amountCents,
		})
	}
	b.positions[order.userID] = positions

	return &Fill{
		OrderID:     orderID,
		Symbol:      order.symbol,
		Side:        order.side,
		AmountCents: order.amountCents,
	}, nil
}

func (b *PaperBrokerage) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return &Quote{Symbol: symbol, PriceCents: price}, nil
}

func (b *PaperBrokerage) GetPositions(_ context.Context, userID string) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]Position, len(b.positions[userID]))
	copy(positions, b.positions[userID])
	return positions, nil
}
