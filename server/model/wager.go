package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Wallet struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	Balance     decimal.Decimal `json:"balance"`
	Locked      decimal.Decimal `json:"locked"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
}

type PoolStatus string

const (
	PoolOpen    PoolStatus = "open"
	PoolSettled PoolStatus = "settled"
)

type BetPool struct {
	ID          uuid.UUID                     `json:"id"`
	MatchID     uuid.UUID                     `json:"match_id"`
	Status      PoolStatus                    `json:"status"`
	Sides       map[uuid.UUID]decimal.Decimal `json:"sides"`
	Rake        decimal.Decimal               `json:"rake"`
	WinningSide *uuid.UUID                    `json:"winning_side,omitempty"`
	CreatedAt   time.Time                     `json:"created_at"`
	SettledAt   *time.Time                    `json:"settled_at,omitempty"`
}

func NewPool(matchID uuid.UUID, now time.Time) BetPool {
	return BetPool{
		ID:        uuid.New(),
		MatchID:   matchID,
		Status:    PoolOpen,
		Sides:     map[uuid.UUID]decimal.Decimal{},
		CreatedAt: now,
	}
}

type BetStatus string

const (
	BetOpen     BetStatus = "open"
	BetWon      BetStatus = "won"
	BetLost     BetStatus = "lost"
	BetRefunded BetStatus = "refunded"
)

type Bet struct {
	ID        uuid.UUID       `json:"id"`
	PoolID    uuid.UUID       `json:"pool_id"`
	WalletID  uuid.UUID       `json:"wallet_id"`
	Side      uuid.UUID       `json:"side"`
	Stake     decimal.Decimal `json:"stake"`
	Payout    decimal.Decimal `json:"payout"`
	Status    BetStatus       `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// WalletDelta is the net change settlement applies to one wallet.
type WalletDelta struct {
	WalletID uuid.UUID       `json:"wallet_id"`
	Balance  decimal.Decimal `json:"balance"`
	Locked   decimal.Decimal `json:"locked"`
	Earned   decimal.Decimal `json:"earned"`
	Spent    decimal.Decimal `json:"spent"`
}

// PoolSettlement is the full plan and result of settling one pool.
type PoolSettlement struct {
	PoolID   uuid.UUID                     `json:"pool_id"`
	MatchID  uuid.UUID                     `json:"match_id"`
	Winning  *uuid.UUID                    `json:"winning_side,omitempty"`
	TotalPot decimal.Decimal               `json:"total_pot"`
	Rake     decimal.Decimal               `json:"rake"`
	Payouts  map[uuid.UUID]decimal.Decimal `json:"payouts"`
	Outcomes map[uuid.UUID]BetStatus       `json:"outcomes"`
	Deltas   []WalletDelta                 `json:"deltas"`
	Voided   bool                          `json:"voided,omitempty"`
}
