package wager

import (
	"context"
	"fmt"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger is the persistence the wagering service needs. SettlePool must
// lock the pool, reject an already settled pool with errs.ErrPoolSettled,
// call plan with the locked pool and its bets, and apply the result in one
// transaction.
type Ledger interface {
	GetMatch(ctx context.Context, id uuid.UUID) (model.Match, error)
	GetPoolByMatch(ctx context.Context, matchID uuid.UUID) (model.BetPool, error)
	PlaceBet(ctx context.Context, bet model.Bet) (model.Bet, error)
	SettlePool(ctx context.Context, poolID uuid.UUID, plan func(model.BetPool, []model.Bet) model.PoolSettlement) (model.PoolSettlement, error)
}

type Service struct {
	ledger   Ledger
	RakeRate decimal.Decimal
	MinStake decimal.Decimal
	Draw     DrawPolicy
	now      func() time.Time
}

func NewService(ledger Ledger, rakeRate, minStake decimal.Decimal, draw DrawPolicy) *Service {
	if draw != DrawRake {
		draw = DrawRefund
	}
	return &Service{ledger: ledger, RakeRate: rakeRate, MinStake: minStake, Draw: draw, now: time.Now}
}

// PlaceBet locks stake from the wallet onto side in the match's pool.
func (s *Service) PlaceBet(ctx context.Context, matchID, walletID, side uuid.UUID, stake decimal.Decimal) (model.Bet, error) {
	if stake.LessThan(s.MinStake) || !stake.IsPositive() {
		return model.Bet{}, errs.Validation(errs.CodeStakeTooSmall, fmt.Sprintf("minimum stake is %s", s.MinStake.String()))
	}
	if stake.Exponent() < -2 {
		return model.Bet{}, errs.Validation(errs.CodeStakeTooSmall, "stake has more than 2 decimal places")
	}
	m, err := s.ledger.GetMatch(ctx, matchID)
	if err != nil {
		return model.Bet{}, err
	}
	if !m.HasParticipant(side) {
		return model.Bet{}, errs.Validation(errs.CodeBadSide, "side is not a participant")
	}
	if m.Status.Terminal() {
		return model.Bet{}, errs.State(errs.CodePoolClosed, "match is no longer taking bets")
	}
	pool, err := s.ledger.GetPoolByMatch(ctx, matchID)
	if err != nil {
		return model.Bet{}, err
	}
	if pool.Status != model.PoolOpen {
		return model.Bet{}, errs.State(errs.CodePoolClosed, "pool is closed")
	}
	return s.ledger.PlaceBet(ctx, model.Bet{
		ID:        uuid.New(),
		PoolID:    pool.ID,
		WalletID:  walletID,
		Side:      side,
		Stake:     stake,
		Payout:    decimal.Zero,
		Status:    model.BetOpen,
		CreatedAt: s.now(),
	})
}

// SettlePool pays out the match's pool. winning nil means a draw.
func (s *Service) SettlePool(ctx context.Context, matchID uuid.UUID, winning *uuid.UUID) (model.PoolSettlement, error) {
	pool, err := s.ledger.GetPoolByMatch(ctx, matchID)
	if err != nil {
		return model.PoolSettlement{}, err
	}
	if pool.Status == model.PoolSettled {
		return model.PoolSettlement{}, errs.ErrPoolSettled
	}
	return s.ledger.SettlePool(ctx, pool.ID, func(p model.BetPool, bets []model.Bet) model.PoolSettlement {
		return Distribute(p, bets, winning, s.RakeRate, s.Draw)
	})
}
