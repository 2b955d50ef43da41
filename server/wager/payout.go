// Package wager prices and settles parimutuel bet pools.
package wager

import (
	"bytes"
	"sort"

	"agent-arena/server/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DrawPolicy string

const (
	DrawRefund DrawPolicy = "refund" // every stake back, no rake
	DrawRake   DrawPolicy = "rake"   // rake taken, remainder returned pro rata
)

// Distribute plans the settlement of pool given its bets. It has no side
// effects; the ledger applies the returned deltas.
//
// Payouts are truncated to cents and the dust goes to the rake. A winning
// side nobody backed voids the pool.
func Distribute(pool model.BetPool, bets []model.Bet, winning *uuid.UUID, rakeRate decimal.Decimal, draw DrawPolicy) model.PoolSettlement {
	out := model.PoolSettlement{
		PoolID:   pool.ID,
		MatchID:  pool.MatchID,
		Winning:  winning,
		TotalPot: decimal.Zero,
		Rake:     decimal.Zero,
		Payouts:  map[uuid.UUID]decimal.Decimal{},
		Outcomes: map[uuid.UUID]model.BetStatus{},
	}
	winTotal := decimal.Zero
	for _, b := range bets {
		out.TotalPot = out.TotalPot.Add(b.Stake)
		if winning != nil && b.Side == *winning {
			winTotal = winTotal.Add(b.Stake)
		}
	}
	if out.TotalPot.IsZero() {
		return out
	}

	deltas := map[uuid.UUID]*model.WalletDelta{}
	delta := func(wallet uuid.UUID) *model.WalletDelta {
		d, ok := deltas[wallet]
		if !ok {
			d = &model.WalletDelta{WalletID: wallet}
			deltas[wallet] = d
		}
		return d
	}

	switch {
	case winning == nil && draw == DrawRake:
		out.Rake = out.TotalPot.Mul(rakeRate)
		net := out.TotalPot.Sub(out.Rake)
		paid := decimal.Zero
		for _, b := range bets {
			back := b.Stake.Mul(net).Div(out.TotalPot).Truncate(2)
			paid = paid.Add(back)
			out.Payouts[b.ID] = back
			out.Outcomes[b.ID] = model.BetRefunded
			d := delta(b.WalletID)
			d.Locked = d.Locked.Sub(b.Stake)
			d.Balance = d.Balance.Add(back)
			d.Spent = d.Spent.Add(b.Stake.Sub(back))
		}
		out.Rake = out.Rake.Add(net.Sub(paid))

	case winning == nil || winTotal.IsZero():
		out.Voided = winning != nil
		for _, b := range bets {
			out.Payouts[b.ID] = b.Stake
			out.Outcomes[b.ID] = model.BetRefunded
			d := delta(b.WalletID)
			d.Locked = d.Locked.Sub(b.Stake)
			d.Balance = d.Balance.Add(b.Stake)
		}

	default:
		out.Rake = out.TotalPot.Mul(rakeRate)
		net := out.TotalPot.Sub(out.Rake)
		paid := decimal.Zero
		for _, b := range bets {
			d := delta(b.WalletID)
			d.Locked = d.Locked.Sub(b.Stake)
			if b.Side != *winning {
				out.Payouts[b.ID] = decimal.Zero
				out.Outcomes[b.ID] = model.BetLost
				d.Spent = d.Spent.Add(b.Stake)
				continue
			}
			pay := b.Stake.Mul(net).Div(winTotal).Truncate(2)
			paid = paid.Add(pay)
			out.Payouts[b.ID] = pay
			out.Outcomes[b.ID] = model.BetWon
			d.Balance = d.Balance.Add(pay)
			d.Earned = d.Earned.Add(pay)
		}
		out.Rake = out.Rake.Add(net.Sub(paid))
	}

	out.Deltas = make([]model.WalletDelta, 0, len(deltas))
	for _, d := range deltas {
		out.Deltas = append(out.Deltas, *d)
	}
	SortDeltas(out.Deltas)
	return out
}

// SortDeltas orders wallet mutations by wallet id so concurrent settlements
// lock rows in the same order.
func SortDeltas(ds []model.WalletDelta) {
	sort.Slice(ds, func(i, j int) bool {
		return bytes.Compare(ds[i].WalletID[:], ds[j].WalletID[:]) < 0
	})
}
