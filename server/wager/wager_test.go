package wager

import (
	"context"
	"errors"
	"testing"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/model"
	"agent-arena/server/store/memstore"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store *memstore.Store
	svc   *Service
	match model.Match
	a, b  uuid.UUID
}

func newFixture(t *testing.T, draw DrawPolicy) fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	a, b := uuid.New(), uuid.New()
	m, err := model.NewMatch(model.ArenaChess, []uuid.UUID{a, b}, time.Now())
	if err != nil {
		t.Fatalf("new match: %v", err)
	}
	if err := st.CreateMatch(ctx, m, model.NewPool(m.ID, time.Now())); err != nil {
		t.Fatalf("create match: %v", err)
	}
	return fixture{store: st, svc: NewService(st, dec("0.05"), dec("1"), draw), match: m, a: a, b: b}
}

func (f fixture) wallet(t *testing.T, balance string) uuid.UUID {
	t.Helper()
	w := model.Wallet{ID: uuid.New(), Balance: dec(balance)}
	if err := f.store.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return w.ID
}

func (f fixture) balance(t *testing.T, id uuid.UUID) model.Wallet {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), id)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w
}

func TestLoneWinnerTakesNetPot(t *testing.T) {
	f := newFixture(t, DrawRefund)
	ctx := context.Background()
	wa := f.wallet(t, "100")
	wb := f.wallet(t, "80")

	if _, err := f.svc.PlaceBet(ctx, f.match.ID, wa, f.a, dec("100")); err != nil {
		t.Fatalf("bet a: %v", err)
	}
	if _, err := f.svc.PlaceBet(ctx, f.match.ID, wb, f.b, dec("50")); err != nil {
		t.Fatalf("bet b: %v", err)
	}

	res, err := f.svc.SettlePool(ctx, f.match.ID, &f.a)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.TotalPot.Equal(dec("150")) || !res.Rake.Equal(dec("7.5")) {
		t.Fatalf("expected pot 150 rake 7.5, got %s / %s", res.TotalPot, res.Rake)
	}

	got := f.balance(t, wa)
	if !got.Balance.Equal(dec("142.5")) || !got.Locked.IsZero() || !got.TotalEarned.Equal(dec("142.5")) {
		t.Fatalf("expected winner balance 142.5 unlocked, got %+v", got)
	}
	lost := f.balance(t, wb)
	if !lost.Balance.Equal(dec("30")) || !lost.Locked.IsZero() || !lost.TotalSpent.Equal(dec("50")) {
		t.Fatalf("expected loser 30 balance and 50 spent, got %+v", lost)
	}
	if !f.store.PlatformRake().Equal(dec("7.5")) {
		t.Fatalf("expected platform rake 7.5, got %s", f.store.PlatformRake())
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newFixture(t, DrawRefund)
	ctx := context.Background()
	wa := f.wallet(t, "100")
	f.svc.PlaceBet(ctx, f.match.ID, wa, f.a, dec("40"))

	if _, err := f.svc.SettlePool(ctx, f.match.ID, &f.a); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	before := f.balance(t, wa)

	_, err := f.svc.SettlePool(ctx, f.match.ID, &f.a)
	if !errors.Is(err, errs.ErrPoolSettled) {
		t.Fatalf("expected pool-settled error, got %v", err)
	}
	if errs.KindOf(err) != errs.KindIntegrity {
		t.Fatalf("expected integrity kind, got %s", errs.KindOf(err))
	}
	after := f.balance(t, wa)
	if !before.Balance.Equal(after.Balance) || !before.TotalEarned.Equal(after.TotalEarned) {
		t.Fatalf("second settle mutated wallet: %+v -> %+v", before, after)
	}
}

func TestDrawRefundsEveryStake(t *testing.T) {
	f := newFixture(t, DrawRefund)
	ctx := context.Background()
	wa := f.wallet(t, "60")
	wb := f.wallet(t, "60")
	f.svc.PlaceBet(ctx, f.match.ID, wa, f.a, dec("25"))
	f.svc.PlaceBet(ctx, f.match.ID, wb, f.b, dec("10"))

	res, err := f.svc.SettlePool(ctx, f.match.ID, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Rake.IsZero() {
		t.Fatalf("expected no rake on draw, got %s", res.Rake)
	}
	for _, id := range []uuid.UUID{wa, wb} {
		w := f.balance(t, id)
		if !w.Balance.Equal(dec("60")) || !w.Locked.IsZero() {
			t.Fatalf("expected full refund, got %+v", w)
		}
	}
}

func TestDrawRakePolicy(t *testing.T) {
	f := newFixture(t, DrawRake)
	ctx := context.Background()
	wa := f.wallet(t, "100")
	f.svc.PlaceBet(ctx, f.match.ID, wa, f.a, dec("100"))

	res, err := f.svc.SettlePool(ctx, f.match.ID, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Rake.Equal(dec("5")) {
		t.Fatalf("expected rake 5, got %s", res.Rake)
	}
	if w := f.balance(t, wa); !w.Balance.Equal(dec("95")) || !w.TotalSpent.Equal(dec("5")) {
		t.Fatalf("expected 95 back and 5 spent, got %+v", w)
	}
}

func TestUnbackedWinnerVoidsPool(t *testing.T) {
	f := newFixture(t, DrawRefund)
	ctx := context.Background()
	wb := f.wallet(t, "20")
	f.svc.PlaceBet(ctx, f.match.ID, wb, f.b, dec("20"))

	res, err := f.svc.SettlePool(ctx, f.match.ID, &f.a)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Voided || !res.Rake.IsZero() {
		t.Fatalf("expected voided pool without rake, got %+v", res)
	}
	if w := f.balance(t, wb); !w.Balance.Equal(dec("20")) {
		t.Fatalf("expected refund, got %+v", w)
	}
}

func TestDustGoesToRake(t *testing.T) {
	pool := model.NewPool(uuid.New(), time.Now())
	side, other := uuid.New(), uuid.New()
	bets := []model.Bet{
		{ID: uuid.New(), WalletID: uuid.New(), Side: side, Stake: dec("1")},
		{ID: uuid.New(), WalletID: uuid.New(), Side: side, Stake: dec("1")},
		{ID: uuid.New(), WalletID: uuid.New(), Side: side, Stake: dec("1")},
		{ID: uuid.New(), WalletID: uuid.New(), Side: other, Stake: dec("1")},
	}
	res := Distribute(pool, bets, &side, dec("0.05"), DrawRefund)

	paid := decimal.Zero
	for _, p := range res.Payouts {
		paid = paid.Add(p)
	}
	if !paid.Add(res.Rake).Equal(res.TotalPot) {
		t.Fatalf("expected payouts + rake == pot, got %s + %s != %s", paid, res.Rake, res.TotalPot)
	}
	for i := 1; i < len(res.Deltas); i++ {
		if res.Deltas[i-1].WalletID.String() > res.Deltas[i].WalletID.String() {
			t.Fatalf("deltas not in wallet order")
		}
	}
}

func TestPlaceBetRules(t *testing.T) {
	f := newFixture(t, DrawRefund)
	ctx := context.Background()
	w := f.wallet(t, "5")

	if _, err := f.svc.PlaceBet(ctx, f.match.ID, w, f.a, dec("0.5")); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation for small stake, got %v", err)
	}
	if _, err := f.svc.PlaceBet(ctx, f.match.ID, w, uuid.New(), dec("2")); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation for bad side, got %v", err)
	}
	if _, err := f.svc.PlaceBet(ctx, f.match.ID, w, f.a, dec("6")); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := f.store.TransitionMatch(ctx, f.match.ID, model.StatusPaired, model.StatusSettling); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := f.svc.PlaceBet(ctx, f.match.ID, w, f.a, dec("2")); errs.KindOf(err) != errs.KindState {
		t.Fatalf("expected state error on terminal match, got %v", err)
	}
	if got := f.balance(t, w); !got.Balance.Equal(dec("5")) || !got.Locked.IsZero() {
		t.Fatalf("rejected bets must not move funds, got %+v", got)
	}
}
