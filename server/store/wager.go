package store

import (
	"context"
	"fmt"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPool(ctx context.Context, q querier, where string, arg any, lock bool) (model.BetPool, error) {
	sql := `SELECT id, match_id, status, rake::text, winning_side, created_at, settled_at
	          FROM bet_pools WHERE ` + where + ` = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		p       model.BetPool
		status  string
		winning uuid.NullUUID
	)
	if err := q.QueryRow(ctx, sql, arg).Scan(&p.ID, &p.MatchID, &status, &p.Rake, &winning, &p.CreatedAt, &p.SettledAt); err != nil {
		return model.BetPool{}, notFound(err, "pool")
	}
	p.Status = model.PoolStatus(status)
	if winning.Valid {
		p.WinningSide = &winning.UUID
	}
	rows, err := q.Query(ctx, `SELECT side, total::text FROM pool_sides WHERE pool_id = $1`, p.ID)
	if err != nil {
		return model.BetPool{}, err
	}
	defer rows.Close()
	p.Sides = map[uuid.UUID]decimal.Decimal{}
	for rows.Next() {
		var (
			side  uuid.UUID
			total decimal.Decimal
		)
		if err := rows.Scan(&side, &total); err != nil {
			return model.BetPool{}, err
		}
		p.Sides[side] = total
	}
	return p, rows.Err()
}

func (db *DB) GetPoolByMatch(ctx context.Context, matchID uuid.UUID) (model.BetPool, error) {
	return getPool(ctx, db, "match_id", matchID, false)
}

// PlaceBet locks the pool then the wallet, moves the stake from balance to
// locked and records the bet.
func (db *DB) PlaceBet(ctx context.Context, b model.Bet) (model.Bet, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return model.Bet{}, err
	}
	defer tx.Rollback(ctx)

	var poolStatus, matchStatus string
	err = tx.QueryRow(ctx, `
		SELECT p.status, m.status
		  FROM bet_pools p JOIN matches m ON m.id = p.match_id
		 WHERE p.id = $1
		   FOR UPDATE OF p
	`, b.PoolID).Scan(&poolStatus, &matchStatus)
	if err != nil {
		return model.Bet{}, notFound(err, "pool")
	}
	if model.PoolStatus(poolStatus) != model.PoolOpen {
		return model.Bet{}, errs.State(errs.CodePoolClosed, "pool is closed")
	}
	if model.Status(matchStatus).Terminal() {
		return model.Bet{}, errs.State(errs.CodePoolClosed, "match is no longer taking bets")
	}

	var balance decimal.Decimal
	if err := tx.QueryRow(ctx, `SELECT balance::text FROM wallets WHERE id = $1 FOR UPDATE`, b.WalletID).Scan(&balance); err != nil {
		return model.Bet{}, notFound(err, "wallet")
	}
	if balance.LessThan(b.Stake) {
		return model.Bet{}, errs.ErrInsufficientFunds
	}
	if _, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = balance - $2, locked = locked + $2 WHERE id = $1
	`, b.WalletID, b.Stake); err != nil {
		return model.Bet{}, fmt.Errorf("lock stake: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO pool_sides (pool_id, side, total) VALUES ($1,$2,$3)
		ON CONFLICT (pool_id, side) DO UPDATE SET total = pool_sides.total + EXCLUDED.total
	`, b.PoolID, b.Side, b.Stake); err != nil {
		return model.Bet{}, fmt.Errorf("pool side: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO bets (id, pool_id, wallet_id, side, stake, payout, status, created_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7)
	`, b.ID, b.PoolID, b.WalletID, b.Side, b.Stake, string(b.Status), b.CreatedAt); err != nil {
		return model.Bet{}, fmt.Errorf("insert bet: %w", err)
	}
	return b, tx.Commit(ctx)
}

// SettlePool runs plan against the locked pool and writes every delta in one
// transaction. A second call sees the pool settled and changes nothing.
func (db *DB) SettlePool(ctx context.Context, poolID uuid.UUID, plan func(model.BetPool, []model.Bet) model.PoolSettlement) (model.PoolSettlement, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return model.PoolSettlement{}, err
	}
	defer tx.Rollback(ctx)

	pool, err := getPool(ctx, tx, "id", poolID, true)
	if err != nil {
		return model.PoolSettlement{}, err
	}
	if pool.Status == model.PoolSettled {
		return model.PoolSettlement{}, errs.ErrPoolSettled
	}
	bets, err := listBets(ctx, tx, poolID)
	if err != nil {
		return model.PoolSettlement{}, err
	}
	res := plan(pool, bets)

	// deltas arrive sorted by wallet id, so lock order is stable
	for _, d := range res.Deltas {
		tag, err := tx.Exec(ctx, `
			UPDATE wallets
			   SET balance = balance + $2, locked = locked + $3,
			       total_earned = total_earned + $4, total_spent = total_spent + $5
			 WHERE id = $1 AND balance + $2 >= 0 AND locked + $3 >= 0
		`, d.WalletID, d.Balance, d.Locked, d.Earned, d.Spent)
		if err != nil {
			return model.PoolSettlement{}, fmt.Errorf("apply delta: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var ok bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, d.WalletID).Scan(&ok); err != nil {
				return model.PoolSettlement{}, err
			}
			if !ok {
				return model.PoolSettlement{}, errs.NotFound("wallet not found")
			}
			return model.PoolSettlement{}, errs.Integrity(errs.CodeNegativeBalance, "settlement would overdraw wallet "+d.WalletID.String())
		}
	}
	for _, b := range bets {
		payout, ok := res.Payouts[b.ID]
		if !ok {
			payout = decimal.Zero
		}
		if _, err := tx.Exec(ctx, `UPDATE bets SET payout = $2, status = $3 WHERE id = $1`,
			b.ID, payout, string(res.Outcomes[b.ID])); err != nil {
			return model.PoolSettlement{}, fmt.Errorf("update bet: %w", err)
		}
	}
	var winning any
	if res.Winning != nil {
		winning = *res.Winning
	}
	if _, err := tx.Exec(ctx, `
		UPDATE bet_pools SET status = $2, rake = $3, winning_side = $4, settled_at = $5 WHERE id = $1
	`, poolID, string(model.PoolSettled), res.Rake, winning, time.Now()); err != nil {
		return model.PoolSettlement{}, fmt.Errorf("close pool: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE platform_ledger SET rake = rake + $1 WHERE id = 1`, res.Rake); err != nil {
		return model.PoolSettlement{}, fmt.Errorf("platform rake: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.PoolSettlement{}, err
	}
	return res, nil
}

func listBets(ctx context.Context, q querier, poolID uuid.UUID) ([]model.Bet, error) {
	rows, err := q.Query(ctx, `
		SELECT id, pool_id, wallet_id, side, stake::text, payout::text, status, created_at
		  FROM bets WHERE pool_id = $1 ORDER BY created_at, id
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Bet
	for rows.Next() {
		var (
			b      model.Bet
			status string
		)
		if err := rows.Scan(&b.ID, &b.PoolID, &b.WalletID, &b.Side, &b.Stake, &b.Payout, &status, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Status = model.BetStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (db *DB) Bets(ctx context.Context, poolID uuid.UUID) ([]model.Bet, error) {
	return listBets(ctx, db, poolID)
}

func (db *DB) PlatformRake(ctx context.Context) (decimal.Decimal, error) {
	var d decimal.Decimal
	err := db.QueryRow(ctx, `SELECT rake::text FROM platform_ledger WHERE id = 1`).Scan(&d)
	return d, err
}
