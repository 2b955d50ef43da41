package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"agent-arena/server/errs"
	"agent-arena/server/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

/* -----------------------------
   Wallets
------------------------------*/

func (db *DB) CreateWallet(ctx context.Context, w model.Wallet) error {
	_, err := db.Exec(ctx, `
		INSERT INTO wallets (id, owner_id, balance, locked, total_earned, total_spent)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, w.ID, w.OwnerID, w.Balance, w.Locked, w.TotalEarned, w.TotalSpent)
	return err
}

func (db *DB) GetWallet(ctx context.Context, id uuid.UUID) (model.Wallet, error) {
	var w model.Wallet
	err := db.QueryRow(ctx, `
		SELECT id, owner_id, balance::text, locked::text, total_earned::text, total_spent::text
		  FROM wallets WHERE id = $1
	`, id).Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Locked, &w.TotalEarned, &w.TotalSpent)
	if err != nil {
		return model.Wallet{}, notFound(err, "wallet")
	}
	return w, nil
}

/* -----------------------------
   Agents
------------------------------*/

const agentCols = `id, name, owner_id, wallet_id, backend, model, rating, matches, wins, losses, draws, active, created_at`

func (db *DB) CreateAgent(ctx context.Context, a model.Agent) error {
	var wallet any
	if a.WalletID != uuid.Nil {
		wallet = a.WalletID
	}
	_, err := db.Exec(ctx, `
		INSERT INTO agents (`+agentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, a.ID, a.Name, a.OwnerID, wallet, a.Backend, a.Model, a.Rating, a.Matches, a.Wins, a.Losses, a.Draws, a.Active, a.CreatedAt)
	return err
}

func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return model.Agent{}, notFound(err, "agent")
	}
	return a, nil
}

func scanAgent(row pgx.Row) (model.Agent, error) {
	var (
		a      model.Agent
		wallet uuid.NullUUID
	)
	err := row.Scan(&a.ID, &a.Name, &a.OwnerID, &wallet, &a.Backend, &a.Model,
		&a.Rating, &a.Matches, &a.Wins, &a.Losses, &a.Draws, &a.Active, &a.CreatedAt)
	if err != nil {
		return model.Agent{}, err
	}
	if wallet.Valid {
		a.WalletID = wallet.UUID
	}
	return a, nil
}

// ApplyRatings locks the participants in id order, hands the active ones to
// plan in participant order and commits what plan returns, with counters and
// a history row, in the same transaction. A match that already has history
// rows is not rated again.
func (db *DB) ApplyRatings(ctx context.Context, matchID uuid.UUID, ids []uuid.UUID, plan func([]model.Agent) []model.RatingUpdate) ([]model.RatingUpdate, error) {
	ordered := append([]uuid.UUID(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i][:], ordered[j][:]) < 0
	})

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	locked := make(map[uuid.UUID]model.Agent, len(ordered))
	for _, id := range ordered {
		a, err := scanAgent(tx.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return nil, notFound(err, "agent")
		}
		locked[id] = a
	}
	var rated bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rating_history WHERE match_id = $1)`, matchID).Scan(&rated); err != nil {
		return nil, err
	}
	if rated {
		return nil, nil
	}
	active := make([]model.Agent, 0, len(ids))
	for _, id := range ids {
		if a := locked[id]; a.Active {
			active = append(active, a)
		}
	}

	updates := plan(active)
	applied := make([]model.RatingUpdate, 0, len(updates))
	for _, u := range updates {
		if a, ok := locked[u.AgentID]; !ok || !a.Active {
			continue
		}
		win, loss, draw := counters(u.Score)
		if _, err := tx.Exec(ctx, `
			UPDATE agents
			   SET rating = $2, matches = matches + 1,
			       wins = wins + $3, losses = losses + $4, draws = draws + $5
			 WHERE id = $1
		`, u.AgentID, u.After, win, loss, draw); err != nil {
			return nil, fmt.Errorf("update rating: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO rating_history (agent_id, match_id, before, after, score)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (agent_id, match_id) DO NOTHING
		`, u.AgentID, matchID, u.Before, u.After, u.Score); err != nil {
			return nil, fmt.Errorf("rating history: %w", err)
		}
		applied = append(applied, u)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return applied, nil
}

func counters(score float64) (win, loss, draw int) {
	switch score {
	case 1:
		return 1, 0, 0
	case 0:
		return 0, 1, 0
	}
	return 0, 0, 1
}

/* -----------------------------
   Elimination
------------------------------*/

// EliminateAgent flips active to false and writes the memorial in one
// transaction. It reports false when another caller got there first.
func (db *DB) EliminateAgent(ctx context.Context, m model.Memorial) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE agents SET active = FALSE WHERE id = $1 AND active`, m.AgentID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, m.AgentID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, errs.NotFound("agent not found")
		}
		return false, nil
	}
	tag, err = tx.Exec(ctx, `
		INSERT INTO memorials (id, agent_id, agent_name, final_rating, matches, wins, losses, draws,
		                       win_rate, win_rate_low, win_rate_high, match_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (agent_id) DO NOTHING
	`, m.ID, m.AgentID, m.AgentName, m.FinalRating, m.Matches, m.Wins, m.Losses, m.Draws,
		m.WinRate, m.WinRateLow, m.WinRateHigh, m.MatchID, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert memorial: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, tx.Commit(ctx)
}

func (db *DB) GetMemorial(ctx context.Context, agentID uuid.UUID) (model.Memorial, error) {
	var m model.Memorial
	err := db.QueryRow(ctx, `
		SELECT id, agent_id, agent_name, final_rating, matches, wins, losses, draws,
		       win_rate, win_rate_low, win_rate_high, match_id, created_at
		  FROM memorials WHERE agent_id = $1
	`, agentID).Scan(&m.ID, &m.AgentID, &m.AgentName, &m.FinalRating, &m.Matches, &m.Wins, &m.Losses,
		&m.Draws, &m.WinRate, &m.WinRateLow, &m.WinRateHigh, &m.MatchID, &m.CreatedAt)
	if err != nil {
		return model.Memorial{}, notFound(err, "memorial")
	}
	return m, nil
}
