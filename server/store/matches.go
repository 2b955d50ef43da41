package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const matchCols = `id, arena, participants, status, created_at, updated_at, voting_deadline,
	outcome, payload, highlights, settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (model.Match, error) {
	var (
		m                    model.Match
		arena, status        string
		outcome, payload, hl []byte
	)
	if err := row.Scan(&m.ID, &arena, &m.Participants, &status, &m.CreatedAt, &m.UpdatedAt,
		&m.VotingDeadline, &outcome, &payload, &hl, &m.SettledAt); err != nil {
		return model.Match{}, err
	}
	m.Arena, m.Status = model.ArenaKind(arena), model.Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return model.Match{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(outcome) > 0 {
		m.Outcome = new(model.Outcome)
		if err := json.Unmarshal(outcome, m.Outcome); err != nil {
			return model.Match{}, fmt.Errorf("decode outcome: %w", err)
		}
	}
	if len(hl) > 0 {
		m.Highlights = new(model.Highlights)
		if err := json.Unmarshal(hl, m.Highlights); err != nil {
			return model.Match{}, fmt.Errorf("decode highlights: %w", err)
		}
	}
	return m, nil
}

// CreateMatch inserts a paired match and its empty pool together.
func (db *DB) CreateMatch(ctx context.Context, m model.Match, pool model.BetPool) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := insertMatch(ctx, tx, m, pool); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertMatch(ctx context.Context, tx pgx.Tx, m model.Match, pool model.BetPool) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO matches (id, arena, participants, status, created_at, updated_at, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, string(m.Arena), m.Participants, string(m.Status), m.CreatedAt, m.UpdatedAt, payload); err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO bet_pools (id, match_id, status, created_at) VALUES ($1,$2,$3,$4)
	`, pool.ID, m.ID, string(model.PoolOpen), pool.CreatedAt); err != nil {
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

func (db *DB) GetMatch(ctx context.Context, id uuid.UUID) (model.Match, error) {
	m, err := scanMatch(db.QueryRow(ctx, `SELECT `+matchCols+` FROM matches WHERE id = $1`, id))
	if err != nil {
		return model.Match{}, notFound(err, "match")
	}
	return m, nil
}

// TransitionMatch is the status compare-and-set. It reports false when the
// match is no longer in from.
func (db *DB) TransitionMatch(ctx context.Context, id uuid.UUID, from, to model.Status) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE matches SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.mustExist(ctx, id)
}

func (db *DB) mustExist(ctx context.Context, id uuid.UUID) error {
	var ok bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE id = $1)`, id).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("match not found")
	}
	return nil
}

func (db *DB) SaveMatchPayload(ctx context.Context, id uuid.UUID, p model.Payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `UPDATE matches SET payload = $2, updated_at = now() WHERE id = $1`, id, b)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("match not found")
	}
	return nil
}

// OpenVoting moves live to voting with the final transcript and deadline.
func (db *DB) OpenVoting(ctx context.Context, id uuid.UUID, p model.Payload, deadline time.Time) (bool, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	tag, err := db.Exec(ctx, `
		UPDATE matches SET status = $2, payload = $3, voting_deadline = $4, updated_at = now()
		 WHERE id = $1 AND status = $5
	`, id, string(model.StatusVoting), b, deadline, string(model.StatusLive))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.mustExist(ctx, id)
}

// FinishMatch records the outcome and moves settling to settled.
func (db *DB) FinishMatch(ctx context.Context, id uuid.UUID, o model.Outcome) (bool, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return false, err
	}
	tag, err := db.Exec(ctx, `
		UPDATE matches SET status = $2, outcome = $3, settled_at = now(), updated_at = now()
		 WHERE id = $1 AND status = $4
	`, id, string(model.StatusSettled), b, string(model.StatusSettling))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.mustExist(ctx, id)
}

// SaveOutcome stores the decided outcome while the match is settling.
func (db *DB) SaveOutcome(ctx context.Context, id uuid.UUID, o model.Outcome) (bool, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return false, err
	}
	tag, err := db.Exec(ctx, `
		UPDATE matches SET outcome = $2, updated_at = now()
		 WHERE id = $1 AND status = $3
	`, id, b, string(model.StatusSettling))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.mustExist(ctx, id)
}

// ListStaleSettling returns matches that have been settling since before.
func (db *DB) ListStaleSettling(ctx context.Context, before time.Time) ([]model.Match, error) {
	rows, err := db.Query(ctx, `
		SELECT `+matchCols+` FROM matches
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at
	`, string(model.StatusSettling), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) SaveHighlights(ctx context.Context, id uuid.UUID, h model.Highlights) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `UPDATE matches SET highlights = $2 WHERE id = $1`, id, b)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("match not found")
	}
	return nil
}

// ListMatches returns matches newest first, strictly before the cursor.
func (db *DB) ListMatches(ctx context.Context, f model.MatchFilter) ([]model.Match, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Arena != "" {
		add("arena = $%d", string(f.Arena))
	}
	switch {
	case !f.Before.IsZero() && f.BeforeID != uuid.Nil:
		args = append(args, f.Before, f.BeforeID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	case !f.Before.IsZero():
		add("created_at < $%d", f.Before)
	}
	q := `SELECT ` + matchCols + ` FROM matches`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) ListExpiredVoting(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := db.Query(ctx, `
		SELECT id FROM matches
		 WHERE status = $1 AND voting_deadline <= $2
		 ORDER BY id
	`, string(model.StatusVoting), now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
