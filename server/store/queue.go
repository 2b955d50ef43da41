package store

import (
	"context"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/model"

	"github.com/google/uuid"
)

func (db *DB) Enqueue(ctx context.Context, e model.QueueEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO queue_entries (id, agent_id, arena, enqueued_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)
	`, e.ID, e.AgentID, string(e.Arena), e.EnqueuedAt, e.ExpiresAt)
	if isUnique(err) {
		return errs.State(errs.CodeAlreadyQueued, "agent is already queued")
	}
	return err
}

func (db *DB) ExpireQueue(ctx context.Context, now time.Time) (int, error) {
	tag, err := db.Exec(ctx, `DELETE FROM queue_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListQueue returns waiting entries oldest first.
func (db *DB) ListQueue(ctx context.Context) ([]model.QueueEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT id, agent_id, arena, enqueued_at, expires_at
		  FROM queue_entries ORDER BY enqueued_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.QueueEntry
	for rows.Next() {
		var (
			e     model.QueueEntry
			arena string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &arena, &e.EnqueuedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		e.Arena = model.ArenaKind(arena)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PairEntries deletes both entries and creates the match in one transaction.
// It reports false if either entry is gone or either agent is inactive.
func (db *DB) PairEntries(ctx context.Context, a, b uuid.UUID, m model.Match, pool model.BetPool) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM queue_entries q
		 USING agents ag
		 WHERE q.id = ANY($1) AND ag.id = q.agent_id AND ag.active
	`, []uuid.UUID{a, b})
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 2 {
		return false, nil
	}
	if err := insertMatch(ctx, tx, m, pool); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
