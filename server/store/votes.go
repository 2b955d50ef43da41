package store

import (
	"context"
	"fmt"
	"time"

	"agent-arena/server/model"

	"github.com/google/uuid"
)

// Votes is the durable vote store.
type Votes struct{ db *DB }

func (db *DB) Votes() *Votes { return &Votes{db: db} }

// Record serializes per IP hash with a transaction advisory lock and holds a
// share lock on the match row, so a settling CAS waits for the vote to commit
// and a vote arriving after the CAS sees the match closed. The rate limit is
// checked before the duplicate rule.
func (v *Votes) Record(ctx context.Context, vote model.Vote, limit int, window time.Duration) (model.VoteReceipt, error) {
	tx, err := v.db.Begin(ctx)
	if err != nil {
		return model.VoteReceipt{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, vote.IPHash); err != nil {
		return model.VoteReceipt{}, fmt.Errorf("vote lock: %w", err)
	}
	var open bool
	if err := tx.QueryRow(ctx, `
		SELECT status = 'voting' AND (voting_deadline IS NULL OR voting_deadline > $2)
		  FROM matches WHERE id = $1
		   FOR SHARE
	`, vote.MatchID, vote.CreatedAt).Scan(&open); err != nil {
		return model.VoteReceipt{}, notFound(err, "match")
	}
	if !open {
		return model.VoteReceipt{Reason: model.ReasonVotingClosed}, nil
	}
	var recent int
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM votes WHERE ip_hash = $1 AND created_at > $2
	`, vote.IPHash, vote.CreatedAt.Add(-window)).Scan(&recent); err != nil {
		return model.VoteReceipt{}, err
	}
	if recent >= limit {
		return model.VoteReceipt{Reason: model.ReasonRateLimited}, nil
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO votes (match_id, voter_token, choice, ip_hash, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (match_id, voter_token) DO NOTHING
	`, vote.MatchID, vote.VoterToken, vote.Choice, vote.IPHash, vote.CreatedAt)
	if err != nil {
		return model.VoteReceipt{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.VoteReceipt{Reason: model.ReasonDuplicate}, nil
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO vote_counts (match_id, choice, n) VALUES ($1,$2,1)
		ON CONFLICT (match_id, choice) DO UPDATE SET n = vote_counts.n + 1
	`, vote.MatchID, vote.Choice); err != nil {
		return model.VoteReceipt{}, fmt.Errorf("vote count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.VoteReceipt{}, err
	}
	return model.VoteReceipt{Accepted: true}, nil
}

func (v *Votes) Tally(ctx context.Context, matchID uuid.UUID) (model.Tally, error) {
	rows, err := v.db.Query(ctx, `
		SELECT choice, n FROM vote_counts WHERE match_id = $1
	`, matchID)
	if err != nil {
		return model.Tally{}, err
	}
	defer rows.Close()
	t := model.Tally{MatchID: matchID, Counts: map[uuid.UUID]int{}}
	for rows.Next() {
		var (
			choice uuid.UUID
			n      int
		)
		if err := rows.Scan(&choice, &n); err != nil {
			return model.Tally{}, err
		}
		t.Counts[choice] = n
		t.Total += n
	}
	return t, rows.Err()
}
