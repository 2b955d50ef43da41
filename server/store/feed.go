package store

import (
	"context"
	"encoding/json"

	"agent-arena/server/model"

	"github.com/google/uuid"
)

func (db *DB) RecordEvent(ctx context.Context, e model.FeedEvent) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		meta = b
	}
	var target any
	if e.TargetID != nil {
		target = *e.TargetID
	}
	_, err := db.Exec(ctx, `
		INSERT INTO feed_events (type, actor_id, target_id, headline, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.Type, e.ActorID, target, e.Headline, meta, e.CreatedAt)
	return err
}

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]model.FeedEvent, error) {
	rows, err := db.Query(ctx, `
		SELECT type, actor_id, target_id, headline, metadata, created_at
		  FROM feed_events ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FeedEvent
	for rows.Next() {
		var (
			e      model.FeedEvent
			target uuid.NullUUID
			meta   []byte
		)
		if err := rows.Scan(&e.Type, &e.ActorID, &target, &e.Headline, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if target.Valid {
			e.TargetID = &target.UUID
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
