package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type ActivityRepository struct {
	db *pgxpool.Pool
}

func NewActivityRepository(db *pgxpool.Pool) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Insert 写入一条活动记录；event_key 已存在时忽略，返回是否新写入
func (r *ActivityRepository) Insert(ctx context.Context, eventKey, routingKey string, payload json.RawMessage) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO activity_log (event_key, routing_key, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_key) DO NOTHING
	`, eventKey, routingKey, payload)
	if err != nil {
		return false, fmt.Errorf("failed to insert activity: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
