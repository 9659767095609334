package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commandcenter/internal/model"
)

type SpamRepository struct {
	db *pgxpool.Pool
}

func NewSpamRepository(db *pgxpool.Pool) *SpamRepository {
	return &SpamRepository{db: db}
}

func spamTable(kind model.SpamKind) (table, column string, err error) {
	switch kind {
	case model.SpamKindEmail:
		return "emails_spam", "email", nil
	case model.SpamKindDomain:
		return "domains_spam", "domain", nil
	default:
		return "", "", fmt.Errorf("%w: %q", model.ErrInvalidSpamKind, kind)
	}
}

// IncrementCounter 读取计数并加一，不存在则以 1 插入；返回新计数
func (r *SpamRepository) IncrementCounter(ctx context.Context, target model.SpamTarget) (int, error) {
	table, column, err := spamTable(target.Kind)
	if err != nil {
		return 0, err
	}

	var counter int
	err = r.db.QueryRow(ctx, fmt.Sprintf(`SELECT counter FROM %s WHERE %s = $1`, table, column), target.Key).Scan(&counter)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := r.db.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (%s, counter, created_at, last_modified_at)
			VALUES ($1, 1, NOW(), NOW())
		`, table, column), target.Key); err != nil {
			return 0, fmt.Errorf("failed to insert spam counter: %w", err)
		}
		return 1, nil
	case err != nil:
		return 0, fmt.Errorf("failed to read spam counter: %w", err)
	}

	counter++
	if _, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET counter = $2, last_modified_at = NOW() WHERE %s = $1
	`, table, column), target.Key, counter); err != nil {
		return 0, fmt.Errorf("failed to update spam counter: %w", err)
	}
	return counter, nil
}
