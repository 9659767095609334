package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier 同时被 *pgxpool.Pool 与 pgx.Tx 满足
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// link 描述一张以自然键去重的关联表
type link struct {
	table string
	// keys 为自然键列，必须是 columns 的子集
	keys      []string
	columns   []string
	values    []any
	returning string
}

// buildEnsureLinkSQL 生成以自然键为冲突目标的插入语句及查找已有行的语句
func buildEnsureLinkSQL(l link) (insertSQL, selectSQL string, keyArgs []any, err error) {
	if len(l.columns) != len(l.values) {
		return "", "", nil, fmt.Errorf("ensure %s: %d columns but %d values", l.table, len(l.columns), len(l.values))
	}

	pos := make(map[string]int, len(l.columns))
	placeholders := make([]string, len(l.columns))
	for i, c := range l.columns {
		pos[c] = i + 1
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	if len(l.keys) == 0 {
		return "", "", nil, fmt.Errorf("ensure %s: no natural key", l.table)
	}
	selectWhere := make([]string, len(l.keys))
	for i, k := range l.keys {
		p, ok := pos[k]
		if !ok {
			return "", "", nil, fmt.Errorf("ensure %s: key %q not in columns", l.table, k)
		}
		selectWhere[i] = fmt.Sprintf("%s = $%d", k, i+1)
		keyArgs = append(keyArgs, l.values[p-1])
	}

	insertSQL = fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING RETURNING %s`,
		l.table,
		strings.Join(l.columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(l.keys, ", "),
		l.returning,
	)
	selectSQL = fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, l.returning, l.table, strings.Join(selectWhere, " AND "))
	return insertSQL, selectSQL, keyArgs, nil
}

// ensureLink 插入关联行（若自然键已存在则返回已有行），created 表示本次是否新建
func ensureLink(ctx context.Context, q querier, l link) (id string, created bool, err error) {
	insertSQL, selectSQL, keyArgs, err := buildEnsureLinkSQL(l)
	if err != nil {
		return "", false, err
	}

	err = q.QueryRow(ctx, insertSQL, l.values...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("ensure %s: %w", l.table, err)
	}

	if err := q.QueryRow(ctx, selectSQL, keyArgs...).Scan(&id); err != nil {
		return "", false, fmt.Errorf("ensure %s: lookup existing: %w", l.table, err)
	}
	return id, false, nil
}
