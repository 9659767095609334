package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commandcenter/internal/model"
	"commandcenter/pkg/outbox"
)

var ErrNotFound = errors.New("not found")

// InboxRepository 读写 command_center_inbox；删除与归档类写入和 outbox 事件在同一事务中提交
type InboxRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewInboxRepository(db *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{db: db, outbox: outbox.NewRepository(db)}
}

// ListFilter 为空字段表示不过滤
type ListFilter struct {
	Type     model.ItemType
	Statuses []model.Status
	ThreadID string
	Limit    int
}

const inboxColumns = `id, type, COALESCE(thread_id, ''), COALESCE(fastmail_id, ''), COALESCE(chat_id, ''),
	subject, snippet, body_text, body_html, from_email, from_name, to_recipients, cc_recipients,
	date, attachments, has_attachments, is_read, is_starred, status, status_changed_at, created_at`

func scanItem(row pgx.Row) (model.InboxItem, error) {
	var it model.InboxItem
	var itemType string
	var status *string
	err := row.Scan(
		&it.ID,
		&itemType,
		&it.ThreadID,
		&it.FastmailID,
		&it.ChatID,
		&it.Subject,
		&it.Snippet,
		&it.BodyText,
		&it.BodyHTML,
		&it.FromEmail,
		&it.FromName,
		&it.ToRecipients,
		&it.CCRecipients,
		&it.Date,
		&it.Attachments,
		&it.HasAttachments,
		&it.IsRead,
		&it.IsStarred,
		&status,
		&it.StatusChangedAt,
		&it.CreatedAt,
	)
	if err != nil {
		return it, err
	}
	it.Type = model.ItemType(itemType)
	it.Status = model.StatusFromPtr(status)
	return it, nil
}

func collectItems(rows pgx.Rows) ([]model.InboxItem, error) {
	defer rows.Close()
	var items []model.InboxItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inbox item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// buildListQuery 按过滤条件拼接查询，最新的在前
func buildListQuery(f ListFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Type != "" {
		conds = append(conds, "type = "+arg(string(f.Type)))
	}
	if f.ThreadID != "" {
		conds = append(conds, "thread_id = "+arg(f.ThreadID))
	}
	if len(f.Statuses) > 0 {
		var tagged []string
		includeNone := false
		for _, s := range f.Statuses {
			if s == model.StatusNone {
				includeNone = true
				continue
			}
			tagged = append(tagged, string(s))
		}
		var parts []string
		if includeNone {
			parts = append(parts, "status IS NULL")
		}
		if len(tagged) > 0 {
			parts = append(parts, "status = ANY("+arg(tagged)+")")
		}
		conds = append(conds, "("+strings.Join(parts, " OR ")+")")
	}

	query := "SELECT " + inboxColumns + " FROM command_center_inbox"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	return query, args
}

// List 返回工作收件箱中的条目
func (r *InboxRepository) List(ctx context.Context, f ListFilter) ([]model.InboxItem, error) {
	query, args := buildListQuery(f)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox: %w", err)
	}
	return collectItems(rows)
}

// Get 按 id 读取单条
func (r *InboxRepository) Get(ctx context.Context, id string) (*model.InboxItem, error) {
	it, err := scanItem(r.db.QueryRow(ctx, "SELECT "+inboxColumns+" FROM command_center_inbox WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inbox item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inbox item: %w", err)
	}
	return &it, nil
}

// SetStatus 批量设置状态（StatusNone 写入 NULL）；进入 archiving 时记下原状态供超时回滚
func (r *InboxRepository) SetStatus(ctx context.Context, ids []string, status model.Status) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE command_center_inbox
		SET status = $2,
			previous_status = CASE
				WHEN $2 = 'archiving' AND status = 'archiving' THEN previous_status
				WHEN $2 = 'archiving' THEN status
				ELSE NULL
			END,
			status_changed_at = NOW()
		WHERE id = ANY($1)
	`, ids, status.Ptr())
	if err != nil {
		return 0, fmt.Errorf("failed to set status: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetChatStatus 设置某个聊天下所有消息的状态
func (r *InboxRepository) SetChatStatus(ctx context.Context, chatID string, status model.Status) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE command_center_inbox
		SET status = $2, status_changed_at = NOW()
		WHERE chat_id = $1
	`, chatID, status.Ptr())
	if err != nil {
		return 0, fmt.Errorf("failed to set chat status: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkRead 标记为已读
func (r *InboxRepository) MarkRead(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `UPDATE command_center_inbox SET is_read = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupItem 删除条目，或 keep 非空时改为该状态；同一事务写入事件
func (r *InboxRepository) CleanupItem(ctx context.Context, id string, keep model.Status, evt model.OutboxEvent) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if keep == model.StatusNone {
			if _, err := tx.Exec(ctx, `DELETE FROM command_center_inbox WHERE id = $1`, id); err != nil {
				return fmt.Errorf("failed to delete inbox item: %w", err)
			}
		} else {
			if _, err := tx.Exec(ctx, `
				UPDATE command_center_inbox
				SET status = $2, previous_status = NULL, status_changed_at = NOW()
				WHERE id = $1
			`, id, keep.Ptr()); err != nil {
				return fmt.Errorf("failed to update inbox status: %w", err)
			}
		}
		return r.insertEvent(ctx, tx, evt)
	})
}

// DeleteItem 删除单条并写入事件，返回是否存在
func (r *InboxRepository) DeleteItem(ctx context.Context, id string, evt model.OutboxEvent) (bool, error) {
	var deleted bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM command_center_inbox WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete inbox item: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		if !deleted {
			return nil
		}
		return r.insertEvent(ctx, tx, evt)
	})
	return deleted, err
}

// DeleteByFastmailID 按服务商 id 删除
func (r *InboxRepository) DeleteByFastmailID(ctx context.Context, fastmailID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM command_center_inbox WHERE fastmail_id = $1`, fastmailID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete by fastmail id: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FindBySender 返回发件人匹配的条目
func (r *InboxRepository) FindBySender(ctx context.Context, target model.SpamTarget) ([]model.InboxItem, error) {
	clause, arg := target.SenderFilter()
	rows, err := r.db.Query(ctx,
		"SELECT "+inboxColumns+" FROM command_center_inbox WHERE "+clause+" ORDER BY date DESC",
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find by sender: %w", err)
	}
	return collectItems(rows)
}

// DeleteItems 删除给定 id 的条目，事件由 buildEvent 根据实际删除的 id 生成
func (r *InboxRepository) DeleteItems(ctx context.Context, ids []string, buildEvent func(ids []string) model.OutboxEvent) ([]string, error) {
	var deleted []string
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `DELETE FROM command_center_inbox WHERE id = ANY($1) RETURNING id`, ids)
		if err != nil {
			return fmt.Errorf("failed to delete inbox items: %w", err)
		}
		deleted, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		sort.Strings(deleted)
		return r.insertEvent(ctx, tx, buildEvent(deleted))
	})
	return deleted, err
}

// ExpireArchiving 将 archiving 状态早于 before 的条目恢复到进入 archiving 前的状态
func (r *InboxRepository) ExpireArchiving(ctx context.Context, before time.Time, buildEvent func(ids []string) model.OutboxEvent) ([]string, error) {
	var ids []string
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE command_center_inbox
			SET status = previous_status, previous_status = NULL, status_changed_at = NOW()
			WHERE status = 'archiving'
			AND (status_changed_at IS NULL OR status_changed_at < $1)
			RETURNING id
		`, before)
		if err != nil {
			return fmt.Errorf("failed to expire archiving items: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil || len(ids) == 0 {
			return err
		}
		return r.insertEvent(ctx, tx, buildEvent(ids))
	})
	return ids, err
}

func (r *InboxRepository) insertEvent(ctx context.Context, tx pgx.Tx, evt model.OutboxEvent) error {
	if evt.RoutingKey == "" {
		return nil
	}
	return outbox.InsertEventInTx(ctx, tx, r.outbox, evt.AggregateType, evt.AggregateID, evt.RoutingKey, evt.Payload)
}

func (r *InboxRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
