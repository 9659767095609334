package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commandcenter/internal/model"
)

// CRMRepository 写入线程、邮件、参与人、互动等 CRM 表
type CRMRepository struct {
	db *pgxpool.Pool
}

func NewCRMRepository(db *pgxpool.Pool) *CRMRepository {
	return &CRMRepository{db: db}
}

// FindThreadByProviderID 按服务商 thread_id 查找线程；不存在返回 nil
func (r *CRMRepository) FindThreadByProviderID(ctx context.Context, threadID string) (*model.EmailThread, error) {
	query := `
		SELECT email_thread_id, thread_id, subject, last_message_timestamp, created_at, updated_at
		FROM email_threads
		WHERE thread_id = $1
	`
	var t model.EmailThread
	var last *time.Time
	err := r.db.QueryRow(ctx, query, threadID).Scan(
		&t.EmailThreadID,
		&t.ThreadID,
		&t.Subject,
		&last,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find thread: %w", err)
	}
	if last != nil {
		t.LastMessageTimestamp = *last
	}
	return &t, nil
}

// CreateThread 创建线程；并发创建同一 thread_id 时返回已有行
func (r *CRMRepository) CreateThread(ctx context.Context, t *model.EmailThread) (string, error) {
	id, _, err := ensureLink(ctx, r.db, link{
		table:     "email_threads",
		keys:      []string{"thread_id"},
		columns:   []string{"email_thread_id", "thread_id", "subject", "last_message_timestamp"},
		values:    []any{uuid.NewString(), t.ThreadID, t.Subject, t.LastMessageTimestamp},
		returning: "email_thread_id",
	})
	return id, err
}

// TouchThread 仅当 at 更新时推进 last_message_timestamp
func (r *CRMRepository) TouchThread(ctx context.Context, emailThreadID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE email_threads
		SET last_message_timestamp = $2, updated_at = NOW()
		WHERE email_thread_id = $1
		AND (last_message_timestamp IS NULL OR last_message_timestamp < $2)
	`, emailThreadID, at)
	if err != nil {
		return false, fmt.Errorf("failed to touch thread: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindContactIDByEmail 通过 contact_emails 查找联系人；不存在返回空串
func (r *CRMRepository) FindContactIDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, `SELECT contact_id FROM contact_emails WHERE lower(email) = $1`, model.NormalizeEmail(email)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up contact: %w", err)
	}
	return id, nil
}

// ContactsByEmails 返回给定地址中已在 CRM 的联系人
func (r *CRMRepository) ContactsByEmails(ctx context.Context, emails []string) ([]model.ThreadContact, error) {
	normalized := make([]string, 0, len(emails))
	for _, e := range emails {
		if e = model.NormalizeEmail(e); e != "" {
			normalized = append(normalized, e)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT lower(ce.email), c.contact_id, c.first_name, c.last_name
		FROM contact_emails ce
		JOIN contacts c ON c.contact_id = ce.contact_id
		WHERE lower(ce.email) = ANY($1)
		ORDER BY lower(ce.email)
	`, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var out []model.ThreadContact
	for rows.Next() {
		var c model.ThreadContact
		if err := rows.Scan(&c.Email, &c.ContactID, &c.FirstName, &c.LastName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateEmail 插入邮件记录；gmail_id 已存在时返回已有 email_id
func (r *CRMRepository) CreateEmail(ctx context.Context, e *model.EmailRecord) (string, bool, error) {
	return ensureLink(ctx, r.db, link{
		table: "emails",
		keys:  []string{"gmail_id"},
		columns: []string{
			"email_id", "gmail_id", "thread_id", "email_thread_id", "subject", "body_plain", "body_html",
			"message_timestamp", "direction", "has_attachments", "attachment_count", "is_read", "is_starred",
			"sender_contact_id", "created_by",
		},
		values: []any{
			uuid.NewString(), e.GmailID, nullable(e.ThreadID), nullable(e.EmailThreadID), e.Subject, e.BodyPlain, e.BodyHTML,
			e.MessageTimestamp, string(e.Direction), e.HasAttachments, e.AttachmentCount, e.IsRead, e.IsStarred,
			nullable(e.SenderContactID), e.CreatedBy,
		},
		returning: "email_id",
	})
}

// EnsureParticipant 每个 (email, contact) 至多一行
func (r *CRMRepository) EnsureParticipant(ctx context.Context, p model.Participant) (bool, error) {
	_, created, err := ensureLink(ctx, r.db, link{
		table:     "email_participants",
		keys:      []string{"email_id", "contact_id"},
		columns:   []string{"participant_id", "email_id", "contact_id", "participant_type"},
		values:    []any{uuid.NewString(), p.EmailID, p.ContactID, string(p.Type)},
		returning: "participant_id",
	})
	return created, err
}

// EnsureInteraction 每个 (contact, thread) 至多一行，已存在时不更新
func (r *CRMRepository) EnsureInteraction(ctx context.Context, i *model.Interaction) (bool, error) {
	id, created, err := ensureLink(ctx, r.db, link{
		table: "interactions",
		keys:  []string{"contact_id", "email_thread_id"},
		columns: []string{
			"interaction_id", "contact_id", "interaction_type", "direction", "interaction_date", "email_thread_id", "summary",
		},
		values: []any{
			uuid.NewString(), i.ContactID, i.Type, string(i.Direction), i.InteractionDate, i.EmailThreadID, i.Summary,
		},
		returning: "interaction_id",
	})
	if err != nil {
		return false, err
	}
	i.InteractionID = id
	return created, nil
}

// EnsureContactThread 关联联系人与线程
func (r *CRMRepository) EnsureContactThread(ctx context.Context, contactID, emailThreadID string) (bool, error) {
	_, created, err := ensureLink(ctx, r.db, link{
		table:     "contact_email_threads",
		keys:      []string{"contact_id", "email_thread_id"},
		columns:   []string{"contact_id", "email_thread_id"},
		values:    []any{contactID, emailThreadID},
		returning: "contact_id",
	})
	return created, err
}

// AdvanceLastInteraction 只向前推进 last_interaction_at
func (r *CRMRepository) AdvanceLastInteraction(ctx context.Context, contactID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE contacts
		SET last_interaction_at = $2, last_modified_at = NOW(), last_modified_by = $3
		WHERE contact_id = $1
		AND (last_interaction_at IS NULL OR last_interaction_at < $2)
	`, contactID, at, model.CreatedBy)
	if err != nil {
		return false, fmt.Errorf("failed to update last_interaction_at: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
