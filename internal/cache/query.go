package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mail-sync/pkg/types"
)

type messageRow struct {
	ID           int64      `db:"id"`
	AccountID    int64      `db:"account_id"`
	AccountName  string     `db:"account_name"`
	Folder       string     `db:"folder"`
	UID          uint32     `db:"uid"`
	MessageID    string     `db:"message_id"`
	Subject      string     `db:"subject"`
	SenderName   string     `db:"sender_name"`
	SenderEmail  string     `db:"sender_email"`
	SentAt       *time.Time `db:"sent_at"`
	ReceivedAt   *time.Time `db:"received_at"`
	IsRead       bool       `db:"is_read"`
	IsFlagged    bool       `db:"is_flagged"`
	IsAnswered   bool       `db:"is_answered"`
	IsDeleted    bool       `db:"is_deleted"`
	IsDraft      bool       `db:"is_draft"`
	Labels       string     `db:"labels"`
	Headers      string     `db:"headers"`
	Size         int64      `db:"size"`
	ThreadID     string     `db:"thread_id"`
	BodyText     string     `db:"body_text"`
	BodyHTML     string     `db:"body_html"`
	BodyMarkdown string     `db:"body_markdown"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

const messageColumns = `
	m.id, m.account_id, a.name AS account_name, m.folder, m.uid, m.message_id, m.subject,
	m.sender_name, m.sender_email, m.sent_at, m.received_at,
	m.is_read, m.is_flagged, m.is_answered, m.is_deleted, m.is_draft,
	m.labels, m.headers, m.size, m.thread_id, m.body_text, m.body_html, m.body_markdown,
	m.created_at, m.updated_at`

// GetMessage retrieves a message with its attachments and contacts
func (s *Store) GetMessage(ctx context.Context, id int64) (*types.Message, error) {
	var row messageRow
	err := s.cache.DB().GetContext(ctx, &row,
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON m.account_id = a.id WHERE m.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	msg, err := row.toMessage()
	if err != nil {
		return nil, err
	}

	if err := s.cache.DB().SelectContext(ctx, &msg.Attachments, `
		SELECT id, message_id, dedup_key, content_id, filename, content_type, size, path
		FROM attachments WHERE message_id = ? ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	if err := s.cache.DB().SelectContext(ctx, &msg.Contacts, `
		SELECT mc.role, c.name, c.email
		FROM message_contacts mc JOIN contacts c ON mc.contact_id = c.id
		WHERE mc.message_id = ?
		ORDER BY CASE mc.role WHEN 'from' THEN 0 WHEN 'to' THEN 1 WHEN 'cc' THEN 2 WHEN 'bcc' THEN 3 ELSE 4 END, mc.position`, id); err != nil {
		return nil, fmt.Errorf("failed to get contacts: %w", err)
	}
	return msg, nil
}

// FindMessage looks a message up by its synchronization key
func (s *Store) FindMessage(ctx context.Context, accountID int64, folder string, uid uint32) (*types.Message, error) {
	var id int64
	err := s.cache.DB().GetContext(ctx, &id,
		"SELECT id FROM messages WHERE account_id = ? AND folder = ? AND uid = ?", accountID, folder, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s/%d: %w", folder, uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return s.GetMessage(ctx, id)
}

func (r *messageRow) toMessage() (*types.Message, error) {
	msg := &types.Message{
		ID:          r.ID,
		AccountID:   r.AccountID,
		AccountName: r.AccountName,
		Folder:      r.Folder,
		UID:         r.UID,
		MessageID:   r.MessageID,
		Subject:     r.Subject,
		SenderName:  r.SenderName,
		SenderEmail: r.SenderEmail,
		SentAt:      r.SentAt,
		ReceivedAt:  r.ReceivedAt,
		Flags: types.MessageFlags{
			Read:     r.IsRead,
			Flagged:  r.IsFlagged,
			Answered: r.IsAnswered,
			Deleted:  r.IsDeleted,
			Draft:    r.IsDraft,
		},
		Size:         r.Size,
		ThreadID:     r.ThreadID,
		BodyText:     r.BodyText,
		BodyHTML:     r.BodyHTML,
		BodyMarkdown: r.BodyMarkdown,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Labels), &msg.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Headers), &msg.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	return msg, nil
}

type folderRow struct {
	types.Folder
	AttributesJSON string `db:"attributes"`
	UidValidity    uint32 `db:"uid_validity"`
	UidNext        uint32 `db:"uid_next"`
}

// ListFolders lists folders for an account, or for every account when
// accountID is nil
func (s *Store) ListFolders(ctx context.Context, accountID *int64) ([]types.Folder, error) {
	query := `
		SELECT f.id, f.account_id, a.name AS account_name, f.name, f.path, f.delimiter, f.attributes,
			f.message_count, f.last_synced, f.uid_validity, f.uid_next
		FROM folders f
		JOIN accounts a ON f.account_id = a.id
	`
	var args []interface{}
	if accountID != nil {
		query += " WHERE f.account_id = ? ORDER BY f.path"
		args = append(args, *accountID)
	} else {
		query += " ORDER BY a.name, f.path"
	}

	var rows []folderRow
	if err := s.cache.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}

	folders := make([]types.Folder, 0, len(rows))
	for _, r := range rows {
		f := r.Folder
		if err := json.Unmarshal([]byte(r.AttributesJSON), &f.Attributes); err != nil {
			s.logger.WithError(err).WithField("folder", f.Path).Warn("Failed to decode folder attributes")
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// ListContacts returns an account's contacts, most frequent first
func (s *Store) ListContacts(ctx context.Context, accountID int64, limit int) ([]types.Contact, error) {
	if limit <= 0 {
		limit = 100
	}
	var contacts []types.Contact
	err := s.cache.DB().SelectContext(ctx, &contacts, `
		SELECT id, account_id, email, name, interaction_count, last_seen
		FROM contacts WHERE account_id = ?
		ORDER BY interaction_count DESC, email LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, nil
}
