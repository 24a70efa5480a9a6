package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mail-sync/pkg/types"
)

// SaveResult describes what persisting a mapped message changed
type SaveResult struct {
	ID          int64
	Created     bool
	Changed     bool
	Attachments int
}

// ListUIDs returns the UIDs stored for a folder
func (s *Store) ListUIDs(ctx context.Context, accountID int64, folder string) ([]uint32, error) {
	var uids []uint32
	err := s.cache.DB().SelectContext(ctx, &uids,
		"SELECT uid FROM messages WHERE account_id = ? AND folder = ? ORDER BY uid", accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	return uids, nil
}

// UpdateFlags rewrites the flag columns of one message. It reports whether
// anything changed.
func (s *Store) UpdateFlags(ctx context.Context, accountID int64, folder string, uid uint32, f types.MessageFlags) (bool, error) {
	query := `
		UPDATE messages SET is_read = ?, is_flagged = ?, is_answered = ?, is_deleted = ?, is_draft = ?, updated_at = ?
		WHERE account_id = ? AND folder = ? AND uid = ?
			AND (is_read != ? OR is_flagged != ? OR is_answered != ? OR is_deleted != ? OR is_draft != ?)
	`
	result, err := s.cache.DB().ExecContext(ctx, query,
		f.Read, f.Flagged, f.Answered, f.Deleted, f.Draft, s.now(),
		accountID, folder, uid,
		f.Read, f.Flagged, f.Answered, f.Deleted, f.Draft)
	if err != nil {
		return false, fmt.Errorf("failed to update flags: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// SaveMessage persists a mapped message with its attachments and contacts.
// Saving the same data again leaves stored state unchanged.
func (s *Store) SaveMessage(ctx context.Context, accountID int64, folder string, uid uint32, msg *types.MappedMessage) (*SaveResult, error) {
	id, created, changed, err := s.UpsertMessage(ctx, accountID, folder, uid, msg)
	if err != nil {
		return nil, err
	}
	res := &SaveResult{ID: id, Created: created, Changed: created || changed}

	for _, att := range msg.Attachments {
		added, err := s.Attach(ctx, accountID, id, att)
		if err != nil {
			return nil, err
		}
		if added {
			res.Attachments++
		}
	}

	// Associations are replaced on every save so a partially written earlier
	// attempt is repaired; interactions are counted once per message.
	if err := s.LinkContacts(ctx, accountID, id, msg, created); err != nil {
		return nil, err
	}
	return res, nil
}

// UpsertMessage inserts or updates the row keyed by (account, folder, uid)
// and reports whether the row was created or its content changed
func (s *Store) UpsertMessage(ctx context.Context, accountID int64, folder string, uid uint32, msg *types.MappedMessage) (int64, bool, bool, error) {
	hash, err := contentHash(msg)
	if err != nil {
		return 0, false, false, err
	}
	labels, err := json.Marshal(nonNil(msg.Labels))
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to marshal labels: %w", err)
	}
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to marshal headers: %w", err)
	}
	var senderName, senderEmail string
	if msg.From != nil {
		senderName, senderEmail = msg.From.Name, msg.From.Email
	}
	f := msg.Flags
	now := s.now()

	tx, err := s.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (account_id, folder, uid, message_id, subject, sender_name, sender_email,
			sent_at, received_at, is_read, is_flagged, is_answered, is_deleted, is_draft,
			labels, headers, size, thread_id, body_text, body_html, body_markdown, content_hash,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder, uid) DO NOTHING`,
		accountID, folder, uid, msg.MessageID, msg.Subject, senderName, senderEmail,
		msg.SentAt, msg.ReceivedAt, f.Read, f.Flagged, f.Answered, f.Deleted, f.Draft,
		string(labels), string(headers), msg.Size, msg.ThreadID, msg.BodyText, msg.BodyHTML, msg.BodyMarkdown, hash,
		now, now)
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to insert message: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	var changed bool
	if inserted == 0 {
		result, err = tx.ExecContext(ctx, `
			UPDATE messages SET message_id = ?, subject = ?, sender_name = ?, sender_email = ?,
				sent_at = ?, received_at = ?, is_read = ?, is_flagged = ?, is_answered = ?, is_deleted = ?, is_draft = ?,
				labels = ?, headers = ?, size = ?, thread_id = ?, body_text = ?, body_html = ?, body_markdown = ?,
				content_hash = ?, updated_at = ?
			WHERE account_id = ? AND folder = ? AND uid = ?
				AND (content_hash != ? OR is_read != ? OR is_flagged != ? OR is_answered != ? OR is_deleted != ? OR is_draft != ?)`,
			msg.MessageID, msg.Subject, senderName, senderEmail,
			msg.SentAt, msg.ReceivedAt, f.Read, f.Flagged, f.Answered, f.Deleted, f.Draft,
			string(labels), string(headers), msg.Size, msg.ThreadID, msg.BodyText, msg.BodyHTML, msg.BodyMarkdown,
			hash, now,
			accountID, folder, uid,
			hash, f.Read, f.Flagged, f.Answered, f.Deleted, f.Draft)
		if err != nil {
			return 0, false, false, fmt.Errorf("failed to update message: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, false, false, fmt.Errorf("failed to read affected rows: %w", err)
		}
		changed = n > 0
	}

	var id int64
	if err := tx.GetContext(ctx, &id,
		"SELECT id FROM messages WHERE account_id = ? AND folder = ? AND uid = ?", accountID, folder, uid); err != nil {
		return 0, false, false, fmt.Errorf("failed to get message ID: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, false, fmt.Errorf("failed to commit message: %w", err)
	}
	return id, inserted == 1, changed, nil
}

// contentHash fingerprints everything but the flags, which are compared
// column by column
func contentHash(msg *types.MappedMessage) (string, error) {
	c := *msg
	c.Flags = types.MessageFlags{}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to hash message: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MoveMessage re-keys a stored message after a server side move. When the
// destination copy was already synced the moved row is dropped instead.
func (s *Store) MoveMessage(ctx context.Context, id int64, folder string, uid uint32) error {
	var existing int
	err := s.cache.DB().GetContext(ctx, &existing, `
		SELECT COUNT(*) FROM messages d JOIN messages m ON m.account_id = d.account_id
		WHERE m.id = ? AND d.folder = ? AND d.uid = ? AND d.id != m.id`, id, folder, uid)
	if err != nil {
		return fmt.Errorf("failed to check move destination: %w", err)
	}
	if existing > 0 {
		return s.DeleteMessage(ctx, id)
	}

	result, err := s.cache.DB().ExecContext(ctx,
		"UPDATE messages SET folder = ?, uid = ?, updated_at = ? WHERE id = ?", folder, uid, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to move message: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMessage removes a stored message and its attachment payloads
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	var accountID int64
	err := s.cache.DB().GetContext(ctx, &accountID, "SELECT account_id FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if _, err := s.cache.DB().ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if s.files != nil {
		if err := s.files.RemoveMessage(accountID, id); err != nil {
			s.logger.WithError(err).WithField("message_id", id).Warn("Failed to remove attachment payloads")
		}
	}
	return nil
}

// DedupKeyFunc derives an attachment identity, or "" when it has none
type DedupKeyFunc func(att types.AttachmentData) string

// DefaultDedupKeys is the priority order used to tell attachments apart
var DefaultDedupKeys = []DedupKeyFunc{ByContentID, ByFilename, ByContent}

// ByContentID identifies an attachment by its Content-ID
func ByContentID(att types.AttachmentData) string {
	if att.ContentID == "" {
		return ""
	}
	return "cid:" + att.ContentID
}

// ByFilename identifies an attachment by its filename
func ByFilename(att types.AttachmentData) string {
	if att.Filename == "" {
		return ""
	}
	return "name:" + att.Filename
}

// ByContent identifies an attachment by a digest of its payload
func ByContent(att types.AttachmentData) string {
	sum := sha256.Sum256(att.Content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DedupKey returns the first non-empty key in priority order
func DedupKey(att types.AttachmentData, keys []DedupKeyFunc) string {
	for _, key := range keys {
		if k := key(att); k != "" {
			return k
		}
	}
	return ""
}

// Attach stores an attachment of a message unless one with the same dedup
// key already exists. The payload is written before the row so a row never
// points at a missing file.
func (s *Store) Attach(ctx context.Context, accountID, messageID int64, att types.AttachmentData) (bool, error) {
	key := DedupKey(att, s.dedupKeys)

	var exists int
	err := s.cache.DB().GetContext(ctx, &exists,
		"SELECT COUNT(*) FROM attachments WHERE message_id = ? AND dedup_key = ?", messageID, key)
	if err != nil {
		return false, fmt.Errorf("failed to check attachment: %w", err)
	}
	if exists > 0 {
		return false, nil
	}

	var path string
	if s.files != nil {
		path = s.files.Path(accountID, messageID, att.Filename, att.Content)
		if err := s.files.Save(path, att.Content); err != nil {
			return false, fmt.Errorf("failed to save attachment payload: %w", err)
		}
	}

	size := att.Size
	if size == 0 {
		size = int64(len(att.Content))
	}
	result, err := s.cache.DB().ExecContext(ctx, `
		INSERT INTO attachments (message_id, dedup_key, content_id, filename, content_type, size, path)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, dedup_key) DO NOTHING`,
		messageID, key, att.ContentID, att.Filename, att.ContentType, size, path)
	if err != nil {
		return false, fmt.Errorf("failed to insert attachment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

type contactLink struct {
	role        string
	addr        types.Address
	email       string
	displayName bool
}

// LinkContacts replaces the message's contact associations. Contacts are
// created on first sight; when countInteraction is set each distinct
// contact's interaction count and last_seen are bumped once.
func (s *Store) LinkContacts(ctx context.Context, accountID, messageID int64, msg *types.MappedMessage, countInteraction bool) error {
	links := collectLinks(msg)
	now := s.now()

	tx, err := s.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM message_contacts WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("failed to clear contact links: %w", err)
	}

	resolved := make(map[string]int64)
	counted := make(map[int64]bool)
	position := make(map[string]int)
	for _, l := range links {
		id, ok := resolved[l.email]
		if !ok {
			id, err = s.contactID(ctx, tx, accountID, l)
			if err != nil {
				return err
			}
			resolved[l.email] = id
		}

		if countInteraction && !counted[id] {
			counted[id] = true
			if _, err := tx.ExecContext(ctx,
				"UPDATE contacts SET interaction_count = interaction_count + 1, last_seen = ? WHERE id = ?", now, id); err != nil {
				return fmt.Errorf("failed to update contact: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_contacts (message_id, contact_id, role, position) VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id, contact_id, role) DO NOTHING`,
			messageID, id, l.role, position[l.role]); err != nil {
			return fmt.Errorf("failed to link contact: %w", err)
		}
		position[l.role]++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit contact links: %w", err)
	}
	for email, id := range resolved {
		s.contacts.Add(contactKey(accountID, email), id)
	}
	return nil
}

// contactID gets or creates the contact for a normalized address. A real
// display name replaces whatever name was stored before.
func (s *Store) contactID(ctx context.Context, tx *sqlx.Tx, accountID int64, l contactLink) (int64, error) {
	if id, ok := s.contacts.Get(contactKey(accountID, l.email)); ok && !l.displayName {
		return id, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contacts (account_id, email, name, interaction_count, last_seen)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(account_id, email) DO NOTHING`,
		accountID, l.email, l.addr.Name, s.now()); err != nil {
		return 0, fmt.Errorf("failed to insert contact: %w", err)
	}
	if l.displayName {
		if _, err := tx.ExecContext(ctx,
			"UPDATE contacts SET name = ? WHERE account_id = ? AND email = ? AND name != ?",
			l.addr.Name, accountID, l.email, l.addr.Name); err != nil {
			return 0, fmt.Errorf("failed to update contact name: %w", err)
		}
	}

	var id int64
	if err := tx.GetContext(ctx, &id, "SELECT id FROM contacts WHERE account_id = ? AND email = ?", accountID, l.email); err != nil {
		return 0, fmt.Errorf("failed to get contact ID: %w", err)
	}
	return id, nil
}

func collectLinks(msg *types.MappedMessage) []contactLink {
	var links []contactLink
	add := func(role string, addrs ...types.Address) {
		for _, a := range addrs {
			email := strings.ToLower(strings.TrimSpace(a.Email))
			if email == "" {
				continue
			}
			local := email
			if at := strings.IndexByte(email, '@'); at > 0 {
				local = email[:at]
			}
			links = append(links, contactLink{
				role:        role,
				addr:        a,
				email:       email,
				displayName: a.Name != "" && !strings.EqualFold(a.Name, local),
			})
		}
	}
	if msg.From != nil {
		add(types.RoleFrom, *msg.From)
	}
	add(types.RoleTo, msg.To...)
	add(types.RoleCc, msg.Cc...)
	add(types.RoleBcc, msg.Bcc...)
	add(types.RoleReplyTo, msg.ReplyTo...)
	return links
}
