package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/config"
	"github.com/brandon/mail-sync/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

const contactCacheSize = 4096

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache     *Cache
	files     *FileStorage
	logger    *logrus.Logger
	contacts  *lru.Cache[string, int64]
	dedupKeys []DedupKeyFunc
	now       func() time.Time
}

// NewStore creates a new store instance. files may be nil when attachment
// payloads are not kept.
func NewStore(cache *Cache, files *FileStorage, logger *logrus.Logger) *Store {
	contacts, _ := lru.New[string, int64](contactCacheSize)
	return &Store{
		cache:     cache,
		files:     files,
		logger:    logger,
		contacts:  contacts,
		dedupKeys: DefaultDedupKeys,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UpsertAccount records an account's connection details. Sync state columns
// are left untouched on conflict.
func (s *Store) UpsertAccount(ctx context.Context, acc *config.AccountConfig) (int64, error) {
	query := `
		INSERT INTO accounts (name, email, imap_host, imap_port, imap_username, tls_mode, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			email = excluded.email,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_username = excluded.imap_username,
			tls_mode = excluded.tls_mode,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	now := s.now()
	_, err := s.cache.DB().ExecContext(ctx, query,
		acc.Name, acc.Address(), acc.IMAPHost, acc.IMAPPort, acc.IMAPUsername, acc.TLSMode, acc.Active, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}
	return s.GetAccountID(ctx, acc.Name)
}

// GetAccountID returns the account ID by name
func (s *Store) GetAccountID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.cache.DB().GetContext(ctx, &id, "SELECT id FROM accounts WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get account ID: %w", err)
	}
	return id, nil
}

// ActiveAccountNames returns accounts that should have a running watcher:
// active and not halted by an unrecoverable error
func (s *Store) ActiveAccountNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.cache.DB().SelectContext(ctx, &names,
		"SELECT name FROM accounts WHERE active = 1 AND sync_status != ? ORDER BY name", types.StatusError)
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	return names, nil
}

// SetSyncStatus writes only the sync_status column
func (s *Store) SetSyncStatus(ctx context.Context, name string, status types.SyncStatus) error {
	return s.updateAccount(ctx, name, "sync_status = ?", status)
}

// MarkSyncStarted moves an account to syncing and stamps the start time
func (s *Store) MarkSyncStarted(ctx context.Context, name string) error {
	return s.updateAccount(ctx, name, "sync_status = ?, last_sync_started = ?", types.StatusSyncing, s.now())
}

// MarkSynced records a completed sync. The last error is kept.
func (s *Store) MarkSynced(ctx context.Context, name string) error {
	return s.updateAccount(ctx, name, "sync_status = ?, last_sync = ?", types.StatusSynced, s.now())
}

// MarkSyncFailed halts an account with an error description
func (s *Store) MarkSyncFailed(ctx context.Context, name, message string) error {
	return s.updateAccount(ctx, name, "sync_status = ?, last_sync_error = ?", types.StatusError, message)
}

// SetLastError records a non-fatal error without changing the status
func (s *Store) SetLastError(ctx context.Context, name, message string) error {
	return s.updateAccount(ctx, name, "last_sync_error = ?", message)
}

// IncrementSkipped adds n to the count of messages that could not be mapped
func (s *Store) IncrementSkipped(ctx context.Context, name string, n int) error {
	return s.updateAccount(ctx, name, "skipped_count = skipped_count + ?", n)
}

// Reactivate clears an error state so the account is picked up again
func (s *Store) Reactivate(ctx context.Context, name string) error {
	return s.updateAccount(ctx, name, "active = 1, sync_status = ?, last_sync_error = ''", types.StatusIdle)
}

// updateAccount applies a single-row UPDATE limited to the given columns
func (s *Store) updateAccount(ctx context.Context, name, set string, args ...interface{}) error {
	query := "UPDATE accounts SET " + set + ", updated_at = ? WHERE name = ?"
	args = append(args, s.now(), name)
	result, err := s.cache.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", name, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %s: %w", name, ErrNotFound)
	}
	return nil
}

// GetAccountStatus returns the stored sync state of one account
func (s *Store) GetAccountStatus(ctx context.Context, name string) (*types.AccountStatus, error) {
	var st types.AccountStatus
	err := s.cache.DB().GetContext(ctx, &st, `
		SELECT name, email, active, sync_status, last_sync, last_sync_started, last_sync_error, skipped_count
		FROM accounts WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account status: %w", err)
	}
	return &st, nil
}

// ListAccountStatuses returns the sync state of every account
func (s *Store) ListAccountStatuses(ctx context.Context) ([]types.AccountStatus, error) {
	var out []types.AccountStatus
	err := s.cache.DB().SelectContext(ctx, &out, `
		SELECT name, email, active, sync_status, last_sync, last_sync_started, last_sync_error, skipped_count
		FROM accounts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list account statuses: %w", err)
	}
	return out, nil
}

// UpsertFolder upserts a folder in the cache
func (s *Store) UpsertFolder(ctx context.Context, accountID int64, folder types.Folder) (int64, error) {
	attrs, err := json.Marshal(nonNil(folder.Attributes))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal folder attributes: %w", err)
	}
	query := `
		INSERT INTO folders (account_id, name, path, delimiter, attributes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			name = excluded.name,
			delimiter = excluded.delimiter,
			attributes = excluded.attributes
	`
	if _, err := s.cache.DB().ExecContext(ctx, query, accountID, folder.Name, folder.Path, folder.Delimiter, string(attrs)); err != nil {
		return 0, fmt.Errorf("failed to upsert folder: %w", err)
	}

	var id int64
	if err := s.cache.DB().GetContext(ctx, &id, "SELECT id FROM folders WHERE account_id = ? AND path = ?", accountID, folder.Path); err != nil {
		return 0, fmt.Errorf("failed to get folder ID: %w", err)
	}
	return id, nil
}

// FolderState is the outcome of recording a selected folder's counters
type FolderState struct {
	// PreviousValidity is the UIDVALIDITY recorded before, 0 when unknown
	PreviousValidity uint32
	// Purged counts the stored messages dropped because UIDVALIDITY changed
	Purged int64
}

// Reset reports whether the folder's stored UIDs were invalidated
func (f FolderState) Reset(current uint32) bool {
	return f.PreviousValidity != 0 && f.PreviousValidity != current
}

// RecordFolderState stores the selected folder's counters. When the server's
// UIDVALIDITY differs from the recorded one the folder's messages are purged
// in the same transaction, so a failed purge leaves the old value in place
// and the next run retries it.
func (s *Store) RecordFolderState(ctx context.Context, accountID int64, path string, status *types.FolderStatus) (FolderState, error) {
	var state FolderState

	tx, err := s.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return state, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	err = tx.GetContext(ctx, &state.PreviousValidity,
		"SELECT uid_validity FROM folders WHERE account_id = ? AND path = ?", accountID, path)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return state, fmt.Errorf("failed to read folder state: %w", err)
	}

	var purged []int64
	if state.Reset(status.UidValidity) {
		if err := tx.SelectContext(ctx, &purged,
			"SELECT id FROM messages WHERE account_id = ? AND folder = ?", accountID, path); err != nil {
			return state, fmt.Errorf("failed to list folder messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE account_id = ? AND folder = ?", accountID, path); err != nil {
			return state, fmt.Errorf("failed to purge folder: %w", err)
		}
		state.Purged = int64(len(purged))
	}

	query := `
		INSERT INTO folders (account_id, name, path, message_count, uid_validity, uid_next, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			message_count = excluded.message_count,
			uid_validity = excluded.uid_validity,
			uid_next = excluded.uid_next,
			last_synced = excluded.last_synced
	`
	_, err = tx.ExecContext(ctx, query,
		accountID, path, path, status.Messages, status.UidValidity, status.UidNext, s.now())
	if err != nil {
		return state, fmt.Errorf("failed to record folder state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return state, fmt.Errorf("failed to commit folder state: %w", err)
	}

	if s.files != nil {
		for _, id := range purged {
			if err := s.files.RemoveMessage(accountID, id); err != nil {
				s.logger.WithError(err).WithField("message_id", id).Warn("Failed to remove attachment payloads")
			}
		}
	}
	return state, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func contactKey(accountID int64, email string) string {
	return strconv.FormatInt(accountID, 10) + "|" + email
}
