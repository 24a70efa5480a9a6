package cache

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-sync/pkg/types"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &Cache{db: sqlx.NewDb(db, "sqlmock"), logger: testLogger()}
	return NewStore(c, nil, testLogger()), mock
}

func TestStatusWrites_TouchOnlyTheirColumns(t *testing.T) {
	tests := []struct {
		name  string
		query string
		args  []driver.Value
		call  func(s *Store) error
	}{
		{
			name:  "sync status",
			query: "UPDATE accounts SET sync_status = ?, updated_at = ? WHERE name = ?",
			args:  []driver.Value{"pending", sqlmock.AnyArg(), "work"},
			call:  func(s *Store) error { return s.SetSyncStatus(context.Background(), "work", types.StatusPending) },
		},
		{
			name:  "last error",
			query: "UPDATE accounts SET last_sync_error = ?, updated_at = ? WHERE name = ?",
			args:  []driver.Value{"folder Junk: closed", sqlmock.AnyArg(), "work"},
			call:  func(s *Store) error { return s.SetLastError(context.Background(), "work", "folder Junk: closed") },
		},
		{
			name:  "skipped counter",
			query: "UPDATE accounts SET skipped_count = skipped_count + ?, updated_at = ? WHERE name = ?",
			args:  []driver.Value{int64(3), sqlmock.AnyArg(), "work"},
			call:  func(s *Store) error { return s.IncrementSkipped(context.Background(), "work", 3) },
		},
		{
			name:  "synced",
			query: "UPDATE accounts SET sync_status = ?, last_sync = ?, updated_at = ? WHERE name = ?",
			args:  []driver.Value{"synced", sqlmock.AnyArg(), sqlmock.AnyArg(), "work"},
			call:  func(s *Store) error { return s.MarkSynced(context.Background(), "work") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			store, mock := newMockStore(t)
			mock.ExpectExec(regexp.QuoteMeta(tt.query)).
				WithArgs(tt.args...).
				WillReturnResult(sqlmock.NewResult(0, 1))

			// Act
			err := tt.call(store)

			// Assert
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStatusWrites_PropagateDriverErrors(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET sync_status = ?")).
		WillReturnError(errors.New("database is locked"))

	err := store.MarkSyncFailed(context.Background(), "work", "boom")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}
