package email

import (
	"context"
	"time"

	"github.com/brandon/mail-sync/internal/config"
	"github.com/brandon/mail-sync/pkg/types"
)

// WaitResult reports why a push wait ended
type WaitResult int

const (
	// WaitEvent means the server reported a change in the selected folder
	WaitEvent WaitResult = iota
	// WaitTimeout means the wait timeout elapsed without a change
	WaitTimeout
	// WaitCancelled means the caller's context was cancelled
	WaitCancelled
)

func (r WaitResult) String() string {
	switch r {
	case WaitEvent:
		return "event"
	case WaitTimeout:
		return "timeout"
	case WaitCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Session is one authenticated connection to an account's mail server. A
// session is used by one goroutine at a time.
type Session interface {
	// ID identifies the session in logs
	ID() string
	// Noop checks that the connection is still usable
	Noop() error
	ListFolders() ([]types.Folder, error)
	SelectFolder(name string) (*types.FolderStatus, error)
	// ListUIDs returns every UID of the selected folder
	ListUIDs() ([]uint32, error)
	FetchSizes(uids []uint32) (map[uint32]uint32, error)
	FetchMessages(uids []uint32) ([]*types.RawMessage, error)
	FetchFlags(uids []uint32) (map[uint32][]string, error)
	// StoreFlags adds or removes flags on a message of the selected folder
	StoreFlags(uid uint32, flags []string, add bool) error
	// Move moves a message of the selected folder to dest
	Move(uid uint32, dest string) error
	// FindUIDByMessageID searches the selected folder by Message-ID header
	FindUIDByMessageID(messageID string) (uint32, error)
	// Idle waits for a change notification on the selected folder
	Idle(ctx context.Context, timeout time.Duration) (WaitResult, error)
	Close() error
}

// Dialer opens authenticated sessions
type Dialer interface {
	Dial(ctx context.Context, acct *config.AccountConfig, password string) (Session, error)
}
