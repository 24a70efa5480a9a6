package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/events"
	"github.com/brandon/mail-sync/internal/reliability"
	"github.com/brandon/mail-sync/pkg/types"
)

// StatusStore persists per-account sync state one field at a time
type StatusStore interface {
	SetSyncStatus(ctx context.Context, name string, status types.SyncStatus) error
	MarkSyncStarted(ctx context.Context, name string) error
	MarkSynced(ctx context.Context, name string) error
	MarkSyncFailed(ctx context.Context, name, message string) error
	SetLastError(ctx context.Context, name, message string) error
	Reactivate(ctx context.Context, name string) error
}

type accountState struct {
	outstanding int
	started     bool
	errored     bool
	halted      bool
}

// Tracker derives an account's sync status from its outstanding jobs:
// pending when work is queued, syncing once a job starts, synced when the
// last job finishes and error after an unrecoverable failure
type Tracker struct {
	store     StatusStore
	publisher events.Publisher
	limit     int
	logger    *logrus.Logger

	mu       sync.Mutex
	accounts map[string]*accountState
}

// NewTracker creates a tracker; limit bounds stored error text
func NewTracker(store StatusStore, publisher events.Publisher, limit int, logger *logrus.Logger) *Tracker {
	return &Tracker{
		store:     store,
		publisher: publisher,
		limit:     limit,
		logger:    logger,
		accounts:  make(map[string]*accountState),
	}
}

func (t *Tracker) state(account string) *accountState {
	st, ok := t.accounts[account]
	if !ok {
		st = &accountState{}
		t.accounts[account] = st
	}
	return st
}

// Halted reports whether the account stopped after an unrecoverable error
func (t *Tracker) Halted(account string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(account).halted
}

// Outstanding returns the number of unfinished jobs of an account
func (t *Tracker) Outstanding(account string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(account).outstanding
}

// submitted records a queued job. It fails for halted accounts.
func (t *Tracker) submitted(account string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(account)
	if st.halted {
		return ErrAccountHalted
	}
	st.outstanding++
	if st.outstanding == 1 {
		st.started = false
		st.errored = false
		t.setStatus(account, types.StatusPending, "")
	}
	return nil
}

// started records that a job of the account began executing
func (t *Tracker) started(account string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(account)
	if st.started || st.halted {
		return
	}
	st.started = true
	if err := t.store.MarkSyncStarted(context.Background(), account); err != nil {
		t.logger.WithError(err).WithField("account", account).Error("Failed to record sync start")
	}
	t.publish(account, types.StatusSyncing, "")
}

// finished records a job's outcome
func (t *Tracker) finished(job Job, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(job.Account)
	if st.outstanding > 0 {
		st.outstanding--
	}
	ctx := context.Background()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case isFatal(job, err):
		t.halt(job.Account, st, err)
	case st.halted:
		// The error that halted the account stays visible
	default:
		st.errored = true
		msg := reliability.Truncate(err.Error(), t.limit)
		if serr := t.store.SetLastError(ctx, job.Account, msg); serr != nil {
			t.logger.WithError(serr).WithField("account", job.Account).Error("Failed to record sync error")
		}
	}

	if st.outstanding == 0 && !st.halted {
		if err := t.store.MarkSynced(ctx, job.Account); err != nil {
			t.logger.WithError(err).WithField("account", job.Account).Error("Failed to record sync completion")
		}
		if !st.errored {
			if err := t.store.SetLastError(ctx, job.Account, ""); err != nil {
				t.logger.WithError(err).WithField("account", job.Account).Error("Failed to clear sync error")
			}
		}
		st.started = false
		t.publish(job.Account, types.StatusSynced, "")
	}
}

// Fail halts an account after an unrecoverable error found outside a job
func (t *Tracker) Fail(account string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halt(account, t.state(account), err)
}

func (t *Tracker) halt(account string, st *accountState, err error) {
	if st.halted {
		return
	}
	st.halted = true
	msg := reliability.Truncate(err.Error(), t.limit)
	if serr := t.store.MarkSyncFailed(context.Background(), account, msg); serr != nil {
		t.logger.WithError(serr).WithField("account", account).Error("Failed to record sync failure")
	}
	t.publish(account, types.StatusError, msg)
}

// Reactivate clears a halted account so it accepts work again
func (t *Tracker) Reactivate(ctx context.Context, account string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.Reactivate(ctx, account); err != nil {
		return err
	}
	st := t.state(account)
	st.halted = false
	st.errored = false
	t.publish(account, types.StatusIdle, "")
	return nil
}

// isFatal reports errors that stop the whole account: rejected credentials,
// explicitly fatal errors and push-triggered fetches that ran out of retries
func isFatal(job Job, err error) bool {
	if reliability.IsAuth(err) || reliability.KindOf(err) == reliability.KindFatal {
		return true
	}
	return job.FromPush && job.Kind == KindFetchBatch
}

func (t *Tracker) setStatus(account string, status types.SyncStatus, msg string) {
	if err := t.store.SetSyncStatus(context.Background(), account, status); err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"account": account,
			"status":  status,
		}).Error("Failed to record sync status")
	}
	t.publish(account, status, msg)
}

func (t *Tracker) publish(account string, status types.SyncStatus, msg string) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(events.Event{
		Type:    events.TypeAccountStatus,
		Account: account,
		Status:  string(status),
		Error:   msg,
	})
}
