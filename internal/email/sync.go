package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/batch"
	"github.com/brandon/mail-sync/internal/cache"
	"github.com/brandon/mail-sync/internal/config"
	"github.com/brandon/mail-sync/internal/dispatch"
	"github.com/brandon/mail-sync/internal/events"
	"github.com/brandon/mail-sync/internal/mapper"
	"github.com/brandon/mail-sync/internal/reliability"
	"github.com/brandon/mail-sync/pkg/types"
)

// Folder attributes that mark folders which cannot be selected or only
// aggregate other folders
var skippedAttributes = []string{`\Noselect`, `\NonExistent`, `\All`}

// Selectable reports whether a folder holds its own messages
func Selectable(f types.Folder) bool {
	for _, attr := range f.Attributes {
		for _, skip := range skippedAttributes {
			if strings.EqualFold(attr, skip) {
				return false
			}
		}
	}
	return true
}

// Synchronizer reconciles the local store with remote folders. It handles
// dispatcher jobs and submits follow-up work through jobs.
type Synchronizer struct {
	accounts  *Accounts
	pool      *Pool
	store     *cache.Store
	jobs      dispatch.Enqueuer
	publisher events.Publisher
	limits    batch.Limits
	logger    *logrus.Logger
}

// NewSynchronizer creates a synchronizer
func NewSynchronizer(accounts *Accounts, pool *Pool, store *cache.Store, jobs dispatch.Enqueuer, publisher events.Publisher, limits batch.Limits, logger *logrus.Logger) *Synchronizer {
	return &Synchronizer{
		accounts:  accounts,
		pool:      pool,
		store:     store,
		jobs:      jobs,
		publisher: publisher,
		limits:    limits,
		logger:    logger,
	}
}

// Handle executes one job
func (s *Synchronizer) Handle(ctx context.Context, job dispatch.Job) error {
	acct, err := s.accounts.Get(job.Account)
	if err != nil {
		return reliability.Fatal("resolve account", err)
	}
	accountID, err := s.store.GetAccountID(ctx, acct.Name)
	if err != nil {
		return reliability.Fatal("resolve account", err)
	}

	switch job.Kind {
	case dispatch.KindFullSync:
		return s.fullSync(ctx, acct, accountID, job.Full)
	case dispatch.KindReconcileFolder:
		return s.reconcile(ctx, acct, accountID, job.Folder, job.Full, false)
	case dispatch.KindReconcileOnPush:
		return s.reconcile(ctx, acct, accountID, job.Folder, false, true)
	case dispatch.KindFetchBatch:
		return s.fetchBatch(ctx, acct, accountID, job)
	default:
		return reliability.Fatal("dispatch", fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// withSession runs fn on a pooled session. Sessions that failed at the
// connection level are discarded instead of returned to the pool.
func (s *Synchronizer) withSession(ctx context.Context, acct *config.AccountConfig, fn func(Session) error) error {
	lease, err := s.pool.Acquire(ctx, acct)
	if err != nil {
		return err
	}
	err = fn(lease.Session)
	if err != nil && reliability.IsConnectionError(err) {
		lease.Discard()
		return err
	}
	lease.Release()
	return err
}

func (s *Synchronizer) fullSync(ctx context.Context, acct *config.AccountConfig, accountID int64, full bool) error {
	var folders []types.Folder
	err := s.withSession(ctx, acct, func(sess Session) error {
		var err error
		folders, err = sess.ListFolders()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	var jobs []dispatch.Job
	for _, f := range folders {
		if !Selectable(f) {
			s.logger.WithFields(logrus.Fields{
				"account":    acct.Name,
				"folder":     f.Path,
				"attributes": f.Attributes,
			}).Debug("Skipping folder")
			continue
		}
		if _, err := s.store.UpsertFolder(ctx, accountID, f); err != nil {
			return err
		}
		job := dispatch.NewJob(dispatch.KindReconcileFolder, acct.Name, f.Path)
		job.Full = full
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		if err := s.jobs.Submit(job); err != nil {
			return fmt.Errorf("failed to submit %s: %w", job, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"account": acct.Name,
		"folders": len(jobs),
		"full":    full,
	}).Info("Dispatched folder reconciliation")
	return nil
}

// diffUIDs splits remote UIDs into ones to fetch and ones already stored.
// In full mode every remote UID is fetched.
func diffUIDs(remote, local []uint32, full bool) (fetch, existing []uint32) {
	if full {
		return remote, nil
	}
	known := make(map[uint32]struct{}, len(local))
	for _, uid := range local {
		known[uid] = struct{}{}
	}
	for _, uid := range remote {
		if _, ok := known[uid]; ok {
			existing = append(existing, uid)
		} else {
			fetch = append(fetch, uid)
		}
	}
	return fetch, existing
}

func (s *Synchronizer) reconcile(ctx context.Context, acct *config.AccountConfig, accountID int64, folder string, full, fromPush bool) error {
	log := s.logger.WithFields(logrus.Fields{
		"account": acct.Name,
		"folder":  folder,
	})

	var (
		remote, local, targets []uint32
		sizes                  map[uint32]uint32
		flagUpdates            int
	)
	err := s.withSession(ctx, acct, func(sess Session) error {
		status, err := sess.SelectFolder(folder)
		if err != nil {
			return reliability.Folder(folder, err)
		}

		state, err := s.store.RecordFolderState(ctx, accountID, folder, status)
		if err != nil {
			return err
		}
		if state.Reset(status.UidValidity) {
			log.WithFields(logrus.Fields{
				"previous": state.PreviousValidity,
				"current":  status.UidValidity,
				"purged":   state.Purged,
			}).Warn("UIDVALIDITY changed, refetching folder")
			full = true
		}

		remote, err = sess.ListUIDs()
		if err != nil {
			return reliability.Folder(folder, err)
		}
		local, err = s.store.ListUIDs(ctx, accountID, folder)
		if err != nil {
			return err
		}

		var existing []uint32
		targets, existing = diffUIDs(remote, local, full)
		if len(existing) > 0 {
			flagUpdates, err = s.refreshFlags(ctx, sess, accountID, acct.Name, folder, existing)
			if err != nil {
				return err
			}
		}
		if len(targets) > 0 {
			sizes, err = sess.FetchSizes(targets)
			if err != nil {
				return reliability.Folder(folder, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	items := make([]batch.Item, 0, len(targets))
	var total int64
	for _, uid := range targets {
		size, ok := sizes[uid]
		if !ok {
			// expunged since the UID listing
			continue
		}
		items = append(items, batch.Item{UID: uid, Size: int64(size)})
		total += int64(size)
	}
	batches := batch.Plan(items, s.limits)

	for _, b := range batches {
		job := dispatch.NewJob(dispatch.KindFetchBatch, acct.Name, folder)
		job.UIDs = b.UIDs()
		job.FromPush = fromPush
		if err := s.jobs.Submit(job); err != nil {
			return fmt.Errorf("failed to submit %s: %w", job, err)
		}
	}

	log.WithFields(logrus.Fields{
		"remote":  len(remote),
		"local":   len(local),
		"fetch":   len(items),
		"flags":   flagUpdates,
		"batches": len(batches),
		"bytes":   humanize.Bytes(uint64(total)),
		"full":    full,
		"push":    fromPush,
	}).Info("Reconciled folder")
	return nil
}

// refreshFlags updates stored flags of already synced messages without
// fetching their content
func (s *Synchronizer) refreshFlags(ctx context.Context, sess Session, accountID int64, account, folder string, uids []uint32) (int, error) {
	flags, err := sess.FetchFlags(uids)
	if err != nil {
		return 0, reliability.Folder(folder, err)
	}
	updated := 0
	for _, uid := range uids {
		fl, ok := flags[uid]
		if !ok {
			continue
		}
		changed, err := s.store.UpdateFlags(ctx, accountID, folder, uid, mapper.MapFlags(fl))
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
			s.publish(events.TypeMessageUpdated, account, folder, uid, 0)
		}
	}
	return updated, nil
}

func (s *Synchronizer) fetchBatch(ctx context.Context, acct *config.AccountConfig, accountID int64, job dispatch.Job) error {
	if len(job.UIDs) == 0 {
		return nil
	}

	var raws []*types.RawMessage
	err := s.withSession(ctx, acct, func(sess Session) error {
		if _, err := sess.SelectFolder(job.Folder); err != nil {
			return reliability.Folder(job.Folder, err)
		}
		var err error
		raws, err = sess.FetchMessages(job.UIDs)
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := s.logger.WithFields(logrus.Fields{
		"account": acct.Name,
		"folder":  job.Folder,
	})
	var created, updated, skipped int
	for _, raw := range raws {
		msg, err := mapper.Map(raw, acct.Address())
		if err != nil {
			skipped++
			log.WithError(err).WithField("uid", raw.UID).Warn("Skipping unmappable message")
			continue
		}
		res, err := s.store.SaveMessage(ctx, accountID, job.Folder, raw.UID, msg)
		if err != nil {
			return fmt.Errorf("failed to save uid %d: %w", raw.UID, err)
		}
		switch {
		case res.Created:
			created++
			s.publish(events.TypeMessageCreated, acct.Name, job.Folder, raw.UID, res.ID)
		case res.Changed:
			updated++
			s.publish(events.TypeMessageUpdated, acct.Name, job.Folder, raw.UID, res.ID)
		}
	}

	if skipped > 0 {
		if err := s.store.IncrementSkipped(ctx, acct.Name, skipped); err != nil {
			return err
		}
	}

	log.WithFields(logrus.Fields{
		"requested": len(job.UIDs),
		"fetched":   len(raws),
		"created":   created,
		"updated":   updated,
		"skipped":   skipped,
	}).Debug("Stored batch")
	return nil
}

func (s *Synchronizer) publish(t events.Type, account, folder string, uid uint32, id int64) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(events.Event{
		Type:      t,
		Account:   account,
		Folder:    folder,
		UID:       uid,
		MessageID: id,
	})
}

// SetFlags adds or removes flags on a stored message, on the server first
// and then locally from the flags the server reports back
func (s *Synchronizer) SetFlags(ctx context.Context, id int64, names []string, add bool) (*types.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	acct, err := s.accounts.Get(msg.AccountName)
	if err != nil {
		return nil, err
	}
	flags, err := mapper.ProtocolFlags(names)
	if err != nil {
		return nil, err
	}

	var current []string
	err = s.withSession(ctx, acct, func(sess Session) error {
		if _, err := sess.SelectFolder(msg.Folder); err != nil {
			return reliability.Folder(msg.Folder, err)
		}
		if err := sess.StoreFlags(msg.UID, flags, add); err != nil {
			return fmt.Errorf("failed to store flags: %w", err)
		}
		fetched, err := sess.FetchFlags([]uint32{msg.UID})
		if err != nil {
			return fmt.Errorf("failed to fetch flags: %w", err)
		}
		current = fetched[msg.UID]
		return nil
	})
	if err != nil {
		return nil, err
	}

	changed, err := s.store.UpdateFlags(ctx, msg.AccountID, msg.Folder, msg.UID, mapper.MapFlags(current))
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(events.TypeMessageUpdated, acct.Name, msg.Folder, msg.UID, msg.ID)
	}
	return s.store.GetMessage(ctx, id)
}

// MoveEmail moves a stored message to another folder. The message's UID in
// the destination is found by its Message-ID. When it cannot be found the
// local row is dropped and the destination is reconciled instead, in which
// case the returned message is nil.
func (s *Synchronizer) MoveEmail(ctx context.Context, id int64, dest string) (*types.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Folder == dest {
		return msg, nil
	}
	acct, err := s.accounts.Get(msg.AccountName)
	if err != nil {
		return nil, err
	}

	var newUID uint32
	err = s.withSession(ctx, acct, func(sess Session) error {
		if _, err := sess.SelectFolder(msg.Folder); err != nil {
			return reliability.Folder(msg.Folder, err)
		}
		if err := sess.Move(msg.UID, dest); err != nil {
			return fmt.Errorf("failed to move message: %w", err)
		}
		if msg.MessageID == "" {
			return nil
		}
		if _, err := sess.SelectFolder(dest); err != nil {
			return reliability.Folder(dest, err)
		}
		uid, err := sess.FindUIDByMessageID(msg.MessageID)
		if err != nil && !errors.Is(err, ErrMessageNotFound) {
			return fmt.Errorf("failed to locate moved message: %w", err)
		}
		newUID = uid
		return nil
	})
	if err != nil {
		return nil, err
	}

	if newUID == 0 {
		s.logger.WithFields(logrus.Fields{
			"account": acct.Name,
			"folder":  dest,
			"id":      id,
		}).Warn("Moved message not found in destination, reconciling folder")
		if err := s.store.DeleteMessage(ctx, id); err != nil {
			return nil, err
		}
		if err := s.jobs.Submit(dispatch.NewJob(dispatch.KindReconcileFolder, acct.Name, dest)); err != nil {
			return nil, fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
		return nil, nil
	}

	if err := s.store.MoveMessage(ctx, id, dest, newUID); err != nil {
		return nil, err
	}
	moved, err := s.store.FindMessage(ctx, msg.AccountID, dest, newUID)
	if err != nil {
		return nil, err
	}
	s.publish(events.TypeMessageUpdated, acct.Name, dest, newUID, moved.ID)
	return moved, nil
}
