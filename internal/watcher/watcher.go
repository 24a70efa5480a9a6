// Package watcher keeps one push-notification loop per active account and
// turns server change notifications into reconcile jobs.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/config"
	"github.com/brandon/mail-sync/internal/dispatch"
	"github.com/brandon/mail-sync/internal/email"
	"github.com/brandon/mail-sync/internal/reliability"
)

// State is a watcher's position in its loop
type State int

const (
	StateConnecting State = iota
	StateSelected
	StateWaiting
	StateExitWait
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSelected:
		return "selected"
	case StateWaiting:
		return "waiting"
	case StateExitWait:
		return "exit_wait"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Watcher waits for changes on one folder of one account over a dedicated
// session. It keeps the set of UIDs it has already seen and submits a single
// reconcile job whenever new UIDs appear.
type Watcher struct {
	acct        *config.AccountConfig
	folder      string
	opener      email.Opener
	jobs        dispatch.Enqueuer
	policy      reliability.Policy
	idleTimeout time.Duration
	logger      *logrus.Entry

	mu       sync.Mutex
	state    State
	known    map[uint32]struct{}
	baseline bool
}

// New creates a watcher
func New(acct *config.AccountConfig, folder string, opener email.Opener, jobs dispatch.Enqueuer, policy reliability.Policy, idleTimeout time.Duration, logger *logrus.Logger) *Watcher {
	return &Watcher{
		acct:        acct,
		folder:      folder,
		opener:      opener,
		jobs:        jobs,
		policy:      policy,
		idleTimeout: idleTimeout,
		logger: logger.WithFields(logrus.Fields{
			"account": acct.Name,
			"folder":  folder,
		}),
		known: make(map[uint32]struct{}),
	}
}

// State returns the current state
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run watches until ctx is done. Connection failures are retried following
// the reconnect policy; authentication failures end the loop.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.setState(StateStopped)

	b := w.policy.NewBackOff()
	for {
		err := w.watch(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		if reliability.IsAuth(err) {
			w.logger.WithError(err).Error("Watcher stopped: authentication failed")
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			w.logger.WithError(err).Error("Watcher giving up after repeated failures")
			return err
		}
		w.logger.WithError(err).WithField("retry", wait.String()).Warn("Watcher connection lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// watch runs one session from connect to failure or cancellation
func (w *Watcher) watch(ctx context.Context, connected func()) error {
	w.setState(StateConnecting)
	sess, err := w.opener.Connect(ctx, w.acct)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			w.logger.WithError(err).Debug("Error closing watcher session")
		}
	}()

	if _, err := sess.SelectFolder(w.folder); err != nil {
		return reliability.Folder(w.folder, err)
	}
	uids, err := sess.ListUIDs()
	if err != nil {
		return err
	}
	w.setState(StateSelected)
	connected()
	w.observe(uids)

	for {
		w.setState(StateWaiting)
		result, err := sess.Idle(ctx, w.idleTimeout)
		w.setState(StateExitWait)
		if err != nil {
			return err
		}
		if result == email.WaitCancelled || ctx.Err() != nil {
			return nil
		}

		// Some servers only announce part of a change, so the folder is
		// listed again after timeouts as well as events
		uids, err := sess.ListUIDs()
		if err != nil {
			return err
		}
		w.logger.WithFields(logrus.Fields{
			"result": result.String(),
			"uids":   len(uids),
		}).Debug("Wait finished")
		w.observe(uids)
	}
}

// observe replaces the known set with uids and submits one reconcile job
// when any of them were not known before. The first listing only sets the
// baseline; later listings, including the first after a reconnect, are
// compared against it.
func (w *Watcher) observe(uids []uint32) {
	w.mu.Lock()
	fresh := 0
	next := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		next[uid] = struct{}{}
		if _, ok := w.known[uid]; !ok {
			fresh++
		}
	}
	first := !w.baseline
	w.known = next
	w.baseline = true
	w.mu.Unlock()

	if first || fresh == 0 {
		return
	}
	job := dispatch.NewJob(dispatch.KindReconcileOnPush, w.acct.Name, w.folder)
	if err := w.jobs.Submit(job); err != nil {
		w.logger.WithError(err).Warn("Failed to submit push reconciliation")
		return
	}
	w.logger.WithFields(logrus.Fields{
		"new": fresh,
		"job": job.ID,
	}).Info("New messages detected")
}

// Known returns the number of UIDs the watcher has seen
func (w *Watcher) Known() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.known)
}
