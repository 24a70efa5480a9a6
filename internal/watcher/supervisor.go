package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/dispatch"
	"github.com/brandon/mail-sync/internal/email"
	"github.com/brandon/mail-sync/internal/reliability"
)

// AccountSource lists the accounts that should be watched
type AccountSource interface {
	ActiveAccountNames(ctx context.Context) ([]string, error)
}

// Failer records an account-level failure
type Failer interface {
	Fail(account string, err error)
}

// Options configures a supervisor
type Options struct {
	Folder      string
	IdleTimeout time.Duration
	Interval    time.Duration
	Reconnect   reliability.Policy
}

type running struct {
	watcher *Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// Supervisor owns the connection pool and one watcher per active account.
// On every tick it starts watchers for new accounts, stops watchers for
// accounts that went away and restarts watchers that exited.
type Supervisor struct {
	accounts *email.Accounts
	source   AccountSource
	opener   email.Opener
	pool     *email.Pool
	jobs     dispatch.Enqueuer
	failer   Failer
	opts     Options
	logger   *logrus.Logger

	mu       sync.Mutex
	watchers map[string]*running
	trigger  chan struct{}
}

// NewSupervisor creates a supervisor
func NewSupervisor(accounts *email.Accounts, source AccountSource, opener email.Opener, pool *email.Pool, jobs dispatch.Enqueuer, failer Failer, opts Options, logger *logrus.Logger) *Supervisor {
	if opts.Folder == "" {
		opts.Folder = "INBOX"
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Supervisor{
		accounts: accounts,
		source:   source,
		opener:   opener,
		pool:     pool,
		jobs:     jobs,
		failer:   failer,
		opts:     opts,
		logger:   logger,
		watchers: make(map[string]*running),
		trigger:  make(chan struct{}, 1),
	}
}

// Run supervises watchers until ctx is done, then stops them and closes
// the pool
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			if s.pool != nil {
				s.pool.Close()
			}
			s.logger.Info("Supervisor stopped")
			return nil
		case <-ticker.C:
			s.reconcile(ctx)
		case <-s.trigger:
			s.reconcile(ctx)
		}
	}
}

// Refresh asks for an immediate reconciliation of the watcher set
func (s *Supervisor) Refresh() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	names, err := s.source.ActiveAccountNames(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list active accounts")
		return
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}

	s.mu.Lock()
	stop := make(map[string]*running)
	for name, r := range s.watchers {
		switch {
		case !want[name]:
			stop[name] = r
			delete(s.watchers, name)
			s.logger.WithField("account", name).Info("Stopping watcher")
		case exited(r):
			r.cancel()
			delete(s.watchers, name)
			s.logger.WithField("account", name).Warn("Restarting watcher")
		}
	}
	for _, name := range names {
		if _, ok := s.watchers[name]; ok {
			continue
		}
		acct, err := s.accounts.Get(name)
		if err != nil {
			s.logger.WithError(err).WithField("account", name).Warn("Active account has no configuration")
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		r := &running{
			watcher: New(acct, s.opts.Folder, s.opener, s.jobs, s.opts.Reconnect, s.opts.IdleTimeout, s.logger),
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		s.watchers[name] = r
		go s.run(wctx, name, r)
		s.logger.WithField("account", name).Info("Started watcher")
	}
	s.mu.Unlock()

	for name, r := range stop {
		r.cancel()
		<-r.done
		if s.pool != nil {
			s.pool.CloseAccount(name)
		}
	}
}

func (s *Supervisor) run(ctx context.Context, name string, r *running) {
	defer close(r.done)
	err := r.watcher.Run(ctx)
	if err != nil && reliability.IsAuth(err) && s.failer != nil {
		s.failer.Fail(name, err)
	}
}

func exited(r *running) bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	all := make([]*running, 0, len(s.watchers))
	for name, r := range s.watchers {
		all = append(all, r)
		delete(s.watchers, name)
	}
	s.mu.Unlock()

	for _, r := range all {
		r.cancel()
	}
	for _, r := range all {
		<-r.done
	}
}

// Watching returns the accounts with a running watcher, sorted
func (s *Supervisor) Watching() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.watchers))
	for name, r := range s.watchers {
		if !exited(r) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// States reports each watcher's state
func (s *Supervisor) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.watchers))
	for name, r := range s.watchers {
		out[name] = r.watcher.State()
	}
	return out
}
