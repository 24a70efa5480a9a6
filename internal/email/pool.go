package email

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/brandon/mail-sync/internal/config"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("connection pool closed")

// Opener opens a new session for an account
type Opener interface {
	Connect(ctx context.Context, acct *config.AccountConfig) (Session, error)
}

// Pool bounds and reuses sessions per account
type Pool struct {
	opener      Opener
	maxPer      int64
	idleTimeout time.Duration
	logger      *logrus.Logger
	now         func() time.Time

	mu       sync.Mutex
	accounts map[string]*accountPool
	closed   bool
}

type accountPool struct {
	slots  *semaphore.Weighted
	idle   []idleSession
	leased map[Session]bool
}

type idleSession struct {
	session  Session
	returned time.Time
}

// Lease is a session checked out of the pool. Exactly one of Release or
// Discard must be called.
type Lease struct {
	Session
	pool    *Pool
	account string
	once    sync.Once
}

// Release returns the session to the pool
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.account, l.Session, true) })
}

// Discard closes the session and frees its slot
func (l *Lease) Discard() {
	l.once.Do(func() { l.pool.release(l.account, l.Session, false) })
}

// NewPool creates a pool holding at most maxPerAccount sessions per account.
// Sessions idle for at least idleTimeout are health checked before reuse.
func NewPool(opener Opener, maxPerAccount int, idleTimeout time.Duration, logger *logrus.Logger) *Pool {
	if maxPerAccount < 1 {
		maxPerAccount = 1
	}
	return &Pool{
		opener:      opener,
		maxPer:      int64(maxPerAccount),
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
		accounts:    make(map[string]*accountPool),
	}
}

func (p *Pool) account(name string) (*accountPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	ap, ok := p.accounts[name]
	if !ok {
		ap = &accountPool{
			slots:  semaphore.NewWeighted(p.maxPer),
			leased: make(map[Session]bool),
		}
		p.accounts[name] = ap
	}
	return ap, nil
}

// Acquire returns a usable session for the account, waiting while the
// account is at capacity
func (p *Pool) Acquire(ctx context.Context, acct *config.AccountConfig) (*Lease, error) {
	ap, err := p.account(acct.Name)
	if err != nil {
		return nil, err
	}
	if err := ap.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		s, returned, ok, err := p.popIdle(ap)
		if err != nil {
			ap.slots.Release(1)
			return nil, err
		}
		if !ok {
			break
		}
		if p.now().Sub(returned) >= p.idleTimeout {
			if err := s.Noop(); err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"account": acct.Name,
					"session": s.ID(),
				}).Debug("Evicting stale pooled session")
				s.Close() //nolint:errcheck
				p.forget(ap, s)
				continue
			}
		}
		return &Lease{Session: s, pool: p, account: acct.Name}, nil
	}

	s, err := p.opener.Connect(ctx, acct)
	if err != nil {
		ap.slots.Release(1)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Close() //nolint:errcheck
		ap.slots.Release(1)
		return nil, ErrPoolClosed
	}
	ap.leased[s] = true
	p.mu.Unlock()

	return &Lease{Session: s, pool: p, account: acct.Name}, nil
}

func (p *Pool) popIdle(ap *accountPool) (Session, time.Time, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, time.Time{}, false, ErrPoolClosed
	}
	n := len(ap.idle)
	if n == 0 {
		return nil, time.Time{}, false, nil
	}
	last := ap.idle[n-1]
	ap.idle = ap.idle[:n-1]
	ap.leased[last.session] = true
	return last.session, last.returned, true, nil
}

func (p *Pool) forget(ap *accountPool, s Session) {
	p.mu.Lock()
	delete(ap.leased, s)
	p.mu.Unlock()
}

func (p *Pool) release(account string, s Session, reuse bool) {
	p.mu.Lock()
	ap := p.accounts[account]
	if ap == nil {
		p.mu.Unlock()
		s.Close() //nolint:errcheck
		return
	}
	delete(ap.leased, s)
	keep := reuse && !p.closed
	if keep {
		ap.idle = append(ap.idle, idleSession{session: s, returned: p.now()})
	}
	p.mu.Unlock()

	if !keep {
		s.Close() //nolint:errcheck
	}
	ap.slots.Release(1)
}

// CloseAccount closes the idle sessions of one account
func (p *Pool) CloseAccount(name string) {
	p.mu.Lock()
	ap := p.accounts[name]
	var idle []idleSession
	if ap != nil {
		idle = ap.idle
		ap.idle = nil
	}
	p.mu.Unlock()

	for _, is := range idle {
		is.session.Close() //nolint:errcheck
	}
}

// Close closes every session, including ones currently leased. Leases
// released afterwards are discarded.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var sessions []Session
	for _, ap := range p.accounts {
		for _, is := range ap.idle {
			sessions = append(sessions, is.session)
		}
		ap.idle = nil
		for s := range ap.leased {
			sessions = append(sessions, s)
		}
	}
	p.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			p.logger.WithError(err).WithField("session", s.ID()).Debug("Error closing session")
		}
	}
	p.logger.WithField("sessions", len(sessions)).Info("Connection pool closed")
}

// PoolStats counts an account's sessions
type PoolStats struct {
	Idle   int `json:"idle"`
	Leased int `json:"leased"`
}

// Stats reports idle and leased sessions per account
func (p *Pool) Stats() map[string]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PoolStats, len(p.accounts))
	for name, ap := range p.accounts {
		out[name] = PoolStats{Idle: len(ap.idle), Leased: len(ap.leased)}
	}
	return out
}
