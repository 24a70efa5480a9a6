package email

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/brandon/mail-sync/internal/config"
)

// ErrUnknownAccount is returned for names with no configured account
var ErrUnknownAccount = errors.New("unknown account")

// Accounts resolves account names to their connection settings
type Accounts struct {
	mu       sync.RWMutex
	accounts map[string]*config.AccountConfig
}

// NewAccounts creates a registry from configured accounts
func NewAccounts(cfg []config.AccountConfig) *Accounts {
	a := &Accounts{accounts: make(map[string]*config.AccountConfig, len(cfg))}
	for i := range cfg {
		acc := cfg[i]
		a.accounts[acc.Name] = &acc
	}
	return a
}

// Get returns an account by name
func (a *Accounts) Get(name string) (*config.AccountConfig, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.accounts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	return acc, nil
}

// Names returns all account names in sorted order
func (a *Accounts) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.accounts))
	for name := range a.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
