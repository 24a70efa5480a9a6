package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/brandon/mail-sync/internal/config"
)

const serviceName = "mail-sync"

// ErrNoCredential is returned when neither the configuration nor the keyring
// holds a password for an account
var ErrNoCredential = errors.New("no credential configured")

// Resolver resolves IMAP passwords for accounts
type Resolver struct {
	ring keyring.Keyring
}

// Open returns a Resolver backed by the system keyring, falling back to an
// encrypted file store under dir
func Open(dir, password string) (*Resolver, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Resolver{ring: ring}, nil
}

// NewResolver wraps an existing keyring
func NewResolver(ring keyring.Keyring) *Resolver {
	return &Resolver{ring: ring}
}

// key is the keyring entry name for an account
func key(account string) string {
	return "imap:" + account
}

// Password returns the configured password, or the one stored in the keyring
func (r *Resolver) Password(acc *config.AccountConfig) (string, error) {
	if acc.IMAPPassword != "" {
		return acc.IMAPPassword, nil
	}
	if r == nil || r.ring == nil {
		return "", fmt.Errorf("account %s: %w", acc.Name, ErrNoCredential)
	}

	item, err := r.ring.Get(key(acc.Name))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("account %s: %w", acc.Name, ErrNoCredential)
		}
		return "", fmt.Errorf("getting credential for %s: %w", acc.Name, err)
	}
	return string(item.Data), nil
}

// Store saves a password for an account in the keyring
func (r *Resolver) Store(account, password string) error {
	err := r.ring.Set(keyring.Item{
		Key:   key(account),
		Label: serviceName + " " + account,
		Data:  []byte(password),
	})
	if err != nil {
		return fmt.Errorf("setting credential for %s: %w", account, err)
	}
	return nil
}
