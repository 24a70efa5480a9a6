package email

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/config"
	"github.com/brandon/mail-sync/internal/credential"
	"github.com/brandon/mail-sync/internal/reliability"
)

// PasswordSource resolves an account's password
type PasswordSource interface {
	Password(acc *config.AccountConfig) (string, error)
}

// Connector opens sessions with credential lookup and bounded retries
type Connector struct {
	dialer Dialer
	creds  PasswordSource
	policy reliability.Policy
	logger *logrus.Logger
}

// NewConnector creates a connector
func NewConnector(dialer Dialer, creds PasswordSource, policy reliability.Policy, logger *logrus.Logger) *Connector {
	return &Connector{
		dialer: dialer,
		creds:  creds,
		policy: policy,
		logger: logger,
	}
}

// Connect opens a session, retrying transient failures. Authentication
// failures are returned immediately.
func (c *Connector) Connect(ctx context.Context, acct *config.AccountConfig) (Session, error) {
	password, err := c.creds.Password(acct)
	if err != nil {
		if errors.Is(err, credential.ErrNoCredential) {
			return nil, reliability.Auth("credentials "+acct.Name, err)
		}
		return nil, err
	}

	var session Session
	err = c.policy.Retry(ctx, func() error {
		s, err := c.dialer.Dial(ctx, acct, password)
		if err != nil {
			return err
		}
		session = s
		return nil
	}, func(err error, wait time.Duration) {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"account": acct.Name,
			"user":    reliability.MaskEmail(acct.IMAPUsername),
			"host":    acct.IMAPHost,
			"retry":   wait.String(),
		}).Warn("Connection attempt failed")
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}
