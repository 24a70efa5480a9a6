package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_SingleAccountDefaults(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "alice@example.com")
	t.Setenv("IMAP_PASSWORD", "secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)

	acc := cfg.Accounts[0]
	assert.Equal(t, "default", acc.Name)
	assert.Equal(t, 993, acc.IMAPPort)
	assert.Equal(t, TLSModeImplicit, acc.TLSMode)
	assert.True(t, acc.Active)
	assert.Equal(t, "alice@example.com", acc.Address())

	assert.Equal(t, 3, cfg.PoolMaxPerAccount)
	assert.Equal(t, 5*time.Minute, cfg.PoolIdleTimeout)
	assert.Equal(t, 3, cfg.ConnectRetries)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, "INBOX", cfg.WatchFolder)
	assert.Equal(t, int64(10*1024*1024), cfg.BatchMaxBytes)
	assert.Equal(t, 50, cfg.BatchMaxCount)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_NumberedAccounts(t *testing.T) {
	t.Setenv("ACCOUNT_1_NAME", "work")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.work.example")
	t.Setenv("ACCOUNT_1_IMAP_USERNAME", "bob")
	t.Setenv("ACCOUNT_1_EMAIL", "bob@work.example")
	t.Setenv("ACCOUNT_1_TLS_MODE", "STARTTLS")
	t.Setenv("ACCOUNT_1_IMAP_PORT", "143")
	t.Setenv("ACCOUNT_2_NAME", "home")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "imap.home.example")
	t.Setenv("ACCOUNT_2_IMAP_USERNAME", "bob@home.example")
	t.Setenv("ACCOUNT_2_ACTIVE", "false")
	t.Setenv("IDLE_TIMEOUT", "15m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"work", "home"}, cfg.AccountNames())
	work, err := cfg.GetAccountByName("work")
	require.NoError(t, err)
	assert.Equal(t, TLSModeStartTLS, work.TLSMode)
	assert.Equal(t, 143, work.IMAPPort)
	assert.Equal(t, "bob@work.example", work.Address())
	assert.True(t, work.Active)

	home, err := cfg.GetAccountByName("home")
	require.NoError(t, err)
	assert.False(t, home.Active)
	assert.Equal(t, 15*time.Minute, cfg.IdleTimeout)

	_, err = cfg.GetAccountByName("missing")
	assert.Error(t, err)
}

func TestLoadConfig_AccountsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
accounts:
  - name: personal
    email: carol@example.org
    imap_host: imap.example.org
    imap_username: carol
  - name: archive
    imap_host: imap.example.org
    imap_username: carol-archive
    active: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "carol@example.org", cfg.Accounts[0].Address())
	assert.True(t, cfg.Accounts[0].Active)
	assert.Equal(t, 993, cfg.Accounts[0].IMAPPort)
	assert.False(t, cfg.Accounts[1].Active)
	assert.Equal(t, "", cfg.Accounts[1].Address())
}

func TestLoadConfig_NoAccounts(t *testing.T) {
	_, err := LoadConfig()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no accounts found")
}

func TestLoadConfig_MissingUsername(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")

	_, err := LoadConfig()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "IMAP_USERNAME is required")
}

func validConfig() *Config {
	return &Config{
		CachePath:         "/tmp/mail.db",
		AttachmentPath:    "/tmp/attachments",
		PoolMaxPerAccount: 3,
		SyncWorkers:       2,
		ConnectRetries:    3,
		JobRetries:        3,
		IdleTimeout:       10 * time.Minute,
		Accounts: []AccountConfig{
			{Name: "a", IMAPHost: "imap.example.com", IMAPPort: 993, TLSMode: TLSModeImplicit},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"pool too small", func(c *Config) { c.PoolMaxPerAccount = 0 }, "POOL_MAX_PER_ACCOUNT"},
		{"unbounded retries", func(c *Config) { c.ConnectRetries = 0 }, "CONNECT_RETRIES"},
		{"idle timeout in seconds", func(c *Config) { c.IdleTimeout = 30 * time.Second }, "IDLE_TIMEOUT"},
		{"bad tls mode", func(c *Config) { c.Accounts[0].TLSMode = "plain" }, "TLS_MODE"},
		{"bad port", func(c *Config) { c.Accounts[0].IMAPPort = 70000 }, "invalid IMAP_PORT"},
		{"duplicate", func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) }, "duplicate name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
