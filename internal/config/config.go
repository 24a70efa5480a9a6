package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// TLS modes supported for IMAP connections
const (
	TLSModeImplicit = "tls"
	TLSModeStartTLS = "starttls"
)

// Config holds the application configuration
type Config struct {
	// Storage settings
	CachePath      string
	AttachmentPath string
	LogLevel       string

	// Connection pool
	PoolMaxPerAccount int
	PoolIdleTimeout   time.Duration
	ConnectTimeout    time.Duration
	ConnectRetries    int
	ConnectRetryDelay time.Duration

	// Push watcher
	IdleTimeout        time.Duration
	WatchFolder        string
	SupervisorInterval time.Duration
	ReconnectInitial   time.Duration
	ReconnectMax       time.Duration

	// Batching and dispatch
	BatchMaxBytes  int64
	BatchMaxCount  int
	SyncWorkers    int
	JobRetries     int
	JobRetryDelay  time.Duration
	ErrorTextLimit int

	// Credentials
	KeyringDir      string
	KeyringPassword string

	// Accounts
	Accounts []AccountConfig
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`

	// IMAP settings
	IMAPHost     string `mapstructure:"imap_host"`
	IMAPPort     int    `mapstructure:"imap_port"`
	IMAPUsername string `mapstructure:"imap_username"`
	IMAPPassword string `mapstructure:"imap_password"`
	TLSMode      string `mapstructure:"tls_mode"`

	Active bool `mapstructure:"active"`
}

// Address returns the owner's address used to tell sent from received mail
func (a *AccountConfig) Address() string {
	if a.Email != "" {
		return a.Email
	}
	if strings.Contains(a.IMAPUsername, "@") {
		return a.IMAPUsername
	}
	return ""
}

// LoadConfig loads configuration from a .env file, the environment and an
// optional YAML file named by CONFIG_FILE
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		CachePath:          v.GetString("CACHE_PATH"),
		AttachmentPath:     v.GetString("ATTACHMENT_PATH"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		PoolMaxPerAccount:  v.GetInt("POOL_MAX_PER_ACCOUNT"),
		PoolIdleTimeout:    v.GetDuration("POOL_IDLE_TIMEOUT"),
		ConnectTimeout:     v.GetDuration("CONNECT_TIMEOUT"),
		ConnectRetries:     v.GetInt("CONNECT_RETRIES"),
		ConnectRetryDelay:  v.GetDuration("CONNECT_RETRY_DELAY"),
		IdleTimeout:        v.GetDuration("IDLE_TIMEOUT"),
		WatchFolder:        v.GetString("WATCH_FOLDER"),
		SupervisorInterval: v.GetDuration("SUPERVISOR_INTERVAL"),
		ReconnectInitial:   v.GetDuration("RECONNECT_INITIAL"),
		ReconnectMax:       v.GetDuration("RECONNECT_MAX"),
		BatchMaxBytes:      v.GetInt64("BATCH_MAX_BYTES"),
		BatchMaxCount:      v.GetInt("BATCH_MAX_COUNT"),
		SyncWorkers:        v.GetInt("SYNC_WORKERS"),
		JobRetries:         v.GetInt("JOB_RETRIES"),
		JobRetryDelay:      v.GetDuration("JOB_RETRY_DELAY"),
		ErrorTextLimit:     v.GetInt("ERROR_TEXT_LIMIT"),
		KeyringDir:         v.GetString("KEYRING_DIR"),
		KeyringPassword:    v.GetString("KEYRING_PASSWORD"),
	}

	// Load accounts
	accounts, err := loadAccounts(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no email accounts configured")
	}

	cfg.Accounts = accounts
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CACHE_PATH", "/data/mail_sync.db")
	v.SetDefault("ATTACHMENT_PATH", "/data/attachments")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("POOL_MAX_PER_ACCOUNT", 3)
	v.SetDefault("POOL_IDLE_TIMEOUT", 5*time.Minute)
	v.SetDefault("CONNECT_TIMEOUT", 45*time.Second)
	v.SetDefault("CONNECT_RETRIES", 3)
	v.SetDefault("CONNECT_RETRY_DELAY", time.Second)
	v.SetDefault("IDLE_TIMEOUT", 10*time.Minute)
	v.SetDefault("WATCH_FOLDER", "INBOX")
	v.SetDefault("SUPERVISOR_INTERVAL", time.Minute)
	v.SetDefault("RECONNECT_INITIAL", 5*time.Second)
	v.SetDefault("RECONNECT_MAX", 5*time.Minute)
	v.SetDefault("BATCH_MAX_BYTES", 10*1024*1024)
	v.SetDefault("BATCH_MAX_COUNT", 50)
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("JOB_RETRIES", 3)
	v.SetDefault("JOB_RETRY_DELAY", 2*time.Second)
	v.SetDefault("ERROR_TEXT_LIMIT", 500)
	v.SetDefault("KEYRING_DIR", "/data/keyring")
}

// loadAccounts reads accounts from the config file first, then from
// environment variables
func loadAccounts(v *viper.Viper) ([]AccountConfig, error) {
	if v.IsSet("accounts") {
		var accounts []AccountConfig
		if err := v.UnmarshalKey("accounts", &accounts); err != nil {
			return nil, fmt.Errorf("failed to decode accounts: %w", err)
		}
		for i := range accounts {
			applyAccountDefaults(&accounts[i], fmt.Sprintf("accounts.%d.active", i), v)
		}
		return accounts, nil
	}

	// Single account configuration
	if v.GetString("IMAP_HOST") != "" {
		account, err := loadAccountWithPrefix(v, "")
		if err != nil {
			return nil, err
		}
		if account.Name == "" {
			account.Name = "default"
		}
		return []AccountConfig{*account}, nil
	}

	// Load multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	var accounts []AccountConfig
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		if v.GetString(prefix+"NAME") == "" {
			break
		}
		account, err := loadAccountWithPrefix(v, prefix)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", num, err)
		}
		accounts = append(accounts, *account)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}

	return accounts, nil
}

// loadAccountWithPrefix loads one account from prefixed environment variables
func loadAccountWithPrefix(v *viper.Viper, prefix string) (*AccountConfig, error) {
	name := v.GetString(prefix + "NAME")
	if prefix == "" {
		name = v.GetString("ACCOUNT_NAME")
	}

	account := &AccountConfig{
		Name:         name,
		Email:        v.GetString(prefix + "EMAIL"),
		IMAPHost:     v.GetString(prefix + "IMAP_HOST"),
		IMAPPort:     v.GetInt(prefix + "IMAP_PORT"),
		IMAPUsername: v.GetString(prefix + "IMAP_USERNAME"),
		IMAPPassword: v.GetString(prefix + "IMAP_PASSWORD"),
		TLSMode:      v.GetString(prefix + "TLS_MODE"),
	}
	applyAccountDefaults(account, prefix+"ACTIVE", v)

	if account.IMAPHost == "" {
		return nil, fmt.Errorf("IMAP_HOST is required")
	}
	if account.IMAPUsername == "" {
		return nil, fmt.Errorf("IMAP_USERNAME is required")
	}

	return account, nil
}

func applyAccountDefaults(acc *AccountConfig, activeKey string, v *viper.Viper) {
	if acc.IMAPPort == 0 {
		acc.IMAPPort = 993
	}
	if acc.TLSMode == "" {
		acc.TLSMode = TLSModeImplicit
	}
	acc.TLSMode = strings.ToLower(acc.TLSMode)
	// Accounts are active unless explicitly disabled
	acc.Active = !v.IsSet(activeKey) || v.GetBool(activeKey)
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}

	if c.AttachmentPath == "" {
		return fmt.Errorf("ATTACHMENT_PATH is required")
	}

	if c.PoolMaxPerAccount < 1 || c.PoolMaxPerAccount > 20 {
		return fmt.Errorf("POOL_MAX_PER_ACCOUNT must be between 1 and 20")
	}

	// A retry count of zero would mean retrying forever
	if c.ConnectRetries < 1 || c.JobRetries < 1 {
		return fmt.Errorf("CONNECT_RETRIES and JOB_RETRIES must be at least 1")
	}

	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1")
	}

	if c.IdleTimeout < time.Minute {
		return fmt.Errorf("IDLE_TIMEOUT must be at least one minute")
	}

	if c.BatchMaxBytes < 0 || c.BatchMaxCount < 0 {
		return fmt.Errorf("batch limits must not be negative")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	// Validate each account
	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: NAME is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		if acc.TLSMode != TLSModeImplicit && acc.TLSMode != TLSModeStartTLS {
			return fmt.Errorf("account %s: TLS_MODE must be %q or %q", acc.Name, TLSModeImplicit, TLSModeStartTLS)
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
