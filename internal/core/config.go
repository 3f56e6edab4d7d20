package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from TALLY_* environment
// variables after an optional .env file.
type Config struct {
	DataDir string `env:"TALLY_DATA_DIR" envDefault:".tally"`

	Relays       []string      `env:"TALLY_RELAYS" envSeparator:","`
	RelayTimeout time.Duration `env:"TALLY_RELAY_TIMEOUT" envDefault:"15s"`
	RelayAuth    bool          `env:"TALLY_RELAY_AUTH" envDefault:"true"`

	KeyFile       string `env:"TALLY_KEY_FILE"`
	KeyPassphrase string `env:"TALLY_KEY_PASSPHRASE"`

	TokenID  string `env:"TALLY_TOKEN_ID"`
	ChainID  string `env:"TALLY_CHAIN_ID"`
	Treasury string `env:"TALLY_TREASURY_ACCOUNT" envDefault:"treasury"`

	NATSURL           string   `env:"TALLY_NATS_URL"`
	TrustedProcessors []string `env:"TALLY_TRUSTED_PROCESSORS" envSeparator:","`

	DispatchInterval  time.Duration `env:"TALLY_DISPATCH_INTERVAL" envDefault:"10s"`
	DispatchBatch     int           `env:"TALLY_DISPATCH_BATCH" envDefault:"50"`
	OutboxMaxAttempts int           `env:"TALLY_OUTBOX_MAX_ATTEMPTS" envDefault:"12"`
	RetentionDays     int           `env:"TALLY_RETENTION_DAYS" envDefault:"90"`

	LogLevel string `env:"TALLY_LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"TALLY_LOG_JSON" envDefault:"false"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadConfig reads .env (if present) and the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("TALLY_DATA_DIR must not be empty")
	}
	if c.RelayTimeout <= 0 {
		return fmt.Errorf("TALLY_RELAY_TIMEOUT must be positive, got %s", c.RelayTimeout)
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("TALLY_DISPATCH_INTERVAL must be positive, got %s", c.DispatchInterval)
	}
	if c.DispatchBatch <= 0 {
		return fmt.Errorf("TALLY_DISPATCH_BATCH must be positive, got %d", c.DispatchBatch)
	}
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("TALLY_OUTBOX_MAX_ATTEMPTS must be positive, got %d", c.OutboxMaxAttempts)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("TALLY_RETENTION_DAYS must not be negative, got %d", c.RetentionDays)
	}
	if c.Treasury == "" {
		return errors.New("TALLY_TREASURY_ACCOUNT must not be empty")
	}
	return nil
}

// KeyPath returns the signer key file, defaulting to signer.key in dataDir.
func (c Config) KeyPath(dataDir string) string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(dataDir, "signer.key")
}
