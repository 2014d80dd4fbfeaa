// Package config loads the coordinator configuration from defaults, an
// optional YAML file and INVOICECHAIN_* environment variables.
package config

import "time"

// Config represents the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	Documents DocumentsConfig `yaml:"documents" mapstructure:"documents"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Watcher   WatcherConfig   `yaml:"watcher" mapstructure:"watcher"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver" mapstructure:"driver"`
	// DSN is a file path for sqlite, a connection URL for postgres.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
	NonceTTL     time.Duration `yaml:"nonce_ttl" mapstructure:"nonce_ttl"`
	PublicSearch bool          `yaml:"public_search" mapstructure:"public_search"`
}

// LedgerConfig selects and configures the invoice registry client.
type LedgerConfig struct {
	// Mode is memory (in-process simulation) or eth (JSON-RPC).
	Mode            string        `yaml:"mode" mapstructure:"mode"`
	RPCURL          string        `yaml:"rpc_url" mapstructure:"rpc_url"`
	ContractAddress string        `yaml:"contract_address" mapstructure:"contract_address"`
	PrivateKey      string        `yaml:"private_key" mapstructure:"private_key"`
	ChainID         int64         `yaml:"chain_id" mapstructure:"chain_id"`
	Decimals        int32         `yaml:"decimals" mapstructure:"decimals"`
	SubmitTimeout   time.Duration `yaml:"submit_timeout" mapstructure:"submit_timeout"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout" mapstructure:"confirm_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	// DisputeFeeWei is a base-10 integer; large fees do not fit a float.
	DisputeFeeWei string `yaml:"dispute_fee_wei" mapstructure:"dispute_fee_wei"`
}

type DocumentsConfig struct {
	// Backend is datastore (in-process content store) or ipfs.
	Backend       string        `yaml:"backend" mapstructure:"backend"`
	IPFSAPIURL    string        `yaml:"ipfs_api_url" mapstructure:"ipfs_api_url"`
	UploadTimeout time.Duration `yaml:"upload_timeout" mapstructure:"upload_timeout"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

type WatcherConfig struct {
	Interval  time.Duration `yaml:"interval" mapstructure:"interval"`
	Workers   int           `yaml:"workers" mapstructure:"workers"`
	BatchSize int           `yaml:"batch_size" mapstructure:"batch_size"`
}

// NotifyConfig enables the Telegram hook when both fields are set.
type NotifyConfig struct {
	TelegramToken  string `yaml:"telegram_token" mapstructure:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id" mapstructure:"telegram_chat_id"`
}

type LoggingConfig struct {
	Level     string `yaml:"level" mapstructure:"level"`
	Format    string `yaml:"format" mapstructure:"format"`
	AddSource bool   `yaml:"add_source" mapstructure:"add_source"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns the development defaults: SQLite, the in-memory
// ledger and the in-process content store.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "./data/invoices.db",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
			NonceTTL: 10 * time.Minute,
		},
		Ledger: LedgerConfig{
			Mode:           "memory",
			Decimals:       18,
			SubmitTimeout:  30 * time.Second,
			ConfirmTimeout: 30 * time.Second,
			PollInterval:   time.Second,
			DisputeFeeWei:  "0",
		},
		Documents: DocumentsConfig{
			Backend:       "datastore",
			IPFSAPIURL:    "http://127.0.0.1:5001",
			UploadTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Watcher: WatcherConfig{
			Interval:  15 * time.Second,
			Workers:   4,
			BatchSize: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
