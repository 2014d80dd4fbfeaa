package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/mmynk/invoicechain/internal/apperr"
)

// EnvPrefix prefixes every environment override, e.g. INVOICECHAIN_LEDGER_RPC_URL.
const EnvPrefix = "INVOICECHAIN"

// Load merges defaults, the YAML file at path (skipped when empty) and the
// environment, in increasing precedence, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.nonce_ttl", d.Auth.NonceTTL)
	v.SetDefault("auth.public_search", d.Auth.PublicSearch)

	v.SetDefault("ledger.mode", d.Ledger.Mode)
	v.SetDefault("ledger.rpc_url", d.Ledger.RPCURL)
	v.SetDefault("ledger.contract_address", d.Ledger.ContractAddress)
	v.SetDefault("ledger.private_key", d.Ledger.PrivateKey)
	v.SetDefault("ledger.chain_id", d.Ledger.ChainID)
	v.SetDefault("ledger.decimals", d.Ledger.Decimals)
	v.SetDefault("ledger.submit_timeout", d.Ledger.SubmitTimeout)
	v.SetDefault("ledger.confirm_timeout", d.Ledger.ConfirmTimeout)
	v.SetDefault("ledger.poll_interval", d.Ledger.PollInterval)
	v.SetDefault("ledger.dispute_fee_wei", d.Ledger.DisputeFeeWei)

	v.SetDefault("documents.backend", d.Documents.Backend)
	v.SetDefault("documents.ipfs_api_url", d.Documents.IPFSAPIURL)
	v.SetDefault("documents.upload_timeout", d.Documents.UploadTimeout)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)

	v.SetDefault("watcher.interval", d.Watcher.Interval)
	v.SetDefault("watcher.workers", d.Watcher.Workers)
	v.SetDefault("watcher.batch_size", d.Watcher.BatchSize)

	v.SetDefault("notify.telegram_token", d.Notify.TelegramToken)
	v.SetDefault("notify.telegram_chat_id", d.Notify.TelegramChatID)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.add_source", d.Logging.AddSource)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// Validate rejects settings the server cannot start with. All problems are
// reported together.
func (c Config) Validate() error {
	var errs []error
	invalid := func(field, reason string) {
		errs = append(errs, apperr.Invalid(field, reason))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		invalid("server.port", "must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		invalid("store.driver", "must be sqlite or postgres")
	}
	if c.Store.DSN == "" {
		invalid("store.dsn", "required")
	}

	if c.Auth.JWTSecret == "" {
		invalid("auth.jwt_secret", "required")
	}
	if c.Auth.TokenTTL <= 0 {
		invalid("auth.token_ttl", "must be positive")
	}

	switch c.Ledger.Mode {
	case "memory":
	case "eth":
		if c.Ledger.RPCURL == "" {
			invalid("ledger.rpc_url", "required in eth mode")
		}
		if !common.IsHexAddress(c.Ledger.ContractAddress) {
			invalid("ledger.contract_address", "required in eth mode")
		}
		if c.Ledger.PrivateKey == "" {
			invalid("ledger.private_key", "required in eth mode")
		}
	default:
		invalid("ledger.mode", "must be memory or eth")
	}
	if c.Ledger.Decimals < 0 || c.Ledger.Decimals > 36 {
		invalid("ledger.decimals", "must be between 0 and 36")
	}
	if _, err := c.Ledger.DisputeFee(); err != nil {
		errs = append(errs, err)
	}

	switch c.Documents.Backend {
	case "datastore":
	case "ipfs":
		if c.Documents.IPFSAPIURL == "" {
			invalid("documents.ipfs_api_url", "required for the ipfs backend")
		}
	default:
		invalid("documents.backend", "must be datastore or ipfs")
	}

	if c.Retry.MaxAttempts < 1 {
		invalid("retry.max_attempts", "must be at least 1")
	}
	if c.Watcher.Workers < 1 {
		invalid("watcher.workers", "must be at least 1")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == 0) {
		invalid("notify", "telegram_token and telegram_chat_id go together")
	}

	return errors.Join(errs...)
}

// DisputeFee parses DisputeFeeWei.
func (l LedgerConfig) DisputeFee() (*big.Int, error) {
	s := strings.TrimSpace(l.DisputeFeeWei)
	if s == "" {
		return new(big.Int), nil
	}
	fee, ok := new(big.Int).SetString(s, 10)
	if !ok || fee.Sign() < 0 {
		return nil, apperr.Invalid("ledger.dispute_fee_wei", "must be a non-negative integer")
	}
	return fee, nil
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
