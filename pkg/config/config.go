package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/medibridge/dicom-bridge/pkg/types"
)

// Config holds all configuration for the bridge
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Ledger configuration
	Ledger LedgerConfig `mapstructure:"ledger"`

	// Orchestrator configuration
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`

	// Transfer engine configuration
	Transfer TransferConfig `mapstructure:"transfer"`

	// Fulfillment signer configuration
	Signer SignerConfig `mapstructure:"signer"`

	// Bearer token verification configuration
	Auth AuthConfig `mapstructure:"auth"`

	// Audit log configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Persisted store paths
	Stores StoresConfig `mapstructure:"stores"`

	// Bootstrap clinic endpoints; admin API writes are merged on top
	Clinics []types.DicomNodeConfig `mapstructure:"clinics"`

	// Copy event retention
	CopyEvents CopyEventConfig `mapstructure:"copy_events"`

	// Error alerting webhook
	Alerts AlertConfig `mapstructure:"alerts"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// LedgerConfig holds the consent contract's RPC endpoint and address
type LedgerConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address"`
	CallTimeout     int    `mapstructure:"call_timeout"`
}

// OrchestratorConfig holds the event polling configuration
type OrchestratorConfig struct {
	PollInterval   int    `mapstructure:"poll_interval"`
	LookbackBlocks uint64 `mapstructure:"lookback_blocks"`
}

// TransferConfig holds the retry discipline for imaging transfers
type TransferConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BackoffMS   int `mapstructure:"backoff_ms"`
	HTTPTimeout int `mapstructure:"http_timeout"`
}

// SignerConfig selects and configures the fulfillment signer.
// Mode is one of "noop", "local", "remote".
type SignerConfig struct {
	Mode             string             `mapstructure:"mode"`
	PrivateKey       string             `mapstructure:"private_key"`
	ChainID          int64              `mapstructure:"chain_id"`
	Remote           RemoteSignerConfig `mapstructure:"remote"`
	ConfirmAttempts  int                `mapstructure:"confirm_attempts"`
	ConfirmIntervalMS int               `mapstructure:"confirm_interval_ms"`
}

// RemoteSignerConfig holds the delegate signing service endpoint
type RemoteSignerConfig struct {
	URL      string `mapstructure:"url"`
	AuthMode string `mapstructure:"auth_mode"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

// AuthConfig holds the static bearer-token key set and claim mapping
type AuthConfig struct {
	Disabled        bool        `mapstructure:"disabled"`
	Issuer          string      `mapstructure:"issuer"`
	Audience        []string    `mapstructure:"audience"`
	Keys            []KeyConfig `mapstructure:"keys"`
	RoleClaim       string      `mapstructure:"role_claim"`
	ExtraRoleClaims []string    `mapstructure:"extra_role_claims"`
	ClinicClaim     string      `mapstructure:"clinic_claim"`
	ClockSkew       int         `mapstructure:"clock_skew"`
}

// KeyConfig holds one verification key of the static key set
type KeyConfig struct {
	KID          string `mapstructure:"kid"`
	Alg          string `mapstructure:"alg"`
	Secret       string `mapstructure:"secret"`
	PublicKeyPEM string `mapstructure:"public_key_pem"`
}

// AuditConfig holds the audit trail configuration
type AuditConfig struct {
	Path          string `mapstructure:"path"`
	EncryptionKey string `mapstructure:"encryption_key"`
	MaxSizeBytes  int64  `mapstructure:"max_size_bytes"`
	MaxBackups    int    `mapstructure:"max_backups"`
	RetentionDays int    `mapstructure:"retention_days"`
	SweepInterval int    `mapstructure:"sweep_interval"`
}

// StoresConfig holds the persisted store file paths
type StoresConfig struct {
	AliasPath  string `mapstructure:"alias_path"`
	ClinicPath string `mapstructure:"clinic_path"`
}

// CopyEventConfig holds copy event retention settings
type CopyEventConfig struct {
	Retention int `mapstructure:"retention"`
}

// AlertConfig holds the error alerting webhook
type AlertConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Timeout    int    `mapstructure:"timeout"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	RequestsPerMin int  `mapstructure:"requests_per_min"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/dicom-bridge")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	// A scalar audience in the file decodes to nothing; pick it up here.
	if len(config.Auth.Audience) == 0 {
		if aud := viper.GetString("auth.audience"); aud != "" {
			config.Auth.Audience = []string{aud}
		}
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8090)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 60)
	viper.SetDefault("server.idle_timeout", 120)

	viper.SetDefault("ledger.call_timeout", 20)

	viper.SetDefault("orchestrator.poll_interval", 15)
	viper.SetDefault("orchestrator.lookback_blocks", 200)

	viper.SetDefault("transfer.max_attempts", 3)
	viper.SetDefault("transfer.backoff_ms", 500)
	viper.SetDefault("transfer.http_timeout", 30)

	viper.SetDefault("signer.mode", "noop")
	viper.SetDefault("signer.confirm_attempts", 10)
	viper.SetDefault("signer.confirm_interval_ms", 3000)

	viper.SetDefault("auth.disabled", false)
	viper.SetDefault("auth.role_claim", "realm_access.roles")
	viper.SetDefault("auth.clock_skew", 30)

	viper.SetDefault("audit.path", "data/audit.log")
	viper.SetDefault("audit.max_size_bytes", 10*1024*1024)
	viper.SetDefault("audit.max_backups", 5)
	viper.SetDefault("audit.retention_days", 90)
	viper.SetDefault("audit.sweep_interval", 3600)

	viper.SetDefault("stores.alias_path", "data/aliases.json")
	viper.SetDefault("stores.clinic_path", "data/clinics.json")

	viper.SetDefault("copy_events.retention", 50)

	viper.SetDefault("alerts.timeout", 10)

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_min", 120)

	viper.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if rpc := os.Getenv("LEDGER_RPC_URL"); rpc != "" {
		config.Ledger.RPCURL = rpc
	}

	if addr := os.Getenv("CONSENT_CONTRACT_ADDRESS"); addr != "" {
		config.Ledger.ContractAddress = addr
	}

	if key := os.Getenv("SIGNER_PRIVATE_KEY"); key != "" {
		config.Signer.PrivateKey = key
	}

	if key := os.Getenv("AUDIT_ENCRYPTION_KEY"); key != "" {
		config.Audit.EncryptionKey = key
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger RPC URL is required")
	}

	if !common.IsHexAddress(config.Ledger.ContractAddress) {
		return fmt.Errorf("invalid consent contract address: %q", config.Ledger.ContractAddress)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Signer.Mode {
	case "noop":
	case "local":
		if config.Signer.PrivateKey == "" {
			return fmt.Errorf("signer mode %q requires a private key", config.Signer.Mode)
		}
	case "remote":
		if config.Signer.Remote.URL == "" {
			return fmt.Errorf("signer mode %q requires a remote URL", config.Signer.Mode)
		}
	default:
		return fmt.Errorf("unknown signer mode: %q", config.Signer.Mode)
	}

	if !config.Auth.Disabled {
		if len(config.Auth.Keys) == 0 {
			return fmt.Errorf("auth is enabled but no verification keys are configured")
		}
		for i, key := range config.Auth.Keys {
			if key.Alg == "" {
				return fmt.Errorf("auth key %d: algorithm is required", i)
			}
			if key.Secret == "" && key.PublicKeyPEM == "" {
				return fmt.Errorf("auth key %d: secret or public key material is required", i)
			}
		}
	}

	for i, clinic := range config.Clinics {
		if clinic.ClinicID == "" {
			return fmt.Errorf("clinic %d: clinic_id is required", i)
		}
		if clinic.PushMode() && clinic.Operator == "" {
			return fmt.Errorf("clinic %q: push mode requires an operator address", clinic.ClinicID)
		}
	}

	return nil
}
