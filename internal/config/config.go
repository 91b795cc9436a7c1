package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go-model-fetch/internal/hub"
	"go-model-fetch/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultStorageRoot      = "models"
	DefaultDatabasePath     = "modelfetch.db" // Relative to StorageRoot if not set
	DefaultHubBaseURL       = hub.DefaultBaseURL
	DefaultRevision         = hub.DefaultRevision
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultLogApiRequests   = false
	DefaultAPIDelayMs       = 200
	DefaultClientTimeoutSec = 900
	DefaultMaxRetries       = 3
	DefaultConcurrency      = 1
	DefaultConfigFilePath   = "config.toml"

	DefaultVerifyCheckHash  = false
	DefaultVerifyAutoRepair = true
)

// setViperDefaults configures Viper with the application's default values.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("storageroot", DefaultStorageRoot)
	v.SetDefault("databasepath", "") // Derived from StorageRoot when empty
	v.SetDefault("hubbaseurl", DefaultHubBaseURL)
	v.SetDefault("hubtoken", "")
	v.SetDefault("revision", DefaultRevision)
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)
	v.SetDefault("logapirequests", DefaultLogApiRequests)
	v.SetDefault("apidelayms", DefaultAPIDelayMs)
	v.SetDefault("clienttimeoutsec", DefaultClientTimeoutSec)
	v.SetDefault("maxretries", DefaultMaxRetries)
	v.SetDefault("concurrency", DefaultConcurrency)

	v.SetDefault("verify.checkhash", DefaultVerifyCheckHash)
	v.SetDefault("verify.autorepair", DefaultVerifyAutoRepair)
}

// CliFlags holds pointers to values received from command-line flags.
// Nil fields indicate the flag was not provided by the user.
type CliFlags struct {
	ConfigFilePath   *string
	StorageRoot      *string // --storage-root
	HubBaseURL       *string // --hub-url
	HubToken         *string // --token
	Revision         *string // --revision
	LogLevel         *string // --log-level
	LogFormat        *string // --log-format
	LogApiRequests   *bool   // --log-api
	APIDelayMs       *int    // --api-delay
	ClientTimeoutSec *int    // --timeout
	MaxRetries       *int    // --max-retries
	Concurrency      *int    // --concurrency

	Verify *CliVerifyFlags
}

type CliVerifyFlags struct {
	CheckHash  *bool // --check-hash
	AutoRepair *bool // --repair
}

// Initialize loads configuration from defaults, config file, environment and
// flags. Precedence: Flags > Environment > Config File > Defaults. The
// returned transport wraps http.DefaultTransport with hub request logging
// when enabled.
func Initialize(flags CliFlags) (models.Config, http.RoundTripper, error) {
	v := viper.New()
	v.SetEnvPrefix("MODELFETCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setViperDefaults(v)

	actualConfigFilePath := DefaultConfigFilePath
	if flags.ConfigFilePath != nil && *flags.ConfigFilePath != "" {
		actualConfigFilePath = *flags.ConfigFilePath
	}
	v.SetConfigFile(actualConfigFilePath)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			log.Debugf("Config file '%s' not found, using defaults and flags", actualConfigFilePath)
		} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debugf("Config file '%s' not found, using defaults and flags", actualConfigFilePath)
		} else {
			log.Warnf("Error reading config file '%s': %v. Using defaults and flags only.", actualConfigFilePath, err)
		}
	} else {
		log.Debugf("Read config file: %s", v.ConfigFileUsed())
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return models.Config{}, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Flag overrides.
	if flags.StorageRoot != nil {
		cfg.StorageRoot = *flags.StorageRoot
	}
	if flags.HubBaseURL != nil {
		cfg.HubBaseURL = *flags.HubBaseURL
	}
	if flags.HubToken != nil {
		cfg.HubToken = *flags.HubToken
	}
	if flags.Revision != nil {
		cfg.Revision = *flags.Revision
	}
	if flags.LogLevel != nil {
		cfg.LogLevel = *flags.LogLevel
	}
	if flags.LogFormat != nil {
		cfg.LogFormat = *flags.LogFormat
	}
	if flags.LogApiRequests != nil {
		cfg.LogApiRequests = *flags.LogApiRequests
	}
	if flags.APIDelayMs != nil {
		cfg.APIDelayMs = *flags.APIDelayMs
	}
	if flags.ClientTimeoutSec != nil {
		cfg.ClientTimeoutSec = *flags.ClientTimeoutSec
	}
	if flags.MaxRetries != nil {
		cfg.MaxRetries = *flags.MaxRetries
	}
	if flags.Concurrency != nil {
		cfg.Concurrency = *flags.Concurrency
	}
	if flags.Verify != nil {
		if flags.Verify.CheckHash != nil {
			cfg.Verify.CheckHash = *flags.Verify.CheckHash
		}
		if flags.Verify.AutoRepair != nil {
			cfg.Verify.AutoRepair = *flags.Verify.AutoRepair
		}
	}

	// Derive the database path from the storage root when unset.
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.StorageRoot, DefaultDatabasePath)
		log.Debugf("DatabasePath defaulted to %s", cfg.DatabasePath)
	}

	if err := validate(cfg); err != nil {
		return models.Config{}, nil, err
	}

	transport := buildTransport(cfg)
	log.Debug("Configuration initialized successfully.")
	return cfg, transport, nil
}

func validate(cfg models.Config) error {
	if cfg.StorageRoot == "" {
		return fmt.Errorf("StorageRoot cannot be empty (set via --storage-root flag or StorageRoot in config)")
	}
	if cfg.APIDelayMs < 0 {
		return fmt.Errorf("ApiDelayMs cannot be negative")
	}
	if cfg.ClientTimeoutSec <= 0 {
		return fmt.Errorf("ClientTimeoutSec must be positive")
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("Concurrency must be at least 1")
	}
	return nil
}

// buildTransport wires the hub logging transport when requested. Failure to
// open the log file disables logging instead of failing startup.
func buildTransport(cfg models.Config) http.RoundTripper {
	base := http.DefaultTransport
	if !cfg.LogApiRequests {
		return base
	}

	logFilePath := "hub.log"
	if cfg.StorageRoot != "" {
		if _, err := os.Stat(cfg.StorageRoot); err == nil {
			logFilePath = filepath.Join(cfg.StorageRoot, logFilePath)
		}
	}
	log.Infof("Hub request logging to file: %s", logFilePath)

	transport, err := hub.NewLoggingTransport(base, logFilePath)
	if err != nil {
		log.WithError(err).Error("Failed to initialize hub logging transport, logging disabled.")
		return base
	}
	return transport
}
