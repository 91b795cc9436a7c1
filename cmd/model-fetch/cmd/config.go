package cmd

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-model-fetch/internal/config"
	"go-model-fetch/internal/models"
)

var configInitPath string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringVarP(&configInitPath, "output", "o", config.DefaultConfigFilePath, "Where to write the config file")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		// The token is a credential; mask it in output.
		cfg := globalConfig
		if cfg.HubToken != "" {
			cfg.HubToken = "********"
		}
		return toml.NewEncoder(os.Stdout).Encode(cfg)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configInitPath); err == nil {
			return fmt.Errorf("config file %s already exists", configInitPath)
		}

		cfg := models.Config{
			StorageRoot:      config.DefaultStorageRoot,
			HubBaseURL:       config.DefaultHubBaseURL,
			Revision:         config.DefaultRevision,
			LogLevel:         config.DefaultLogLevel,
			LogFormat:        config.DefaultLogFormat,
			APIDelayMs:       config.DefaultAPIDelayMs,
			ClientTimeoutSec: config.DefaultClientTimeoutSec,
			MaxRetries:       config.DefaultMaxRetries,
			Concurrency:      config.DefaultConcurrency,
			Verify: models.VerifyConfig{
				CheckHash:  config.DefaultVerifyCheckHash,
				AutoRepair: config.DefaultVerifyAutoRepair,
			},
		}

		f, err := os.OpenFile(configInitPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600) // #nosec G304
		if err != nil {
			return fmt.Errorf("creating %s: %w", configInitPath, err)
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return fmt.Errorf("writing %s: %w", configInitPath, err)
		}
		log.Infof("Wrote default configuration to %s", configInitPath)
		return nil
	},
}
