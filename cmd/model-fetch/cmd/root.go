package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-model-fetch/internal/config"
	"go-model-fetch/internal/coordinator"
	"go-model-fetch/internal/database"
	"go-model-fetch/internal/hub"
	"go-model-fetch/internal/models"
	"go-model-fetch/internal/orchestrator"
	"go-model-fetch/internal/verify"
)

// Persistent flag values. Cobra writes into these; loadGlobalConfig only
// forwards the ones the user actually set.
var (
	cfgFile         string
	storageRootFlag string
	hubURLFlag      string
	tokenFlag       string
	revisionFlag    string
	logLevelFlag    string
	logFormatFlag   string
	logApiFlag      bool
	apiDelayFlag    int
	timeoutFlag     int
	maxRetriesFlag  int
)

// globalConfig holds the loaded configuration.
var globalConfig models.Config

// globalHttpTransport is the shared HTTP transport, logging-wrapped when
// requested.
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "model-fetch",
	Short: "Download and verify model artifacts from a model hub",
	Long: `model-fetch acquires model artifact sets from a model hub,
resumes interrupted transfers, and verifies downloaded files against the
hub's declared manifest.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute adds all child commands to the root command and runs it. Called by
// main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (default is ./config.toml)")
	rootCmd.PersistentFlags().StringVar(&storageRootFlag, "storage-root", "", "Directory to store model artifacts (overrides config)")
	rootCmd.PersistentFlags().StringVar(&hubURLFlag, "hub-url", "", "Model hub base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Hub access token for gated/private models (overrides config)")
	rootCmd.PersistentFlags().StringVar(&revisionFlag, "revision", "", "Model revision to fetch (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Logging level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Logging format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log hub requests/responses to hub.log (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiDelayFlag, "api-delay", -1, "Delay between hub requests in ms (overrides config, -1 uses config)")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", -1, "HTTP client timeout in seconds (overrides config, -1 uses config)")
	rootCmd.PersistentFlags().IntVar(&maxRetriesFlag, "max-retries", -1, "Retry ceiling for transient failures (overrides config, -1 uses config)")
}

// loadGlobalConfig merges defaults, config file, environment and flags, then
// configures logging. Runs before every command.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	flags := config.CliFlags{}
	if cmd.Flags().Changed("config") {
		flags.ConfigFilePath = &cfgFile
	}
	if cmd.Flags().Changed("storage-root") {
		flags.StorageRoot = &storageRootFlag
	}
	if cmd.Flags().Changed("hub-url") {
		flags.HubBaseURL = &hubURLFlag
	}
	if cmd.Flags().Changed("token") {
		flags.HubToken = &tokenFlag
	}
	if cmd.Flags().Changed("revision") {
		flags.Revision = &revisionFlag
	}
	if cmd.Flags().Changed("log-level") {
		flags.LogLevel = &logLevelFlag
	}
	if cmd.Flags().Changed("log-format") {
		flags.LogFormat = &logFormatFlag
	}
	if cmd.Flags().Changed("log-api") {
		flags.LogApiRequests = &logApiFlag
	}
	if cmd.Flags().Changed("api-delay") {
		flags.APIDelayMs = &apiDelayFlag
	}
	if cmd.Flags().Changed("timeout") {
		flags.ClientTimeoutSec = &timeoutFlag
	}
	if cmd.Flags().Changed("max-retries") {
		flags.MaxRetries = &maxRetriesFlag
	}

	cfg, transport, err := config.Initialize(flags)
	if err != nil {
		return err
	}
	globalConfig = cfg
	globalHttpTransport = transport

	setupLogging(cfg.LogLevel, cfg.LogFormat)
	return nil
}

func setupLogging(level, format string) {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level %q, using info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)

	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// appStack bundles the wired components commands operate on.
type appStack struct {
	client *hub.Client
	store  *database.Store
	coord  *coordinator.Coordinator
	engine *verify.Engine
	orch   *orchestrator.Orchestrator
}

// buildStack wires the hub client, metadata store, coordinator, verification
// engine and orchestrator from the loaded configuration. Callers must Close
// the returned stack.
func buildStack(verifyAfterDownload, forceRedownload bool) (*appStack, error) {
	httpClient := &http.Client{
		Timeout:   time.Duration(globalConfig.ClientTimeoutSec) * time.Second,
		Transport: globalHttpTransport,
	}
	client := hub.NewClient(globalConfig.HubBaseURL, globalConfig.HubToken, httpClient)
	if globalConfig.Revision != "" {
		client.Revision = globalConfig.Revision
	}

	store, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, err
	}

	coord := coordinator.New(client)
	engine := verify.New(client, store, coord, verify.Options{
		StorageRoot: globalConfig.StorageRoot,
		CheckHash:   globalConfig.Verify.CheckHash,
		AutoRepair:  globalConfig.Verify.AutoRepair,
		MaxRetries:  globalConfig.MaxRetries,
		APIDelay:    time.Duration(globalConfig.APIDelayMs) * time.Millisecond,
	})
	orch := orchestrator.New(client, coord, engine, store, orchestrator.Options{
		StorageRoot:         globalConfig.StorageRoot,
		Concurrency:         globalConfig.Concurrency,
		APIDelay:            time.Duration(globalConfig.APIDelayMs) * time.Millisecond,
		MaxRetries:          globalConfig.MaxRetries,
		VerifyAfterDownload: verifyAfterDownload,
		ForceRedownload:     forceRedownload,
	})

	return &appStack{client: client, store: store, coord: coord, engine: engine, orch: orch}, nil
}

func (s *appStack) Close() {
	if err := s.store.Close(); err != nil {
		log.WithError(err).Warn("Failed to close metadata store")
	}
}

// parseIdentifiers converts positional args into identifiers, failing on the
// first invalid one.
func parseIdentifiers(args []string) ([]models.ModelIdentifier, error) {
	ids := make([]models.ModelIdentifier, 0, len(args))
	for _, arg := range args {
		id, err := models.ParseIdentifier(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
