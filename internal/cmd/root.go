// Package cmd provides the CLI commands for marketchat.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inercia/marketchat/internal/appdir"
	"github.com/inercia/marketchat/internal/config"
	"github.com/inercia/marketchat/internal/logging"
	"github.com/inercia/marketchat/internal/secrets"
)

var (
	// Global flags
	configPath    string
	serverURL     string // --server overrides server.base_url
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgFile is the path cfg was loaded from. The file may not exist.
	cfgFile string

	// secretStore holds tokens saved with "marketchat login".
	secretStore = secrets.Default()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "marketchat",
	Short: "marketchat - marketplace conversations from the terminal",
	Long: `marketchat is a command-line client for marketplace conversations
between buyers and sellers.

It lists your threads, shows and sends messages (including file and
voice-note attachments), plays voice notes back to back the way the
web client does, and opens an interactive chat that follows a thread
in real time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := loadConfig(); err != nil {
			return err
		}
		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create marketchat directory: %w", err)
		}
		if err := initLogging(cmd.Name() == "chat"); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Commands are cancelled on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $"+config.EnvConfigPath+" or ~/.marketchatrc)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Marketplace server URL (overrides server.base_url)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (overrides log.file)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'playback,realtime'). Empty means all components.")
}

// loadConfig loads the configuration file, falling back to the defaults
// when it does not exist, and applies the flag overrides.
func loadConfig() error {
	cfgFile = configPath
	if cfgFile == "" {
		cfgFile = config.DefaultConfigPath()
	}

	loaded, err := config.LoadOrDefault(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", cfgFile, err)
	}
	if serverURL != "" {
		loaded.Server.BaseURL = serverURL
		if err := loaded.Validate(); err != nil {
			return err
		}
	}
	if loaded.Server.Token == "" {
		loaded.Server.Token = storedToken(loaded.Server.BaseURL)
	}
	cfg = loaded
	return nil
}

// storedToken returns the token saved for baseURL, or "" when there is none.
func storedToken(baseURL string) string {
	if !secretStore.Supported() {
		return ""
	}
	token, err := secrets.LookupToken(secretStore, baseURL)
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			logging.WithComponent(logging.ComponentConfig).Debug("cannot read stored token", "server", baseURL, "error", err)
		}
		return ""
	}
	return token
}

// effectiveLogLevel resolves the log level.
// Priority: --log-level flag > --debug flag > configuration.
func effectiveLogLevel(configured string) string {
	switch {
	case logLevel != "":
		return logLevel
	case debug:
		return "debug"
	case configured != "":
		return configured
	default:
		return "info"
	}
}

func splitComponents(s string) []string {
	var components []string
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			components = append(components, c)
		}
	}
	return components
}

// initLogging sets up logging from the configuration and flags. An
// interactive shell owns the terminal, so its logs go to a file only.
func initLogging(interactive bool) error {
	lc := logging.Config{
		Level:      effectiveLogLevel(cfg.Log.Level),
		JSON:       cfg.Log.JSON,
		Components: splitComponents(logComponents),
	}

	path := logFile
	if path == "" {
		path = cfg.Log.File
	}
	if path == "" && interactive {
		var err error
		if path, err = appdir.LogFile(); err != nil {
			return err
		}
	}
	if path != "" {
		fileLog := logging.DefaultFileLogConfig()
		fileLog.Path = path
		if cfg.Log.MaxSizeMB > 0 {
			fileLog.MaxSizeMB = cfg.Log.MaxSizeMB
		}
		if cfg.Log.MaxBackups > 0 {
			fileLog.MaxBackups = cfg.Log.MaxBackups
		}
		lc.FileLog = &fileLog
	}
	lc.NoConsole = interactive && lc.FileLog != nil

	return logging.Initialize(lc)
}
