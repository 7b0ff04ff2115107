package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/errors"
)

// cliOptions holds command-line configuration shared by all commands
type cliOptions struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Emulate line-oriented devices on TCP, WebSocket, NATS and serial endpoints",
		Long: `Atticus answers requests arriving on any number of endpoints from a
request table kept in a YAML device file. Every endpoint of a device feeds
that device's inbound queue; responses go back to the connection that asked.
Several device files may be given, each runs as its own device.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return validateOptions(opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringArrayVarP(&opts.ConfigPaths, "config", "c",
		getEnvList("ATTICUS_CONFIG", []string{"device.yaml"}),
		"Path to a device file, repeat for several devices (env: ATTICUS_CONFIG, comma separated)")
	flags.StringVar(&opts.LogLevel, "log-level",
		getEnv("ATTICUS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: ATTICUS_LOG_LEVEL)")
	flags.StringVar(&opts.LogFormat, "log-format",
		getEnv("ATTICUS_LOG_FORMAT", "json"),
		"Log format: json, text (env: ATTICUS_LOG_FORMAT)")
	flags.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("ATTICUS_SHUTDOWN_TIMEOUT", 0),
		"Per-endpoint stop timeout, 0 uses each endpoint's own (env: ATTICUS_SHUTDOWN_TIMEOUT)")

	root.AddCommand(newRunCommand(opts), newValidateCommand(opts), newStatusCommand(), newVersionCommand())
	return root
}

func newRunCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the devices until interrupted",
		Example: `  atticus run -c scope.yaml
  atticus run -c scope.yaml -c supply.yaml --log-level=debug --log-format=text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFleet(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}
}

func newValidateCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the device files and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgs, err := loadConfigs(opts.ConfigPaths)
			if err != nil {
				return err
			}
			for i, cfg := range cfgs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: device %q with %d endpoint(s) and %d request(s) is valid\n",
					opts.ConfigPaths[i], cfg.Name, len(cfg.Endpoints), len(cfg.Requests))
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s)\n", appName, Version, BuildTime)
		},
	}
}

func validateOptions(opts *cliOptions) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, opts.LogLevel) {
		return fmt.Errorf("invalid log level: %s", opts.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !slices.Contains(validFormats, opts.LogFormat) {
		return fmt.Errorf("invalid log format: %s", opts.LogFormat)
	}

	if len(opts.ConfigPaths) == 0 {
		return fmt.Errorf("at least one device file is required")
	}

	if opts.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", opts.ShutdownTimeout)
	}
	return nil
}

// loadConfig loads configuration from the specified file path
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader().LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load device file %s: %w", path, err)
	}
	return cfg, nil
}

// loadConfigs loads every device file and rejects two devices with one name
func loadConfigs(paths []string) ([]*config.Config, error) {
	cfgs := make([]*config.Config, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		cfg, err := loadConfig(path)
		if err != nil {
			return nil, err
		}
		if first, dup := seen[cfg.Name]; dup {
			return nil, fmt.Errorf("%s and %s both describe device %q: %w",
				first, path, cfg.Name, errors.ErrInvalidConfig)
		}
		seen[cfg.Name] = path
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
