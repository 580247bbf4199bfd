package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/gridsync"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gridsync configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var format string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.gridsync/" + gridsync.DefaultConfigFileName
	if dir, err := gridsync.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, gridsync.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default gridsync configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			format = strings.ToLower(strings.TrimSpace(format))
			data, err := defaultConfig(format)
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := gridsync.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				name := gridsync.DefaultConfigFileName
				if format == "toml" {
					name = strings.TrimSuffix(name, filepath.Ext(name)) + ".toml"
				}
				outPath = filepath.Join(dir, name)
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().StringVar(&format, "format", "yaml", "config format: yaml or toml")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper resolves them from the file.
type configDefaults struct {
	Store                  string  `yaml:"store" toml:"store"`
	Session                string  `yaml:"session" toml:"session"`
	Partitions             int     `yaml:"partitions" toml:"partitions"`
	Backups                int     `yaml:"backups" toml:"backups"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts" toml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay" toml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay" toml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier" toml:"storage-retry-multiplier"`
	CASMaxAttempts         int     `yaml:"cas-max-attempts" toml:"cas-max-attempts"`
	WatchPollInterval      string  `yaml:"watch-poll-interval" toml:"watch-poll-interval"`
	AcquireMinBackoff      string  `yaml:"acquire-min-backoff" toml:"acquire-min-backoff"`
	AcquireMaxBackoff      string  `yaml:"acquire-max-backoff" toml:"acquire-max-backoff"`
	QueueMaxSize           int64   `yaml:"queue-max-size" toml:"queue-max-size"`
	S3AccessKeyID          string  `yaml:"s3-access-key-id" toml:"s3-access-key-id"`
	S3SecretAccessKey      string  `yaml:"s3-secret-access-key" toml:"s3-secret-access-key"`
	S3Region               string  `yaml:"s3-region" toml:"s3-region"`
	AWSRegion              string  `yaml:"aws-region" toml:"aws-region"`
	AzureAccount           string  `yaml:"azure-account" toml:"azure-account"`
	AzureKey               string  `yaml:"azure-key" toml:"azure-key"`
	AzureSASToken          string  `yaml:"azure-sas-token" toml:"azure-sas-token"`
	AzureEndpoint          string  `yaml:"azure-endpoint" toml:"azure-endpoint"`
	DiskDisableWatch       bool    `yaml:"disk-disable-watch" toml:"disk-disable-watch"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint" toml:"otlp-endpoint"`
	MetricsListen          string  `yaml:"metrics-listen" toml:"metrics-listen"`
	RuntimeMetrics         bool    `yaml:"runtime-metrics" toml:"runtime-metrics"`
	LogLevel               string  `yaml:"log-level" toml:"log-level"`
}

func newConfigDefaults() configDefaults {
	return configDefaults{
		Store:                  gridsync.DefaultStore,
		Session:                gridsync.DefaultSessionName,
		Partitions:             gridsync.DefaultPartitions,
		Backups:                gridsync.DefaultBackupCount,
		StorageRetryAttempts:   gridsync.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  gridsync.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   gridsync.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: gridsync.DefaultStorageRetryMultiplier,
		CASMaxAttempts:         gridsync.DefaultCASMaxAttempts,
		WatchPollInterval:      gridsync.DefaultWatchPollInterval.String(),
		AcquireMinBackoff:      gridsync.DefaultAcquireMinBackoff.String(),
		AcquireMaxBackoff:      gridsync.DefaultAcquireMaxBackoff.String(),
		LogLevel:               "info",
	}
}

func defaultConfig(format string, overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := newConfigDefaults()
	for _, fn := range overrides {
		fn(&defaults)
	}
	switch format {
	case "", "yaml", "yml":
		data, err := yaml.Marshal(defaults)
		if err != nil {
			return nil, fmt.Errorf("encode yaml config: %w", err)
		}
		return data, nil
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(defaults); err != nil {
			return nil, fmt.Errorf("encode toml config: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown config format %q (options: yaml, toml)", format)
	}
}
