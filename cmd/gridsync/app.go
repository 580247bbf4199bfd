package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/gridsync"
	"pkt.systems/gridsync/internal/correlation"
	"pkt.systems/gridsync/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("GRIDSYNC_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "gridsync")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cliApp carries the state shared by every subcommand: the viper instance the
// root flags are bound to and the base logger.
type cliApp struct {
	v          *viper.Viper
	baseLogger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	app := &cliApp{v: viper.New(), baseLogger: baseLogger}

	cmd := &cobra.Command{
		Use:           "gridsync",
		Short:         "gridsync drives distributed semaphores and queues on a shared grid store",
		SilenceErrors: true,
		Example: `
  # Semaphores on a directory shared by several hosts
  gridsync --store disk:///srv/gridsync semaphore try-acquire exports --permits 4

  # MinIO bucket (TLS on by default; append ?insecure=1 for HTTP)
  GRIDSYNC_S3_ACCESS_KEY_ID=minioadmin GRIDSYNC_S3_SECRET_ACCESS_KEY=minioadmin \
    gridsync --store s3://localhost:9000/gridsync?insecure=1 queue offer jobs payload

  # SQLite database file
  gridsync --store sqlite:///var/lib/gridsync/grid.db queue take jobs --timeout 30s
`,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.gridsync/"+gridsync.DefaultConfigFileName+")")
	persistentFlags.String("store", gridsync.DefaultStore, "store URL (mem://, memobj://, disk:///path, sqlite:///path, s3://host/bucket, aws://bucket, azure://account/container)")
	persistentFlags.String("session", gridsync.DefaultSessionName, "session name")
	persistentFlags.Int("partitions", gridsync.DefaultPartitions, "partition count of the in-process engine")
	persistentFlags.Int("backups", gridsync.DefaultBackupCount, "synchronous backups per partition (0 or 1)")
	persistentFlags.Int("storage-retry-attempts", gridsync.DefaultStorageRetryMaxAttempts, "maximum retries for transient storage errors")
	persistentFlags.Duration("storage-retry-base-delay", gridsync.DefaultStorageRetryBaseDelay, "base delay between storage retries")
	persistentFlags.Duration("storage-retry-max-delay", gridsync.DefaultStorageRetryMaxDelay, "maximum delay between storage retries")
	persistentFlags.Float64("storage-retry-multiplier", gridsync.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	persistentFlags.Int("cas-max-attempts", gridsync.DefaultCASMaxAttempts, "conditional-write rounds per invocation on object stores")
	persistentFlags.Duration("watch-poll-interval", gridsync.DefaultWatchPollInterval, "poll interval for object stores without change notifications")
	persistentFlags.Duration("acquire-min-backoff", gridsync.DefaultAcquireMinBackoff, "first wait between blocking acquire/take attempts")
	persistentFlags.Duration("acquire-max-backoff", gridsync.DefaultAcquireMaxBackoff, "maximum wait between blocking acquire/take attempts")
	persistentFlags.Int64("queue-max-size", 0, "maximum elements per queue (0 = unbounded)")
	persistentFlags.String("s3-access-key-id", "", "S3 access key (falls back to GRIDSYNC_S3_ACCESS_KEY_ID)")
	persistentFlags.String("s3-secret-access-key", "", "S3 secret key (falls back to GRIDSYNC_S3_SECRET_ACCESS_KEY)")
	persistentFlags.String("s3-region", "", "S3 region for s3:// stores")
	persistentFlags.String("aws-region", "", "AWS region for aws:// stores (falls back to AWS_REGION)")
	persistentFlags.String("azure-account", "", "Azure storage account (overrides the store URL host)")
	persistentFlags.String("azure-key", "", "Azure shared key (falls back to GRIDSYNC_AZURE_ACCOUNT_KEY)")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token (falls back to GRIDSYNC_AZURE_SAS_TOKEN)")
	persistentFlags.String("azure-endpoint", "", "Azure blob endpoint override")
	persistentFlags.Bool("disk-disable-watch", false, "disable fsnotify change notifications for disk:// stores")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (grpc://, grpcs://, http://, https://)")
	persistentFlags.String("metrics-listen", "", "serve Prometheus metrics on this address")
	persistentFlags.Bool("runtime-metrics", false, "add Go runtime metrics (requires --metrics-listen)")
	persistentFlags.String("correlation-id", "", "correlation id attached to logs and spans (minted when empty)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	app.v.SetEnvPrefix("GRIDSYNC")
	app.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	app.v.AutomaticEnv()
	persistentFlags.VisitAll(func(flag *pflag.Flag) {
		if err := app.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newSemaphoreCommand(app))
	cmd.AddCommand(newQueueCommand(app))
	cmd.AddCommand(newClearCommand(app))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// openSession loads the config file, binds flags and opens the session. It
// tags the command context with a correlation id so grid spans and log lines
// of one invocation can be joined. The caller closes the session.
func (a *cliApp) openSession(cmd *cobra.Command, subsystem string) (*gridsync.Session, pslog.Logger, error) {
	cmd.SilenceUsage = true
	configFile, err := loadConfigFile(a.v)
	if err != nil {
		return nil, nil, err
	}
	logger := a.baseLogger
	logLevel := strings.TrimSpace(a.v.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		logger = logger.LogLevel(level)
	}
	ctx := cmd.Context()
	if raw := strings.TrimSpace(a.v.GetString("correlation-id")); raw != "" {
		id, ok := correlation.Normalize(raw)
		if !ok {
			return nil, nil, fmt.Errorf("invalid correlation id %q", raw)
		}
		ctx = correlation.Set(ctx, id)
	}
	ctx, cid := correlation.Ensure(ctx)
	cmd.SetContext(ctx)
	cliLogger := svcfields.WithSubsystem(logger, svcfields.Subsystem("cli", subsystem)).With(svcfields.CorrelationKey, cid)

	if configFile != "" {
		cliLogger.Debug("cli.config.loaded", "path", configFile)
	}
	var cfg gridsync.Config
	if err := bindConfig(a.v, &cfg); err != nil {
		return nil, nil, err
	}
	cfg.Logger = logger
	sess, err := gridsync.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return sess, cliLogger, nil
}

func closeSession(sess *gridsync.Session, logger pslog.Logger) {
	if err := sess.Close(context.Background()); err != nil {
		logger.Warn("cli.session.close_failed", "error", err)
	}
}

func bindConfig(v *viper.Viper, cfg *gridsync.Config) error {
	store, err := expandStorePath(v.GetString("store"))
	if err != nil {
		return err
	}
	cfg.SessionName = v.GetString("session")
	cfg.Store = store
	cfg.Partitions = v.GetInt("partitions")
	cfg.BackupCount = v.GetInt("backups")
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	cfg.CASMaxAttempts = v.GetInt("cas-max-attempts")
	cfg.WatchPollInterval = v.GetDuration("watch-poll-interval")
	cfg.AcquireMinBackoff = v.GetDuration("acquire-min-backoff")
	cfg.AcquireMaxBackoff = v.GetDuration("acquire-max-backoff")
	cfg.QueueMaxSize = v.GetInt64("queue-max-size")
	cfg.S3.AccessKeyID = v.GetString("s3-access-key-id")
	cfg.S3.SecretAccessKey = v.GetString("s3-secret-access-key")
	cfg.S3.Region = v.GetString("s3-region")
	cfg.AWS.Region = v.GetString("aws-region")
	cfg.Azure.Account = v.GetString("azure-account")
	cfg.Azure.AccountKey = v.GetString("azure-key")
	cfg.Azure.SASToken = v.GetString("azure-sas-token")
	cfg.Azure.Endpoint = v.GetString("azure-endpoint")
	cfg.Disk.DisableWatch = v.GetBool("disk-disable-watch")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.EnableRuntimeMetrics = v.GetBool("runtime-metrics")
	return nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := gridsync.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, gridsync.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// expandStorePath resolves ~ in disk:// and sqlite:// store URLs.
func expandStorePath(store string) (string, error) {
	store = strings.TrimSpace(store)
	for _, scheme := range []string{"disk://", "sqlite://"} {
		rest, ok := strings.CutPrefix(store, scheme)
		if !ok || !strings.HasPrefix(rest, "~") {
			continue
		}
		path, query, _ := strings.Cut(rest, "?")
		expanded, err := expandPath(path)
		if err != nil {
			return "", fmt.Errorf("expand store path %q: %w", path, err)
		}
		out := scheme + filepath.ToSlash(expanded)
		if query != "" {
			out += "?" + query
		}
		return out, nil
	}
	return store, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
