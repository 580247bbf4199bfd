package gridsync

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"
)

const (
	// DefaultSessionName names the session opened when Config.SessionName is empty.
	DefaultSessionName = "default"
	// DefaultStore runs the in-process partitioned engine.
	DefaultStore = "mem://"
	// DefaultPartitions is the partition count of the in-process engine.
	DefaultPartitions = 31
	// DefaultBackupCount keeps one synchronous backup per partition.
	DefaultBackupCount = 1
	// DefaultLedgerSize bounds the invocation results remembered per partition.
	DefaultLedgerSize = 1024
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultCASMaxAttempts bounds conditional-write rounds per invocation on object stores.
	DefaultCASMaxAttempts = 32
	// DefaultWatchPollInterval is how often object stores without a change feed are polled.
	DefaultWatchPollInterval = 250 * time.Millisecond
	// DefaultObjectLedgerSize bounds the invocation results remembered per group object.
	DefaultObjectLedgerSize = 128
	// DefaultAcquireMinBackoff is the first wait between acquire attempts.
	DefaultAcquireMinBackoff = 10 * time.Millisecond
	// DefaultAcquireMaxBackoff caps the wait between acquire attempts.
	DefaultAcquireMaxBackoff = time.Second
	// DefaultAzureEndpointPattern expands Azure account names into their HTTPS endpoint.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("gridsync: invalid config")

// Config captures the tunables for one session.
type Config struct {
	// SessionName is the name FindSession resolves.
	SessionName string
	// Store selects the grid engine and backend (mem://, memobj://, disk://,
	// s3://, aws://, azure://, sqlite://).
	Store string

	Partitions  int
	BackupCount int
	LedgerSize  int

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	CASMaxAttempts    int
	WatchPollInterval time.Duration
	ObjectLedgerSize  int

	AcquireMinBackoff time.Duration
	AcquireMaxBackoff time.Duration
	// QueueMaxSize bounds every queue. Zero means unbounded.
	QueueMaxSize int64

	S3    S3Config
	AWS   AWSConfig
	Azure AzureConfig
	Disk  DiskConfig

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics on /metrics when set.
	MetricsListen string
	// EnableRuntimeMetrics adds Go runtime metrics; requires MetricsListen.
	EnableRuntimeMetrics bool

	Logger pslog.Logger
}

// S3Config carries credentials for s3:// stores. Empty keys fall back to the
// GRIDSYNC_S3_* and standard AWS/MinIO environment variables.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// AWSConfig configures aws:// stores.
type AWSConfig struct {
	Region string
}

// AzureConfig configures azure:// stores.
type AzureConfig struct {
	Account    string
	AccountKey string
	SASToken   string
	Endpoint   string
}

// DiskConfig configures disk:// stores.
type DiskConfig struct {
	// DisableWatch turns off fsnotify change notifications; waiters poll.
	DisableWatch bool
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.SessionName = strings.TrimSpace(c.SessionName)
	if c.SessionName == "" {
		c.SessionName = DefaultSessionName
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("%w: parse store URL: %v", ErrInvalidConfig, err)
	}
	if !isSupportedScheme(u.Scheme) {
		return fmt.Errorf("%w: store scheme %q not supported (options: %s)", ErrInvalidConfig, u.Scheme, strings.Join(SupportedSchemes(), ", "))
	}
	if c.Partitions == 0 {
		c.Partitions = DefaultPartitions
	} else if c.Partitions < 0 {
		return fmt.Errorf("%w: partitions must be > 0", ErrInvalidConfig)
	}
	if c.BackupCount < 0 || c.BackupCount > 1 {
		return fmt.Errorf("%w: backup count must be 0 or 1, got %d", ErrInvalidConfig, c.BackupCount)
	}
	if c.LedgerSize <= 0 {
		c.LedgerSize = DefaultLedgerSize
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	} else if c.StorageRetryMultiplier < 1 {
		return fmt.Errorf("%w: storage retry multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("%w: storage retry max delay %s below base delay %s", ErrInvalidConfig, c.StorageRetryMaxDelay, c.StorageRetryBaseDelay)
	}
	if c.CASMaxAttempts <= 0 {
		c.CASMaxAttempts = DefaultCASMaxAttempts
	}
	if c.WatchPollInterval <= 0 {
		c.WatchPollInterval = DefaultWatchPollInterval
	}
	if c.ObjectLedgerSize <= 0 {
		c.ObjectLedgerSize = DefaultObjectLedgerSize
	}
	if c.AcquireMinBackoff <= 0 {
		c.AcquireMinBackoff = DefaultAcquireMinBackoff
	}
	if c.AcquireMaxBackoff <= 0 {
		c.AcquireMaxBackoff = DefaultAcquireMaxBackoff
	}
	if c.AcquireMaxBackoff < c.AcquireMinBackoff {
		return fmt.Errorf("%w: acquire max backoff %s below min backoff %s", ErrInvalidConfig, c.AcquireMaxBackoff, c.AcquireMinBackoff)
	}
	if c.QueueMaxSize < 0 {
		return fmt.Errorf("%w: queue max size must be >= 0", ErrInvalidConfig)
	}
	if c.EnableRuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("%w: runtime metrics require metrics-listen", ErrInvalidConfig)
	}
	return nil
}

// SupportedSchemes lists the store URL schemes Open understands.
func SupportedSchemes() []string {
	return []string{"mem", "memobj", "disk", "s3", "aws", "azure", "sqlite"}
}

func isSupportedScheme(scheme string) bool {
	switch scheme {
	case "memory", "mem", "memobj", "disk", "s3", "aws", "azure", "sqlite":
		return true
	}
	return false
}

// DefaultConfigDir returns GRIDSYNC_CONFIG_DIR or $HOME/.gridsync.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("GRIDSYNC_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gridsync"), nil
}
