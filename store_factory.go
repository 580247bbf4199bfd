package gridsync

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/grid/logging"
	"pkt.systems/gridsync/internal/grid/objectgrid"
	"pkt.systems/gridsync/internal/grid/partitioned"
	"pkt.systems/gridsync/internal/grid/retry"
	"pkt.systems/gridsync/internal/objectstore"
	awsstore "pkt.systems/gridsync/internal/objectstore/aws"
	azurestore "pkt.systems/gridsync/internal/objectstore/azure"
	"pkt.systems/gridsync/internal/objectstore/disk"
	"pkt.systems/gridsync/internal/objectstore/memory"
	"pkt.systems/gridsync/internal/objectstore/s3"
	sqlitestore "pkt.systems/gridsync/internal/objectstore/sqlite"
	"pkt.systems/gridsync/internal/svcfields"
	"pkt.systems/pslog"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openStore builds the grid engine named by cfg.Store, decorated with
// transient-error retries and span/trace logging.
func openStore(cfg Config, logger pslog.Logger) (grid.Store, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	var engine grid.Store
	switch u.Scheme {
	case "memory", "mem":
		engine, err = partitioned.New(partitioned.Config{
			Partitions:  cfg.Partitions,
			BackupCount: cfg.BackupCount,
			LedgerSize:  cfg.LedgerSize,
			Logger:      logger,
		})
	default:
		var backend objectstore.Backend
		backend, err = openBackend(cfg, logger)
		if err != nil {
			return nil, err
		}
		engine, err = objectgrid.New(objectgrid.Config{
			Backend:           backend,
			CASMaxAttempts:    cfg.CASMaxAttempts,
			WatchPollInterval: cfg.WatchPollInterval,
			LedgerSize:        cfg.ObjectLedgerSize,
			Logger:            logger,
		})
		if err != nil {
			_ = backend.Close()
		}
	}
	if err != nil {
		return nil, err
	}
	retried := retry.Wrap(engine, svcfields.WithSubsystem(logger, "grid.retry"), nil, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return logging.Wrap(retried, logger, "grid.store"), nil
}

func openBackend(cfg Config, logger pslog.Logger) (objectstore.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	backendLogger := svcfields.WithSubsystem(logger, "objectstore."+u.Scheme)
	switch u.Scheme {
	case "memobj":
		return memory.New(), nil
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		s3cfg.Logger = backendLogger
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(context.Background(), backend, s3cfg.Bucket); err != nil {
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awscfg.Logger = backendLogger
		return awsstore.New(awscfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		azureCfg.Logger = backendLogger
		return azurestore.New(azureCfg)
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = backendLogger
		backend, err := disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
		if ok, reason := backend.WatchStatus(); !ok && diskCfg.Watch {
			logger.Info("objectstore.disk.watch.disabled", "root", backend.Root(), "reason", reason)
		}
		return backend, nil
	case "sqlite":
		sqliteCfg, err := BuildSQLiteConfig(cfg)
		if err != nil {
			return nil, err
		}
		sqliteCfg.Logger = backendLogger
		return sqlitestore.New(sqliteCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	cred, summary, err := resolveGenericS3Credentials(cfg.S3)
	if err != nil {
		return s3.Config{}, summary, err
	}
	region := cfg.S3.Region
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       queryBool(query, "insecure"),
		ForcePathStyle: queryBool(query, "path-style"),
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 through the AWS SDK.
// Credentials come from the SDK's default chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(u.Path, "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWS.Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region, ?region= or AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       queryBool(query, "insecure"),
		ForcePathStyle: queryBool(query, "path-style"),
	}, resolveAWSCredentials(), nil
}

func resolveGenericS3Credentials(cfg S3Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.AccessKeyID)
	secretKey := cfg.SecretAccessKey
	sessionToken := cfg.SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("GRIDSYNC_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("GRIDSYNC_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("GRIDSYNC_S3_SESSION_TOKEN")
		source = "env:GRIDSYNC_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "chain"
		return nil, summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	switch {
	case strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")) != "":
		summary.AccessKey = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	case strings.TrimSpace(os.Getenv("AWS_PROFILE")) != "":
		summary.Source = "profile:" + strings.TrimSpace(os.Getenv("AWS_PROFILE"))
	default:
		summary.Source = "auto"
	}
	return summary
}

func ensureBucketReady(ctx context.Context, backend *s3.Store, bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := backend.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.Azure.Account != "" {
		account = cfg.Azure.Account
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.Azure.Endpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultAzureEndpointPattern, account)
	}
	accountKey := strings.TrimSpace(cfg.Azure.AccountKey)
	if accountKey == "" {
		accountKey = firstEnv("GRIDSYNC_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.Azure.SASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("GRIDSYNC_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	root, err := fileURLPath(cfg.Store, "disk", "disk:///var/lib/gridsync")
	if err != nil {
		return disk.Config{}, err
	}
	return disk.Config{Root: root, Watch: !cfg.Disk.DisableWatch}, nil
}

// BuildSQLiteConfig parses sqlite:// URLs into a sqlite.Config.
func BuildSQLiteConfig(cfg Config) (sqlitestore.Config, error) {
	path, err := fileURLPath(cfg.Store, "sqlite", "sqlite:///var/lib/gridsync/grid.db")
	if err != nil {
		return sqlitestore.Config{}, err
	}
	out := sqlitestore.Config{Path: path}
	u, _ := url.Parse(cfg.Store)
	if v := u.Query().Get("busy-timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return sqlitestore.Config{}, fmt.Errorf("sqlite busy-timeout: %w", err)
		}
		out.BusyTimeout = d
	}
	return out, nil
}

// fileURLPath extracts an absolute filesystem path from scheme:///path URLs,
// treating a host component as the first path element.
func fileURLPath(raw, scheme, example string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != scheme {
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("%s store path required (e.g. %s)", scheme, example)
	}
	return filepath.Clean(pathPart), nil
}

func splitBucketPath(p string) (string, string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	prefix := ""
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func queryBool(q url.Values, name string) bool {
	v := q.Get(name)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
