package gridsync

import (
	"context"
	"testing"

	"pkt.systems/gridsync/internal/grid"
	"pkt.systems/gridsync/internal/objectstore/memory"
	"pkt.systems/pslog"
)

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store: "s3://minio.local:9000/locks/tenant-a?insecure=1&path-style=true",
		S3:    S3Config{AccessKeyID: "ak", SecretAccessKey: "sk"},
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s3cfg.Endpoint != "minio.local:9000" || s3cfg.Bucket != "locks" || s3cfg.Prefix != "tenant-a" {
		t.Fatalf("unexpected s3 config %+v", s3cfg)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure path-style config, got %+v", s3cfg)
	}
	if s3cfg.CustomCreds == nil || summary.AccessKey != "ak" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credentials %+v", summary)
	}
}

func TestBuildGenericS3ConfigErrors(t *testing.T) {
	for _, store := range []string{"s3:///bucket", "s3://host", "aws://bucket"} {
		if _, _, err := BuildGenericS3Config(Config{Store: store}); err == nil {
			t.Fatalf("expected error for %q", store)
		}
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://host/bucket", S3: S3Config{AccessKeyID: "only"}}); err == nil {
		t.Fatal("expected incomplete credentials error")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	awscfg, _, err := BuildAWSConfig(Config{Store: "aws://bucket/prefix/sub?region=eu-north-1&endpoint=localhost:4566&insecure=1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if awscfg.Bucket != "bucket" || awscfg.Prefix != "prefix/sub" || awscfg.Region != "eu-north-1" {
		t.Fatalf("unexpected aws config %+v", awscfg)
	}
	if awscfg.Endpoint != "localhost:4566" || !awscfg.Insecure {
		t.Fatalf("unexpected endpoint settings %+v", awscfg)
	}
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, _, err := BuildAWSConfig(Config{Store: "aws://bucket"}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	azcfg, err := BuildAzureConfig(Config{Store: "azure://acct/container/pfx?sas=sv%3D1", Azure: AzureConfig{AccountKey: "a2V5"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if azcfg.Account != "acct" || azcfg.Container != "container" || azcfg.Prefix != "pfx" {
		t.Fatalf("unexpected azure config %+v", azcfg)
	}
	if azcfg.Endpoint != "https://acct.blob.core.windows.net" || azcfg.SASToken != "sv=1" || azcfg.AccountKey != "a2V5" {
		t.Fatalf("unexpected azure credentials %+v", azcfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatal("expected missing container error")
	}
}

func TestBuildFileConfigs(t *testing.T) {
	diskCfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/gridsync"})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	if diskCfg.Root != "/var/lib/gridsync" || !diskCfg.Watch {
		t.Fatalf("unexpected disk config %+v", diskCfg)
	}
	diskCfg, err = BuildDiskConfig(Config{Store: "disk://data/grid", Disk: DiskConfig{DisableWatch: true}})
	if err != nil {
		t.Fatalf("disk host form: %v", err)
	}
	if diskCfg.Root != "/data/grid" || diskCfg.Watch {
		t.Fatalf("unexpected disk config %+v", diskCfg)
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatal("expected missing path error")
	}
	sqliteCfg, err := BuildSQLiteConfig(Config{Store: "sqlite:///tmp/grid.db?busy-timeout=2s"})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if sqliteCfg.Path != "/tmp/grid.db" || sqliteCfg.BusyTimeout.String() != "2s" {
		t.Fatalf("unexpected sqlite config %+v", sqliteCfg)
	}
}

func TestOpenStoreMemObjUsesObjectEngine(t *testing.T) {
	cfg := Config{Store: "memobj://"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	backend, err := openBackend(cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	_ = backend.Close()

	store, err := openStore(cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	key := grid.Key{Namespace: "ns", ID: "k"}
	if _, err := store.Invoke(context.Background(), key, grid.ProcessorFunc(func(e grid.Entry) ([]byte, error) {
		e.SetValue([]byte("v"))
		return nil, nil
	})); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	v, err := store.Get(context.Background(), key)
	if err != nil || string(v) != "v" {
		t.Fatalf("get %q err %v", v, err)
	}
}

func TestOpenStoreDiskRoundTrip(t *testing.T) {
	cfg := Config{Store: "disk://" + t.TempDir()}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	store, err := openStore(cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	key := grid.Key{Namespace: "ns", ID: "k"}
	if _, err := store.Invoke(context.Background(), key, grid.ProcessorFunc(func(e grid.Entry) ([]byte, error) {
		e.SetValue([]byte("v"))
		return nil, nil
	})); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	v, err := store.Get(context.Background(), key)
	if err != nil || string(v) != "v" {
		t.Fatalf("get %q err %v", v, err)
	}
}
