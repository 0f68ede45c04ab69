package asyncstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/storage"
	awsstore "pkt.systems/asyncstore/internal/storage/aws"
	azurestore "pkt.systems/asyncstore/internal/storage/azure"
	"pkt.systems/asyncstore/internal/storage/disk"
	"pkt.systems/asyncstore/internal/storage/memory"
	"pkt.systems/asyncstore/internal/storage/postgres"
	"pkt.systems/asyncstore/internal/storage/redisstore"
	"pkt.systems/asyncstore/internal/storage/s3"
)

var supportedSchemes = []string{"mem", "memory", "disk", "s3", "aws", "azure", "redis", "rediss", "postgres", "postgresql"}

// SupportedSchemes lists the store URL schemes accepted by Config.Store.
func SupportedSchemes() []string {
	return slices.Clone(supportedSchemes)
}

func isSupportedScheme(scheme string) bool {
	return scheme == "" || slices.Contains(supportedSchemes, scheme)
}

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenBackend constructs the backend named by cfg.Store without wrappers.
func OpenBackend(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		s3cfg.Logger = logger
		return s3.New(ctx, s3cfg)
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awscfg.Logger = logger
		return awsstore.New(ctx, awscfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		azureCfg.Logger = logger
		return azurestore.New(ctx, azureCfg)
	case "redis", "rediss":
		redisCfg := BuildRedisConfig(cfg)
		redisCfg.Logger = logger
		return redisstore.New(ctx, redisCfg)
	case "postgres", "postgresql":
		return postgres.New(ctx, postgres.Config{DSN: cfg.Store, MaxConns: cfg.PostgresMaxConns, Logger: logger})
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/asyncstore)")
	}
	fsync := cfg.DiskFsync
	if v := u.Query().Get("fsync"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			fsync = ok
		}
	}
	return disk.Config{Root: filepath.Clean(pathPart), Fsync: fsync}, nil
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.).
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
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, summary, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("ASYNCSTORE_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("ASYNCSTORE_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("ASYNCSTORE_S3_SESSION_TOKEN")
		source = "env:ASYNCSTORE_S3_ACCESS_KEY_ID"
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

// BuildAWSConfig parses aws://bucket[/prefix] URLs.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or ASYNCSTORE_AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return awsstore.Config{
		Endpoint:        query.Get("endpoint"),
		Region:          region,
		Bucket:          bucket,
		Prefix:          strings.Trim(u.Path, "/"),
		Insecure:        insecure,
		ForcePathStyle:  forcePath,
		AccessKeyID:     strings.TrimSpace(cfg.S3AccessKeyID),
		SecretAccessKey: cfg.S3SecretAccessKey,
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
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
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultAzureEndpointPattern, account)
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("ASYNCSTORE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("ASYNCSTORE_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
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

// BuildRedisConfig maps redis:// URLs; the prefix query parameter overrides
// RedisPrefix.
func BuildRedisConfig(cfg Config) redisstore.Config {
	raw := cfg.Store
	prefix := cfg.RedisPrefix
	if u, err := url.Parse(raw); err == nil {
		q := u.Query()
		if v := q.Get("prefix"); v != "" {
			prefix = v
		}
		q.Del("prefix")
		u.RawQuery = q.Encode()
		raw = u.String()
	}
	return redisstore.Config{URL: raw, Prefix: prefix}
}

func splitBucketPath(p string) (string, string) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.Trim(parts[1], "/")
	}
	return strings.TrimSpace(parts[0]), ""
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
