package domainctl

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

	"pkt.systems/domainctl/internal/storage"
	awsstore "pkt.systems/domainctl/internal/storage/aws"
	azurestore "pkt.systems/domainctl/internal/storage/azure"
	"pkt.systems/domainctl/internal/storage/disk"
	"pkt.systems/domainctl/internal/storage/memory"
	"pkt.systems/domainctl/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// storeScheme returns the normalized scheme of a store URL; also used as the
// backend name in logs and spans.
func storeScheme(store string) (string, *url.URL, error) {
	u, err := url.Parse(store)
	if err != nil {
		return "", nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "", "mem", "memory":
		return "mem", u, nil
	case "disk", "s3", "aws", "azure":
		return scheme, u, nil
	default:
		return "", nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// openBackend opens the content backend named by cfg.Store.
func openBackend(ctx context.Context, cfg Config) (storage.Backend, string, error) {
	scheme, _, err := storeScheme(cfg.Store)
	if err != nil {
		return nil, "", err
	}
	switch scheme {
	case "mem":
		return memory.New(), scheme, nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		backend, err := disk.New(diskCfg)
		if err != nil {
			return nil, "", err
		}
		return backend, scheme, nil
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, "", err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, "", err
		}
		if err := ensureBucket(ctx, backend); err != nil {
			_ = backend.Close()
			return nil, "", err
		}
		return backend, scheme, nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, "", err
		}
		return backend, scheme, nil
	default:
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, "", err
		}
		backend, err := azurestore.New(azureCfg)
		if err != nil {
			return nil, "", err
		}
		return backend, scheme, nil
	}
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services
// (MinIO and friends): s3://host[:port]/bucket[/prefix]?insecure=1&path-style=1.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	scheme, u, err := storeScheme(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, err
	}
	if scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q is not s3", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	insecure := strings.EqualFold(query.Get("scheme"), "http") || queryBool(query, "insecure")
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = !ok
		}
	}
	cred, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(query, "path-style"),
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix]?region=R URLs.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	scheme, u, err := storeScheme(cfg.Store)
	if err != nil {
		return awsstore.Config{}, err
	}
	if scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q is not aws", u.Scheme)
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
		region = firstEnv("DOMAINCTL_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint:     strings.TrimSpace(query.Get("endpoint")),
		Region:       region,
		Bucket:       bucket,
		Prefix:       strings.Trim(u.Path, "/"),
		Insecure:     queryBool(query, "insecure"),
		UsePathStyle: queryBool(query, "path-style"),
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	scheme, u, err := storeScheme(cfg.Store)
	if err != nil {
		return azurestore.Config{}, err
	}
	if scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q is not azure", u.Scheme)
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
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	key := strings.TrimSpace(cfg.AzureAccountKey)
	if key == "" {
		key = firstEnv("DOMAINCTL_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("DOMAINCTL_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: key,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:///path URLs.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	scheme, u, err := storeScheme(cfg.Store)
	if err != nil {
		return disk.Config{}, err
	}
	if scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q is not disk", u.Scheme)
	}
	root := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		root = "/" + host + "/" + strings.TrimPrefix(root, "/")
	}
	if root == "" || root == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/domainctl/content)")
	}
	return disk.Config{Root: filepath.Clean(root)}, nil
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("DOMAINCTL_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("DOMAINCTL_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("DOMAINCTL_S3_SESSION_TOKEN")
		source = "env:DOMAINCTL_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func ensureBucket(ctx context.Context, store *s3.Store) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := store.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket does not exist")
	}
	return nil
}

func splitBucket(path string) (bucket, prefix string) {
	path = strings.Trim(path, "/")
	bucket, prefix, _ = strings.Cut(path, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func queryBool(query url.Values, key string) bool {
	v := query.Get(key)
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
