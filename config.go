package domainctl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/domainctl/internal/coord"
	"pkt.systems/domainctl/internal/participant"
	"pkt.systems/domainctl/internal/remote"
)

const (
	// DefaultListen is the default TCP endpoint of the management API.
	DefaultListen = ":9990"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore keeps deployment content in memory when no store is provided.
	DefaultStore = "mem://"
	// DefaultContentPrefix is the object key prefix of content blobs.
	DefaultContentPrefix = "content/"
	// DefaultContentSpoolMemory bounds how much content is buffered in memory
	// while hashing before spilling to a temporary file.
	DefaultContentSpoolMemory = int64(4 << 20)
	// DefaultContentMaxBytes bounds a single uploaded content item.
	DefaultContentMaxBytes = int64(1 << 30)
	// DefaultJSONMaxBytes bounds JSON request bodies.
	DefaultJSONMaxBytes = int64(4 << 20)
	// DefaultPoolSize is the number of participant tasks that may run at once.
	DefaultPoolSize = participant.DefaultPoolSize
	// DefaultFanoutWidth is the expected number of participants one operation
	// reaches (hosts plus the servers of the widest rollout step).
	DefaultFanoutWidth = 16
	// DefaultDecisionTimeout bounds how long a prepared participant waits for
	// the verdict.
	DefaultDecisionTimeout = coord.DefaultDecisionTimeout
	// DefaultFinalizeWait bounds how long an execution waits for participants
	// to apply the verdict.
	DefaultFinalizeWait = coord.DefaultFinalizeWait
	// DefaultPendingTimeout rolls back a transaction prepared for a remote
	// coordinator that never decided.
	DefaultPendingTimeout = 5 * time.Minute
	// DefaultRemoteTimeout bounds one HTTP exchange with another host.
	DefaultRemoteTimeout = 2 * time.Minute
	// DefaultDecisionRetryAttempts bounds deliveries of one commit or
	// rollback decision to another host.
	DefaultDecisionRetryAttempts = remote.DefaultDecisionAttempts
	// DefaultDecisionRetryBaseDelay is the first delay between deliveries.
	DefaultDecisionRetryBaseDelay = remote.DefaultDecisionBaseDelay
	// DefaultDecisionRetryMaxDelay caps the delay between deliveries.
	DefaultDecisionRetryMaxDelay = remote.DefaultDecisionMaxDelay
	// DefaultDecisionRetryMultiplier defines the exponential backoff ratio.
	DefaultDecisionRetryMultiplier = remote.DefaultDecisionMultiplier
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the settings of one host controller process.
type Config struct {
	// Host is the name of the local host controller. It must appear in the
	// topology.
	Host string
	// TopologyPath points to the YAML host topology. Empty runs a
	// single-host domain where the local host is master.
	TopologyPath string
	// WatchTopology reloads TopologyPath when it changes.
	WatchTopology bool
	// ModelPath points to the YAML domain model. Empty starts from an empty
	// domain holding only the local host.
	ModelPath string

	// Listen is the management API bind address.
	Listen string
	// ListenProto selects the listener network (tcp, tcp4, tcp6, unix).
	ListenProto string
	// MetricsListen is the Prometheus endpoint; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics exports Go runtime metrics on MetricsListen.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
	// DisableHTTPTracing disables spans around HTTP handlers.
	DisableHTTPTracing bool

	// Store is the content backend URL (mem://, disk:///path, s3://host/bucket,
	// aws://bucket, azure://account/container).
	Store string
	// ContentPrefix namespaces content objects within Store.
	ContentPrefix string
	// ContentSpoolMemory bounds in-memory buffering while hashing content.
	ContentSpoolMemory int64
	// ContentMaxBytes bounds a single uploaded content item.
	ContentMaxBytes int64
	// JSONMaxBytes bounds JSON request bodies.
	JSONMaxBytes int64

	// PoolSize bounds concurrently running participant tasks.
	PoolSize int
	// FanoutWidth is the widest fan-out an operation is expected to reach.
	// PoolSize must cover it: every task holds its slot until decided.
	FanoutWidth int
	// DecisionTimeout bounds how long a prepared participant waits for the
	// verdict. Negative disables.
	DecisionTimeout time.Duration
	// FinalizeWait bounds how long an execution waits for participants to
	// apply the verdict.
	FinalizeWait time.Duration
	// PendingTimeout rolls back transactions prepared for a remote
	// coordinator that never decided.
	PendingTimeout time.Duration
	// RemoteTimeout bounds one HTTP exchange with another host.
	RemoteTimeout time.Duration
	// DecisionRetry* govern redelivery of commit and rollback decisions to
	// other hosts.
	DecisionRetryAttempts   int
	DecisionRetryBaseDelay  time.Duration
	DecisionRetryMaxDelay   time.Duration
	DecisionRetryMultiplier float64
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration

	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// AWSRegion selects the region of aws:// stores.
	AWSRegion string
	// AzureAccount overrides the account of azure:// stores.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if strings.ContainsAny(c.Host, "/=") {
		return fmt.Errorf("config: host %q must not contain '/' or '='", c.Host)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen network %q", c.ListenProto)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.WatchTopology && c.TopologyPath == "" {
		return fmt.Errorf("config: watching the topology requires a topology file")
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.ContentPrefix == "" {
		c.ContentPrefix = DefaultContentPrefix
	}
	if c.ContentSpoolMemory <= 0 {
		c.ContentSpoolMemory = DefaultContentSpoolMemory
	}
	if c.ContentMaxBytes <= 0 {
		c.ContentMaxBytes = DefaultContentMaxBytes
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("config: pool size must be > 0")
	}
	if c.FanoutWidth == 0 {
		c.FanoutWidth = DefaultFanoutWidth
	}
	if c.FanoutWidth < 0 {
		return fmt.Errorf("config: fanout width must be > 0")
	}
	if c.PoolSize < c.FanoutWidth {
		return fmt.Errorf("config: pool size %d is smaller than the fanout width %d", c.PoolSize, c.FanoutWidth)
	}
	if c.DecisionTimeout == 0 {
		c.DecisionTimeout = DefaultDecisionTimeout
	}
	if c.FinalizeWait <= 0 {
		c.FinalizeWait = DefaultFinalizeWait
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = DefaultRemoteTimeout
	}
	if c.DecisionRetryAttempts <= 0 {
		c.DecisionRetryAttempts = DefaultDecisionRetryAttempts
	}
	if c.DecisionRetryBaseDelay <= 0 {
		c.DecisionRetryBaseDelay = DefaultDecisionRetryBaseDelay
	}
	if c.DecisionRetryMaxDelay <= 0 {
		c.DecisionRetryMaxDelay = DefaultDecisionRetryMaxDelay
	}
	if c.DecisionRetryMaxDelay < c.DecisionRetryBaseDelay {
		return fmt.Errorf("config: decision retry max delay %s is below the base delay %s", c.DecisionRetryMaxDelay, c.DecisionRetryBaseDelay)
	}
	if c.DecisionRetryMultiplier < 1 {
		c.DecisionRetryMultiplier = DefaultDecisionRetryMultiplier
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
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
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.domainctl, or DOMAINCTL_CONFIG_DIR when set).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DOMAINCTL_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".domainctl"), nil
}
