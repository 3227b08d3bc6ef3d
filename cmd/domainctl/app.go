package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/domainctl"
	"pkt.systems/domainctl/internal/svcfields"
	"pkt.systems/domainctl/internal/version"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DOMAINCTL_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "domainctl")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		if executed == cmd {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := domainctl.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, domainctl.DefaultConfigFileName)
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
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
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

// serveFlagNames lists the root flags that map onto domainctl.Config.
var serveFlagNames = []string{
	"host", "topology", "watch-topology", "model",
	"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing",
	"store", "content-prefix", "content-spool-mem", "content-max", "json-max",
	"pool-size", "fanout-width", "decision-timeout", "finalize-wait", "pending-timeout", "remote-timeout", "shutdown-timeout",
	"decision-retry-attempts", "decision-retry-base-delay", "decision-retry-max-delay", "decision-retry-multiplier",
	"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "aws-region",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg domainctl.Config
	cmd := &cobra.Command{
		Use:           "domainctl",
		Short:         "domainctl runs a host controller that coordinates management operations across a domain of hosts and servers",
		SilenceErrors: true,
		Example: `
  # Single-host domain with content kept in memory
  domainctl --host primary --model domain.yaml

  # Master of a two-host domain storing content on disk
  domainctl --host primary --topology topology.yaml --model domain.yaml --store disk:///var/lib/domainctl/content

  # Content in MinIO (TLS on by default; append ?insecure=1 for HTTP)
  DOMAINCTL_S3_ACCESS_KEY_ID=minioadmin DOMAINCTL_S3_SECRET_ACCESS_KEY=minioadmin \
    domainctl --host primary --store 's3://localhost:9000/domainctl?insecure=1&path-style=1'
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to domainctl",
				"version", version.Current(),
				"host", cfg.Host,
				"pid", os.Getpid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := domainctl.NewServer(cfg, domainctl.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = domainctl.DefaultShutdownTimeout
			}
			shutdown := func() error {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			defer func() { _ = shutdown() }()
			go func() {
				<-ctx.Done()
				if err := shutdown(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.domainctl/"+domainctl.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	client := addClientFlags(cmd)

	flags := cmd.Flags()
	// --pool_size is accepted as --pool-size.
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	flags.String("host", "", "name of the local host controller")
	flags.String("topology", "", "path to the YAML host topology (empty runs a single-host domain)")
	flags.Bool("watch-topology", false, "reload the topology file when it changes")
	flags.String("model", "", "path to the YAML domain model")
	flags.String("listen", domainctl.DefaultListen, "management API listen address")
	flags.String("listen-proto", domainctl.DefaultListenProto, "listener network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", domainctl.DefaultMetricsListen, "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", domainctl.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics listener")
	flags.String("otlp-endpoint", "", "OTLP trace collector (grpc://, grpcs://, http://, https://)")
	flags.Bool("disable-http-tracing", false, "disable spans around management API handlers")
	flags.String("store", domainctl.DefaultStore, "content store URL (mem://, disk:///path, s3://host/bucket, aws://bucket, azure://account/container)")
	flags.String("content-prefix", domainctl.DefaultContentPrefix, "object key prefix for content")
	flags.String("content-spool-mem", humanizeBytes(domainctl.DefaultContentSpoolMemory), "content buffered in memory before spilling to disk")
	flags.String("content-max", humanizeBytes(domainctl.DefaultContentMaxBytes), "maximum size of one uploaded content item")
	flags.String("json-max", humanizeBytes(domainctl.DefaultJSONMaxBytes), "maximum JSON request body size")
	flags.Int("pool-size", domainctl.DefaultPoolSize, "participant tasks that may run at once")
	flags.Int("fanout-width", domainctl.DefaultFanoutWidth, "widest participant fan-out one operation may reach")
	flags.Duration("decision-timeout", domainctl.DefaultDecisionTimeout, "how long a prepared participant waits for the verdict (negative disables)")
	flags.Duration("finalize-wait", domainctl.DefaultFinalizeWait, "how long an operation waits for participants to apply the verdict")
	flags.Duration("pending-timeout", domainctl.DefaultPendingTimeout, "roll back changes prepared for a remote coordinator after this long")
	flags.Duration("remote-timeout", domainctl.DefaultRemoteTimeout, "timeout of one request to another host")
	flags.Int("decision-retry-attempts", domainctl.DefaultDecisionRetryAttempts, "deliveries of one commit or rollback decision to another host")
	flags.Duration("decision-retry-base-delay", domainctl.DefaultDecisionRetryBaseDelay, "base delay between decision deliveries")
	flags.Duration("decision-retry-max-delay", domainctl.DefaultDecisionRetryMaxDelay, "maximum delay between decision deliveries")
	flags.Float64("decision-retry-multiplier", domainctl.DefaultDecisionRetryMultiplier, "backoff multiplier between decision deliveries")
	flags.Duration("shutdown-timeout", domainctl.DefaultShutdownTimeout, "graceful shutdown limit")
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("aws-region", "", "region for aws:// stores")
	flags.String("azure-account", "", "account for azure:// stores")
	flags.String("azure-key", "", "account key for azure:// stores")
	flags.String("azure-endpoint", "", "endpoint override for azure:// stores")
	flags.String("azure-sas-token", "", "SAS token for azure:// stores")
	flags.Int("storage-retry-attempts", domainctl.DefaultStorageRetryMaxAttempts, "attempts for transient storage errors")
	flags.Duration("storage-retry-base-delay", domainctl.DefaultStorageRetryBaseDelay, "base delay between storage retries")
	flags.Duration("storage-retry-max-delay", domainctl.DefaultStorageRetryMaxDelay, "maximum delay between storage retries")
	flags.Float64("storage-retry-multiplier", domainctl.DefaultStorageRetryMultiplier, "backoff multiplier between storage retries")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("DOMAINCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindFlag("config")
	bindFlag("log-level")
	for _, name := range serveFlagNames {
		bindFlag(name)
	}

	cmd.AddCommand(newExecCommand(client))
	cmd.AddCommand(newHostsCommand(client))
	cmd.AddCommand(newContentCommand(client))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *domainctl.Config) error {
	cfg.Host = viper.GetString("host")
	cfg.TopologyPath = viper.GetString("topology")
	cfg.WatchTopology = viper.GetBool("watch-topology")
	cfg.ModelPath = viper.GetString("model")
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.Store = viper.GetString("store")
	cfg.ContentPrefix = viper.GetString("content-prefix")
	for _, size := range []struct {
		name string
		dst  *int64
	}{
		{"content-spool-mem", &cfg.ContentSpoolMemory},
		{"content-max", &cfg.ContentMaxBytes},
		{"json-max", &cfg.JSONMaxBytes},
	} {
		raw := strings.TrimSpace(viper.GetString(size.name))
		if raw == "" {
			continue
		}
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", size.name, err)
		}
		*size.dst = int64(n)
	}
	cfg.PoolSize = viper.GetInt("pool-size")
	cfg.FanoutWidth = viper.GetInt("fanout-width")
	cfg.DecisionTimeout = viper.GetDuration("decision-timeout")
	cfg.FinalizeWait = viper.GetDuration("finalize-wait")
	cfg.PendingTimeout = viper.GetDuration("pending-timeout")
	cfg.RemoteTimeout = viper.GetDuration("remote-timeout")
	cfg.DecisionRetryAttempts = viper.GetInt("decision-retry-attempts")
	cfg.DecisionRetryBaseDelay = viper.GetDuration("decision-retry-base-delay")
	cfg.DecisionRetryMaxDelay = viper.GetDuration("decision-retry-max-delay")
	cfg.DecisionRetryMultiplier = viper.GetFloat64("decision-retry-multiplier")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	return nil
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
