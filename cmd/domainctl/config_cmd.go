package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/domainctl"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage domainctl configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.domainctl/" + domainctl.DefaultConfigFileName
	if dir, err := domainctl.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, domainctl.DefaultConfigFileName)
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default domainctl configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := domainctl.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, domainctl.DefaultConfigFileName)
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root flags; keys match flag names so viper
// reads the generated file unchanged.
type configDefaults struct {
	Host                    string  `yaml:"host"`
	Topology                string  `yaml:"topology"`
	WatchTopology           bool    `yaml:"watch-topology"`
	Model                   string  `yaml:"model"`
	Listen                  string  `yaml:"listen"`
	ListenProto             string  `yaml:"listen-proto"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	Store                   string  `yaml:"store"`
	ContentPrefix           string  `yaml:"content-prefix"`
	ContentSpoolMem         string  `yaml:"content-spool-mem"`
	ContentMax              string  `yaml:"content-max"`
	JSONMax                 string  `yaml:"json-max"`
	PoolSize                int     `yaml:"pool-size"`
	FanoutWidth             int     `yaml:"fanout-width"`
	DecisionTimeout         string  `yaml:"decision-timeout"`
	FinalizeWait            string  `yaml:"finalize-wait"`
	PendingTimeout          string  `yaml:"pending-timeout"`
	RemoteTimeout           string  `yaml:"remote-timeout"`
	DecisionRetryAttempts   int     `yaml:"decision-retry-attempts"`
	DecisionRetryBaseDelay  string  `yaml:"decision-retry-base-delay"`
	DecisionRetryMaxDelay   string  `yaml:"decision-retry-max-delay"`
	DecisionRetryMultiplier float64 `yaml:"decision-retry-multiplier"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	StorageRetryAttempts    int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	host, _ := os.Hostname()
	defaults := configDefaults{
		Host:                    host,
		Listen:                  domainctl.DefaultListen,
		ListenProto:             domainctl.DefaultListenProto,
		MetricsListen:           domainctl.DefaultMetricsListen,
		PprofListen:             domainctl.DefaultPprofListen,
		Store:                   domainctl.DefaultStore,
		ContentPrefix:           domainctl.DefaultContentPrefix,
		ContentSpoolMem:         humanizeBytes(domainctl.DefaultContentSpoolMemory),
		ContentMax:              humanizeBytes(domainctl.DefaultContentMaxBytes),
		JSONMax:                 humanizeBytes(domainctl.DefaultJSONMaxBytes),
		PoolSize:                domainctl.DefaultPoolSize,
		FanoutWidth:             domainctl.DefaultFanoutWidth,
		DecisionTimeout:         domainctl.DefaultDecisionTimeout.String(),
		FinalizeWait:            domainctl.DefaultFinalizeWait.String(),
		PendingTimeout:          domainctl.DefaultPendingTimeout.String(),
		RemoteTimeout:           domainctl.DefaultRemoteTimeout.String(),
		DecisionRetryAttempts:   domainctl.DefaultDecisionRetryAttempts,
		DecisionRetryBaseDelay:  domainctl.DefaultDecisionRetryBaseDelay.String(),
		DecisionRetryMaxDelay:   domainctl.DefaultDecisionRetryMaxDelay.String(),
		DecisionRetryMultiplier: domainctl.DefaultDecisionRetryMultiplier,
		ShutdownTimeout:         domainctl.DefaultShutdownTimeout.String(),
		StorageRetryAttempts:    domainctl.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   domainctl.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    domainctl.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  domainctl.DefaultStorageRetryMultiplier,
		LogLevel:                "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
