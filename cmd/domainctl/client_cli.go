package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/domainctl/internal/content"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/remote"
)

const defaultServer = "http://127.0.0.1:9990"

type clientConfig struct {
	server  string
	timeout time.Duration
}

func addClientFlags(cmd *cobra.Command) *clientConfig {
	cfg := &clientConfig{}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&cfg.server, "server", "s", defaultServer, "management endpoint of the host to talk to")
	flags.DurationVar(&cfg.timeout, "timeout", remote.DefaultTimeout, "request timeout")
	for _, name := range []string{"server", "timeout"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cfg
}

func (c *clientConfig) client() (*remote.Client, error) {
	server := strings.TrimSpace(viper.GetString("server"))
	if server == "" {
		server = c.server
	}
	timeout := viper.GetDuration("timeout")
	if timeout <= 0 {
		timeout = c.timeout
	}
	return remote.NewClient(remote.Config{Endpoint: server, Timeout: timeout})
}

func newExecCommand(cfg *clientConfig) *cobra.Command {
	var attachments []string
	cmd := &cobra.Command{
		Use:   "exec [operation-file|-]",
		Short: "Execute a management operation",
		Long: `Execute reads an operation in JSON or YAML and runs it through the
host's coordinator. Files passed with --attach become input streams 0, 1, ...
and are uploaded before the operation is sent.`,
		Example: `
  # Add a domain-wide system property
  echo '{"operation":"add","address":"/system-property=env","params":{"value":"prod"}}' | domainctl exec -

  # Deploy an archive to a server group
  domainctl exec deploy.yaml --attach app.war`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "-"
			if len(args) == 1 {
				source = args[0]
			}
			op, err := readOperation(cmd.InOrStdin(), source)
			if err != nil {
				return err
			}
			client, err := cfg.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if len(attachments) > 0 {
				for _, path := range attachments {
					f, err := os.Open(path)
					if err != nil {
						return fmt.Errorf("open attachment: %w", err)
					}
					defer f.Close()
					op.Attachments = append(op.Attachments, f)
				}
				op, err = content.Substitute(ctx, client, op)
				if err != nil {
					return fmt.Errorf("upload attachments: %w", err)
				}
			}
			res, err := client.Execute(ctx, op)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.IsFailed() {
				return fmt.Errorf("operation failed: %s", res.FailureDescription)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&attachments, "attach", nil, "file to attach as the next input stream (repeatable)")
	return cmd
}

// readOperation decodes an operation from path ("-" reads in). JSON is
// detected by a leading '{'; anything else is decoded as YAML.
func readOperation(in io.Reader, path string) (mgmt.Operation, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(in)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return mgmt.Operation{}, fmt.Errorf("read operation: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return mgmt.Operation{}, fmt.Errorf("read operation: empty input")
	}
	var op mgmt.Operation
	if data[0] == '{' {
		err = json.Unmarshal(data, &op)
	} else {
		err = yaml.Unmarshal(data, &op)
	}
	if err != nil {
		return mgmt.Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	if strings.TrimSpace(op.Name) == "" {
		return mgmt.Operation{}, fmt.Errorf("decode operation: operation name required")
	}
	return op, nil
}

func newHostsCommand(cfg *clientConfig) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List the hosts of the domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cfg.client()
			if err != nil {
				return err
			}
			hosts, err := client.Hosts(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(hosts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tENDPOINT\tROLE")
			for _, h := range hosts {
				role := "member"
				if h.Master {
					role = "master"
				}
				if h.Local {
					role += ",local"
				}
				endpoint := h.Endpoint
				if endpoint == "" {
					endpoint = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", h.Name, endpoint, role)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newContentCommand(cfg *clientConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Upload and download deployment content",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file and print its content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cfg.client()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			hash, err := client.StoreContent(cmd.Context(), f)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	})
	var out string
	get := &cobra.Command{
		Use:   "get <hash>",
		Short: "Download content by hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := content.ValidateHash(args[0]); err != nil {
				return err
			}
			client, err := cfg.client()
			if err != nil {
				return err
			}
			body, err := client.FetchContent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer body.Close()
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			_, err = io.Copy(w, body)
			return err
		},
	}
	get.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	cmd.AddCommand(get)
	return cmd
}
