package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/domainctl/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the domainctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "domainctl %s\n", version.Current())
			return err
		},
	}
}
