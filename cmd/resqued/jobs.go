package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List the job classes this binary can perform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := initRegistry(slog.Default())
			if err != nil {
				return err
			}
			for _, class := range registry.Classes() {
				fmt.Fprintln(cmd.OutOrStdout(), class)
			}
			return nil
		},
	}
}
