package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"btrfsqcow.dev/audit/internal/audit"
	"btrfsqcow.dev/audit/internal/auditlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	verbosity := "info"
	var exceptionErr error
	var report *audit.Report

	cmd := &cobra.Command{
		Use:   "btrfs-qcow-audit IMAGE",
		Short: "Audit a qcow2 image's allocation against its btrfs filesystem",
		Args:  cobra.ExactArgs(1),

		SilenceUsage:  true,
		SilenceErrors: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := auditlog.ParseLevel(verbosity)
			if err != nil {
				return err
			}
			log := auditlog.New(os.Stderr, lvl)
			report, err = audit.Run(cmd.Context(), args[0], log)
			return err
		},
	}
	cmd.Flags().StringVar(&verbosity, "verbosity", verbosity, "diagnostic verbosity: error, warn, or info")

	if err := cmd.Execute(); err != nil {
		exceptionErr = err
	}

	if exceptionErr != nil {
		fmt.Fprintf(os.Stderr, "Exception: %v\n", exceptionErr)
		return 1
	}
	if report != nil && !report.Clean {
		return 1
	}
	return 0
}
