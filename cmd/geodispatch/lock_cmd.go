package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/geodispatch/internal/core"
)

func newLockCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect namespace locks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <location[/mapset]>",
		Short: "Report whether a location or mapset is locked and by whom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := core.ParseNamespacePath(args[0])
			if err != nil {
				return err
			}
			if path.IsZero() {
				return core.Validation("a location is required")
			}
			ctx := cmd.Context()
			svc, err := a.openService(ctx, "cli.lock")
			if err != nil {
				return err
			}
			defer svc.Close()
			rec, err := svc.Locks().Status(ctx, path)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), core.ReportLock(path, rec))
		},
	})
	return cmd
}
