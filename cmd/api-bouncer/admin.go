package main

import (
	"fmt"

	"github.com/aryangodara/api_bouncer/metrics"
	"github.com/spf13/cobra"
)

func newResetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <identifier> <route>",
		Short: "Reset the rate limit of a client on a route.",
		Long: `reset deletes the limiter state of a client on one route, so its next
request starts from a fresh window or a full bucket. Violations and blocks
are kept.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(cmd.Context(), *configPath, metrics.Noop{})
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.bouncer.Reset(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("failed to reset %s on %s: %w", args[0], args[1], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rate limit reset for %s on %s\n", args[0], args[1])
			return nil
		},
	}
}

func newUnblockCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <identifier>",
		Short: "Lift the block of a client and forget its violations.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(cmd.Context(), *configPath, metrics.Noop{})
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.bouncer.Unblock(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to unblock %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", args[0])
			return nil
		},
	}
}
