package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/internal/clifmt"
)

func newPendingCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List approval requests waiting for a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := c.client().ListPending(commandContext(cmd))
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				if items == nil {
					items = []guard.ApprovalRequest{}
				}
				return printJSON(cmd.OutOrStdout(), items)
			}
			printApprovalTable(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <command-id>",
		Short: "Show one approval request, pending or resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := c.client().GetApproval(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			printApproval(cmd.OutOrStdout(), rec)
			return nil
		},
	})
	return cmd
}

func newResolveCmd(c *cli) *cobra.Command {
	var approve, deny bool
	cmd := &cobra.Command{
		Use:   "resolve <command-id>",
		Short: "Approve or deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == deny {
				return fmt.Errorf("exactly one of --approve or --deny is required")
			}
			id := strings.TrimSpace(args[0])
			res, err := c.client().Resolve(commandContext(cmd), id, approve)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s by %s\n", clifmt.Key(res.CommandID), statusLabel(res.Status), res.Actor)
			return nil
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the request")
	cmd.Flags().BoolVar(&deny, "deny", false, "deny the request")
	cmd.MarkFlagsMutuallyExclusive("approve", "deny")
	return cmd
}
