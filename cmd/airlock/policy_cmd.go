package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/airlock/guard"
)

func newPolicyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect or change the tool access policy and admin permissions",
	}
	cmd.AddCommand(newPolicyShowCmd(c), newPolicySetCmd(c), newPolicyPermissionsCmd(c))
	return cmd
}

func newPolicyShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the live policy snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := c.client().Policy(commandContext(cmd))
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printPolicy(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

// newPolicySetCmd replaces the tool access policy. Unset flags keep the
// current value, and the write is conditional on the hash that was read.
func newPolicySetCmd(c *cli) *cobra.Command {
	var (
		enabled bool
		mode    string
		allow   []string
		deny    []string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the tool access policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			client := c.client()
			snap, err := client.Policy(ctx)
			if err != nil {
				return err
			}
			draft := guard.ToolPolicyDraft{ToolAccessPolicy: snap.Tool.Policy}
			if !force {
				draft.BaseHash = snap.Tool.Hash
			}
			flags := cmd.Flags()
			if flags.Changed("enabled") {
				draft.Enabled = enabled
			}
			if flags.Changed("mode") {
				draft.Mode = guard.PolicyMode(mode)
			}
			if flags.Changed("allow") {
				draft.Allow = allow
			}
			if flags.Changed("deny") {
				draft.Deny = deny
			}

			state, err := client.UpdateToolPolicy(ctx, draft)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), state)
			}
			printToolPolicy(cmd.OutOrStdout(), state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enforce the tool access policy")
	cmd.Flags().StringVar(&mode, "mode", "", "policy mode (all|allowlist)")
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "tool or method names allowed in allowlist mode")
	cmd.Flags().StringSliceVar(&deny, "deny", nil, "tool or method names that are always blocked")
	cmd.Flags().BoolVar(&force, "force", false, "write even if the policy changed since it was read")
	return cmd
}

func newPolicyPermissionsCmd(c *cli) *cobra.Command {
	var editSLOs, ackAlerts, editRetention, runCleanup bool
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Change the admin permission flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			client := c.client()
			snap, err := client.Policy(ctx)
			if err != nil {
				return err
			}
			draft := snap.Permissions.Permissions
			flags := cmd.Flags()
			if flags.Changed("edit-slos") {
				draft.EditSLOs = editSLOs
			}
			if flags.Changed("acknowledge-alerts") {
				draft.AcknowledgeAlerts = ackAlerts
			}
			if flags.Changed("edit-retention") {
				draft.EditRetention = editRetention
			}
			if flags.Changed("run-cleanup") {
				draft.RunCleanup = runCleanup
			}

			state, err := client.UpdatePermissions(ctx, draft)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), state)
			}
			printPermissions(cmd.OutOrStdout(), state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&editSLOs, "edit-slos", false, "allow editing SLOs")
	cmd.Flags().BoolVar(&ackAlerts, "acknowledge-alerts", false, "allow acknowledging alerts")
	cmd.Flags().BoolVar(&editRetention, "edit-retention", false, "allow editing retention")
	cmd.Flags().BoolVar(&runCleanup, "run-cleanup", false, "allow running cleanup")
	return cmd
}

func newAuditCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List policy audit events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			events, err := c.client().Audit(commandContext(cmd), limit)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				if events == nil {
					events = []guard.AuditEvent{}
				}
				return printJSON(cmd.OutOrStdout(), events)
			}
			printAuditTable(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (server default when 0)")
	return cmd
}
