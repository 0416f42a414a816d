package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/airlock/operator"
)

// cli carries the resolved persistent flags to every subcommand.
type cli struct {
	configFile string
	server     string
	token      string
	output     string

	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "airlock",
		Short:         "Approval broker for agent tool calls",
		Long:          "Airlock classifies agent tool invocations by risk, applies the owner's tool access policy, and holds risky calls until a human approves them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initViper(c.configFile); err != nil {
				return err
			}
			log, err := loggerFromViper()
			if err != nil {
				return err
			}
			c.log = log
			slog.SetDefault(log)

			if !cmd.Flags().Changed("server") {
				if v := strings.TrimSpace(viper.GetString("client.server")); v != "" {
					c.server = v
				} else {
					c.server = viper.GetString("server.listen")
				}
			}
			if !cmd.Flags().Changed("token") {
				// Read-only commands work without a token.
				if tok, err := ownerTokenFromViper(commandContext(cmd)); err == nil {
					c.token = tok
				} else {
					c.log.Warn("owner_token_unresolved", "error", err.Error())
				}
			}
			switch c.output {
			case "text", "json":
			default:
				return fmt.Errorf("invalid --output %q (expected text|json)", c.output)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (default ~/.airlock/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&c.server, "server", "", "operator API address of a running daemon")
	rootCmd.PersistentFlags().StringVar(&c.token, "token", "", "owner token for resolve and policy writes")
	rootCmd.PersistentFlags().StringVarP(&c.output, "output", "o", "text", "output format (text|json)")

	rootCmd.AddCommand(
		newServeCmd(c),
		newPendingCmd(c),
		newResolveCmd(c),
		newPolicyCmd(c),
		newAuditCmd(c),
		newClassifyCmd(c),
		newSkillsCmd(c),
		newGateCmd(c),
		newVersionCmd(c),
	)
	return rootCmd
}

func (c *cli) client() *operator.Client {
	return operator.NewClient(c.server, c.token)
}

func (c *cli) jsonOutput() bool { return c.output == "json" }

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]string{"version": version, "commit": commit})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "airlock %s (%s)\n", version, commit)
			return nil
		},
	}
}
