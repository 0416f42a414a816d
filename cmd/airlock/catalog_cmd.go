package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/internal/jsonutil"
	"github.com/quailyquaily/airlock/operator"
	"github.com/quailyquaily/airlock/skills"
)

func newClassifyCmd(c *cli) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "classify <tool> <method>",
		Short: "Show the airlock level of a tool method",
		Long:  "Show the airlock level of a tool method. Unknown methods report dangerous, the level the gate would apply.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				res operator.ClassifyResult
				err error
			)
			if remote {
				res, err = c.client().Classify(commandContext(cmd), args[0], args[1])
			} else {
				res, err = classifyLocal(c, args[0], args[1])
			}
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printClassify(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the running daemon instead of the local catalog")
	return cmd
}

func classifyLocal(c *cli, tool, method string) (operator.ClassifyResult, error) {
	reg, err := registryFromViper(c.log)
	if err != nil {
		return operator.ClassifyResult{}, err
	}
	res := operator.ClassifyResult{
		ToolName:   strings.TrimSpace(tool),
		MethodName: strings.TrimSpace(method),
	}
	level, err := guard.NewClassifier(reg).ClassifyFailClosed(tool, method)
	res.AirlockLevel = level
	res.Known = err == nil
	return res, nil
}

func newSkillsCmd(c *cli) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "List registered tools and their method levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var manifests []skills.Manifest
			if remote {
				var err error
				if manifests, err = c.client().Skills(commandContext(cmd)); err != nil {
					return err
				}
			} else {
				reg, err := registryFromViper(c.log)
				if err != nil {
					return err
				}
				manifests = reg.Manifests()
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), manifests)
			}
			printSkills(cmd.OutOrStdout(), manifests)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "list the running daemon's catalog instead of the local one")
	return cmd
}

func newGateCmd(c *cli) *cobra.Command {
	var (
		params    string
		commandID string
		sessionID string
		headless  bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gate <tool> <method>",
		Short: "Submit an invocation to the daemon and wait for its decision",
		Long: `Submit an invocation to the running daemon's gate and wait for the decision.
Exits non-zero when the invocation is not allowed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := operator.GateRequest{
				CommandID:  commandID,
				SessionID:  sessionID,
				ToolName:   args[0],
				MethodName: args[1],
				Headless:   headless,
			}
			if strings.TrimSpace(params) != "" {
				p, err := jsonutil.DecodeObject(params)
				if err != nil {
					return fmt.Errorf("invalid --params: %w", err)
				}
				req.Params = p
			}
			if timeout > 0 {
				req.Timeout = timeout.String()
			}

			res, err := c.client().Gate(commandContext(cmd), req)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printGateResult(cmd.OutOrStdout(), res)
			}
			if !res.Allowed() {
				return errNotAllowed{res: res}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "invocation parameters as a JSON object")
	cmd.Flags().StringVar(&commandID, "command-id", "", "command id (generated when empty)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id shown to the operator")
	cmd.Flags().BoolVar(&headless, "headless", false, "no human is available; risky calls are denied")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "expire the approval after this long (0 waits)")
	return cmd
}

type errNotAllowed struct {
	res guard.GateResult
}

func (e errNotAllowed) Error() string {
	if e.res.Reason != "" {
		return fmt.Sprintf("not allowed: %s", e.res.Reason)
	}
	return fmt.Sprintf("not allowed: %s", e.res.Decision)
}
