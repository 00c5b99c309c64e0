package cli

import (
	"fmt"
	"time"

	"github.com/agentsh/agentgate/internal/client"
	"github.com/agentsh/agentgate/pkg/types"
	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		req     types.OperationRequest
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit OPERATION",
		Short: "Submit an operation and wait for the decision",
		Long: `Submit an operation request and block until it is allowed, denied or times out.

The decision is printed as JSON. The exit code is 0 when the operation may
proceed, 2 when it was denied and 3 when it timed out.

Examples:
  agentgate submit file_write --path ./src/main.go --reason "apply refactor"
  agentgate submit command_execute --command rm --arg -rf --arg build/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Operation = types.Operation(args[0])
			if timeout > 0 {
				req.TimeoutMs = timeout.Milliseconds()
			}
			dec, err := newClient(cmd).Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, dec); err != nil {
				return err
			}
			return decisionExit(dec)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.SessionID, "session", getenvDefault("AGENTGATE_SESSION", ""), "Session ID")
	f.StringVar(&req.Path, "path", "", "Target path")
	f.StringVar(&req.Command, "command", "", "Command to execute")
	f.StringArrayVar(&req.Args, "arg", nil, "Command argument (repeatable)")
	f.StringVar(&req.Resource, "resource", "", "Target resource for database/network operations")
	f.StringVar((*string)(&req.Severity), "severity", "", "low|medium|high|critical")
	f.StringVar(&req.Description, "description", "", "Human-readable description")
	f.StringVar(&req.Reason, "reason", "", "Why the agent needs this")
	f.DurationVar(&timeout, "timeout", 0, "How long to wait for a human (0 uses the policy default)")
	return cmd
}

func decisionExit(dec types.Decision) error {
	switch dec.Outcome {
	case types.OutcomeAllow:
		return nil
	case types.OutcomeTimeout:
		return exitWith(ExitTimeout, "")
	default:
		return exitWith(ExitDenied, "")
	}
}

func newCheckCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "check OPERATION [TARGET]",
		Short: "Ask the server how its policy would treat an operation",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 2 {
				target = args[1]
			}
			res, err := newClient(cmd).Check(cmd.Context(), types.Operation(args[0]), target, sessionID)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Evaluate with this session's trust level")
	return cmd
}

func newPendingCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List requests waiting for a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient(cmd).ListPending(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Only show requests from this session")
	return cmd
}

func newDecideCmd() *cobra.Command {
	var (
		allow    bool
		deny     bool
		remember bool
		scope    string
		totpCode string
	)
	cmd := &cobra.Command{
		Use:   "decide REQUEST_ID",
		Short: "Approve or deny a waiting request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if allow == deny {
				return fmt.Errorf("choose exactly one of --allow or --deny")
			}
			s := types.RememberScope(scope)
			if remember && !s.Valid() {
				return fmt.Errorf("invalid --scope %q: use session or permanent", scope)
			}
			outcome := types.OutcomeDeny
			if allow {
				outcome = types.OutcomeAllow
			}
			opts := client.DecideOptions{Remember: remember, Scope: s, TOTPCode: totpCode}
			if err := newClient(cmd).Decide(cmd.Context(), args[0], outcome, opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&allow, "allow", false, "Approve")
	cmd.Flags().BoolVar(&deny, "deny", false, "Deny")
	cmd.Flags().BoolVar(&remember, "remember", false, "Reuse this decision for matching requests")
	cmd.Flags().StringVar(&scope, "scope", string(types.ScopeSession), "Remember scope: session|permanent")
	cmd.Flags().StringVar(&totpCode, "totp", "", "One-time code when the server requires TOTP step-up")
	return cmd
}
